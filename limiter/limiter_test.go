package limiter

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

// fakeConn implements net.Conn for testing.
type fakeConn struct {
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
}

func newFakeConn(data string) *fakeConn {
	return &fakeConn{
		readBuf:  bytes.NewBufferString(data),
		writeBuf: &bytes.Buffer{},
	}
}

func (f *fakeConn) Read(p []byte) (int, error)         { return f.readBuf.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error)        { return f.writeBuf.Write(p) }
func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func TestWrap_ReadWrite(t *testing.T) {
	l := New(1e6)
	fc := newFakeConn("abc")
	conn := l.Wrap(fc)

	n, err := conn.Write([]byte("xyz"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 || fc.writeBuf.String() != "xyz" {
		t.Errorf("expected 'xyz' written, got %d bytes %q", n, fc.writeBuf.String())
	}

	buf := make([]byte, 3)
	n, err = conn.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(buf[:n]) != "abc" {
		t.Errorf("expected 'abc', got '%s'", string(buf[:n]))
	}
}

func TestWrap_ReadEOF(t *testing.T) {
	conn := New(1e6).Wrap(newFakeConn(""))
	n, err := conn.Read(make([]byte, 1))
	if n != 0 || err != io.EOF {
		t.Errorf("expected EOF and 0 bytes, got n=%d, err=%v", n, err)
	}
}

func TestWrap_WriteZero(t *testing.T) {
	conn := New(1e6).Wrap(newFakeConn(""))
	n, err := conn.Write([]byte{})
	if err != nil || n != 0 {
		t.Errorf("expected 0 bytes and no error, got n=%d, err=%v", n, err)
	}
}

func TestNilLimiter_PassThrough(t *testing.T) {
	var l *Limiter
	fc := newFakeConn("")
	if got := l.Wrap(fc); got != net.Conn(fc) {
		t.Fatal("nil limiter should return the conn unchanged")
	}
	if l.Rate() != 0 || l.MaxRate() != 0 {
		t.Fatal("nil limiter should report zero rates")
	}
}

func TestUnlimited_MeasuresRate(t *testing.T) {
	l := New(0)
	if l.bucket != nil {
		t.Fatal("unlimited limiter should have no bucket")
	}
	if l.MaxRate() != 0 {
		t.Fatalf("expected max rate 0, got %d", l.MaxRate())
	}
	conn := l.Wrap(newFakeConn(""))
	conn.Write(make([]byte, 4096))
	// The current slot has no elapsed span yet, so age it by hand.
	l.window.slots[l.window.current.Load()].second.Add(-1)
	if l.Rate() <= 0 {
		t.Fatalf("expected a positive measured rate, got %d", l.Rate())
	}
}

func TestLimiter_Throttles(t *testing.T) {
	// 10 KB/s with a 10 KB burst: the second 10 KB must wait about a second.
	l := New(10 * 1024)
	conn := l.Wrap(newFakeConn(""))
	start := time.Now()
	conn.Write(make([]byte, 10*1024))
	conn.Write(make([]byte, 5*1024))
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("expected throttling delay, write finished in %v", elapsed)
	}
}

func TestRateWindow_DropsOldSlots(t *testing.T) {
	var w rateWindow
	w.init(100)
	w.add(100, 1000)
	w.add(101, 1000)
	if got := w.rate(102); got != 1000 {
		t.Fatalf("rate = %d, want 1000", got)
	}
	if got := w.rate(200); got != 0 {
		t.Fatalf("stale slots should not count, rate = %d", got)
	}
}
