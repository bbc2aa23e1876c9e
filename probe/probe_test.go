package probe

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func startEcho(t *testing.T) *EchoServer {
	t.Helper()
	e, err := ListenEcho("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return e
}

func TestEchoServer_Echoes(t *testing.T) {
	e := startEcho(t)

	c, err := net.Dial("udp", e.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Write([]byte("marco"))
	buf := make([]byte, 16)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "marco" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestPing_AllReplies(t *testing.T) {
	e := startEcho(t)

	res, err := Ping(context.Background(), PingOptions{
		Addr:     e.Addr().String(),
		Count:    5,
		Size:     64,
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Sent != 5 || res.Received != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Loss() != 0 {
		t.Fatalf("expected no loss, got %v", res.Loss())
	}
	if res.MinRTT <= 0 || res.MinRTT > res.AvgRTT || res.AvgRTT > res.MaxRTT {
		t.Fatalf("inconsistent rtts: %+v", res)
	}
	if res.Bytes != 5*64 {
		t.Fatalf("bytes = %d, want %d", res.Bytes, 5*64)
	}
	if !strings.Contains(res.String(), "0.0% loss") {
		t.Fatalf("unexpected summary %q", res.String())
	}
}

func TestPing_NoResponder(t *testing.T) {
	// A bound socket that never answers.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	res, err := Ping(context.Background(), PingOptions{
		Addr:     silent.LocalAddr().String(),
		Count:    3,
		Interval: 5 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Received != 0 || res.Loss() != 1 {
		t.Fatalf("expected total loss, got %+v", res)
	}
}

func TestPing_Cancelled(t *testing.T) {
	e := startEcho(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Ping(ctx, PingOptions{Addr: e.Addr().String(), Count: 3, Interval: time.Second})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestResult_LossEmpty(t *testing.T) {
	if (Result{}).Loss() != 0 {
		t.Fatal("empty result should report no loss")
	}
}
