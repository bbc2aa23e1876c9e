package connections

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func listenAndDial(t *testing.T, tr Transport) (client, server net.Conn, ln Listener) {
	t.Helper()
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("%s listen: %v", tr.Name(), err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	client, err = tr.Dial(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("%s dial: %v", tr.Name(), err)
	}
	t.Cleanup(func() { client.Close() })

	// QUIC only announces a stream once it carries data.
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("%s write: %v", tr.Name(), err)
	}

	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("%s accept: %v", tr.Name(), err)
	}
	t.Cleanup(func() { server.Close() })

	buf := make([]byte, 5)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("%s server read: %v", tr.Name(), err)
	}
	if string(buf) != "hello" {
		t.Fatalf("%s server got %q", tr.Name(), buf)
	}
	return client, server, ln
}

func allTransports() []Transport {
	return []Transport{
		NewTCPTransport(Options{}),
		NewQUICTransport(Options{}),
		NewWebSocketTransport(Options{}),
	}
}

func TestTransports_RoundTrip(t *testing.T) {
	for _, tr := range allTransports() {
		t.Run(tr.Name(), func(t *testing.T) {
			defer tr.Close()
			client, server, _ := listenAndDial(t, tr)

			if _, err := server.Write([]byte("world!")); err != nil {
				t.Fatalf("server write: %v", err)
			}
			buf := make([]byte, 6)
			client.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := io.ReadFull(client, buf); err != nil {
				t.Fatalf("client read: %v", err)
			}
			if string(buf) != "world!" {
				t.Fatalf("client got %q", buf)
			}
			if server.RemoteAddr() == nil || server.RemoteAddr().String() == "" {
				t.Fatalf("server conn has no remote address")
			}
		})
	}
}

func TestTransports_CloseGivesPeerEOF(t *testing.T) {
	for _, tr := range allTransports() {
		t.Run(tr.Name(), func(t *testing.T) {
			defer tr.Close()
			client, server, _ := listenAndDial(t, tr)

			// A WebSocket close waits for the peer to answer, so it cannot
			// run on the reading goroutine.
			go client.Close()
			server.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, err := server.Read(make([]byte, 1))
			if err != io.EOF {
				t.Fatalf("expected io.EOF after peer close, got %v", err)
			}
		})
	}
}

func TestTransports_AcceptAfterClose(t *testing.T) {
	for _, tr := range allTransports() {
		t.Run(tr.Name(), func(t *testing.T) {
			defer tr.Close()
			ln, err := tr.Listen("127.0.0.1:0")
			if err != nil {
				t.Fatalf("listen: %v", err)
			}
			ln.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err = ln.Accept(ctx)
			if !errors.Is(err, net.ErrClosed) {
				t.Fatalf("expected net.ErrClosed, got %v", err)
			}
		})
	}
}

func TestQUICTransport_ReusesConnection(t *testing.T) {
	tr := NewQUICTransport(Options{})
	defer tr.Close()
	client, _, ln := listenAndDial(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	second, err := tr.Dial(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	if len(tr.conns) != 1 {
		t.Fatalf("expected one pooled connection, got %d", len(tr.conns))
	}
	if second.LocalAddr().String() != client.LocalAddr().String() {
		t.Fatalf("streams should share the QUIC connection: %v vs %v", second.LocalAddr(), client.LocalAddr())
	}
}

func TestDial_Unreachable(t *testing.T) {
	// Grab a free port and release it so nothing is listening there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	for _, tr := range []Transport{NewTCPTransport(Options{}), NewWebSocketTransport(Options{})} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := tr.Dial(ctx, addr); err == nil {
			t.Errorf("%s: expected dial error", tr.Name())
		}
		cancel()
	}
}

func TestNew(t *testing.T) {
	for kind, want := range map[string]string{"": "tcp", "tcp": "tcp", "QUIC": "quic", "ws": "ws"} {
		tr, err := New(kind, Options{})
		if err != nil {
			t.Fatalf("New(%q): %v", kind, err)
		}
		if tr.Name() != want {
			t.Errorf("New(%q).Name() = %q, want %q", kind, tr.Name(), want)
		}
	}
	if _, err := New("carrier-pigeon", Options{}); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestWsURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"example.com:8080", "ws://example.com:8080/udptunnel", false},
		{"ws://example.com:8080", "ws://example.com:8080/udptunnel", false},
		{"wss://example.com/custom", "wss://example.com/custom", false},
		{"http://example.com", "", true},
	}
	for _, tt := range tests {
		got, err := wsURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("wsURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("wsURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestListeners_FatalErrorEndsAccept(t *testing.T) {
	// Each case kills the listener underneath without calling Close.
	tests := []struct {
		name string
		tr   Transport
		kill func(Listener)
	}{
		{"quic", NewQUICTransport(Options{}), func(ln Listener) { ln.(*quicListener).ln.Close() }},
		{"ws", NewWebSocketTransport(Options{}), func(ln Listener) { ln.(*wsListener).netLn.Close() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer tt.tr.Close()
			ln, err := tt.tr.Listen("127.0.0.1:0")
			if err != nil {
				t.Fatalf("listen: %v", err)
			}
			defer ln.Close()
			tt.kill(ln)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err = ln.Accept(ctx)
			if err == nil || errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected the listener failure from Accept, got %v", err)
			}
			if !errors.Is(err, net.ErrClosed) {
				t.Fatalf("expected error wrapping net.ErrClosed, got %v", err)
			}
		})
	}
}
