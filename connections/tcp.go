package connections

import (
	"context"
	"fmt"
	"net"

	"udptunnel/config"
)

// TCPTransport carries each tunnel connection on its own TCP connection.
type TCPTransport struct {
	opts Options
}

func NewTCPTransport(opts Options) *TCPTransport {
	return &TCPTransport{opts: opts}
}

func (t *TCPTransport) Name() string { return config.TransportTCP }

func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Control: bindControl(t.opts.InterfaceName)}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Datagrams are latency sensitive.
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

func (t *TCPTransport) Listen(addr string) (Listener, error) {
	lc := net.ListenConfig{Control: bindControl(t.opts.InterfaceName)}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}

func (t *TCPTransport) Close() error { return nil }

type tcpListener struct {
	ln net.Listener
}

// Accept ignores ctx; closing the listener unblocks it.
func (l *tcpListener) Accept(_ context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tcpListener) Close() error   { return l.ln.Close() }
