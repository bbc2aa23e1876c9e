package connections

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"udptunnel/config"
	"udptunnel/utils"

	"github.com/quic-go/quic-go"
)

var (
	MaxStreamsPerConnection int64         = 1000
	QUICIdleTimeout         time.Duration = 60 * time.Second
	QUICKeepAlive           time.Duration = 15 * time.Second
)

const openStreamAttempts = 2

// QUICTransport keeps one long-lived QUIC connection per server address and
// opens a fresh stream for every tunnel connection.
type QUICTransport struct {
	opts Options
	qcfg *quic.Config

	mu    sync.Mutex
	conns map[string]*quicClientConn
}

type quicClientConn struct {
	qconn *quic.Conn
	pconn net.PacketConn // non-nil when bound to an interface
}

func NewQUICTransport(opts Options) *QUICTransport {
	qcfg := opts.QUICConfig
	if qcfg == nil {
		qcfg = &quic.Config{
			MaxIdleTimeout:     QUICIdleTimeout,
			KeepAlivePeriod:    QUICKeepAlive,
			MaxIncomingStreams: MaxStreamsPerConnection,
		}
	}
	return &QUICTransport{opts: opts, qcfg: qcfg, conns: make(map[string]*quicClientConn)}
}

func (t *QUICTransport) Name() string { return config.TransportQUIC }

func (t *QUICTransport) clientTLS() *tls.Config {
	if t.opts.TLSConfig != nil {
		return t.opts.TLSConfig
	}
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtocolName},
	}
}

func (t *QUICTransport) serverTLS() (*tls.Config, error) {
	if t.opts.TLSConfig != nil {
		return t.opts.TLSConfig, nil
	}
	cert, err := utils.GenerateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ProtocolName},
	}, nil
}

// ensureConn returns a live connection to addr, redialling when the previous
// one has gone away.
func (t *QUICTransport) ensureConn(ctx context.Context, addr string) (*quic.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[addr]; ok {
		if c.qconn.Context().Err() == nil {
			return c.qconn, nil
		}
		c.close("reconnecting")
		delete(t.conns, addr)
	}

	c := &quicClientConn{}
	if t.opts.InterfaceName != "" {
		lc := net.ListenConfig{Control: bindControl(t.opts.InterfaceName)}
		pc, err := lc.ListenPacket(ctx, "udp", ":0")
		if err != nil {
			return nil, fmt.Errorf("bind to interface %q: %w", t.opts.InterfaceName, err)
		}
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("resolve %s: %w", addr, err)
		}
		qc, err := quic.Dial(ctx, pc, udpAddr, t.clientTLS(), t.qcfg)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("dial quic %s via interface %s: %w", addr, t.opts.InterfaceName, err)
		}
		c.qconn, c.pconn = qc, pc
	} else {
		qc, err := quic.DialAddr(ctx, addr, t.clientTLS(), t.qcfg)
		if err != nil {
			return nil, fmt.Errorf("dial quic %s: %w", addr, err)
		}
		c.qconn = qc
	}
	t.conns[addr] = c
	utils.Tracef("quic: connected to %s", addr)
	return c.qconn, nil
}

func (t *QUICTransport) drop(addr string, qc *quic.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[addr]; ok && c.qconn == qc {
		c.close("stream open failed")
		delete(t.conns, addr)
	}
}

// Dial opens a new stream to addr. A failed open tears the pooled connection
// down and retries once on a fresh one.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= openStreamAttempts; attempt++ {
		qc, err := t.ensureConn(ctx, addr)
		if err != nil {
			return nil, err
		}
		stream, err := qc.OpenStreamSync(ctx)
		if err == nil {
			return newStreamConn(stream, qc), nil
		}
		lastErr = err
		log.Printf("CLIENT: quic stream open to %s failed (attempt %d/%d): %v", addr, attempt, openStreamAttempts, err)
		t.drop(addr, qc)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("open quic stream to %s: %w", addr, lastErr)
}

func (t *QUICTransport) Listen(addr string) (Listener, error) {
	tlscfg, err := t.serverTLS()
	if err != nil {
		return nil, err
	}
	var (
		ln    *quic.Listener
		pconn net.PacketConn
	)
	if t.opts.InterfaceName != "" {
		lc := net.ListenConfig{Control: bindControl(t.opts.InterfaceName)}
		pconn, err = lc.ListenPacket(context.Background(), "udp", addr)
		if err != nil {
			return nil, fmt.Errorf("bind to interface %q: %w", t.opts.InterfaceName, err)
		}
		ln, err = quic.Listen(pconn, tlscfg, t.qcfg)
		if err != nil {
			_ = pconn.Close()
			return nil, fmt.Errorf("listen quic %s on interface %s: %w", addr, t.opts.InterfaceName, err)
		}
	} else {
		ln, err = quic.ListenAddr(addr, tlscfg, t.qcfg)
		if err != nil {
			return nil, fmt.Errorf("listen quic %s: %w", addr, err)
		}
	}

	l := &quicListener{
		ln:       ln,
		pconn:    pconn,
		streamCh: make(chan net.Conn, 16),
		closeCh:  make(chan struct{}),
		failCh:   make(chan struct{}),
	}
	go l.acceptConns()
	return l, nil
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, c := range t.conns {
		c.close("transport closed")
		delete(t.conns, addr)
	}
	return nil
}

func (c *quicClientConn) close(reason string) {
	_ = c.qconn.CloseWithError(0, reason)
	if c.pconn != nil {
		_ = c.pconn.Close()
	}
}

// quicListener turns the connection-then-stream accept of QUIC into a flat
// stream of net.Conn.
type quicListener struct {
	ln       *quic.Listener
	pconn    net.PacketConn
	streamCh chan net.Conn
	closeCh  chan struct{}
	closed   atomic.Bool

	// failCh is closed once failErr is set, when the QUIC listener dies
	// without Close being called.
	failCh   chan struct{}
	failErr  error
	failOnce sync.Once
}

func (l *quicListener) acceptConns() {
	for {
		qc, err := l.ln.Accept(context.Background())
		if err != nil {
			if !l.closed.Load() {
				log.Printf("SERVER: quic accept failed: %v", err)
				l.fail(err)
			}
			return
		}
		go l.acceptStreams(qc)
	}
}

func (l *quicListener) acceptStreams(qc *quic.Conn) {
	for {
		stream, err := qc.AcceptStream(context.Background())
		if err != nil {
			utils.Tracef("quic: connection from %s done: %v", qc.RemoteAddr(), err)
			return
		}
		select {
		case l.streamCh <- newStreamConn(stream, qc):
		case <-l.closeCh:
			stream.CancelRead(0)
			_ = stream.Close()
			return
		}
	}
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-l.streamCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("quic listener: %w", net.ErrClosed)
	case <-l.failCh:
		return nil, fmt.Errorf("quic listener: %w: %w", net.ErrClosed, l.failErr)
	}
}

func (l *quicListener) fail(err error) {
	l.failOnce.Do(func() {
		l.failErr = err
		close(l.failCh)
	})
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting. The listener owns its UDP socket, so closing it also
// closes every connection it accepted and the streams handed out on them.
func (l *quicListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	err := l.ln.Close()
	if l.pconn != nil {
		if cerr := l.pconn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
	}
	return err
}

// streamConn adapts a QUIC stream to net.Conn.
type streamConn struct {
	stream *quic.Stream
	local  net.Addr
	remote net.Addr
}

func newStreamConn(s *quic.Stream, qc *quic.Conn) *streamConn {
	return &streamConn{stream: s, local: qc.LocalAddr(), remote: qc.RemoteAddr()}
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// Close ends both directions of the stream. The peer reads io.EOF.
func (c *streamConn) Close() error {
	c.stream.CancelRead(0)
	return c.stream.Close()
}

func (c *streamConn) LocalAddr() net.Addr                { return c.local }
func (c *streamConn) RemoteAddr() net.Addr               { return c.remote }
func (c *streamConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
