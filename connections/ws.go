package connections

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"udptunnel/config"

	"nhooyr.io/websocket"
)

const (
	wsPath = "/" + ProtocolName
	// Each WebSocket message carries one encoded frame.
	wsReadLimit = 128 * 1024
)

// WebSocketTransport tunnels each connection over its own WebSocket, for
// networks where only HTTP gets through.
type WebSocketTransport struct {
	opts Options
}

func NewWebSocketTransport(opts Options) *WebSocketTransport {
	return &WebSocketTransport{opts: opts}
}

func (t *WebSocketTransport) Name() string { return config.TransportWebSocket }

// wsURL accepts "host:port" or a full ws:// or wss:// URL.
func wsURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		return "ws://" + addr + wsPath, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url %q: %w", addr, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = wsPath
	}
	return u.String(), nil
}

func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	target, err := wsURL(addr)
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{Subprotocols: []string{ProtocolName}}
	if t.opts.InterfaceName != "" {
		d := &net.Dialer{Control: bindControl(t.opts.InterfaceName)}
		opts.HTTPClient = &http.Client{Transport: &http.Transport{DialContext: d.DialContext}}
	}
	c, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", target, err)
	}
	c.SetReadLimit(wsReadLimit)
	// The dial context only bounds the handshake.
	nc := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	return &wsConn{Conn: nc, remote: stringAddr{network: "ws", addr: target}}, nil
}

func (t *WebSocketTransport) Listen(addr string) (Listener, error) {
	lc := net.ListenConfig{Control: bindControl(t.opts.InterfaceName)}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen websocket %s: %w", addr, err)
	}
	l := &wsListener{
		netLn:   ln,
		connCh:  make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
		failCh:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, l.handleWebSocket)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("SERVER: websocket listener %s stopped: %v", addr, err)
			l.fail(err)
		}
	}()
	return l, nil
}

func (t *WebSocketTransport) Close() error { return nil }

type wsListener struct {
	netLn   net.Listener
	server  *http.Server
	connCh  chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool

	// failCh is closed once failErr is set, when Serve returns on its own.
	failCh   chan struct{}
	failErr  error
	failOnce sync.Once
}

func (l *wsListener) fail(err error) {
	l.failOnce.Do(func() {
		l.failErr = err
		close(l.failCh)
	})
}

func (l *wsListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{ProtocolName}})
	if err != nil {
		log.Printf("SERVER: websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	c.SetReadLimit(wsReadLimit)
	// The connection outlives this handler, so it must not use r.Context().
	nc := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	conn := &wsConn{Conn: nc, remote: stringAddr{network: "tcp", addr: r.RemoteAddr}}

	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		c.Close(websocket.StatusGoingAway, "server closed")
	}
}

func (l *wsListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("websocket listener: %w", net.ErrClosed)
	case <-l.failCh:
		return nil, fmt.Errorf("websocket listener: %w: %w", net.ErrClosed, l.failErr)
	}
}

func (l *wsListener) Addr() net.Addr { return l.netLn.Addr() }

// Close stops the HTTP server. Upgraded connections are hijacked and keep
// running.
func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// wsConn reports the peer address websocket.NetConn cannot see.
type wsConn struct {
	net.Conn
	remote net.Addr
}

func (c *wsConn) RemoteAddr() net.Addr { return c.remote }
