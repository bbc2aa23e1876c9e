// Package connections provides the stream transports a tunnel can run over.
// Every transport hands out plain net.Conn values so the relays never see
// which one is in use.
package connections

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"udptunnel/config"

	"github.com/quic-go/quic-go"
)

// ALPN and WebSocket subprotocol name.
const ProtocolName = "udptunnel"

// Transport dials and listens for tunnel stream connections.
type Transport interface {
	Name() string
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Listen(addr string) (Listener, error)
	// Close releases long-lived state such as pooled QUIC connections.
	Close() error
}

// Listener accepts tunnel stream connections. After Close, Accept returns an
// error wrapping net.ErrClosed.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

// Options tune a transport. The zero value is usable.
type Options struct {
	// InterfaceName binds sockets to a network interface (Linux only).
	InterfaceName string
	// TLSConfig overrides the QUIC TLS configuration. Servers get a
	// self-signed certificate when it is nil.
	TLSConfig *tls.Config
	// QUICConfig overrides the default QUIC parameters.
	QUICConfig *quic.Config
}

// New returns the transport registered under kind.
func New(kind string, opts Options) (Transport, error) {
	switch strings.ToLower(kind) {
	case "", config.TransportTCP:
		return NewTCPTransport(opts), nil
	case config.TransportQUIC:
		return NewQUICTransport(opts), nil
	case config.TransportWebSocket:
		return NewWebSocketTransport(opts), nil
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

// stringAddr is a net.Addr for transports that only know a textual peer.
type stringAddr struct {
	network string
	addr    string
}

func (a stringAddr) Network() string { return a.network }
func (a stringAddr) String() string  { return a.addr }
