package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"slices"
	"strconv"
	"time"

	"udptunnel/config"
	"udptunnel/connections"
	"udptunnel/frame"
	"udptunnel/limiter"
	"udptunnel/recovery"
	"udptunnel/status"
	"udptunnel/utils"

	"golang.org/x/sync/errgroup"
)

// ServerOptions configures a ServerBridge.
type ServerOptions struct {
	Name               string
	ListenAddress      string
	TargetAddress      string // fixed UDP target every session talks to
	Transport          connections.Transport
	Limiter            *limiter.Limiter
	AllowedInAddresses []string // peer IPs, empty allows everyone
	Monitor            *status.ConnectionMonitor
}

// ServerBridge accepts stream connections and runs one independent session
// per connection, each bridging to TargetAddress over its own UDP socket.
type ServerBridge struct {
	opts  ServerOptions
	stats *status.RelayStats
	ln    connections.Listener
}

// errPeerClosed ends a session when the peer closes on a frame boundary.
var errPeerClosed = errors.New("peer closed the connection")

const maxAcceptDelay = time.Second

func NewServerBridge(opts ServerOptions) *ServerBridge {
	if opts.Name == "" {
		opts.Name = "server"
	}
	if opts.ListenAddress == "" {
		opts.ListenAddress = config.DefaultServerListenAddress
	}
	if opts.TargetAddress == "" {
		opts.TargetAddress = config.DefaultTargetAddress
	}
	if opts.Transport == nil {
		opts.Transport = connections.NewTCPTransport(connections.Options{})
	}
	if opts.Monitor == nil {
		opts.Monitor = status.GlobalConnMonitorRef
	}
	stats := opts.Monitor.Register(opts.Name, status.RoleServer)
	if opts.Limiter != nil {
		stats.SetLimiter(opts.Limiter)
	}
	return &ServerBridge{opts: opts, stats: stats}
}

// Listen binds the stream listener. Run calls it when it has not been called.
func (b *ServerBridge) Listen() error {
	ln, err := b.opts.Transport.Listen(b.opts.ListenAddress)
	if err != nil {
		return err
	}
	b.ln = ln
	log.Printf("SERVER: Relay %s listening on %s via %s, target %s",
		b.opts.Name, ln.Addr(), b.opts.Transport.Name(), b.opts.TargetAddress)
	return nil
}

// Close releases the listener of a bridge that will not be run.
func (b *ServerBridge) Close() error {
	if b.ln == nil {
		return nil
	}
	return b.ln.Close()
}

// Addr is the bound listener address, nil before Listen.
func (b *ServerBridge) Addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

func (b *ServerBridge) Stats() status.Snapshot {
	return b.stats.Snapshot()
}

// Run accepts connections until ctx is cancelled or the listener fails.
// Cancelling ctx closes the listener; sessions already running continue until
// their stream ends.
func (b *ServerBridge) Run(ctx context.Context) error {
	if b.ln == nil {
		if err := b.Listen(); err != nil {
			return err
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		b.ln.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := b.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("SERVER: Relay %s shutting down", b.opts.Name)
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("relay %s listener: %w", b.opts.Name, err)
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > maxAcceptDelay {
				tempDelay = maxAcceptDelay
			}
			log.Printf("SERVER: Relay %s accept error: %v; retrying in %v", b.opts.Name, err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		if !b.allowed(conn.RemoteAddr()) {
			log.Printf("SERVER: Relay %s rejected connection from %s (not in allow list)", b.opts.Name, conn.RemoteAddr())
			conn.Close()
			continue
		}

		go b.serveSession(utils.NextID(), conn)
	}
}

func (b *ServerBridge) allowed(addr net.Addr) bool {
	if len(b.opts.AllowedInAddresses) == 0 {
		return true
	}
	if addr == nil {
		return false
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return slices.Contains(b.opts.AllowedInAddresses, host)
}

func (b *ServerBridge) serveSession(id uint64, conn net.Conn) {
	defer recovery.RecoverWithLog("relay " + b.opts.Name + " session " + strconv.FormatUint(id, 10))
	defer conn.Close()

	peer := conn.RemoteAddr()
	b.stats.ConnOpened()
	reason := status.ReasonError
	defer func() { b.stats.ConnClosed(reason) }()

	log.Printf("SERVER: Relay %s session %d from %s started", b.opts.Name, id, peer)
	err := b.runSession(id, b.opts.Limiter.Wrap(conn))
	if err != nil {
		log.Printf("SERVER: Relay %s session %d from %s ended: %v", b.opts.Name, id, peer, err)
		return
	}
	reason = status.ReasonEOF
	log.Printf("SERVER: Relay %s session %d from %s: peer disconnected", b.opts.Name, id, peer)
}

// dialTarget opens a UDP socket of the target's address family, connected to
// the target.
func dialTarget(target string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("resolve target %s: %w", target, err)
	}
	network := "udp6"
	if raddr.IP == nil || raddr.IP.To4() != nil {
		network = "udp4"
	}
	udp, err := net.DialUDP(network, nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("connect udp %s: %w", target, err)
	}
	return udp, nil
}

// runSession bridges one stream connection to the target. It returns nil
// when the peer closes the stream on a frame boundary.
func (b *ServerBridge) runSession(id uint64, conn net.Conn) error {
	udp, err := dialTarget(b.opts.TargetAddress)
	if err != nil {
		return err
	}
	defer udp.Close()

	peer := conn.RemoteAddr()
	g, gctx := errgroup.WithContext(context.Background())

	// The first pump to fail unblocks the other.
	go func() {
		<-gctx.Done()
		conn.Close()
		udp.Close()
	}()

	g.Go(func() error {
		defer recovery.RecoverWithCallback(fmt.Sprintf("session %d udp pump", id), func(r interface{}) {
			conn.Close()
			udp.Close()
		})
		w := frame.NewWriter(conn)
		buf := make([]byte, frame.MaxPayload)
		for {
			n, err := udp.Read(buf)
			if err != nil {
				return fmt.Errorf("read udp %s: %w", b.opts.TargetAddress, err)
			}
			if err := w.WriteFrame(buf[:n]); err != nil {
				return fmt.Errorf("write frame to %s: %w", peer, err)
			}
			b.stats.Upstream(n)
			utils.Tracef("SERVER: %s session %d %d bytes %s -> %s", b.opts.Name, id, n, b.opts.TargetAddress, peer)
		}
	})

	g.Go(func() error {
		defer recovery.RecoverWithCallback(fmt.Sprintf("session %d stream pump", id), func(r interface{}) {
			conn.Close()
			udp.Close()
		})
		fr := frame.NewReader(conn)
		for {
			p, err := fr.Read()
			if err == io.EOF {
				return errPeerClosed
			}
			if err != nil {
				return fmt.Errorf("read frame from %s: %w", peer, err)
			}
			if _, err := udp.Write(p); err != nil {
				return fmt.Errorf("send udp %s: %w", b.opts.TargetAddress, err)
			}
			b.stats.Downstream(len(p))
			utils.Tracef("SERVER: %s session %d %d bytes %s -> %s", b.opts.Name, id, len(p), peer, b.opts.TargetAddress)
		}
	})

	err = g.Wait()
	if errors.Is(err, errPeerClosed) {
		return nil
	}
	return err
}
