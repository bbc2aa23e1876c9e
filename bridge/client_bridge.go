package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"udptunnel/config"
	"udptunnel/connections"
	"udptunnel/frame"
	"udptunnel/limiter"
	"udptunnel/recovery"
	"udptunnel/status"
	"udptunnel/utils"
)

// ClientOptions configures a ClientBridge.
type ClientOptions struct {
	Name          string
	ListenAddress string // local UDP bind address
	ServerAddress string
	IdleTimeout   time.Duration
	DialTimeout   time.Duration
	Transport     connections.Transport     // defaults to TCP
	Limiter       *limiter.Limiter          // optional
	Monitor       *status.ConnectionMonitor // defaults to status.GlobalConnMonitorRef
}

// ClientBridge fronts one local UDP socket and carries its datagrams to a
// server over a stream connection that is dialled on demand and torn down
// after IdleTimeout without any traffic.
//
// Only the most recent local sender is remembered; every datagram coming
// back from the server is delivered to it.
type ClientBridge struct {
	opts  ClientOptions
	stats *status.RelayStats
	udp   *net.UDPConn

	localCh  chan localDatagram
	remoteCh chan remoteFrame

	// Owned by the Run loop.
	conn       *serverConn
	lastSender *net.UDPAddr

	connected    atomic.Bool
	lastSenderRO atomic.Pointer[net.UDPAddr]
}

// serverConn is one live stream connection to the server.
type serverConn struct {
	conn   net.Conn
	writer *frame.Writer
	done   chan struct{}
}

type localDatagram struct {
	data []byte
	from *net.UDPAddr
}

// remoteFrame carries its connection so that frames read from a connection
// the loop has since closed can be recognised and dropped.
type remoteFrame struct {
	sc   *serverConn
	data []byte
	err  error
}

func NewClientBridge(opts ClientOptions) *ClientBridge {
	if opts.Name == "" {
		opts.Name = "client"
	}
	if opts.ListenAddress == "" {
		opts.ListenAddress = config.DefaultClientListenAddress
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = config.DefaultIdleTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = config.DefaultDialTimeout
	}
	if opts.Transport == nil {
		opts.Transport = connections.NewTCPTransport(connections.Options{})
	}
	if opts.Monitor == nil {
		opts.Monitor = status.GlobalConnMonitorRef
	}
	stats := opts.Monitor.Register(opts.Name, status.RoleClient)
	if opts.Limiter != nil {
		stats.SetLimiter(opts.Limiter)
	}
	return &ClientBridge{
		opts:     opts,
		stats:    stats,
		localCh:  make(chan localDatagram),
		remoteCh: make(chan remoteFrame),
	}
}

// Start binds the local UDP socket. Run calls it when it has not been called.
func (b *ClientBridge) Start() error {
	addr, err := net.ResolveUDPAddr("udp", b.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("resolve client listen address %s: %w", b.opts.ListenAddress, err)
	}
	udp, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind udp %s: %w", b.opts.ListenAddress, err)
	}
	b.udp = udp
	log.Printf("CLIENT: Relay %s listening on udp %s, server %s via %s, idle timeout %v",
		b.opts.Name, udp.LocalAddr(), b.opts.ServerAddress, b.opts.Transport.Name(), b.opts.IdleTimeout)
	return nil
}

// Close releases the UDP socket of a bridge that was started but will not be
// run. Run closes it on its own.
func (b *ClientBridge) Close() error {
	if b.udp == nil {
		return nil
	}
	return b.udp.Close()
}

// LocalAddr is the bound UDP address, nil before Start.
func (b *ClientBridge) LocalAddr() net.Addr {
	if b.udp == nil {
		return nil
	}
	return b.udp.LocalAddr()
}

// Connected reports whether a stream connection to the server is open.
func (b *ClientBridge) Connected() bool {
	return b.connected.Load()
}

// LastSender is the local peer server datagrams are delivered to.
func (b *ClientBridge) LastSender() *net.UDPAddr {
	return b.lastSenderRO.Load()
}

func (b *ClientBridge) Stats() status.Snapshot {
	return b.stats.Snapshot()
}

// Run forwards traffic until ctx is cancelled. It returns an error only when
// the UDP socket cannot be bound.
func (b *ClientBridge) Run(ctx context.Context) error {
	if b.udp == nil {
		if err := b.Start(); err != nil {
			return err
		}
	}
	defer b.udp.Close()

	go b.readLocal(ctx)

	timer := time.NewTimer(b.opts.IdleTimeout)
	defer timer.Stop()
	defer b.closeConn(status.ReasonShutdown)

	for {
		timer.Reset(b.opts.IdleTimeout)

		select {
		case <-ctx.Done():
			log.Printf("CLIENT: Relay %s shutting down", b.opts.Name)
			return nil

		case <-timer.C:
			if b.conn != nil {
				log.Printf("CLIENT: Relay %s idle for %v, closing connection to %s", b.opts.Name, b.opts.IdleTimeout, b.opts.ServerAddress)
				b.closeConn(status.ReasonIdle)
			}

		case d := <-b.localCh:
			b.handleLocal(ctx, d)

		case f := <-b.remoteCh:
			if f.sc != b.conn {
				continue
			}
			b.handleRemote(f)
		}
	}
}

func (b *ClientBridge) handleLocal(ctx context.Context, d localDatagram) {
	b.lastSender = d.from
	b.lastSenderRO.Store(d.from)

	if b.conn == nil {
		if err := b.connect(ctx); err != nil {
			log.Printf("CLIENT: Relay %s connect to %s failed: %v", b.opts.Name, b.opts.ServerAddress, err)
			return
		}
	}
	if err := b.conn.writer.WriteFrame(d.data); err != nil {
		log.Printf("CLIENT: Relay %s write to %s failed: %v", b.opts.Name, b.opts.ServerAddress, err)
		b.closeConn(status.ReasonError)
		return
	}
	b.stats.Upstream(len(d.data))
	utils.Tracef("CLIENT: %s %d bytes %s -> %s", b.opts.Name, len(d.data), d.from, b.opts.ServerAddress)
}

func (b *ClientBridge) handleRemote(f remoteFrame) {
	if f.err != nil {
		if errors.Is(f.err, io.EOF) {
			log.Printf("CLIENT: Relay %s server %s closed the connection", b.opts.Name, b.opts.ServerAddress)
			b.closeConn(status.ReasonEOF)
			return
		}
		log.Printf("CLIENT: Relay %s read from %s failed: %v", b.opts.Name, b.opts.ServerAddress, f.err)
		b.closeConn(status.ReasonError)
		return
	}
	if b.lastSender == nil {
		// A connection only exists after a local datagram set the sender.
		log.Printf("[ERROR] CLIENT: Relay %s frame received before any local sender", b.opts.Name)
		b.stats.Dropped()
		return
	}
	if _, err := b.udp.WriteToUDP(f.data, b.lastSender); err != nil {
		log.Printf("CLIENT: Relay %s send to %s failed: %v", b.opts.Name, b.lastSender, err)
		b.stats.Dropped()
		return
	}
	b.stats.Downstream(len(f.data))
	utils.Tracef("CLIENT: %s %d bytes %s -> %s", b.opts.Name, len(f.data), b.opts.ServerAddress, b.lastSender)
}

func (b *ClientBridge) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
	defer cancel()

	start := time.Now()
	conn, err := b.opts.Transport.Dial(dialCtx, b.opts.ServerAddress)
	if err != nil {
		b.stats.DialFailed()
		return err
	}
	b.stats.DialLatency(time.Since(start))
	conn = b.opts.Limiter.Wrap(conn)

	sc := &serverConn{conn: conn, writer: frame.NewWriter(conn), done: make(chan struct{})}
	b.conn = sc
	b.connected.Store(true)
	b.stats.ConnOpened()
	log.Printf("CLIENT: Relay %s connected to %s via %s in %v", b.opts.Name, b.opts.ServerAddress, b.opts.Transport.Name(), time.Since(start))

	go b.readRemote(ctx, sc)
	return nil
}

// closeConn drops the current connection, if any. The UDP socket stays.
func (b *ClientBridge) closeConn(reason string) {
	sc := b.conn
	if sc == nil {
		return
	}
	b.conn = nil
	b.connected.Store(false)
	close(sc.done)
	if err := sc.conn.Close(); err != nil {
		utils.Tracef("CLIENT: %s close: %v", b.opts.Name, err)
	}
	b.stats.ConnClosed(reason)
}

func (b *ClientBridge) readLocal(ctx context.Context) {
	defer recovery.RecoverWithLog("client " + b.opts.Name + " udp reader")

	buf := make([]byte, frame.MaxPayload)
	for {
		n, from, err := b.udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Printf("CLIENT: Relay %s udp read failed: %v", b.opts.Name, err)
			continue
		}
		d := localDatagram{data: append([]byte(nil), buf[:n]...), from: from}
		select {
		case b.localCh <- d:
		case <-ctx.Done():
			return
		}
	}
}

func (b *ClientBridge) readRemote(ctx context.Context, sc *serverConn) {
	defer recovery.RecoverWithLog("client " + b.opts.Name + " stream reader")

	fr := frame.NewReader(sc.conn)
	for {
		p, err := fr.Read()
		f := remoteFrame{sc: sc, err: err}
		if err == nil {
			f.data = append([]byte(nil), p...)
		}
		select {
		case b.remoteCh <- f:
		case <-sc.done:
			return
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
