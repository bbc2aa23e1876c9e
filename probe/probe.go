// Package probe holds small UDP tools for checking a tunnel end to end: an
// echo target to put behind a server relay and a pinger to aim at a client
// relay.
package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Sequence number and send time in nanoseconds.
const headerLen = 16

// EchoServer sends every datagram back to its sender.
type EchoServer struct {
	conn *net.UDPConn
}

func ListenEcho(addr string) (*EchoServer, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	log.Printf("ECHO: listening on %s", conn.LocalAddr())
	return &EchoServer{conn: conn}, nil
}

func (e *EchoServer) Addr() net.Addr { return e.conn.LocalAddr() }

// Serve echoes until ctx is cancelled.
func (e *EchoServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { e.conn.Close() })
	defer stop()
	defer e.conn.Close()

	buf := make([]byte, 65535)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("echo read: %w", err)
		}
		if _, err := e.conn.WriteToUDP(buf[:n], from); err != nil {
			log.Printf("ECHO: reply to %s failed: %v", from, err)
		}
	}
}

type PingOptions struct {
	Addr     string
	Count    int
	Size     int           // datagram size, at least 16 bytes
	Interval time.Duration // between sends
	Timeout  time.Duration // wait for stragglers after the last send
}

type Result struct {
	Sent     int
	Received int
	Bytes    uint64
	MinRTT   time.Duration
	AvgRTT   time.Duration
	MaxRTT   time.Duration
}

// Loss is the fraction of datagrams that never came back.
func (r Result) Loss() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Sent-r.Received) / float64(r.Sent)
}

func (r Result) String() string {
	return fmt.Sprintf("%d sent, %d received (%s), %.1f%% loss, rtt min/avg/max = %v/%v/%v",
		r.Sent, r.Received, humanize.Bytes(r.Bytes), r.Loss()*100, r.MinRTT, r.AvgRTT, r.MaxRTT)
}

// Ping sends Count sequenced datagrams to Addr and measures the replies.
// Duplicate and unknown replies are ignored.
func Ping(ctx context.Context, opts PingOptions) (Result, error) {
	if opts.Count <= 0 {
		opts.Count = 5
	}
	if opts.Size < headerLen {
		opts.Size = headerLen
	}
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	raddr, err := net.ResolveUDPAddr("udp", opts.Addr)
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s: %w", opts.Addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return Result{}, fmt.Errorf("dial udp %s: %w", opts.Addr, err)
	}
	defer conn.Close()

	var (
		mu   sync.Mutex
		res  = Result{Sent: opts.Count}
		seen = make(map[uint64]bool)
		sum  time.Duration
		all  = make(chan struct{})
	)

	go func() {
		buf := make([]byte, 65535)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				// ICMP unreachable surfaces as a read error on a
				// connected socket; keep listening until closed.
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			if n < headerLen {
				continue
			}
			seq := binary.BigEndian.Uint64(buf[0:8])
			sent := time.Unix(0, int64(binary.BigEndian.Uint64(buf[8:16])))
			rtt := time.Since(sent)

			mu.Lock()
			if seq < uint64(opts.Count) && !seen[seq] {
				seen[seq] = true
				res.Received++
				res.Bytes += uint64(n)
				sum += rtt
				if res.MinRTT == 0 || rtt < res.MinRTT {
					res.MinRTT = rtt
				}
				if rtt > res.MaxRTT {
					res.MaxRTT = rtt
				}
				if res.Received == opts.Count {
					close(all)
				}
			}
			mu.Unlock()
		}
	}()

	payload := make([]byte, opts.Size)
	for i := 0; i < opts.Count; i++ {
		binary.BigEndian.PutUint64(payload[0:8], uint64(i))
		binary.BigEndian.PutUint64(payload[8:16], uint64(time.Now().UnixNano()))
		if _, err := conn.Write(payload); err != nil {
			log.Printf("PING: send %d to %s failed: %v", i, opts.Addr, err)
		}
		if i < opts.Count-1 {
			select {
			case <-ctx.Done():
				return snapshot(&mu, &res, &sum, i+1), ctx.Err()
			case <-time.After(opts.Interval):
			}
		}
	}

	select {
	case <-all:
	case <-time.After(opts.Timeout):
	case <-ctx.Done():
		return snapshot(&mu, &res, &sum, opts.Count), ctx.Err()
	}
	return snapshot(&mu, &res, &sum, opts.Count), nil
}

func snapshot(mu *sync.Mutex, res *Result, sum *time.Duration, sent int) Result {
	mu.Lock()
	defer mu.Unlock()
	out := *res
	out.Sent = sent
	if out.Received > 0 {
		out.AvgRTT = *sum / time.Duration(out.Received)
	}
	return out
}
