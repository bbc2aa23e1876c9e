// Package limiter throttles tunnel streams to a per-relay byte rate and
// reports the rate actually achieved.
package limiter

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
)

const windowSlots = 5 // one slot per second

// Limiter is shared by every stream of one relay. A nil *Limiter or one
// created with a non-positive rate passes traffic through unthrottled but
// still measures it.
type Limiter struct {
	bucket  *ratelimit.Bucket
	maxRate int64
	window  rateWindow
}

// New returns a limiter allowing bytesPerSec bytes per second in total,
// summed over both directions of every wrapped conn.
func New(bytesPerSec int64) *Limiter {
	l := &Limiter{maxRate: bytesPerSec}
	if bytesPerSec > 0 {
		l.bucket = ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec)
	}
	l.window.init(time.Now().Unix())
	return l
}

// Wrap returns c with reads and writes charged against the limiter.
func (l *Limiter) Wrap(c net.Conn) net.Conn {
	if l == nil {
		return c
	}
	return &throttledConn{Conn: c, l: l}
}

// Rate is the average throughput over the last few seconds in bytes/s.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return l.window.rate(time.Now().Unix())
}

// MaxRate is the configured limit, 0 when unlimited.
func (l *Limiter) MaxRate() int64 {
	if l == nil || l.maxRate < 0 {
		return 0
	}
	return l.maxRate
}

func (l *Limiter) take(n int) {
	if l.bucket != nil && n > 0 {
		// A datagram frame can exceed a tiny configured capacity; Wait
		// still honours the rate by sleeping for the deficit.
		l.bucket.Wait(int64(n))
	}
}

type throttledConn struct {
	net.Conn
	l *Limiter
}

func (t *throttledConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.l.take(n)
		t.l.window.add(time.Now().Unix(), int64(n))
	}
	return n, err
}

func (t *throttledConn) Write(p []byte) (int, error) {
	t.l.take(len(p))
	n, err := t.Conn.Write(p)
	if n > 0 {
		t.l.window.add(time.Now().Unix(), int64(n))
	}
	return n, err
}

// rateWindow counts bytes in one-second slots over a short sliding window.
type rateWindow struct {
	slots   [windowSlots]struct{ bytes, second atomic.Int64 }
	current atomic.Int64
	last    atomic.Int64
}

func (w *rateWindow) init(now int64) {
	w.last.Store(now)
	for i := range w.slots {
		w.slots[i].second.Store(now)
	}
}

func (w *rateWindow) add(now, n int64) {
	last := w.last.Load()
	if now > last && w.last.CompareAndSwap(last, now) {
		next := (w.current.Load() + 1) % windowSlots
		w.slots[next].bytes.Store(0)
		w.slots[next].second.Store(now)
		w.current.Store(next)
	}
	w.slots[w.current.Load()].bytes.Add(n)
}

func (w *rateWindow) rate(now int64) int64 {
	cutoff := now - windowSlots
	oldest := now
	var total int64
	for i := range w.slots {
		s := w.slots[i].second.Load()
		if s < cutoff {
			continue
		}
		total += w.slots[i].bytes.Load()
		if s < oldest {
			oldest = s
		}
	}
	if span := now - oldest; span > 0 {
		return total / span
	}
	return 0
}
