// Package status keeps per-relay counters for the periodic log line and the
// HTTP API, and mirrors them into Prometheus.
package status

import (
	"log"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"udptunnel/limiter"
	"udptunnel/metrics"

	"github.com/dustin/go-humanize"
)

const (
	RoleClient = "client"
	RoleServer = "server"
)

// Close reasons recorded on connection teardown.
const (
	ReasonIdle     = "idle"
	ReasonEOF      = "eof"
	ReasonError    = "error"
	ReasonShutdown = "shutdown"
)

// RelayStats counts traffic for one relay. All methods are safe for
// concurrent use.
type RelayStats struct {
	name    string
	role    string
	metrics *metrics.Metrics

	active         atomic.Int64
	total          atomic.Int64
	idleClosed     atomic.Int64
	failed         atomic.Int64
	upDatagrams    atomic.Int64
	upBytes        atomic.Int64
	downDatagrams  atomic.Int64
	downBytes      atomic.Int64
	dropped        atomic.Int64
	lastActivityNs atomic.Int64

	limiter atomic.Pointer[limiter.Limiter]
}

// ConnOpened records an established stream connection.
func (s *RelayStats) ConnOpened() {
	s.active.Add(1)
	s.total.Add(1)
	s.touch()
	s.metrics.ConnectionsActive.WithLabelValues(s.name).Inc()
	s.metrics.ConnectionsTotal.WithLabelValues(s.name).Inc()
}

// ConnClosed records a teardown of a connection previously opened.
func (s *RelayStats) ConnClosed(reason string) {
	s.active.Add(-1)
	if reason == ReasonIdle {
		s.idleClosed.Add(1)
	}
	if reason == ReasonError {
		s.failed.Add(1)
	}
	s.metrics.ConnectionsActive.WithLabelValues(s.name).Dec()
	s.metrics.ConnectionsClosed.WithLabelValues(s.name, reason).Inc()
}

// DialFailed records a connection attempt that never came up.
func (s *RelayStats) DialFailed() {
	s.failed.Add(1)
	s.metrics.ConnectionsClosed.WithLabelValues(s.name, ReasonError).Inc()
}

func (s *RelayStats) DialLatency(d time.Duration) {
	s.metrics.DialLatency.WithLabelValues(s.name).Observe(d.Seconds())
}

// Upstream records one datagram carried from the UDP side into the stream.
func (s *RelayStats) Upstream(n int) {
	s.upDatagrams.Add(1)
	s.upBytes.Add(int64(n))
	s.touch()
	s.metrics.DatagramsForwarded.WithLabelValues(s.name, metrics.DirUpstream).Inc()
	s.metrics.BytesForwarded.WithLabelValues(s.name, metrics.DirUpstream).Add(float64(n))
}

// Downstream records one datagram carried from the stream to the UDP side.
func (s *RelayStats) Downstream(n int) {
	s.downDatagrams.Add(1)
	s.downBytes.Add(int64(n))
	s.touch()
	s.metrics.DatagramsForwarded.WithLabelValues(s.name, metrics.DirDownstream).Inc()
	s.metrics.BytesForwarded.WithLabelValues(s.name, metrics.DirDownstream).Add(float64(n))
}

// Dropped records a datagram that could not be delivered.
func (s *RelayStats) Dropped() {
	s.dropped.Add(1)
	s.metrics.DatagramsDropped.WithLabelValues(s.name).Inc()
}

// SetLimiter attaches the relay's bandwidth limiter so its rate is reported.
func (s *RelayStats) SetLimiter(l *limiter.Limiter) {
	s.limiter.Store(l)
}

func (s *RelayStats) touch() {
	s.lastActivityNs.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time copy of a relay's counters.
type Snapshot struct {
	Name               string `json:"name"`
	Role               string `json:"role"`
	ActiveConnections  int64  `json:"active_connections"`
	TotalConnections   int64  `json:"total_connections"`
	IdleClosed         int64  `json:"idle_closed"`
	Failed             int64  `json:"failed"`
	UpstreamDatagrams  int64  `json:"upstream_datagrams"`
	UpstreamBytes      int64  `json:"upstream_bytes"`
	DownstreamDatagram int64  `json:"downstream_datagrams"`
	DownstreamBytes    int64  `json:"downstream_bytes"`
	Dropped            int64  `json:"dropped"`
	LastActivityMs     int64  `json:"last_activity_ms"` // -1 when never active
	RateBytesPerSec    int64  `json:"rate_bytes_per_sec"`
	MaxBytesPerSec     int64  `json:"max_bytes_per_sec"` // 0 when unlimited
}

func (s *RelayStats) Snapshot() Snapshot {
	snap := Snapshot{
		Name:               s.name,
		Role:               s.role,
		ActiveConnections:  s.active.Load(),
		TotalConnections:   s.total.Load(),
		IdleClosed:         s.idleClosed.Load(),
		Failed:             s.failed.Load(),
		UpstreamDatagrams:  s.upDatagrams.Load(),
		UpstreamBytes:      s.upBytes.Load(),
		DownstreamDatagram: s.downDatagrams.Load(),
		DownstreamBytes:    s.downBytes.Load(),
		Dropped:            s.dropped.Load(),
		LastActivityMs:     -1,
	}
	if ns := s.lastActivityNs.Load(); ns != 0 {
		snap.LastActivityMs = time.Since(time.Unix(0, ns)).Milliseconds()
	}
	if l := s.limiter.Load(); l != nil {
		snap.RateBytesPerSec = l.Rate()
		snap.MaxBytesPerSec = l.MaxRate()
	}
	return snap
}

// ConnectionMonitor tracks every relay in the process.
type ConnectionMonitor struct {
	metrics *metrics.Metrics
	relays  sync.Map // name -> *RelayStats
}

// GlobalConnMonitorRef is the process-wide monitor used by the relays and the
// API unless they are given their own.
var GlobalConnMonitorRef = NewConnectionMonitor(nil)

// NewConnectionMonitor creates a monitor feeding m, or the default Prometheus
// metrics when m is nil.
func NewConnectionMonitor(m *metrics.Metrics) *ConnectionMonitor {
	if m == nil {
		m = metrics.Default()
	}
	return &ConnectionMonitor{metrics: m}
}

// Register returns the stats for name, creating them on first use.
func (cm *ConnectionMonitor) Register(name, role string) *RelayStats {
	v, _ := cm.relays.LoadOrStore(name, &RelayStats{name: name, role: role, metrics: cm.metrics})
	return v.(*RelayStats)
}

func (cm *ConnectionMonitor) Get(name string) (*RelayStats, bool) {
	v, ok := cm.relays.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*RelayStats), true
}

// Snapshots returns every relay's counters sorted by name.
func (cm *ConnectionMonitor) Snapshots() []Snapshot {
	var out []Snapshot
	cm.relays.Range(func(_, v interface{}) bool {
		out = append(out, v.(*RelayStats).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (cm *ConnectionMonitor) logOnce() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Printf("MONITOR: Goroutines: %d | HeapAlloc: %s", runtime.NumGoroutine(), humanize.Bytes(m.HeapAlloc))
	for _, s := range cm.Snapshots() {
		rate := "unlimited"
		if s.MaxBytesPerSec > 0 {
			rate = humanize.Bytes(uint64(s.MaxBytesPerSec)) + "/s"
		}
		log.Printf("MONITOR: %s %s - active: %d, total: %d, idle closed: %d, failed: %d | up: %d dgrams (%s) | down: %d dgrams (%s) | dropped: %d | rate: %s/s of %s",
			s.Role, s.Name,
			s.ActiveConnections, s.TotalConnections, s.IdleClosed, s.Failed,
			s.UpstreamDatagrams, humanize.Bytes(uint64(s.UpstreamBytes)),
			s.DownstreamDatagram, humanize.Bytes(uint64(s.DownstreamBytes)),
			s.Dropped,
			humanize.Bytes(uint64(s.RateBytesPerSec)), rate,
		)
	}
}

// StartPeriodicLogging logs a summary line per relay every interval until
// stop is closed.
func (cm *ConnectionMonitor) StartPeriodicLogging(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cm.logOnce()
			}
		}
	}()
}
