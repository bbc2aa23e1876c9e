package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"udptunnel/status"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is a small HTTP API exposing relay status and Prometheus metrics.
// Construct with NewServer(monitor, gatherer, listenAddr).
type Server struct {
	monitor    *status.ConnectionMonitor
	gatherer   prometheus.Gatherer
	listenAddr string
	httpSrv    *http.Server
	ln         net.Listener
}

// NewServer creates a new API server instance. Nil arguments fall back to
// the global monitor and the default Prometheus registry.
func NewServer(monitor *status.ConnectionMonitor, gatherer prometheus.Gatherer, listenAddr string) *Server {
	if monitor == nil {
		monitor = status.GlobalConnMonitorRef
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{monitor: monitor, gatherer: gatherer, listenAddr: listenAddr}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/relays", s.handleRelays)
	metrics := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		metrics.ServeHTTP(w, r)
	})
	return mux
}

// Start begins listening and serving. It returns after the server has started or an error.
func (s *Server) Start() error {
	h := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv = h

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Printf("API: listening on %s", ln.Addr())

	go func() {
		if err := h.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("API: http server error: %v", err)
		}
	}()

	return nil
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop attempts a graceful shutdown with a 5s timeout.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// relayDTO is the JSON shape returned for each relay.
type relayDTO struct {
	status.Snapshot
	RateBitsPerSec    int64 `json:"rate_bits_per_sec"`
	MaxRateBitsPerSec int64 `json:"max_rate_bits_per_sec"`
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snaps := s.monitor.Snapshots()
	list := make([]relayDTO, 0, len(snaps))
	for _, snap := range snaps {
		list = append(list, relayDTO{
			Snapshot:          snap,
			RateBitsPerSec:    snap.RateBytesPerSec * 8,
			MaxRateBitsPerSec: snap.MaxBytesPerSec * 8,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(list); err != nil {
		log.Printf("API: encode error: %v", err)
	}
}
