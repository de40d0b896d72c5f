package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-shmreduce/internal/metrics"
)

// statsResponse is the CBOR body served on /stats.
type statsResponse struct {
	Rank        int   `cbor:"rank"`
	WorldSize   int   `cbor:"world_size"`
	LowLatency  bool  `cbor:"low_latency"`
	Count       int64 `cbor:"count"`
	MeanNanos   int64 `cbor:"mean_ns"`
	StdDevNanos int64 `cbor:"stddev_ns"`
	MinNanos    int64 `cbor:"min_ns"`
	MaxNanos    int64 `cbor:"max_ns"`
}

// Server exposes a worker's health and latency statistics over HTTP.
type Server struct {
	rank       int
	worldSize  int
	lowLatency bool
	stats      *metrics.Stats
	gatherer   prometheus.Gatherer
}

func NewServer(rank, worldSize int, lowLatency bool, stats *metrics.Stats, gatherer prometheus.Gatherer) *Server {
	return &Server{rank: rank, worldSize: worldSize, lowLatency: lowLatency, stats: stats, gatherer: gatherer}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// startServer serves the handler on addr until ctx is done.
func startServer(ctx context.Context, addr string, srv *Server) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("Failed to listen for metrics")
		return
	}
	hs := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", lis.Addr().String()).Int("rank", srv.rank).Msg("Starting metrics server")
	go func() {
		if err := hs.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.stats.Snapshot()
	body, err := cbor.Marshal(statsResponse{
		Rank:        s.rank,
		WorldSize:   s.worldSize,
		LowLatency:  s.lowLatency,
		Count:       snap.Count,
		MeanNanos:   snap.Mean.Nanoseconds(),
		StdDevNanos: snap.StdDev.Nanoseconds(),
		MinNanos:    snap.Min.Nanoseconds(),
		MaxNanos:    snap.Max.Nanoseconds(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
