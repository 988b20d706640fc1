// Package gateway exposes the courier operations over an HTTP JSON API and
// runs the periodic maintenance jobs.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/cargoops/courier/internal/observability"
	"github.com/cargoops/courier/internal/ratelimit"
	"github.com/cargoops/courier/internal/session"
	"github.com/cargoops/courier/internal/syncq"
)

// Options holds the gateway's dependencies.
type Options struct {
	Addr     string
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Sessions *session.Manager
	Governor *ratelimit.Governor
	Sync     *syncq.Coordinator

	// CounterSweepAge is how long a counter may sit idle before the hourly
	// sweep deletes it.
	CounterSweepAge time.Duration

	// MutationRetention is how long done mutations are kept before the
	// daily cleanup deletes them.
	MutationRetention time.Duration
}

// Server is the HTTP gateway.
type Server struct {
	addr     string
	logger   *slog.Logger
	metrics  *observability.Metrics
	sessions *session.Manager
	governor *ratelimit.Governor
	sync     *syncq.Coordinator

	sweepAge  time.Duration
	retention time.Duration

	httpServer *http.Server
	cron       *cron.Cron
}

// New creates a gateway server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CounterSweepAge <= 0 {
		opts.CounterSweepAge = 24 * time.Hour
	}
	if opts.MutationRetention <= 0 {
		opts.MutationRetention = 7 * 24 * time.Hour
	}
	return &Server{
		addr:      opts.Addr,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		sessions:  opts.Sessions,
		governor:  opts.Governor,
		sync:      opts.Sync,
		sweepAge:  opts.CounterSweepAge,
		retention: opts.MutationRetention,
	}
}

// Start begins serving and schedules the maintenance jobs. It returns once
// the listener is bound; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.withMetrics(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.startMaintenance()

	s.logger.Info("gateway listening", "addr", s.addr)
	return nil
}

// Shutdown stops the maintenance jobs and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}
	return nil
}

// startMaintenance schedules the hourly counter sweep and the daily mutation
// cleanup.
func (s *Server) startMaintenance() {
	s.cron = cron.New()

	if s.governor != nil {
		_, err := s.cron.AddFunc("@hourly", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			deleted := s.governor.SweepAll(ctx, s.sweepAge)
			if deleted > 0 {
				s.logger.Info("swept rate counters", "deleted", deleted)
			}
		})
		if err != nil {
			s.logger.Error("failed to schedule counter sweep", "error", err)
		}
	}

	if s.sync != nil {
		_, err := s.cron.AddFunc("@daily", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			deleted := s.sync.CleanupAll(ctx, s.retention)
			if deleted > 0 {
				s.logger.Info("cleaned up done mutations", "deleted", deleted)
			}
		})
		if err != nil {
			s.logger.Error("failed to schedule mutation cleanup", "error", err)
		}
	}

	s.cron.Start()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// withMetrics records request latency per method, route, and status.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status),
		).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
