// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves metrics and table state over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/synguard/internal/clock"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/logging"
	"grimm.is/synguard/internal/nfqueue"
	"grimm.is/synguard/internal/shard"
)

// ServerConfig holds HTTP server timeouts and limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	// StatsTimeout bounds how long a request waits for the shards.
	StatsTimeout time.Duration
}

// DefaultServerConfig returns conservative timeouts.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		StatsTimeout:      2 * time.Second,
	}
}

// TableSource reports per-shard table stats. *shard.Pool implements it.
type TableSource interface {
	Stats(ctx context.Context) ([]shard.ShardStats, error)
}

// QueueSource reports netfilter queue counters. *nfqueue.Reader implements
// it.
type QueueSource interface {
	Stats() nfqueue.Stats
	IsRunning() bool
}

// Server is the HTTP endpoint.
type Server struct {
	config   ServerConfig
	addr     string
	router   *mux.Router
	registry *prometheus.Registry
	tables   TableSource
	queue    QueueSource
	logger   *logging.Logger
	started  time.Time

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
}

// Option customizes a Server.
type Option func(*Server)

// WithQueue exposes reader counters under /api/queue.
func WithQueue(q QueueSource) Option {
	return func(s *Server) { s.queue = q }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithServerConfig overrides the timeouts.
func WithServerConfig(c *ServerConfig) Option {
	return func(s *Server) { s.config = *c }
}

// NewServer creates a server listening on addr once started.
func NewServer(addr string, registry *prometheus.Registry, tables TableSource, opts ...Option) *Server {
	s := &Server{
		config:   *DefaultServerConfig(),
		addr:     addr,
		router:   mux.NewRouter(),
		registry: registry,
		tables:   tables,
		started:  clock.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.WithComponent("api")
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/table", s.handleTable).Methods(http.MethodGet)
	api.HandleFunc("/table/{shard:[0-9]+}", s.handleShard).Methods(http.MethodGet)
	api.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New(errors.KindInternal, "api server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "listen"), "addr", s.addr)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("API server stopped")
		}
	}()
	s.logger.Info("API server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Queue   *bool  `json:"queue_running,omitempty"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: clock.Since(clock.Default, s.started).Truncate(time.Second).String(),
	}
	if s.queue != nil {
		running := s.queue.IsRunning()
		resp.Queue = &running
	}
	respondWithJSON(w, http.StatusOK, resp)
}

type tableResponse struct {
	Shards []shard.ShardStats `json:"shards"`
	Total  tableTotals        `json:"total"`
}

type tableTotals struct {
	Current  int    `json:"current"`
	Old      int    `json:"old"`
	Swaps    uint64 `json:"swaps"`
	Evicted  uint64 `json:"evicted"`
	Rejected uint64 `json:"rejected"`
}

func (s *Server) shardStats(r *http.Request) ([]shard.ShardStats, error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.StatsTimeout)
	defer cancel()
	return s.tables.Stats(ctx)
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	stats, err := s.shardStats(r)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	resp := tableResponse{Shards: stats}
	for _, st := range stats {
		resp.Total.Current += st.Current
		resp.Total.Old += st.Old
		resp.Total.Swaps += st.Swaps
		resp.Total.Evicted += st.Evicted
		resp.Total.Rejected += st.Rejected
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.shardStats(r)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	id := mux.Vars(r)["shard"]
	for _, st := range stats {
		if id == strconv.Itoa(st.Shard) {
			respondWithJSON(w, http.StatusOK, st)
			return
		}
	}
	respondWithError(w, http.StatusNotFound, "no such shard")
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondWithError(w, http.StatusNotFound, "queue reader not configured")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"running": s.queue.IsRunning(),
		"stats":   s.queue.Stats(),
	})
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}
