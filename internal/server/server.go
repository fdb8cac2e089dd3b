// Package server exposes ingestion, cleanup and the read side over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/config"
	"github.com/raaihank/salesdash/internal/etl"
	"github.com/raaihank/salesdash/internal/export"
	"github.com/raaihank/salesdash/internal/history"
	"github.com/raaihank/salesdash/internal/logger"
	"github.com/raaihank/salesdash/internal/store"
	"github.com/raaihank/salesdash/internal/websocket"
)

// Ingester starts runs and wipes the store. *ingest.Service implements it.
type Ingester interface {
	websocket.Starter
	Reset(ctx context.Context) error
	Status() etl.Snapshot
	History(ctx context.Context, limit int) ([]*history.Run, error)
	NextScheduledRun() (time.Time, bool)
}

// RecordReader is the read side of the store. *store.RecordStore implements it.
type RecordReader interface {
	export.RecordSource
	Search(ctx context.Context, q store.Query) (*store.SearchResult, error)
	Options(ctx context.Context) (*store.Options, error)
	Get(ctx context.Context, key string) (*store.Record, error)
	Stats(ctx context.Context) (*store.Stats, error)
	Ping(ctx context.Context) error
}

// Server is the HTTP front of the ingestion service
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	ingest   Ingester
	records  RecordReader
	exporter *export.Writer
	stream   *websocket.Handler
	limiter  *rateLimiter
	router   *mux.Router
	server   *http.Server
	version  string
	started  time.Time
}

// New creates a server instance
func New(cfg *config.Config, log *logger.Logger, ingester Ingester, records RecordReader, version string) *Server {
	s := &Server{
		config:   cfg,
		logger:   log.WithComponent("server"),
		ingest:   ingester,
		records:  records,
		exporter: export.NewWriter(records, log.WithComponent("export").Logger),
		limiter:  newRateLimiter(cfg.RateLimit),
		router:   mux.NewRouter(),
		version:  version,
		started:  time.Now(),
	}
	if cfg.WebSocket.Enabled {
		s.stream = websocket.NewHandler(ingester, cfg.WebSocket, log.Logger)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/ingest/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/options", s.handleOptions).Methods(http.MethodGet)
	api.HandleFunc("/records/{key}", s.handleRecord).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/export.parquet", s.handleExport).Methods(http.MethodGet)

	// Routes that start work on the store are rate limited per client
	api.Handle("/ingest/stream", s.rateLimitMiddleware(http.HandlerFunc(s.handleIngestStream))).Methods(http.MethodGet)
	api.Handle("/reset", s.rateLimitMiddleware(http.HandlerFunc(s.handleReset))).Methods(http.MethodPost)

	if s.stream != nil {
		s.router.Handle(s.config.WebSocket.Path, s.rateLimitMiddleware(s.stream)).Methods(http.MethodGet)
	}
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting salesdash server",
		zap.Int("port", s.config.Server.Port),
		zap.Bool("websocket_enabled", s.stream != nil),
		zap.Bool("rate_limit_enabled", s.config.RateLimit.Enabled),
	)

	stop := s.limiter.startCleanup()
	defer stop()

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping salesdash server")
	return s.server.Shutdown(ctx)
}
