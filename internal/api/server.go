package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/adverant/nexus/catalogscan-worker/internal/config"
	"github.com/adverant/nexus/catalogscan-worker/internal/logging"
	"github.com/adverant/nexus/catalogscan-worker/internal/monitoring"
	"github.com/adverant/nexus/catalogscan-worker/internal/processor"
	"github.com/adverant/nexus/catalogscan-worker/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// RunRecorder records upload runs in the run history
type RunRecorder interface {
	BeginRun(ctx context.Context, run *storage.RunStart) (*storage.RunHandle, error)
	CompleteRun(ctx context.Context, jobID string, completion *storage.RunCompletion) error
	FailRun(ctx context.Context, jobID string, failure *storage.RunFailure) error
}

// Pinger is a dependency checked by the health endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerConfig holds the dependencies for the HTTP server.
type ServerConfig struct {
	Config    *config.Config
	Processor processor.DocumentProcessorInterface
	// Recorder is optional; uploads are not recorded without it
	Recorder RunRecorder
	// Dependencies are pinged by /api/health, keyed by name
	Dependencies map[string]Pinger
	Gatherer     prometheus.Gatherer
	// Metrics counts uploads whose run could not be recorded; optional
	Metrics *monitoring.Metrics
	Logger  *logging.Logger
}

// Server serves the upload API.
type Server struct {
	config       *config.Config
	router       http.Handler
	httpServer   *http.Server
	processor    processor.DocumentProcessorInterface
	recorder     RunRecorder
	dependencies map[string]Pinger
	gatherer     prometheus.Gatherer
	metrics      *monitoring.Metrics
	logger       *logging.Logger
}

func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil || cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:       cfg.Config,
		processor:    cfg.Processor,
		recorder:     cfg.Recorder,
		dependencies: cfg.Dependencies,
		gatherer:     gatherer,
		metrics:      cfg.Metrics,
		logger:       logger,
	}
	s.router = s.setupRouter()
	return s, nil
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		// uploads are answered only after the whole catalog is processed
		WriteTimeout: s.config.ProcessingTimeout + time.Minute,
	}
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
