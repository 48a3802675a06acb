package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"videosummary/internal/api"
	"videosummary/internal/observability/logging"
	"videosummary/internal/observability/metrics"
	"videosummary/internal/serverutil"
)

// TLSConfig defines certificate and key paths for serving HTTPS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config assembles the HTTP server around an api.Handler.
type Config struct {
	Addr            string
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	CORS            CORSConfig
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	ShutdownTimeout time.Duration
}

// Server is the summary service's HTTP front. Build it with New and drive it
// with Run.
type Server struct {
	httpServer      *http.Server
	tls             TLSConfig
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// New wires the route table and middleware chain. Every route shares the
// same protections: request IDs, request logging, metrics, security headers,
// CORS, and per-client rate limits.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure CORS: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/uploads", handler.Upload)
	mux.HandleFunc("/api/cache/lookup", handler.Lookup)
	mux.HandleFunc("/api/summaries", handler.Summaries)
	mux.HandleFunc("/api/jobs/", handler.JobByID)
	mux.HandleFunc("/api/cache/", handler.CacheByKey)

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, recorder, logger, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: handlerChain,
		// Uploads stream large bodies under their own per-chunk timeouts,
		// so only the header read carries a server-wide deadline.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer:      httpServer,
		tls:             cfg.TLS,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("http server listening",
		"addr", s.httpServer.Addr, "tls", s.tls.CertFile != "")
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: s.tls.CertFile,
			KeyFile:  s.tls.KeyFile,
		},
		ShutdownTimeout: s.shutdownTimeout,
	})
}

// Handler exposes the composed middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
