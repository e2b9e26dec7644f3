package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/service/metrics"
	"github.com/your-org/tokengate/internal/service/signature"
	"github.com/your-org/tokengate/pkg/logger"
	"github.com/your-org/tokengate/pkg/resilience/ratelimit"
)

// Server is the proxy listener. Every request runs the middleware chain and
// the tokenization interceptor before being forwarded to the upstream.
type Server struct {
	httpServer *http.Server
	proxy      *ProxyHandler
	cfg        config.HTTPServerConfig

	rateLimiter *ratelimit.Limiter
	verifier    *signature.Verifier
	metrics     *metrics.Metrics
	log         *zap.Logger
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithRateLimiter installs per-client rate limiting.
func WithRateLimiter(limiter *ratelimit.Limiter) ServerOption {
	return func(s *Server) {
		s.rateLimiter = limiter
	}
}

// WithSignatureVerifier installs HMAC signature checks ahead of interception.
func WithSignatureVerifier(v *signature.Verifier) ServerOption {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithMetrics sets the metrics sink for the listener middleware.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the server logger.
func WithLogger(log *zap.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// NewServer creates the proxy listener server.
func NewServer(cfg config.HTTPServerConfig, proxy *ProxyHandler, opts ...ServerOption) *Server {
	s := &Server{
		proxy: proxy,
		cfg:   cfg,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Named("http")
	}

	router := chi.NewRouter()

	// Middleware stack (order matters)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Rate limiter middleware (early in the chain to reject requests fast)
	if s.rateLimiter.Enabled() {
		router.Use(s.rateLimiter.Middleware())
		s.log.Info("rate limiter middleware enabled")
	}

	router.Use(logger.CorrelationIDMiddleware)

	// Signature verification runs before interception so unsigned traffic
	// never reaches the tokenization pipeline.
	if s.verifier.Enabled() {
		router.Use(s.verifier.Middleware())
		s.log.Info("request signature verification enabled")
	}

	router.Use(metrics.Middleware("proxy", s.metrics))
	router.Use(s.requestLogger)
	if cfg.WriteTimeout > 0 {
		router.Use(middleware.Timeout(cfg.WriteTimeout))
	}

	// Everything the listener receives goes through the proxy handler.
	router.HandleFunc("/*", proxy.ServeHTTP)

	s.httpServer = &http.Server{
		Addr:           cfg.Addr,
		Handler:        router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	return s
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("starting proxy listener",
		logger.String("addr", s.cfg.Addr),
		logger.String("upstream", s.proxy.Target()),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down proxy listener")
	return s.httpServer.Shutdown(ctx)
}

// requestLogger is a middleware that logs HTTP requests.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Info("http request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
			logger.String("remote_addr", r.RemoteAddr),
			logger.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
