// Package server provides the admin HTTP API for the dictionary cache.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/wolfeidau/dictionary-cache/store/dictdb"
	"github.com/wolfeidau/dictionary-cache/sweeper"
	"github.com/wolfeidau/dictionary-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer token authentication when non-empty.
	AuthToken string

	// MaxSizePerSite caps stored dictionary bytes per top-frame site.
	// Zero disables the per-site size cap.
	MaxSizePerSite uint64

	// MaxCountPerSite caps stored dictionary records per top-frame site.
	// Must be nonzero; the store rejects a zero count budget because it
	// would make every registration evict itself.
	MaxCountPerSite uint64

	// Budget is the global store budget used by POST /evict when no
	// sweeper is attached.
	Budget dictdb.Budget

	// Logger for the server
	Logger *slog.Logger
}

// Server is the admin HTTP server over the dictionary store.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	store   *dictdb.Store
	sweeper *sweeper.Manager
}

// New creates a new server over the given store. mgr may be nil, in which
// case POST /evict runs the global budget directly and GET /sweep returns
// 404.
func New(cfg Config, store *dictdb.Store, mgr *sweeper.Manager) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("server: nil store")
	}
	if cfg.MaxCountPerSite == 0 {
		return nil, fmt.Errorf("server: MaxCountPerSite must be nonzero")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		store:   store,
		sweeper: mgr,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	// h2c lets clients multiplex admin calls over cleartext HTTP/2.
	handler := h2c.NewHandler(s.loggingMiddleware(s.authMiddleware(mux)), &http2.Server{})

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Store totals
	mux.HandleFunc("GET /totals", s.handleTotals)

	// Dictionary records
	mux.HandleFunc("GET /dictionaries", s.handleListDictionaries)
	mux.HandleFunc("POST /dictionaries", s.handleRegister)

	// Maintenance
	mux.HandleFunc("POST /clear", s.handleClear)
	mux.HandleFunc("POST /evict", s.handleEvict)
	mux.HandleFunc("GET /sweep", s.handleSweepStatus)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Handler returns the fully wrapped HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set operation, outcome, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Operation != "" {
			attrs = append(attrs, "operation", tags.Operation)
		}
		if tags.Outcome != telemetry.OutcomeNA {
			attrs = append(attrs, "outcome", string(tags.Outcome))
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
