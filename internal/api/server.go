// Package api serves Parley's HTTP and WebSocket interface: the NDJSON
// chat endpoint, the profile endpoints, health and version probes, and
// the live activity feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/orchestrator"
)

const (
	// maxRequestBody bounds chat and profile request bodies.
	maxRequestBody = 1 << 20
	// streamWriteTimeout is pushed forward after every streamed event so
	// slow generations never trip the server's write timeout.
	streamWriteTimeout = 120 * time.Second
	// archiveTimeout bounds post-turn archiving.
	archiveTimeout = 30 * time.Second
)

// Turner runs one conversation turn; *orchestrator.Orchestrator
// implements it.
type Turner interface {
	Process(ctx context.Context, req orchestrator.Request, emit func(orchestrator.Event) error) (*orchestrator.Result, error)
}

// ProfileStore reads and writes learner profiles; *profile.Store
// implements it.
type ProfileStore interface {
	Get(ctx context.Context, id string) (chat.UserProfile, error)
	Save(ctx context.Context, p chat.UserProfile) (created bool, err error)
}

// Archiver stores a finished turn in long-term memory.
type Archiver interface {
	Archive(ctx context.Context, res *orchestrator.Result)
}

// Config holds listener and routing settings.
type Config struct {
	Address     string
	Port        int
	CORSOrigins []string
	// ProfileID is the learner served when a request names none.
	ProfileID   string
	MetricsPath string
}

// Deps are the server's collaborators. Turns and Profiles are
// required; the rest switch features on when set.
type Deps struct {
	Turns    Turner
	Profiles ProfileStore
	Recorder Archiver
	Metrics  *metrics.Collector
	Bus      *events.Bus
	// Ping reports upstream health for /health. Nil means always healthy.
	Ping func(ctx context.Context) error
	// Services lists per-upstream detail on /health.
	Services func() map[string]connwatch.Status
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.withLogging)
	r.Use(cors(s.cfg.CORSOrigins))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/api/version", s.handleVersion)

	r.With(s.instrument("chat")).Post("/api/chat", s.handleChat)
	r.With(s.instrument("profile")).Get("/api/profile", s.handleProfileGet)
	r.With(s.instrument("profile")).Post("/api/profile", s.handleProfilePost)

	// WebSocket routes stay unwrapped so the connection can be hijacked.
	r.Get("/ws/chat", s.handleWSChat)
	r.Get("/ws/events", s.handleWSEvents)

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.deps.Metrics.Handler())
	}
	return r
}

// Start serves until Shutdown is called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      streamWriteTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

// instrument counts requests for route when metrics are enabled.
func (s *Server) instrument(route string) func(http.Handler) http.Handler {
	if s.deps.Metrics == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.deps.Metrics.Middleware(route)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Parley",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	body := map[string]any{}
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
	}
	body["status"] = status
	if s.deps.Services != nil {
		body["services"] = s.deps.Services()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, body, s.logger)
}

// Error types used in the error envelope.
const (
	errTypeInvalid  = "invalid_request_error"
	errTypeNotFound = "not_found_error"
	errTypeServer   = "server_error"
	errTypeUpstream = "upstream_error"
)

func (s *Server) errorResponse(w http.ResponseWriter, code int, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    typ,
			"code":    code,
		},
	}, s.logger)
}
