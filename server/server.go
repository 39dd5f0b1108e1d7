package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalpoll/bridge"
	"github.com/petal-labs/petalpoll/bus"
	petalotel "github.com/petal-labs/petalpoll/otel"
	"github.com/petal-labs/petalpoll/sse"
)

const (
	DefaultLongPollTimeout = 30 * time.Second
	DefaultMaxWait         = 5 * time.Minute
)

// MetricsSource provides a point-in-time view of the bridge instruments.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]petalotel.MetricPoint, error)
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Bridge *bridge.Bridge

	// Journal, when set, backs the journal endpoint.
	Journal bus.Journal

	// Metrics, when set, backs the metrics endpoint.
	Metrics MetricsSource

	// LongPollTimeout bounds a pull that does not ask for a specific wait.
	LongPollTimeout time.Duration

	// MaxWait caps the wait a client may request.
	MaxWait time.Duration

	// Heartbeat is the SSE heartbeat interval for session streams.
	Heartbeat time.Duration

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the petalpoll HTTP API server.
type Server struct {
	bridge          *bridge.Bridge
	journal         bus.Journal
	metrics         MetricsSource
	stream          *sse.SSEHandler
	longPollTimeout time.Duration
	maxWait         time.Duration
	corsOrigin      string
	maxBody         int64
	logger          *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	longPoll := cfg.LongPollTimeout
	if longPoll <= 0 {
		longPoll = DefaultLongPollTimeout
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if maxWait < longPoll {
		maxWait = longPoll
	}
	return &Server{
		bridge:          cfg.Bridge,
		journal:         cfg.Journal,
		metrics:         cfg.Metrics,
		stream:          sse.NewSSEHandler(cfg.Bridge, sse.WithHeartbeat(cfg.Heartbeat), sse.WithLogger(logger)),
		longPollTimeout: longPoll,
		maxWait:         maxWait,
		corsOrigin:      corsOrigin,
		maxBody:         maxBody,
		logger:          logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the event and introspection routes onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /events/{subject}", s.handlePublish)
	mux.HandleFunc("GET /events/{subject}", s.handlePull)
	mux.HandleFunc("DELETE /events/{subject}", s.handleUnbind)
	mux.HandleFunc("POST /events/{subject}/sub", s.handleSubscribe)
	mux.HandleFunc("GET /events/{subject}/sub/{id}", s.handlePullSession)
	mux.HandleFunc("DELETE /events/{subject}/sub/{id}", s.handleUnsubscribe)
	mux.Handle("GET /events/{subject}/sub/{id}/stream", s.stream)

	mux.HandleFunc("GET /api/subjects", s.handleListSubjects)
	mux.HandleFunc("GET /api/subjects/{subject}/journal", s.handleJournal)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
}

// --- Middleware ---

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the request id assigned by the server, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestIDMiddleware tags each request with an id, reusing the caller's
// X-Request-ID when present.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestID(r.Context()),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the HTTP status code for logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush delegates to the underlying ResponseWriter so SSE handlers work.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
