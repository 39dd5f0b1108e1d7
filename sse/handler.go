// Package sse streams a session's events to HTTP clients as Server-Sent
// Events, for clients that can hold a connection open instead of polling.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/petalpoll/bridge"
	"github.com/petal-labs/petalpoll/eventlog"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// SessionSource is the part of the bridge the stream reads from.
type SessionSource interface {
	PullSession(ctx context.Context, subject, id string) (string, error)
	TryPullSession(subject, id string) (string, bool, error)
}

var _ SessionSource = (*bridge.Bridge)(nil)

// sseEvent is the JSON representation of one session event on the stream.
type sseEvent struct {
	Subject   string    `json:"subject"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Data      string    `json:"data"`
}

// SSEHandler serves a session's events as an SSE stream. Each event is pulled
// from the session log, so a stream and a long-poll client on the same session
// compete for events.
//
// The handler expects "subject" and "id" path values (Go 1.22+ ServeMux).
//
// SSE format:
//
//	id: {seq}
//	event: message
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent whenever no event arrives within
// the heartbeat interval. The stream ends with an "event: closed" message when
// the session is unsubscribed, or when the client disconnects.
type SSEHandler struct {
	source    SessionSource
	heartbeat time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an SSEHandler.
type Option func(*SSEHandler)

// WithHeartbeat overrides the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *SSEHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithLogger sets the handler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *SSEHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewSSEHandler creates a new SSEHandler reading from source.
func NewSSEHandler(source SessionSource, opts ...Option) *SSEHandler {
	h := &SSEHandler{
		source:    source,
		heartbeat: HeartbeatInterval,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	id := r.PathValue("id")
	if subject == "" || id == "" {
		http.Error(w, "missing subject or session id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Resolve the session before committing to a stream, so an unknown
	// session still gets a plain 404.
	first, hasFirst, err := h.source.TryPullSession(subject, id)
	if errors.Is(err, bridge.ErrUnknownSession) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var seq uint64
	if hasFirst {
		seq++
		if err := h.writeEvent(w, subject, id, seq, first); err != nil {
			return
		}
		flusher.Flush()
	}

	h.streamLive(r.Context(), w, flusher, subject, id, seq)
}

// streamLive pulls session events until the client leaves or the session is
// removed.
func (h *SSEHandler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	subject, id string,
	seq uint64,
) {
	for {
		pullCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
		event, err := h.source.PullSession(pullCtx, subject, id)
		cancel()

		switch {
		case err == nil:
			seq++
			if err := h.writeEvent(w, subject, id, seq, event); err != nil {
				return
			}

		case ctx.Err() != nil:
			return

		case errors.Is(err, context.DeadlineExceeded):
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}

		case errors.Is(err, eventlog.ErrClosed), errors.Is(err, bridge.ErrUnknownSession):
			_, _ = fmt.Fprint(w, "event: closed\ndata: {}\n\n")
			flusher.Flush()
			return

		default:
			h.logger.Warn("session stream ended", "subject", subject, "session_id", id, "error", err)
			return
		}
		flusher.Flush()
	}
}

// writeEvent writes a single event in SSE format.
func (h *SSEHandler) writeEvent(w http.ResponseWriter, subject, id string, seq uint64, data string) error {
	payload, err := json.Marshal(sseEvent{
		Subject:   subject,
		SessionID: id,
		Seq:       seq,
		Time:      h.now().UTC(),
		Data:      data,
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", seq, payload)
	return err
}
