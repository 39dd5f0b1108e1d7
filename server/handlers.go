package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/petal-labs/petalpoll/bridge"
	"github.com/petal-labs/petalpoll/eventlog"
)

// PublishResponse acknowledges a publish.
type PublishResponse struct {
	Subject   string `json:"subject"`
	Listeners int    `json:"listeners"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePublish broadcasts the request body as a text event.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if !utf8.Valid(body) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "payload must be UTF-8 text")
		return
	}

	n := s.bridge.Publish(r.Context(), subject, string(body))
	writeJSON(w, http.StatusOK, PublishResponse{Subject: subject, Listeners: n})
}

// handlePull waits for the next event on the subject's shared log.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")

	ctx, cancel, err := s.pullContext(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_WAIT", err.Error())
		return
	}
	defer cancel()

	event, err := s.bridge.Pull(ctx, subject)
	s.writePullResult(w, r, subject, "", event, err)
}

// handleUnbind releases the subject's shared log.
func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	s.bridge.Unbind(r.Context(), r.PathValue("subject"))
	w.WriteHeader(http.StatusOK)
}

// handleSubscribe creates a session and returns its id as plain text.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")

	ctx, cancel := context.WithTimeout(r.Context(), s.longPollTimeout)
	defer cancel()

	id, err := s.bridge.Subscribe(ctx, subject)
	if errors.Is(err, eventlog.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down")
		return
	}
	if err != nil {
		s.logger.Error("subscribe failed",
			"subject", subject,
			"error", err,
			"request_id", RequestID(r.Context()),
		)
		writeError(w, http.StatusInternalServerError, "SUBSCRIBE_FAILED", err.Error())
		return
	}
	writeText(w, http.StatusOK, id)
}

// handlePullSession waits for the next event on a session's log.
func (s *Server) handlePullSession(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	id := r.PathValue("id")

	ctx, cancel, err := s.pullContext(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_WAIT", err.Error())
		return
	}
	defer cancel()

	event, err := s.bridge.PullSession(ctx, subject, id)
	s.writePullResult(w, r, subject, id, event, err)
}

// handleUnsubscribe removes a session. Unknown sessions succeed.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.bridge.Unsubscribe(r.Context(), r.PathValue("subject"), r.PathValue("id"))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writePullResult(w http.ResponseWriter, r *http.Request, subject, session, event string, err error) {
	switch {
	case err == nil:
		writeText(w, http.StatusOK, event)

	case errors.Is(err, bridge.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", fmt.Sprintf("session %q not found on subject %q", session, subject))

	case errors.Is(err, eventlog.ErrPullPending):
		writeError(w, http.StatusConflict, "PULL_PENDING", "another pull is already waiting on this log")

	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, eventlog.ErrClosed):
		w.WriteHeader(http.StatusNoContent)

	default:
		s.logger.Warn("pull failed",
			"subject", subject,
			"session_id", session,
			"error", err,
			"request_id", RequestID(r.Context()),
		)
		w.WriteHeader(http.StatusNoContent)
	}
}

// pullContext derives the pull deadline from the optional wait query
// parameter. wait accepts a Go duration or a number of seconds; zero makes the
// pull return buffered events only.
func (s *Server) pullContext(r *http.Request) (context.Context, context.CancelFunc, error) {
	wait := s.longPollTimeout
	if raw := strings.TrimSpace(r.URL.Query().Get("wait")); raw != "" {
		parsed, err := parseWait(raw)
		if err != nil {
			return nil, nil, err
		}
		wait = parsed
	}
	if wait > s.maxWait {
		wait = s.maxWait
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	return ctx, cancel, nil
}

func parseWait(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("wait must not be negative")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid wait %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("wait must not be negative")
	}
	return d, nil
}
