package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/petalpoll/bridge"
	"github.com/petal-labs/petalpoll/bus"
)

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

// SubjectsResponse lists the live bindings.
type SubjectsResponse struct {
	Bindings []bridge.BindingInfo `json:"bindings"`
}

// JournalEntry is the JSON form of a journal record.
type JournalEntry struct {
	Seq       uint64 `json:"seq"`
	Subject   string `json:"subject"`
	Payload   string `json:"payload"`
	Listeners int    `json:"listeners"`
	Time      string `json:"time"`
}

// JournalResponse is one page of a subject's journal.
type JournalResponse struct {
	Subject string         `json:"subject"`
	Entries []JournalEntry `json:"entries"`
	Next    uint64         `json:"next"`
}

func (s *Server) handleListSubjects(w http.ResponseWriter, _ *http.Request) {
	bindings := s.bridge.Bindings()
	if bindings == nil {
		bindings = []bridge.BindingInfo{}
	}
	writeJSON(w, http.StatusOK, SubjectsResponse{Bindings: bindings})
}

// handleJournal pages through the publish journal for a subject. after is
// the last sequence number the caller has seen.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "journal not configured")
		return
	}
	subject := r.PathValue("subject")

	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_AFTER", "after must be a sequence number")
			return
		}
		after = parsed
	}
	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxJournalLimit)
	}

	entries, err := s.journal.List(r.Context(), subject, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	resp := JournalResponse{Subject: subject, Entries: make([]JournalEntry, 0, len(entries)), Next: after}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toJournalEntry(e))
		resp.Next = e.Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func toJournalEntry(e bus.Entry) JournalEntry {
	return JournalEntry{
		Seq:       e.Seq,
		Subject:   e.Subject,
		Payload:   string(e.Payload),
		Listeners: e.Listeners,
		Time:      e.Time.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "metrics not configured")
		return
	}
	points, err := s.metrics.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "METRICS_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}
