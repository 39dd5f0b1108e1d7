package bus

import (
	"context"
	"log/slog"
)

// JournalRecorder writes broadcast records to a Journal. Its Record method is
// meant to be installed as MemBusConfig.Tap.
type JournalRecorder struct {
	journal Journal
	logger  *slog.Logger
}

// NewJournalRecorder creates a new JournalRecorder.
func NewJournalRecorder(journal Journal, logger *slog.Logger) *JournalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalRecorder{
		journal: journal,
		logger:  logger,
	}
}

// Record persists a single broadcast record. Failures are logged and never
// reach the publisher.
func (r *JournalRecorder) Record(entry Entry) {
	if _, err := r.journal.Append(context.Background(), entry); err != nil {
		r.logger.Error("failed to journal broadcast",
			"subject", entry.Subject,
			"listeners", entry.Listeners,
			"error", err,
		)
	}
}
