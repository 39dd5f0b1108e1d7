package bus

import (
	"context"
	"time"
)

// Entry records one broadcast.
type Entry struct {
	// Seq is assigned by the journal on Append and increases monotonically.
	Seq       uint64    `json:"seq"`
	Subject   string    `json:"subject"`
	Payload   []byte    `json:"payload"`
	Listeners int       `json:"listeners"`
	Time      time.Time `json:"time"`
}

// Journal keeps an audit trail of broadcasts. It is never replayed into event
// logs; it only answers operator queries.
type Journal interface {
	// Append stores an entry and returns the sequence number assigned to it.
	Append(ctx context.Context, entry Entry) (uint64, error)

	// List returns entries for a subject in sequence order.
	// afterSeq: return entries with Seq > afterSeq (0 means all)
	// limit: max entries to return (0 means no limit)
	List(ctx context.Context, subject string, afterSeq uint64, limit int) ([]Entry, error)

	// LatestSeq returns the highest Seq recorded for subject (0 if none).
	LatestSeq(ctx context.Context, subject string) (uint64, error)
}
