package bus

import (
	"context"
	"sync"
)

// MemJournal is a thread-safe in-memory journal.
type MemJournal struct {
	mu      sync.RWMutex
	seq     uint64
	entries map[string][]Entry // subject -> entries
}

// NewMemJournal creates a new in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{
		entries: make(map[string][]Entry),
	}
}

func (j *MemJournal) Append(_ context.Context, entry Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	entry.Seq = j.seq
	entry.Payload = append([]byte(nil), entry.Payload...)
	j.entries[entry.Subject] = append(j.entries[entry.Subject], entry)
	return entry.Seq, nil
}

func (j *MemJournal) List(_ context.Context, subject string, afterSeq uint64, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result []Entry
	for _, e := range j.entries[subject] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (j *MemJournal) LatestSeq(_ context.Context, subject string) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entries := j.entries[subject]
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].Seq, nil
}

// Compile-time interface check.
var _ Journal = (*MemJournal)(nil)
