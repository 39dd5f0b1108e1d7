package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// journalTimeLayout is fixed width so stored times sort lexically.
const journalTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteJournalConfig configures the SQLite journal.
type SQLiteJournalConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes entries older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many entries per subject (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteJournal persists broadcast records to a SQLite database.
// It uses WAL mode for concurrent read access and runs a background pruner
// when retention is configured.
type SQLiteJournal struct {
	db   *sql.DB
	cfg  SQLiteJournalConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteJournal opens (or creates) a SQLite journal.
func NewSQLiteJournal(cfg SQLiteJournalConfig) (*SQLiteJournal, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitejournal: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitejournal: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitejournal: create schema: %w", err)
	}

	j := &SQLiteJournal{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go j.pruneLoop()
	} else {
		close(j.done)
	}

	return j, nil
}

// Append stores an entry and returns its sequence number.
func (j *SQLiteJournal) Append(ctx context.Context, entry Entry) (uint64, error) {
	payload := entry.Payload
	if payload == nil {
		payload = []byte{}
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO journal (subject, payload, listeners, time) VALUES (?, ?, ?, ?)`,
		entry.Subject,
		payload,
		entry.Listeners,
		entry.Time.UTC().Format(journalTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlitejournal: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlitejournal: append id: %w", err)
	}
	return uint64(id), nil // #nosec G115 -- AUTOINCREMENT ids are positive
}

// List returns entries for a subject, optionally filtered by afterSeq and limit.
func (j *SQLiteJournal) List(ctx context.Context, subject string, afterSeq uint64, limit int) ([]Entry, error) {
	query := `SELECT seq, subject, payload, listeners, time
	           FROM journal WHERE subject = ? AND seq > ? ORDER BY seq ASC`
	args := []any{subject, afterSeq}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitejournal: list: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// LatestSeq returns the highest Seq for a subject (0 if none).
func (j *SQLiteJournal) LatestSeq(ctx context.Context, subject string) (uint64, error) {
	var seq sql.NullInt64
	err := j.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM journal WHERE subject = ?`, subject,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitejournal: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- checked non-negative above
}

// Subjects returns the distinct subjects recorded in the journal.
func (j *SQLiteJournal) Subjects(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT DISTINCT subject FROM journal ORDER BY subject`)
	if err != nil {
		return nil, fmt.Errorf("sqlitejournal: subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("sqlitejournal: scan subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (j *SQLiteJournal) Close() error {
	select {
	case <-j.stop:
		// Already closed.
	default:
		close(j.stop)
	}
	<-j.done
	return j.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (j *SQLiteJournal) Prune(ctx context.Context) error {
	if j.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-j.cfg.RetentionAge).UTC().Format(journalTimeLayout)
		if _, err := j.db.ExecContext(ctx,
			`DELETE FROM journal WHERE time < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitejournal: prune by age: %w", err)
		}
	}

	if j.cfg.RetentionCount > 0 {
		subjects, err := j.Subjects(ctx)
		if err != nil {
			return fmt.Errorf("sqlitejournal: prune list subjects: %w", err)
		}
		for _, subject := range subjects {
			if _, err := j.db.ExecContext(ctx,
				`DELETE FROM journal WHERE subject = ? AND seq NOT IN (
					SELECT seq FROM journal WHERE subject = ? ORDER BY seq DESC LIMIT ?
				)`, subject, subject, j.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("sqlitejournal: prune by count for %s: %w", subject, err)
			}
		}
	}

	return nil
}

func (j *SQLiteJournal) pruneLoop() {
	defer close(j.done)

	ticker := time.NewTicker(j.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			_ = j.Prune(context.Background())
		}
	}
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			timeStr string
		)
		if err := rows.Scan(&e.Seq, &e.Subject, &e.Payload, &e.Listeners, &timeStr); err != nil {
			return nil, fmt.Errorf("sqlitejournal: scan entry: %w", err)
		}

		t, err := time.Parse(journalTimeLayout, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitejournal: parse time %q: %w", timeStr, err)
		}
		e.Time = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Compile-time interface check.
var _ Journal = (*SQLiteJournal)(nil)
