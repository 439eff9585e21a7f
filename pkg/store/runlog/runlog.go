// Package runlog persists one extraction_logs row per pipeline
// invocation. Rows are append-only; the health endpoint reads the most
// recent one to answer freshness probes.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal verdict of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// maxErrorMessage bounds the persisted error text.
const maxErrorMessage = 1000

const statementTimeout = 60 * time.Second

// Entry is one run's log row.
type Entry struct {
	ID               string
	Status           Status
	StartedAt        time.Time
	FinishedAt       time.Time
	DurationSeconds  float64
	RecordsExtracted int
	RecordsInserted  int
	RecordsUpdated   int
	RecordsFailed    int
	ErrorMessage     string
}

// Store appends and reads extraction log rows.
type Store struct {
	db *sql.DB
}

// New wraps the shared pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

// TruncateErrors joins up to five error strings and caps the result, so
// the log row stays small while still naming the first failures.
func TruncateErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	if len(errs) > 5 {
		errs = errs[:5]
	}
	msg := strings.Join(errs, "; ")
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return msg
}

// Append writes the entry on the given transaction so the run log commits
// atomically with the data it describes. A nil tx writes directly to the
// pool, used for failed runs whose transaction was rolled back.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO extraction_logs (id, status, started_at, finished_at, duration_seconds,
			records_extracted, records_inserted, records_updated, records_failed, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	args := []any{e.ID, string(e.Status), e.StartedAt, e.FinishedAt, e.DurationSeconds,
		e.RecordsExtracted, e.RecordsInserted, e.RecordsUpdated, e.RecordsFailed,
		nullable(e.ErrorMessage), time.Now().UTC()}

	stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	var err error
	if tx != nil {
		_, err = tx.ExecContext(stmtCtx, q, args...)
	} else {
		_, err = s.db.ExecContext(stmtCtx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("runlog: append: %w", err)
	}
	return nil
}

// Latest returns the most recent run, or (nil, nil) when no run has ever
// been recorded.
func (s *Store) Latest(ctx context.Context) (*Entry, error) {
	stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	row := s.db.QueryRowContext(stmtCtx, `
		SELECT id, status, started_at, finished_at, duration_seconds,
			records_extracted, records_inserted, records_updated, records_failed,
			COALESCE(error_message, '')
		FROM extraction_logs ORDER BY started_at DESC LIMIT 1`)

	var e Entry
	var status string
	err := row.Scan(&e.ID, &status, &e.StartedAt, &e.FinishedAt, &e.DurationSeconds,
		&e.RecordsExtracted, &e.RecordsInserted, &e.RecordsUpdated, &e.RecordsFailed, &e.ErrorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("runlog: latest: %w", err)
	}
	e.Status = Status(status)
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
