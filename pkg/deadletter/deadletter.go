// Package deadletter holds events that exhausted automated retry, pending
// manual resolution.
package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anchorhold/vaultstream/pkg/store"
)

// Status is the lifecycle state of a dead-letter entry.
// pending -> reprocessing -> (removed | pending); discarded is terminal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusReprocessing Status = "reprocessing"
	StatusDiscarded    Status = "discarded"
)

// JobTypeLedgerEvent is the job type for failed canonical ledger events.
const JobTypeLedgerEvent = "ledger_event"

// Entry is one durably failed job with its full diagnostic snapshot.
type Entry struct {
	ID            string
	JobType       string
	Payload       []byte
	ErrorMessage  string
	StackTrace    string
	RetryCount    int
	Status        Status
	FirstFailedAt time.Time
	LastFailedAt  time.Time
	ResolvedAt    *time.Time
}

// Filters narrows List results. Zero values match everything.
type Filters struct {
	JobType string
	Status  Status
}

// Metrics summarizes the store for dashboards and alerts.
type Metrics struct {
	Pending          int
	Reprocessing     int
	Discarded        int
	ByJobType        map[string]int
	OldestPendingAge time.Duration
}

// Store persists dead-letter entries.
type Store interface {
	Insert(ctx context.Context, e Entry) (string, error)
	List(ctx context.Context, f Filters) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	MarkReprocessing(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id, errorMessage string, attempts int) error
	Remove(ctx context.Context, id string) error
	Discard(ctx context.Context, id string) error
	Metrics(ctx context.Context) (Metrics, error)
}

// SQLStore is the production Store.
type SQLStore struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewSQLStore(db *sql.DB, dialect store.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const entryColumns = `id, job_type, payload, error_message, stack_trace, retry_count, status, first_failed_at, last_failed_at, resolved_at`

// Insert stores a new entry with status pending and returns its id.
func (s *SQLStore) Insert(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.FirstFailedAt.IsZero() {
		e.FirstFailedAt = now
	}
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = now
	}

	query := s.dialect.Rebind(`
		INSERT INTO dead_letter_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`)
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.JobType, string(e.Payload), e.ErrorMessage, e.StackTrace,
		e.RetryCount, string(StatusPending), e.FirstFailedAt, e.LastFailedAt,
	)
	if err != nil {
		return "", fmt.Errorf("deadletter: insert: %w", err)
	}
	return e.ID, nil
}

// List returns entries matching the filters, oldest failures first.
func (s *SQLStore) List(ctx context.Context, f Filters) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM dead_letter_entries WHERE 1=1`
	var args []any
	if f.JobType != "" {
		query += ` AND job_type = ?`
		args = append(args, f.JobType)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY first_failed_at ASC`

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Get returns one entry, or store.ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, id string) (Entry, error) {
	query := s.dialect.Rebind(`SELECT ` + entryColumns + ` FROM dead_letter_entries WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, query, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, store.ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

// MarkReprocessing flips a pending entry to reprocessing. Discarded entries
// stay terminal: zero rows affected maps to ErrNotFound so callers reject
// the reprocess request.
func (s *SQLStore) MarkReprocessing(ctx context.Context, id string) error {
	query := s.dialect.Rebind(
		`UPDATE dead_letter_entries SET status = ? WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, string(StatusReprocessing), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("deadletter: mark reprocessing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordFailure returns an entry to pending after a failed reprocess,
// bumping the retry count by the attempts just consumed.
func (s *SQLStore) RecordFailure(ctx context.Context, id, errorMessage string, attempts int) error {
	query := s.dialect.Rebind(`
		UPDATE dead_letter_entries
		SET status = ?, error_message = ?, retry_count = retry_count + ?, last_failed_at = ?
		WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, string(StatusPending), errorMessage, attempts, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deadletter: record failure: %w", err)
	}
	return nil
}

// Remove deletes an entry after successful reprocessing.
func (s *SQLStore) Remove(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`DELETE FROM dead_letter_entries WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("deadletter: remove: %w", err)
	}
	return nil
}

// Discard terminally closes an entry and stamps resolved_at.
func (s *SQLStore) Discard(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`
		UPDATE dead_letter_entries SET status = ?, resolved_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(StatusDiscarded), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deadletter: discard: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Metrics aggregates counts by status and job type plus oldest pending age.
func (s *SQLStore) Metrics(ctx context.Context) (Metrics, error) {
	m := Metrics{ByJobType: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, job_type, COUNT(*) FROM dead_letter_entries GROUP BY status, job_type`)
	if err != nil {
		return Metrics{}, fmt.Errorf("deadletter: metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status, jobType string
		var count int
		if err := rows.Scan(&status, &jobType, &count); err != nil {
			return Metrics{}, err
		}
		switch Status(status) {
		case StatusPending:
			m.Pending += count
		case StatusReprocessing:
			m.Reprocessing += count
		case StatusDiscarded:
			m.Discarded += count
		}
		m.ByJobType[jobType] += count
	}
	if err := rows.Err(); err != nil {
		return Metrics{}, err
	}

	// Read the row instead of MIN(): aggregates lose the column's declared
	// type under the sqlite driver and come back as strings.
	var oldest time.Time
	err = s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT first_failed_at FROM dead_letter_entries WHERE status = ?
		 ORDER BY first_failed_at LIMIT 1`),
		string(StatusPending)).Scan(&oldest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Metrics{}, err
	default:
		m.OldestPendingAge = time.Since(oldest)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var payload string
	var stack sql.NullString
	var status string
	var resolvedAt sql.NullTime
	if err := r.Scan(&e.ID, &e.JobType, &payload, &e.ErrorMessage, &stack,
		&e.RetryCount, &status, &e.FirstFailedAt, &e.LastFailedAt, &resolvedAt); err != nil {
		return Entry{}, err
	}
	e.Payload = []byte(payload)
	e.StackTrace = stack.String
	e.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return e, nil
}
