// Package cursor persists the last successfully processed stream position
// per service. The SQL row is the source of truth; the optional Redis
// checkpoint is a best-effort fast-restart hint.
package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anchorhold/vaultstream/pkg/store"
)

// Cursor is the persisted stream position for one service.
type Cursor struct {
	ServiceName     string
	Position        string
	LastProcessedAt time.Time
}

// Store loads and saves listener cursors.
type Store interface {
	Load(ctx context.Context, serviceName string) (Cursor, error)
	Save(ctx context.Context, c Cursor) error
}

// SQLStore is the durable cursor store, single row per service.
type SQLStore struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewSQLStore(db *sql.DB, dialect store.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Load returns the cursor for serviceName, or store.ErrNotFound if the
// service has never checkpointed.
func (s *SQLStore) Load(ctx context.Context, serviceName string) (Cursor, error) {
	query := s.dialect.Rebind(
		`SELECT service_name, last_position, last_processed_at FROM listener_cursors WHERE service_name = ?`)

	var c Cursor
	err := s.db.QueryRowContext(ctx, query, serviceName).Scan(&c.ServiceName, &c.Position, &c.LastProcessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cursor{}, store.ErrNotFound
		}
		return Cursor{}, fmt.Errorf("cursor: load %s: %w", serviceName, err)
	}
	return c, nil
}

// Save upserts the cursor row. Called only after a successful event
// application; the caller treats failures as non-fatal.
func (s *SQLStore) Save(ctx context.Context, c Cursor) error {
	if c.LastProcessedAt.IsZero() {
		c.LastProcessedAt = time.Now().UTC()
	}
	query := s.dialect.Rebind(`
		INSERT INTO listener_cursors (service_name, last_position, last_processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service_name) DO UPDATE SET
			last_position = excluded.last_position,
			last_processed_at = excluded.last_processed_at`)

	if _, err := s.db.ExecContext(ctx, query, c.ServiceName, c.Position, c.LastProcessedAt); err != nil {
		return fmt.Errorf("cursor: save %s: %w", c.ServiceName, err)
	}
	return nil
}
