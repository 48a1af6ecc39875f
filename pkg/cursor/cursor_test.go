package cursor

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhold/vaultstream/pkg/store"
)

func TestLoadMissingCursorReturnsNotFound(t *testing.T) {
	db, err := store.Open(store.DialectSQLite, ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx, db))

	s := NewSQLStore(db, store.DialectSQLite)
	_, err = s.Load(ctx, "vault-ingest")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	db, err := store.Open(store.DialectSQLite, ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx, db))

	s := NewSQLStore(db, store.DialectSQLite)

	require.NoError(t, s.Save(ctx, Cursor{ServiceName: "vault-ingest", Position: "900-1"}))
	require.NoError(t, s.Save(ctx, Cursor{ServiceName: "vault-ingest", Position: "901-0"}))

	c, err := s.Load(ctx, "vault-ingest")
	require.NoError(t, err)
	assert.Equal(t, "901-0", c.Position)
	assert.False(t, c.LastProcessedAt.IsZero())
}

func TestSavePropagatesDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`INSERT INTO listener_cursors`).
		WillReturnError(assert.AnError)

	s := NewSQLStore(db, store.DialectSQLite)
	err = s.Save(context.Background(), Cursor{
		ServiceName:     "vault-ingest",
		Position:        "900-1",
		LastProcessedAt: time.Now(),
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
