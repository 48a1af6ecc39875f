package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhold/vaultstream/pkg/audit"
	"github.com/anchorhold/vaultstream/pkg/deadletter"
	"github.com/anchorhold/vaultstream/pkg/events"
	"github.com/anchorhold/vaultstream/pkg/observability"
	"github.com/anchorhold/vaultstream/pkg/retry"
	"github.com/anchorhold/vaultstream/pkg/store"
)

const testMaxAttempts = 3

type fixture struct {
	proc *Processor
	db   *sql.DB
	dead *deadletter.SQLStore
	norm *events.Normalizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(store.DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))

	dead := deadletter.NewSQLStore(db, store.DialectSQLite)
	exec := retry.New(retry.Config{
		MaxAttempts:    testMaxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2.0,
	})
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	return &fixture{
		proc: New(db, store.DialectSQLite, exec, dead, audit.Nop(), obs, nil),
		db:   db,
		dead: dead,
		norm: events.NewNormalizer(),
	}
}

func (f *fixture) event(t *testing.T, txHash string, index int, eventType string, data string) events.Event {
	t.Helper()
	ev, err := f.norm.Normalize(events.RawEvent{
		TransactionHash: txHash,
		EventIndex:      index,
		LedgerSequence:  1000,
		Type:            eventType,
		Data:            json.RawMessage(data),
	})
	require.NoError(t, err)
	return ev
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestProcessVaultCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.event(t, "tx1", 0, "vault_created", `{"vault_id":"v1","owner":"GOWNER"}`)
	res := f.proc.ProcessEvent(ctx, ev)

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, "tx1:0", res.EventID)

	var status string
	require.NoError(t, f.db.QueryRow(`SELECT status FROM vaults WHERE vault_id = 'v1'`).Scan(&status))
	assert.Equal(t, "active", status)
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM processed_events`))
}

func TestReplaySameEventIsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.event(t, "tx1", 0, "vault_created", `{"vault_id":"v1"}`)

	first := f.proc.ProcessEvent(ctx, ev)
	second := f.proc.ProcessEvent(ctx, ev)

	require.True(t, first.Success)
	require.True(t, second.Success, "replay must be a committed no-op")

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM processed_events WHERE event_id = 'tx1:0'`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM vaults`))
}

func TestMilestoneCreationRequiresParentVault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.event(t, "tx2", 0, "milestone_created", `{"vault_id":"missing","milestone_id":"m1","index":0}`)
	res := f.proc.ProcessEvent(ctx, ev)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
	assert.Equal(t, testMaxAttempts, res.RetryCount)

	// All-or-nothing: no partial state.
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM processed_events`))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM milestones`))

	// Exhaustion escalated to the dead-letter store.
	entries, err := f.dead.List(ctx, deadletter.Filters{Status: deadletter.StatusPending})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, deadletter.JobTypeLedgerEvent, entries[0].JobType)
	assert.Equal(t, testMaxAttempts, entries[0].RetryCount)
	assert.Contains(t, entries[0].ErrorMessage, "not found")
	assert.NotEmpty(t, entries[0].StackTrace)
}

func TestEndToEndVaultMilestoneFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1 := f.event(t, "txA", 0, "vault_created", `{"vault_id":"v1"}`)
	require.True(t, f.proc.ProcessEvent(ctx, e1).Success)

	var vaultStatus string
	require.NoError(t, f.db.QueryRow(`SELECT status FROM vaults WHERE vault_id = 'v1'`).Scan(&vaultStatus))
	assert.Equal(t, "active", vaultStatus)

	e2 := f.event(t, "txB", 0, "milestone_created", `{"vault_id":"v1","milestone_id":"m1","index":0}`)
	require.True(t, f.proc.ProcessEvent(ctx, e2).Success)

	var msStatus string
	require.NoError(t, f.db.QueryRow(`SELECT status FROM milestones WHERE milestone_id = 'm1'`).Scan(&msStatus))
	assert.Equal(t, "pending", msStatus)

	e3 := f.event(t, "txC", 0, "milestone_created", `{"vault_id":"missing","milestone_id":"m2","index":0}`)
	res := f.proc.ProcessEvent(ctx, e3)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")

	entries, err := f.dead.List(ctx, deadletter.Filters{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testMaxAttempts, entries[0].RetryCount)
}

func TestValidationRequiresParentMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.event(t, "tx3", 0, "milestone_validated",
		`{"vault_id":"v1","milestone_id":"m1","index":0,"verdict":"approved"}`)
	res := f.proc.ProcessEvent(ctx, ev)

	require.False(t, res.Success)
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM milestone_validations`))
}

func TestVaultStatusChangeAppliesToExistingVault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.proc.ProcessEvent(ctx, f.event(t, "tx1", 0, "vault_created", `{"vault_id":"v1"}`)).Success)
	require.True(t, f.proc.ProcessEvent(ctx, f.event(t, "tx1", 1, "vault_status_changed", `{"vault_id":"v1","status":"closed"}`)).Success)

	var status string
	require.NoError(t, f.db.QueryRow(`SELECT status FROM vaults WHERE vault_id = 'v1'`).Scan(&status))
	assert.Equal(t, "closed", status)
}

func TestReprocessAfterFixSucceedsAndClearsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Fail: milestone before its vault.
	ev := f.event(t, "tx9", 0, "milestone_created", `{"vault_id":"v9","milestone_id":"m9","index":0}`)
	require.False(t, f.proc.ProcessEvent(ctx, ev).Success)

	entries, err := f.dead.List(ctx, deadletter.Filters{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	id := entries[0].ID

	// Fix the cause, then reprocess.
	require.True(t, f.proc.ProcessEvent(ctx, f.event(t, "tx8", 0, "vault_created", `{"vault_id":"v9"}`)).Success)

	res := f.proc.ReprocessFailedEvent(ctx, id)
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, "tx9:0", res.EventID)

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM milestones WHERE milestone_id = 'm9'`))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM dead_letter_entries`))
}

func TestReprocessFailureKeepsEntryPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.event(t, "tx9", 0, "milestone_created", `{"vault_id":"v9","milestone_id":"m9","index":0}`)
	require.False(t, f.proc.ProcessEvent(ctx, ev).Success)

	entries, err := f.dead.List(ctx, deadletter.Filters{})
	require.NoError(t, err)
	id := entries[0].ID

	// Cause not fixed: reprocess fails again.
	res := f.proc.ReprocessFailedEvent(ctx, id)
	require.False(t, res.Success)

	entry, err := f.dead.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, deadletter.StatusPending, entry.Status)
	assert.Equal(t, 2*testMaxAttempts, entry.RetryCount)
}

func TestReprocessDiscardedEntryRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.event(t, "tx9", 0, "milestone_created", `{"vault_id":"v9","milestone_id":"m9","index":0}`)
	require.False(t, f.proc.ProcessEvent(ctx, ev).Success)

	entries, err := f.dead.List(ctx, deadletter.Filters{})
	require.NoError(t, err)
	id := entries[0].ID
	require.NoError(t, f.dead.Discard(ctx, id))

	res := f.proc.ReprocessFailedEvent(ctx, id)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not pending")
}

func TestReprocessUnknownIDRejected(t *testing.T) {
	f := newFixture(t)
	res := f.proc.ReprocessFailedEvent(context.Background(), "does-not-exist")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}
