// Package processor applies canonical ledger events to local state exactly
// once. The ProcessedEventRecord row, inserted in the same transaction as the
// domain mutation, is the idempotency guard; replays and concurrent races
// resolve to a committed no-op.
package processor

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/anchorhold/vaultstream/pkg/audit"
	"github.com/anchorhold/vaultstream/pkg/canonical"
	"github.com/anchorhold/vaultstream/pkg/deadletter"
	"github.com/anchorhold/vaultstream/pkg/events"
	"github.com/anchorhold/vaultstream/pkg/fault"
	"github.com/anchorhold/vaultstream/pkg/observability"
	"github.com/anchorhold/vaultstream/pkg/retry"
	"github.com/anchorhold/vaultstream/pkg/store"
)

// Result is the outcome of a process or reprocess call.
type Result struct {
	Success    bool   `json:"success"`
	EventID    string `json:"event_id"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// Processor routes canonical events to domain handlers inside a transaction.
type Processor struct {
	db      *sql.DB
	dialect store.Dialect
	retry   *retry.Executor
	dead    deadletter.Store
	auditor audit.Logger
	obs     *observability.Provider
	log     *slog.Logger
}

// New wires a Processor. obs may be a disabled provider; auditor and dead
// are required.
func New(db *sql.DB, dialect store.Dialect, exec *retry.Executor, dead deadletter.Store,
	auditor audit.Logger, obs *observability.Provider, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		db:      db,
		dialect: dialect,
		retry:   exec,
		dead:    dead,
		auditor: auditor,
		obs:     obs,
		log:     log.With("component", "processor"),
	}
}

// ProcessEvent applies ev exactly once. Transient failures are retried up to
// the executor's bound and then escalated to the dead-letter store; the
// escalation itself is best-effort and never masks the primary outcome.
func (p *Processor) ProcessEvent(ctx context.Context, ev events.Event) Result {
	ctx, done := p.obs.TrackEvent(ctx, ev.ID, string(ev.Type))

	var duplicate bool
	attempts, err := p.retry.Do(ctx, func(ctx context.Context) error {
		return p.applyOnce(ctx, ev, &duplicate)
	})
	done(err)

	if err == nil {
		if duplicate {
			p.obs.RecordDuplicate(ctx, string(ev.Type))
			p.log.DebugContext(ctx, "event already processed", "event_id", ev.ID)
		} else {
			p.obs.RecordProcessed(ctx, string(ev.Type))
		}
		return Result{Success: true, EventID: ev.ID, RetryCount: attempts}
	}

	p.log.ErrorContext(ctx, "event processing failed",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"attempts", attempts,
		"error", err,
	)
	if fault.IsTransient(err) {
		p.escalate(ctx, ev, err, attempts)
	}
	return Result{Success: false, EventID: ev.ID, Error: err.Error(), RetryCount: attempts}
}

// ReprocessFailedEvent reconstructs the canonical event from a dead-letter
// snapshot and resubmits it. Success removes the entry; failure returns it
// to pending with an incremented retry count.
func (p *Processor) ReprocessFailedEvent(ctx context.Context, id string) Result {
	entry, err := p.dead.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Success: false, Error: fault.Permanent(fault.CodeDeadLetterNotFound, "dead-letter entry %s not found", id).Error()}
		}
		return Result{Success: false, Error: err.Error()}
	}

	if err := p.dead.MarkReprocessing(ctx, id); err != nil {
		// Not pending anymore: discarded, or another reprocess is running.
		return Result{Success: false, Error: fault.Permanent(fault.CodeDeadLetterNotFound, "dead-letter entry %s is not pending", id).Error()}
	}

	ev, err := events.Decode(entry.Payload)
	if err != nil {
		_ = p.dead.RecordFailure(ctx, id, err.Error(), 1)
		return Result{Success: false, Error: err.Error()}
	}

	var duplicate bool
	attempts, err := p.retry.Do(ctx, func(ctx context.Context) error {
		return p.applyOnce(ctx, ev, &duplicate)
	})
	if err != nil {
		if recErr := p.dead.RecordFailure(ctx, id, err.Error(), attempts); recErr != nil {
			p.log.ErrorContext(ctx, "recording reprocess failure failed", "id", id, "error", recErr)
		}
		return Result{Success: false, EventID: ev.ID, Error: err.Error(), RetryCount: attempts}
	}

	if remErr := p.dead.Remove(ctx, id); remErr != nil {
		p.log.ErrorContext(ctx, "removing resolved dead-letter entry failed", "id", id, "error", remErr)
	}
	_ = p.auditor.Record(ctx, "", audit.EventMutation, "dead_letter.reprocessed", "dead_letter/"+id,
		map[string]any{"event_id": ev.ID, "attempts": attempts})
	return Result{Success: true, EventID: ev.ID, RetryCount: attempts}
}

// applyOnce is one transactional attempt: short-circuit on the processed
// record, route the domain mutation, insert the processed record, commit.
func (p *Processor) applyOnce(ctx context.Context, ev events.Event, duplicate *bool) error {
	*duplicate = false
	return store.InTx(ctx, p.db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			p.dialect.Rebind(`SELECT 1 FROM processed_events WHERE event_id = ?`), ev.ID,
		).Scan(&one)
		switch {
		case err == nil:
			*duplicate = true
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return wrapDB(err, "check processed record")
		}

		if err := p.route(ctx, tx, ev); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, p.dialect.Rebind(`
			INSERT INTO processed_events (event_id, transaction_hash, event_index, ledger_sequence, processed_at)
			VALUES (?, ?, ?, ?, ?)`),
			ev.ID, ev.TransactionHash, ev.EventIndex, ev.LedgerSequence, time.Now().UTC(),
		)
		if err != nil {
			if store.IsUniqueViolation(err) {
				// A concurrent invocation committed first; ours becomes a no-op.
				*duplicate = true
				return nil
			}
			return wrapDB(err, "insert processed record")
		}
		return nil
	})
}

// escalate writes the audit entry and dead-letter snapshot after retry
// exhaustion. Failures here are logged only, never re-thrown.
func (p *Processor) escalate(ctx context.Context, ev events.Event, cause error, attempts int) {
	snapshot, err := canonical.Marshal(ev)
	if err != nil {
		p.log.ErrorContext(ctx, "dead-letter snapshot marshal failed", "event_id", ev.ID, "error", err)
		return
	}

	id, err := p.dead.Insert(ctx, deadletter.Entry{
		JobType:      deadletter.JobTypeLedgerEvent,
		Payload:      snapshot,
		ErrorMessage: cause.Error(),
		StackTrace:   string(debug.Stack()),
		RetryCount:   attempts,
	})
	if err != nil {
		p.log.ErrorContext(ctx, "dead-letter insert failed", "event_id", ev.ID, "error", err)
		return
	}

	p.obs.RecordDeadLettered(ctx, string(ev.Type))
	_ = p.auditor.Record(ctx, "", audit.EventFailure, "event.dead_lettered", "dead_letter/"+id,
		map[string]any{
			"event_id":    ev.ID,
			"event_type":  string(ev.Type),
			"error":       cause.Error(),
			"retry_count": attempts,
		})
}

// wrapDB classifies driver/connection errors as transient at the throw site.
func wrapDB(err error, op string) error {
	return fault.WrapTransient(fault.CodeConnectionFailed, err, "%s", op)
}
