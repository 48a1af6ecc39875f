package processor

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/anchorhold/vaultstream/pkg/events"
	"github.com/anchorhold/vaultstream/pkg/fault"
)

// route dispatches the event payload to its domain handler. The payload
// union is sealed, so the default arm only fires on a snapshot from a newer
// build; that is permanent, not retryable.
func (p *Processor) route(ctx context.Context, tx *sql.Tx, ev events.Event) error {
	switch payload := ev.Payload.(type) {
	case events.VaultCreated:
		return p.applyVaultCreated(ctx, tx, payload)
	case events.VaultStatusChanged:
		return p.applyVaultStatusChanged(ctx, tx, payload)
	case events.MilestoneCreated:
		return p.applyMilestoneCreated(ctx, tx, payload)
	case events.MilestoneValidated:
		return p.applyMilestoneValidated(ctx, tx, ev.ID, payload)
	default:
		return fault.Permanent(fault.CodeMalformedEvent, "no handler for event type %q", ev.Type)
	}
}

func (p *Processor) applyVaultCreated(ctx context.Context, tx *sql.Tx, v events.VaultCreated) error {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, p.dialect.Rebind(`
		INSERT INTO vaults (vault_id, owner, asset, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?)
		ON CONFLICT (vault_id) DO UPDATE SET
			owner = excluded.owner,
			asset = excluded.asset,
			amount = excluded.amount,
			updated_at = excluded.updated_at`),
		v.VaultID, v.Owner, v.Asset, v.Amount, now, now,
	)
	if err != nil {
		return wrapDB(err, "upsert vault")
	}
	return nil
}

func (p *Processor) applyVaultStatusChanged(ctx context.Context, tx *sql.Tx, v events.VaultStatusChanged) error {
	res, err := tx.ExecContext(ctx, p.dialect.Rebind(
		`UPDATE vaults SET status = ?, updated_at = ? WHERE vault_id = ?`),
		v.Status, time.Now().UTC(), v.VaultID,
	)
	if err != nil {
		return wrapDB(err, "update vault status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDB(err, "update vault status")
	}
	if n == 0 {
		// The creation event may simply not have landed yet; retryable.
		return fault.Transient(fault.CodeVaultNotFound, "vault %q not found", v.VaultID)
	}
	return nil
}

func (p *Processor) applyMilestoneCreated(ctx context.Context, tx *sql.Tx, m events.MilestoneCreated) error {
	var one int
	err := tx.QueryRowContext(ctx, p.dialect.Rebind(
		`SELECT 1 FROM vaults WHERE vault_id = ?`), m.VaultID,
	).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return fault.Transient(fault.CodeVaultNotFound, "vault %q not found", m.VaultID)
		}
		return wrapDB(err, "check parent vault")
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, p.dialect.Rebind(`
		INSERT INTO milestones (milestone_id, vault_id, idx, title, amount, status, verification_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 'pending_verification', ?, ?)
		ON CONFLICT (milestone_id) DO NOTHING`),
		m.MilestoneID, m.VaultID, m.Index, m.Title, m.Amount, now, now,
	)
	if err != nil {
		return wrapDB(err, "insert milestone")
	}
	return nil
}

func (p *Processor) applyMilestoneValidated(ctx context.Context, tx *sql.Tx, eventID string, m events.MilestoneValidated) error {
	var one int
	err := tx.QueryRowContext(ctx, p.dialect.Rebind(
		`SELECT 1 FROM milestones WHERE milestone_id = ?`), m.MilestoneID,
	).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return fault.Transient(fault.CodeMilestoneNotFound, "milestone %q not found", m.MilestoneID)
		}
		return wrapDB(err, "check parent milestone")
	}

	_, err = tx.ExecContext(ctx, p.dialect.Rebind(`
		INSERT INTO milestone_validations (id, milestone_id, vault_id, verdict, validated_by, event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), m.MilestoneID, m.VaultID, m.Verdict, m.ValidatedBy, eventID, time.Now().UTC(),
	)
	if err != nil {
		return wrapDB(err, "insert validation")
	}
	return nil
}
