package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema creates every table the service owns. All statements are
// IF NOT EXISTS so Migrate is safe to run on every start.
//
// The UNIQUE constraints here are load-bearing:
//   - processed_events.event_id backs exactly-once event application;
//   - validation_submissions.idempotency_key backs submission idempotency
//     under concurrent first submissions;
//   - the partial index on info_requests backs the one-open-request-per-
//     requester invariant.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS vaults (
		vault_id   TEXT PRIMARY KEY,
		owner      TEXT,
		asset      TEXT,
		amount     TEXT,
		status     TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS milestones (
		milestone_id        TEXT PRIMARY KEY,
		vault_id            TEXT NOT NULL,
		idx                 INTEGER NOT NULL,
		title               TEXT,
		amount              TEXT,
		status              TEXT NOT NULL DEFAULT 'pending',
		verification_status TEXT NOT NULL DEFAULT 'pending_verification',
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL,
		UNIQUE (vault_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS milestone_validations (
		id           TEXT PRIMARY KEY,
		milestone_id TEXT NOT NULL,
		vault_id     TEXT NOT NULL,
		verdict      TEXT NOT NULL,
		validated_by TEXT,
		event_id     TEXT,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id         TEXT PRIMARY KEY,
		transaction_hash TEXT NOT NULL,
		event_index      INTEGER NOT NULL,
		ledger_sequence  INTEGER NOT NULL,
		processed_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS listener_cursors (
		service_name      TEXT PRIMARY KEY,
		last_position     TEXT NOT NULL,
		last_processed_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_entries (
		id              TEXT PRIMARY KEY,
		job_type        TEXT NOT NULL,
		payload         TEXT NOT NULL,
		error_message   TEXT NOT NULL,
		stack_trace     TEXT,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'pending',
		first_failed_at TIMESTAMP NOT NULL,
		last_failed_at  TIMESTAMP NOT NULL,
		resolved_at     TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS verifier_assignments (
		vault_id         TEXT NOT NULL,
		milestone_index  INTEGER NOT NULL,
		verifier_address TEXT NOT NULL,
		assigned_at      TIMESTAMP NOT NULL,
		revoked_at       TIMESTAMP,
		PRIMARY KEY (vault_id, milestone_index, verifier_address)
	)`,
	`CREATE TABLE IF NOT EXISTS verification_events (
		id               TEXT PRIMARY KEY,
		vault_id         TEXT NOT NULL,
		milestone_index  INTEGER NOT NULL,
		verifier_address TEXT NOT NULL,
		action           TEXT NOT NULL,
		notes            TEXT,
		info_request_id  TEXT,
		previous_status  TEXT NOT NULL,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS info_requests (
		id               TEXT PRIMARY KEY,
		vault_id         TEXT NOT NULL,
		milestone_index  INTEGER NOT NULL,
		requested_by     TEXT NOT NULL,
		question         TEXT NOT NULL,
		responding_party TEXT,
		is_resolved      BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_at      TIMESTAMP,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_info_requests_open
		ON info_requests (vault_id, milestone_index, requested_by)
		WHERE is_resolved = FALSE`,
	`CREATE TABLE IF NOT EXISTS validation_submissions (
		id                   TEXT PRIMARY KEY,
		vault_id             TEXT NOT NULL,
		milestone_id         TEXT NOT NULL,
		verdict              TEXT NOT NULL,
		reason               TEXT,
		verifier_id          TEXT NOT NULL,
		idempotency_key      TEXT NOT NULL UNIQUE,
		idempotency_digest   TEXT NOT NULL,
		evidence_cipher      TEXT NOT NULL,
		evidence_key_version INTEGER NOT NULL,
		created_at           TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letter_status ON dead_letter_entries (status, job_type)`,
	`CREATE INDEX IF NOT EXISTS idx_verification_events_milestone
		ON verification_events (vault_id, milestone_index)`,
}

// Migrate creates the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
