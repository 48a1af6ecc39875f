// Package validation handles verifier-submitted milestone validations:
// idempotent submission keyed by caller-supplied idempotency keys, with
// supporting evidence encrypted at rest.
package validation

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anchorhold/vaultstream/pkg/audit"
	"github.com/anchorhold/vaultstream/pkg/canonical"
	"github.com/anchorhold/vaultstream/pkg/fault"
	"github.com/anchorhold/vaultstream/pkg/kms"
	"github.com/anchorhold/vaultstream/pkg/store"
)

// Submission is the caller-provided validation payload. Evidence is free-form
// and never persisted in the clear.
type Submission struct {
	VaultID     string         `json:"vault_id"`
	MilestoneID string         `json:"milestone_id"`
	Verdict     string         `json:"verdict"`
	Reason      string         `json:"reason,omitempty"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// Transaction is a persisted validation submission. Evidence stays encrypted;
// use DecryptEvidence to recover it explicitly.
type Transaction struct {
	ID                 string
	VaultID            string
	MilestoneID        string
	Verdict            string
	Reason             string
	VerifierID         string
	IdempotencyKey     string
	EvidenceKeyVersion int
	CreatedAt          time.Time

	// Replayed is true when the submission matched an existing record for
	// the same idempotency key instead of creating a new one.
	Replayed bool
}

// Filters narrows List results. Zero values match everything.
type Filters struct {
	VaultID     string
	MilestoneID string
	VerifierID  string
}

// Service persists validation submissions.
type Service struct {
	db      *sql.DB
	dialect store.Dialect
	keyring *kms.Keyring
	auditor audit.Logger
	log     *slog.Logger
}

// New wires a validation service.
func New(db *sql.DB, dialect store.Dialect, keyring *kms.Keyring, auditor audit.Logger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:      db,
		dialect: dialect,
		keyring: keyring,
		auditor: auditor,
		log:     log.With("component", "validation"),
	}
}

// CreateValidationTransaction records a validation submission exactly once
// per idempotency key.
//
// The full submission is canonicalized and digested. A repeat of the same key
// with the same digest returns the original record marked Replayed; the same
// key with a different digest is a caller bug and fails with
// IDEMPOTENCY_CONFLICT. The digest comparison covers the whole payload,
// evidence included, so a "retry" that silently changed its content can never
// be absorbed as a replay.
func (s *Service) CreateValidationTransaction(ctx context.Context, sub Submission, verifierID, idempotencyKey string) (Transaction, error) {
	if idempotencyKey == "" {
		return Transaction{}, fault.Permanent(fault.CodeIdempotencyConflict, "idempotency key is required")
	}

	digest, err := canonical.Digest(sub)
	if err != nil {
		return Transaction{}, fault.WrapInternal(err, "digest submission")
	}

	// Fast path: the key has been seen before.
	if txn, found, err := s.findByKey(ctx, idempotencyKey, digest); err != nil || found {
		return txn, err
	}

	evidence, err := canonical.Marshal(sub.Evidence)
	if err != nil {
		return Transaction{}, fault.WrapInternal(err, "encode evidence")
	}
	cipher, err := s.keyring.Encrypt(evidence)
	if err != nil {
		return Transaction{}, fault.WrapInternal(err, "encrypt evidence")
	}

	txn := Transaction{
		ID:                 uuid.New().String(),
		VaultID:            sub.VaultID,
		MilestoneID:        sub.MilestoneID,
		Verdict:            sub.Verdict,
		Reason:             sub.Reason,
		VerifierID:         verifierID,
		IdempotencyKey:     idempotencyKey,
		EvidenceKeyVersion: s.keyring.ActiveVersion(),
		CreatedAt:          time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO validation_submissions
			(id, vault_id, milestone_id, verdict, reason, verifier_id, idempotency_key, idempotency_digest, evidence_cipher, evidence_key_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		txn.ID, txn.VaultID, txn.MilestoneID, txn.Verdict, txn.Reason, txn.VerifierID,
		idempotencyKey, digest, cipher, txn.EvidenceKeyVersion, txn.CreatedAt,
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			// Lost a race with a concurrent first submission; the winner's
			// record decides replay versus conflict.
			txn, found, ferr := s.findByKey(ctx, idempotencyKey, digest)
			if ferr != nil {
				return Transaction{}, ferr
			}
			if found {
				return txn, nil
			}
			return Transaction{}, fault.WrapInternal(err, "idempotency race lost but key not found")
		}
		return Transaction{}, fault.WrapTransient(fault.CodeConnectionFailed, err, "insert validation")
	}

	_ = s.auditor.Record(ctx, verifierID, audit.EventMutation, "validation.created",
		"validation/"+txn.ID, map[string]any{
			"vault_id":     txn.VaultID,
			"milestone_id": txn.MilestoneID,
			"verdict":      txn.Verdict,
		})
	return txn, nil
}

// findByKey looks up an existing submission by idempotency key and decides
// replay versus conflict by digest.
func (s *Service) findByKey(ctx context.Context, idempotencyKey, digest string) (Transaction, bool, error) {
	var (
		txn          Transaction
		storedDigest string
		reason       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, vault_id, milestone_id, verdict, reason, verifier_id, idempotency_key, idempotency_digest, evidence_key_version, created_at
		FROM validation_submissions WHERE idempotency_key = ?`),
		idempotencyKey,
	).Scan(&txn.ID, &txn.VaultID, &txn.MilestoneID, &txn.Verdict, &reason,
		&txn.VerifierID, &txn.IdempotencyKey, &storedDigest, &txn.EvidenceKeyVersion, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, fault.WrapTransient(fault.CodeConnectionFailed, err, "lookup idempotency key")
	}

	if storedDigest != digest {
		return Transaction{}, false, fault.Permanent(fault.CodeIdempotencyConflict,
			"idempotency key %q was already used with a different payload", idempotencyKey)
	}
	txn.Reason = reason.String
	txn.Replayed = true
	return txn, true, nil
}

// FindValidationTransactionByID returns one submission without decrypting
// its evidence.
func (s *Service) FindValidationTransactionByID(ctx context.Context, id string) (Transaction, error) {
	var (
		txn    Transaction
		reason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, vault_id, milestone_id, verdict, reason, verifier_id, idempotency_key, evidence_key_version, created_at
		FROM validation_submissions WHERE id = ?`),
		id,
	).Scan(&txn.ID, &txn.VaultID, &txn.MilestoneID, &txn.Verdict, &reason,
		&txn.VerifierID, &txn.IdempotencyKey, &txn.EvidenceKeyVersion, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return Transaction{}, store.ErrNotFound
	}
	if err != nil {
		return Transaction{}, fault.WrapTransient(fault.CodeConnectionFailed, err, "find validation")
	}
	txn.Reason = reason.String
	return txn, nil
}

// ListValidationTransactions returns submissions matching the filters,
// newest first. Evidence stays encrypted.
func (s *Service) ListValidationTransactions(ctx context.Context, f Filters) ([]Transaction, error) {
	query := `
		SELECT id, vault_id, milestone_id, verdict, reason, verifier_id, idempotency_key, evidence_key_version, created_at
		FROM validation_submissions WHERE 1=1`
	var args []any
	if f.VaultID != "" {
		query += ` AND vault_id = ?`
		args = append(args, f.VaultID)
	}
	if f.MilestoneID != "" {
		query += ` AND milestone_id = ?`
		args = append(args, f.MilestoneID)
	}
	if f.VerifierID != "" {
		query += ` AND verifier_id = ?`
		args = append(args, f.VerifierID)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fault.WrapTransient(fault.CodeConnectionFailed, err, "list validations")
	}
	defer func() { _ = rows.Close() }()

	var out []Transaction
	for rows.Next() {
		var (
			txn    Transaction
			reason sql.NullString
		)
		if err := rows.Scan(&txn.ID, &txn.VaultID, &txn.MilestoneID, &txn.Verdict, &reason,
			&txn.VerifierID, &txn.IdempotencyKey, &txn.EvidenceKeyVersion, &txn.CreatedAt); err != nil {
			return nil, fault.WrapInternal(err, "scan validation")
		}
		txn.Reason = reason.String
		out = append(out, txn)
	}
	return out, rows.Err()
}

// DecryptEvidence recovers the evidence for one submission. This is the only
// path that touches plaintext evidence, and every call is audited.
func (s *Service) DecryptEvidence(ctx context.Context, id, actor string) (map[string]any, error) {
	var cipher string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT evidence_cipher FROM validation_submissions WHERE id = ?`), id,
	).Scan(&cipher)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fault.WrapTransient(fault.CodeConnectionFailed, err, "read evidence")
	}

	plaintext, err := s.keyring.Decrypt(cipher)
	if err != nil {
		return nil, fault.WrapInternal(err, "decrypt evidence")
	}

	var evidence map[string]any
	if len(plaintext) > 0 && string(plaintext) != "null" {
		if err := json.Unmarshal(plaintext, &evidence); err != nil {
			return nil, fault.WrapInternal(err, "decode evidence")
		}
	}

	_ = s.auditor.Record(ctx, actor, audit.EventSystem, "evidence.decrypted",
		"validation/"+id, nil)
	return evidence, nil
}
