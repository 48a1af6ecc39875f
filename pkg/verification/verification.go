// Package verification implements the off-ledger milestone review workflow:
// verifier assignments, the verification status state machine, decision
// history, and follow-up information requests.
package verification

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anchorhold/vaultstream/pkg/audit"
	"github.com/anchorhold/vaultstream/pkg/fault"
	"github.com/anchorhold/vaultstream/pkg/store"
)

// Status is a milestone's verification state.
type Status string

const (
	StatusPending       Status = "pending_verification"
	StatusInfoRequested Status = "info_requested"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
)

// Action names a verifier decision recorded in the history.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionRequestInfo Action = "request_info"
)

// transitions is the full state machine. Approved and rejected are terminal;
// a verifier may ask for more information repeatedly before deciding.
var transitions = map[Status][]Status{
	StatusPending:       {StatusApproved, StatusRejected, StatusInfoRequested},
	StatusInfoRequested: {StatusApproved, StatusRejected, StatusInfoRequested},
	StatusApproved:      {},
	StatusRejected:      {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Event is one entry in a milestone's verification history.
type Event struct {
	ID              string
	VaultID         string
	MilestoneIndex  int
	VerifierAddress string
	Action          Action
	Notes           string
	InfoRequestID   string
	PreviousStatus  Status
	CreatedAt       time.Time
}

// Assignment records a verifier's authority over one milestone.
type Assignment struct {
	VaultID         string
	MilestoneIndex  int
	VerifierAddress string
	AssignedAt      time.Time
}

// InfoRequest is an open or resolved question raised during review.
type InfoRequest struct {
	ID              string
	VaultID         string
	MilestoneIndex  int
	RequestedBy     string
	Question        string
	RespondingParty string
	IsResolved      bool
	ResolvedAt      *time.Time
	CreatedAt       time.Time
}

// Notification describes a committed decision for downstream delivery.
type Notification struct {
	VaultID         string
	MilestoneIndex  int
	VerifierAddress string
	Action          Action
	Status          Status
}

// Notifier delivers decision notifications. Delivery is best-effort and
// happens only after the decision has committed.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Service coordinates verification decisions against the store.
type Service struct {
	db       *sql.DB
	dialect  store.Dialect
	auditor  audit.Logger
	notifier Notifier
	log      *slog.Logger
}

// New wires a verification service. notifier may be nil.
func New(db *sql.DB, dialect store.Dialect, auditor audit.Logger, notifier Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:       db,
		dialect:  dialect,
		auditor:  auditor,
		notifier: notifier,
		log:      log.With("component", "verification"),
	}
}

// AssignVerifier grants a verifier authority over a milestone. Re-assigning
// a revoked verifier reactivates the assignment.
func (s *Service) AssignVerifier(ctx context.Context, vaultID string, milestoneIndex int, verifier, actor string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO verifier_assignments (vault_id, milestone_index, verifier_address, assigned_at, revoked_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT (vault_id, milestone_index, verifier_address) DO UPDATE SET
			assigned_at = excluded.assigned_at,
			revoked_at = NULL`),
		vaultID, milestoneIndex, verifier, now,
	)
	if err != nil {
		return fault.WrapTransient(fault.CodeConnectionFailed, err, "assign verifier")
	}
	_ = s.auditor.Record(ctx, actor, audit.EventMutation, "verifier.assigned",
		milestoneResource(vaultID, milestoneIndex), map[string]any{"verifier": verifier})
	return nil
}

// RevokeVerifier withdraws a verifier's authority over a milestone.
func (s *Service) RevokeVerifier(ctx context.Context, vaultID string, milestoneIndex int, verifier, actor string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE verifier_assignments SET revoked_at = ?
		WHERE vault_id = ? AND milestone_index = ? AND verifier_address = ? AND revoked_at IS NULL`),
		time.Now().UTC(), vaultID, milestoneIndex, verifier,
	)
	if err != nil {
		return fault.WrapTransient(fault.CodeConnectionFailed, err, "revoke verifier")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.WrapTransient(fault.CodeConnectionFailed, err, "revoke verifier")
	}
	if n == 0 {
		return fault.Permanent(fault.CodeNotAuthorized,
			"verifier %q has no active assignment for %s/%d", verifier, vaultID, milestoneIndex)
	}
	_ = s.auditor.Record(ctx, actor, audit.EventMutation, "verifier.revoked",
		milestoneResource(vaultID, milestoneIndex), map[string]any{"verifier": verifier})
	return nil
}

// GetAssignedVerifiers returns the active assignments for a milestone.
func (s *Service) GetAssignedVerifiers(ctx context.Context, vaultID string, milestoneIndex int) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT vault_id, milestone_index, verifier_address, assigned_at
		FROM verifier_assignments
		WHERE vault_id = ? AND milestone_index = ? AND revoked_at IS NULL
		ORDER BY assigned_at`),
		vaultID, milestoneIndex,
	)
	if err != nil {
		return nil, fault.WrapTransient(fault.CodeConnectionFailed, err, "list verifiers")
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.VaultID, &a.MilestoneIndex, &a.VerifierAddress, &a.AssignedAt); err != nil {
			return nil, fault.WrapInternal(err, "scan assignment")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ApproveMilestone moves a milestone to approved on behalf of verifier.
func (s *Service) ApproveMilestone(ctx context.Context, vaultID string, milestoneIndex int, verifier, notes string) error {
	return s.decide(ctx, vaultID, milestoneIndex, verifier, notes, ActionApprove, StatusApproved)
}

// RejectMilestone moves a milestone to rejected on behalf of verifier.
func (s *Service) RejectMilestone(ctx context.Context, vaultID string, milestoneIndex int, verifier, reason string) error {
	return s.decide(ctx, vaultID, milestoneIndex, verifier, reason, ActionReject, StatusRejected)
}

// decide runs the shared decision transaction: authorization, state machine
// check, status write, history append, and info-request resolution. The
// audit record and notification fire only after commit.
func (s *Service) decide(ctx context.Context, vaultID string, milestoneIndex int, verifier, notes string, action Action, target Status) error {
	var previous Status
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.requireActiveAssignment(ctx, tx, vaultID, milestoneIndex, verifier); err != nil {
			return err
		}

		milestoneID, current, err := s.lockMilestone(ctx, tx, vaultID, milestoneIndex)
		if err != nil {
			return err
		}
		if !CanTransition(current, target) {
			return fault.Permanent(fault.CodeInvalidTransition,
				"milestone %s/%d cannot move from %s to %s", vaultID, milestoneIndex, current, target)
		}
		previous = current

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
			`UPDATE milestones SET verification_status = ?, updated_at = ? WHERE milestone_id = ?`),
			string(target), now, milestoneID,
		); err != nil {
			return fault.WrapTransient(fault.CodeConnectionFailed, err, "update verification status")
		}

		if err := s.appendHistory(ctx, tx, Event{
			ID:              uuid.New().String(),
			VaultID:         vaultID,
			MilestoneIndex:  milestoneIndex,
			VerifierAddress: verifier,
			Action:          action,
			Notes:           notes,
			PreviousStatus:  current,
			CreatedAt:       now,
		}); err != nil {
			return err
		}

		// A terminal decision moots any outstanding questions.
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE info_requests SET is_resolved = TRUE, resolved_at = ?
			WHERE vault_id = ? AND milestone_index = ? AND is_resolved = FALSE`),
			now, vaultID, milestoneIndex,
		); err != nil {
			return fault.WrapTransient(fault.CodeConnectionFailed, err, "resolve info requests")
		}
		return nil
	})
	if err != nil {
		return err
	}

	_ = s.auditor.Record(ctx, verifier, audit.EventMutation, "milestone."+string(action),
		milestoneResource(vaultID, milestoneIndex),
		map[string]any{"previous_status": string(previous), "status": string(target)})
	s.notify(ctx, Notification{
		VaultID:         vaultID,
		MilestoneIndex:  milestoneIndex,
		VerifierAddress: verifier,
		Action:          action,
		Status:          target,
	})
	return nil
}

// RequestMoreInfo opens an information request and moves the milestone to
// info_requested. A verifier may hold at most one unresolved request per
// milestone; the partial unique index enforces that under concurrency.
func (s *Service) RequestMoreInfo(ctx context.Context, vaultID string, milestoneIndex int, verifier, question, respondingParty string) (string, error) {
	requestID := uuid.New().String()
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.requireActiveAssignment(ctx, tx, vaultID, milestoneIndex, verifier); err != nil {
			return err
		}

		milestoneID, current, err := s.lockMilestone(ctx, tx, vaultID, milestoneIndex)
		if err != nil {
			return err
		}
		if !CanTransition(current, StatusInfoRequested) {
			return fault.Permanent(fault.CodeInvalidTransition,
				"milestone %s/%d cannot move from %s to %s", vaultID, milestoneIndex, current, StatusInfoRequested)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO info_requests (id, vault_id, milestone_index, requested_by, question, responding_party, is_resolved, created_at)
			VALUES (?, ?, ?, ?, ?, ?, FALSE, ?)`),
			requestID, vaultID, milestoneIndex, verifier, question, respondingParty, now,
		)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return fault.Permanent(fault.CodeOpenInfoRequest,
					"verifier %q already has an open request for %s/%d", verifier, vaultID, milestoneIndex)
			}
			return fault.WrapTransient(fault.CodeConnectionFailed, err, "insert info request")
		}

		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
			`UPDATE milestones SET verification_status = ?, updated_at = ? WHERE milestone_id = ?`),
			string(StatusInfoRequested), now, milestoneID,
		); err != nil {
			return fault.WrapTransient(fault.CodeConnectionFailed, err, "update verification status")
		}

		return s.appendHistory(ctx, tx, Event{
			ID:              uuid.New().String(),
			VaultID:         vaultID,
			MilestoneIndex:  milestoneIndex,
			VerifierAddress: verifier,
			Action:          ActionRequestInfo,
			Notes:           question,
			InfoRequestID:   requestID,
			PreviousStatus:  current,
			CreatedAt:       now,
		})
	})
	if err != nil {
		return "", err
	}

	_ = s.auditor.Record(ctx, verifier, audit.EventMutation, "milestone.info_requested",
		milestoneResource(vaultID, milestoneIndex), map[string]any{"request_id": requestID})
	s.notify(ctx, Notification{
		VaultID:         vaultID,
		MilestoneIndex:  milestoneIndex,
		VerifierAddress: verifier,
		Action:          ActionRequestInfo,
		Status:          StatusInfoRequested,
	})
	return requestID, nil
}

// GetVerificationHistory returns the decision trail for a milestone, oldest
// first.
func (s *Service) GetVerificationHistory(ctx context.Context, vaultID string, milestoneIndex int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT id, vault_id, milestone_index, verifier_address, action, notes, info_request_id, previous_status, created_at
		FROM verification_events
		WHERE vault_id = ? AND milestone_index = ?
		ORDER BY created_at, id`),
		vaultID, milestoneIndex,
	)
	if err != nil {
		return nil, fault.WrapTransient(fault.CodeConnectionFailed, err, "list history")
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev       Event
			notes    sql.NullString
			reqID    sql.NullString
			action   string
			previous string
		)
		if err := rows.Scan(&ev.ID, &ev.VaultID, &ev.MilestoneIndex, &ev.VerifierAddress,
			&action, &notes, &reqID, &previous, &ev.CreatedAt); err != nil {
			return nil, fault.WrapInternal(err, "scan history entry")
		}
		ev.Action = Action(action)
		ev.Notes = notes.String
		ev.InfoRequestID = reqID.String
		ev.PreviousStatus = Status(previous)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListInfoRequests returns all information requests for a milestone, oldest
// first.
func (s *Service) ListInfoRequests(ctx context.Context, vaultID string, milestoneIndex int) ([]InfoRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT id, vault_id, milestone_index, requested_by, question, responding_party, is_resolved, resolved_at, created_at
		FROM info_requests
		WHERE vault_id = ? AND milestone_index = ?
		ORDER BY created_at, id`),
		vaultID, milestoneIndex,
	)
	if err != nil {
		return nil, fault.WrapTransient(fault.CodeConnectionFailed, err, "list info requests")
	}
	defer func() { _ = rows.Close() }()

	var out []InfoRequest
	for rows.Next() {
		var (
			r          InfoRequest
			responding sql.NullString
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.VaultID, &r.MilestoneIndex, &r.RequestedBy,
			&r.Question, &responding, &r.IsResolved, &resolvedAt, &r.CreatedAt); err != nil {
			return nil, fault.WrapInternal(err, "scan info request")
		}
		r.RespondingParty = responding.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			r.ResolvedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetStatus reads a milestone's current verification status.
func (s *Service) GetStatus(ctx context.Context, vaultID string, milestoneIndex int) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT verification_status FROM milestones WHERE vault_id = ? AND idx = ?`),
		vaultID, milestoneIndex,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fault.Permanent(fault.CodeMilestoneNotFound,
			"milestone %s/%d not found", vaultID, milestoneIndex)
	}
	if err != nil {
		return "", fault.WrapTransient(fault.CodeConnectionFailed, err, "read verification status")
	}
	return Status(status), nil
}

func (s *Service) requireActiveAssignment(ctx context.Context, tx *sql.Tx, vaultID string, milestoneIndex int, verifier string) error {
	var one int
	err := tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT 1 FROM verifier_assignments
		WHERE vault_id = ? AND milestone_index = ? AND verifier_address = ? AND revoked_at IS NULL`),
		vaultID, milestoneIndex, verifier,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return fault.Permanent(fault.CodeNotAuthorized,
			"verifier %q is not assigned to %s/%d", verifier, vaultID, milestoneIndex)
	}
	if err != nil {
		return fault.WrapTransient(fault.CodeConnectionFailed, err, "check assignment")
	}
	return nil
}

// lockMilestone reads the milestone row under a row lock where the dialect
// supports one, keeping concurrent decisions serialized.
func (s *Service) lockMilestone(ctx context.Context, tx *sql.Tx, vaultID string, milestoneIndex int) (string, Status, error) {
	var (
		milestoneID string
		status      string
	)
	err := tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT milestone_id, verification_status FROM milestones WHERE vault_id = ? AND idx = ?`)+s.dialect.ForUpdate(),
		vaultID, milestoneIndex,
	).Scan(&milestoneID, &status)
	if err == sql.ErrNoRows {
		return "", "", fault.Permanent(fault.CodeMilestoneNotFound,
			"milestone %s/%d not found", vaultID, milestoneIndex)
	}
	if err != nil {
		return "", "", fault.WrapTransient(fault.CodeConnectionFailed, err, "read milestone")
	}
	return milestoneID, Status(status), nil
}

func (s *Service) appendHistory(ctx context.Context, tx *sql.Tx, ev Event) error {
	var reqID any
	if ev.InfoRequestID != "" {
		reqID = ev.InfoRequestID
	}
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO verification_events (id, vault_id, milestone_index, verifier_address, action, notes, info_request_id, previous_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.VaultID, ev.MilestoneIndex, ev.VerifierAddress,
		string(ev.Action), ev.Notes, reqID, string(ev.PreviousStatus), ev.CreatedAt,
	)
	if err != nil {
		return fault.WrapTransient(fault.CodeConnectionFailed, err, "append history")
	}
	return nil
}

func (s *Service) notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, n)
}

func milestoneResource(vaultID string, milestoneIndex int) string {
	return fmt.Sprintf("milestone/%s/%d", vaultID, milestoneIndex)
}
