package verification

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhold/vaultstream/pkg/audit"
	"github.com/anchorhold/vaultstream/pkg/fault"
	"github.com/anchorhold/vaultstream/pkg/store"
)

const (
	testVault    = "v1"
	testIndex    = 0
	testVerifier = "GVERIFIER1"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (c *captureNotifier) Notify(_ context.Context, n Notification) {
	c.mu.Lock()
	c.sent = append(c.sent, n)
	c.mu.Unlock()
}

func newService(t *testing.T) (*Service, *sql.DB, *captureNotifier) {
	t.Helper()
	db, err := store.Open(store.DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))

	notifier := &captureNotifier{}
	return New(db, store.DialectSQLite, audit.Nop(), notifier, nil), db, notifier
}

func seedMilestone(t *testing.T, db *sql.DB, vaultID string, idx int) {
	t.Helper()
	now := time.Now().UTC()
	_, err := db.Exec(`INSERT INTO vaults (vault_id, status, created_at, updated_at) VALUES (?, 'active', ?, ?)`,
		vaultID, now, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO milestones (milestone_id, vault_id, idx, status, verification_status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 'pending_verification', ?, ?)`,
		"m-"+vaultID, vaultID, idx, now, now)
	require.NoError(t, err)
}

func setup(t *testing.T) (*Service, *sql.DB, *captureNotifier) {
	s, db, notifier := newService(t)
	seedMilestone(t, db, testVault, testIndex)
	require.NoError(t, s.AssignVerifier(context.Background(), testVault, testIndex, testVerifier, "admin"))
	return s, db, notifier
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusApproved))
	assert.True(t, CanTransition(StatusPending, StatusRejected))
	assert.True(t, CanTransition(StatusPending, StatusInfoRequested))
	assert.True(t, CanTransition(StatusInfoRequested, StatusApproved))
	assert.True(t, CanTransition(StatusInfoRequested, StatusInfoRequested))

	assert.False(t, CanTransition(StatusApproved, StatusRejected))
	assert.False(t, CanTransition(StatusApproved, StatusApproved))
	assert.False(t, CanTransition(StatusRejected, StatusApproved))
	assert.False(t, CanTransition(StatusRejected, StatusInfoRequested))
}

func TestApproveMilestone(t *testing.T) {
	s, _, notifier := setup(t)
	ctx := context.Background()

	require.NoError(t, s.ApproveMilestone(ctx, testVault, testIndex, testVerifier, "all deliverables present"))

	status, err := s.GetStatus(ctx, testVault, testIndex)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)

	history, err := s.GetVerificationHistory(ctx, testVault, testIndex)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ActionApprove, history[0].Action)
	assert.Equal(t, StatusPending, history[0].PreviousStatus)
	assert.Equal(t, testVerifier, history[0].VerifierAddress)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, StatusApproved, notifier.sent[0].Status)
}

func TestApprovedIsTerminal(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, s.ApproveMilestone(ctx, testVault, testIndex, testVerifier, ""))

	err := s.ApproveMilestone(ctx, testVault, testIndex, testVerifier, "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidTransition, fault.CodeOf(err))
	assert.False(t, fault.IsTransient(err))

	err = s.RejectMilestone(ctx, testVault, testIndex, testVerifier, "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidTransition, fault.CodeOf(err))

	// Failed attempts leave no history behind.
	history, err := s.GetVerificationHistory(ctx, testVault, testIndex)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRejectMilestone(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, s.RejectMilestone(ctx, testVault, testIndex, testVerifier, "evidence insufficient"))

	status, err := s.GetStatus(ctx, testVault, testIndex)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, status)

	_, err = s.RequestMoreInfo(ctx, testVault, testIndex, testVerifier, "too late?", "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidTransition, fault.CodeOf(err))
}

func TestUnassignedVerifierRejected(t *testing.T) {
	s, db, _ := newService(t)
	seedMilestone(t, db, testVault, testIndex)

	err := s.ApproveMilestone(context.Background(), testVault, testIndex, "GSTRANGER", "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotAuthorized, fault.CodeOf(err))
}

func TestRevokedVerifierRejected(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, s.RevokeVerifier(ctx, testVault, testIndex, testVerifier, "admin"))

	err := s.ApproveMilestone(ctx, testVault, testIndex, testVerifier, "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotAuthorized, fault.CodeOf(err))
}

func TestReassignmentReactivates(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, s.RevokeVerifier(ctx, testVault, testIndex, testVerifier, "admin"))
	require.NoError(t, s.AssignVerifier(ctx, testVault, testIndex, testVerifier, "admin"))

	require.NoError(t, s.ApproveMilestone(ctx, testVault, testIndex, testVerifier, ""))
}

func TestRevokeWithoutAssignmentFails(t *testing.T) {
	s, db, _ := newService(t)
	seedMilestone(t, db, testVault, testIndex)

	err := s.RevokeVerifier(context.Background(), testVault, testIndex, "GSTRANGER", "admin")
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotAuthorized, fault.CodeOf(err))
}

func TestGetAssignedVerifiersExcludesRevoked(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, s.AssignVerifier(ctx, testVault, testIndex, "GVERIFIER2", "admin"))
	require.NoError(t, s.RevokeVerifier(ctx, testVault, testIndex, testVerifier, "admin"))

	active, err := s.GetAssignedVerifiers(ctx, testVault, testIndex)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "GVERIFIER2", active[0].VerifierAddress)
}

func TestRequestMoreInfo(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	reqID, err := s.RequestMoreInfo(ctx, testVault, testIndex, testVerifier, "where is the invoice?", "owner")
	require.NoError(t, err)
	require.NotEmpty(t, reqID)

	status, err := s.GetStatus(ctx, testVault, testIndex)
	require.NoError(t, err)
	assert.Equal(t, StatusInfoRequested, status)

	requests, err := s.ListInfoRequests(ctx, testVault, testIndex)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, reqID, requests[0].ID)
	assert.False(t, requests[0].IsResolved)

	history, err := s.GetVerificationHistory(ctx, testVault, testIndex)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ActionRequestInfo, history[0].Action)
	assert.Equal(t, reqID, history[0].InfoRequestID)
}

func TestSecondOpenInfoRequestRejected(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	_, err := s.RequestMoreInfo(ctx, testVault, testIndex, testVerifier, "q1", "")
	require.NoError(t, err)

	_, err = s.RequestMoreInfo(ctx, testVault, testIndex, testVerifier, "q2", "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeOpenInfoRequest, fault.CodeOf(err))
}

func TestDistinctVerifiersMayEachHoldOneOpenRequest(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, s.AssignVerifier(ctx, testVault, testIndex, "GVERIFIER2", "admin"))

	_, err := s.RequestMoreInfo(ctx, testVault, testIndex, testVerifier, "q1", "")
	require.NoError(t, err)
	_, err = s.RequestMoreInfo(ctx, testVault, testIndex, "GVERIFIER2", "q2", "")
	require.NoError(t, err)
}

func TestDecisionResolvesOpenRequests(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	_, err := s.RequestMoreInfo(ctx, testVault, testIndex, testVerifier, "q1", "")
	require.NoError(t, err)

	require.NoError(t, s.ApproveMilestone(ctx, testVault, testIndex, testVerifier, "answered offline"))

	requests, err := s.ListInfoRequests(ctx, testVault, testIndex)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.True(t, requests[0].IsResolved)
	require.NotNil(t, requests[0].ResolvedAt)

	// Resolution frees the slot for a later milestone on the same vault,
	// but this one is terminal now.
	_, err = s.RequestMoreInfo(ctx, testVault, testIndex, testVerifier, "q2", "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidTransition, fault.CodeOf(err))
}

func TestInfoRequestedThenApproved(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	_, err := s.RequestMoreInfo(ctx, testVault, testIndex, testVerifier, "q1", "")
	require.NoError(t, err)
	require.NoError(t, s.ApproveMilestone(ctx, testVault, testIndex, testVerifier, ""))

	history, err := s.GetVerificationHistory(ctx, testVault, testIndex)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ActionRequestInfo, history[0].Action)
	assert.Equal(t, StatusPending, history[0].PreviousStatus)
	assert.Equal(t, ActionApprove, history[1].Action)
	assert.Equal(t, StatusInfoRequested, history[1].PreviousStatus)
}

func TestUnknownMilestoneRejected(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, s.AssignVerifier(ctx, "ghost", 3, testVerifier, "admin"))

	err := s.ApproveMilestone(ctx, "ghost", 3, testVerifier, "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeMilestoneNotFound, fault.CodeOf(err))

	_, err = s.GetStatus(ctx, "ghost", 3)
	require.Error(t, err)
	assert.Equal(t, fault.CodeMilestoneNotFound, fault.CodeOf(err))
}
