package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhold/vaultstream/pkg/audit"
	"github.com/anchorhold/vaultstream/pkg/deadletter"
	"github.com/anchorhold/vaultstream/pkg/kms"
	"github.com/anchorhold/vaultstream/pkg/observability"
	"github.com/anchorhold/vaultstream/pkg/processor"
	"github.com/anchorhold/vaultstream/pkg/retry"
	"github.com/anchorhold/vaultstream/pkg/store"
	"github.com/anchorhold/vaultstream/pkg/validation"
	"github.com/anchorhold/vaultstream/pkg/verification"
)

type fixture struct {
	handler http.Handler
	db      *sql.DB
	dead    *deadletter.SQLStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(store.DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))

	keyring, err := kms.NewKeyring("api-test-evidence-secret", 1)
	require.NoError(t, err)
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	dead := deadletter.NewSQLStore(db, store.DialectSQLite)
	exec := retry.New(retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2.0})
	proc := processor.New(db, store.DialectSQLite, exec, dead, audit.Nop(), obs, nil)
	verif := verification.New(db, store.DialectSQLite, audit.Nop(), nil, nil)
	valid := validation.New(db, store.DialectSQLite, keyring, audit.Nop(), nil)

	srv := New(verif, valid, proc, dead, nil, nil)
	return &fixture{handler: srv.Handler(), db: db, dead: dead}
}

func (f *fixture) seedMilestone(t *testing.T, vaultID string, idx int, verifier string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := f.db.Exec(`INSERT INTO vaults (vault_id, status, created_at, updated_at) VALUES (?, 'active', ?, ?)`,
		vaultID, now, now)
	require.NoError(t, err)
	_, err = f.db.Exec(`INSERT INTO milestones (milestone_id, vault_id, idx, status, verification_status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 'pending_verification', ?, ?)`,
		"m-"+vaultID, vaultID, idx, now, now)
	require.NoError(t, err)
	_, err = f.db.Exec(`INSERT INTO verifier_assignments (vault_id, milestone_index, verifier_address, assigned_at)
		VALUES (?, ?, ?, ?)`, vaultID, idx, verifier, now)
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListenerStatusDisabled(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/listener/status", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", decode(t, rec)["state"])
}

func TestApproveMilestone(t *testing.T) {
	f := newFixture(t)
	f.seedMilestone(t, "v1", 0, "GV1")

	rec := f.do(t, http.MethodPost, "/api/milestones/v1/0/approve",
		map[string]string{"verifier": "GV1", "notes": "ok"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/milestones/v1/0/status", nil, nil)
	assert.Equal(t, "approved", decode(t, rec)["verification_status"])
}

func TestApproveByStrangerIsForbidden(t *testing.T) {
	f := newFixture(t)
	f.seedMilestone(t, "v1", 0, "GV1")

	rec := f.do(t, http.MethodPost, "/api/milestones/v1/0/approve",
		map[string]string{"verifier": "GSTRANGER"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_AUTHORIZED", decode(t, rec)["code"])
}

func TestDoubleApproveConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedMilestone(t, "v1", 0, "GV1")

	body := map[string]string{"verifier": "GV1"}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/milestones/v1/0/approve", body, nil).Code)

	rec := f.do(t, http.MethodPost, "/api/milestones/v1/0/approve", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATUS_TRANSITION", decode(t, rec)["code"])
}

func TestUnknownMilestoneIs404(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/milestones/ghost/0/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadIndexIs400(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/milestones/v1/first/status", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestInfoThenHistory(t *testing.T) {
	f := newFixture(t)
	f.seedMilestone(t, "v1", 0, "GV1")

	rec := f.do(t, http.MethodPost, "/api/milestones/v1/0/request-info",
		map[string]string{"verifier": "GV1", "question": "invoice?"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["request_id"])

	rec = f.do(t, http.MethodGet, "/api/milestones/v1/0/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "request_info", history[0]["action"])
}

func TestVerifierLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.seedMilestone(t, "v1", 0, "GV1")

	rec := f.do(t, http.MethodPost, "/api/milestones/v1/0/verifiers",
		map[string]string{"verifier": "GV2", "actor": "admin"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/milestones/v1/0/verifiers/GV1", nil,
		map[string]string{"X-Actor": "admin"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/milestones/v1/0/verifiers", nil, nil)
	var verifiers []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verifiers))
	require.Len(t, verifiers, 1)
	assert.Equal(t, "GV2", verifiers[0]["verifier"])
}

func TestCreateValidationIdempotency(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{
		"vault_id":     "v1",
		"milestone_id": "m1",
		"verdict":      "approved",
		"verifier_id":  "GV1",
		"evidence":     map[string]any{"url": "https://example.com/doc"},
	}
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := f.do(t, http.MethodPost, "/api/validations", body, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Equal(t, false, decode(t, first)["replayed"])

	second := f.do(t, http.MethodPost, "/api/validations", body, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, true, decode(t, second)["replayed"])
	assert.Equal(t, decode(t, first)["id"], decode(t, second)["id"])

	body["verdict"] = "rejected"
	third := f.do(t, http.MethodPost, "/api/validations", body, headers)
	assert.Equal(t, http.StatusConflict, third.Code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", decode(t, third)["code"])
}

func TestEvidenceDecryptionEndpoint(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{
		"vault_id":     "v1",
		"milestone_id": "m1",
		"verdict":      "approved",
		"verifier_id":  "GV1",
		"evidence":     map[string]any{"url": "https://example.com/doc"},
	}
	rec := f.do(t, http.MethodPost, "/api/validations", body, map[string]string{"Idempotency-Key": "key-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["id"].(string)

	// The plain record never carries evidence.
	rec = f.do(t, http.MethodGet, "/api/validations/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, hasEvidence := decode(t, rec)["evidence"]
	assert.False(t, hasEvidence)

	rec = f.do(t, http.MethodPost, "/api/validations/"+id+"/evidence", nil,
		map[string]string{"X-Actor": "auditor"})
	require.Equal(t, http.StatusOK, rec.Code)
	evidence := decode(t, rec)["evidence"].(map[string]any)
	assert.Equal(t, "https://example.com/doc", evidence["url"])
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.dead.Insert(ctx, deadletter.Entry{
		JobType:      deadletter.JobTypeLedgerEvent,
		Payload:      []byte(`{"event_id":"tx1:0"}`),
		ErrorMessage: "vault missing",
		RetryCount:   3,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/dead-letters?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)

	rec = f.do(t, http.MethodGet, "/api/dead-letters/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/dead-letters/"+id+"/discard", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	entry, err := f.dead.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, deadletter.StatusDiscarded, entry.Status)
}

func TestReprocessUnknownEntry(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/dead-letters/ghost/reprocess", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
