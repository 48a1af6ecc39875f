// Package api exposes the operational HTTP surface: verification decisions,
// validation submissions, dead-letter management, and listener status.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/anchorhold/vaultstream/pkg/deadletter"
	"github.com/anchorhold/vaultstream/pkg/fault"
	"github.com/anchorhold/vaultstream/pkg/listener"
	"github.com/anchorhold/vaultstream/pkg/processor"
	"github.com/anchorhold/vaultstream/pkg/store"
	"github.com/anchorhold/vaultstream/pkg/validation"
	"github.com/anchorhold/vaultstream/pkg/verification"
)

// Server routes HTTP requests to the domain services.
type Server struct {
	verif *verification.Service
	valid *validation.Service
	proc  *processor.Processor
	dead  deadletter.Store
	l     *listener.Listener
	log   *slog.Logger
}

// New wires the HTTP server. listener may be nil when the process runs
// without ingestion.
func New(verif *verification.Service, valid *validation.Service, proc *processor.Processor,
	dead deadletter.Store, l *listener.Listener, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{verif: verif, valid: valid, proc: proc, dead: dead, l: l, log: log.With("component", "api")}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/listener/status", s.handleListenerStatus)

	mux.HandleFunc("POST /api/milestones/{vault}/{index}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/milestones/{vault}/{index}/reject", s.handleReject)
	mux.HandleFunc("POST /api/milestones/{vault}/{index}/request-info", s.handleRequestInfo)
	mux.HandleFunc("GET /api/milestones/{vault}/{index}/history", s.handleHistory)
	mux.HandleFunc("GET /api/milestones/{vault}/{index}/info-requests", s.handleInfoRequests)
	mux.HandleFunc("GET /api/milestones/{vault}/{index}/status", s.handleStatus)
	mux.HandleFunc("GET /api/milestones/{vault}/{index}/verifiers", s.handleListVerifiers)
	mux.HandleFunc("POST /api/milestones/{vault}/{index}/verifiers", s.handleAssignVerifier)
	mux.HandleFunc("DELETE /api/milestones/{vault}/{index}/verifiers/{verifier}", s.handleRevokeVerifier)

	mux.HandleFunc("POST /api/validations", s.handleCreateValidation)
	mux.HandleFunc("GET /api/validations", s.handleListValidations)
	mux.HandleFunc("GET /api/validations/{id}", s.handleGetValidation)
	mux.HandleFunc("POST /api/validations/{id}/evidence", s.handleDecryptEvidence)

	mux.HandleFunc("GET /api/dead-letters", s.handleListDeadLetters)
	mux.HandleFunc("GET /api/dead-letters/metrics", s.handleDeadLetterMetrics)
	mux.HandleFunc("GET /api/dead-letters/{id}", s.handleGetDeadLetter)
	mux.HandleFunc("POST /api/dead-letters/{id}/reprocess", s.handleReprocess)
	mux.HandleFunc("POST /api/dead-letters/{id}/discard", s.handleDiscard)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListenerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.l == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": "disabled"})
		return
	}
	snap := s.l.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":                snap.State,
		"cursor":               snap.Cursor,
		"in_flight":            snap.InFlight,
		"consecutive_failures": snap.ConsecutiveFailures,
		"last_error":           snap.LastError,
	})
}

type decisionRequest struct {
	Verifier string `json:"verifier"`
	Notes    string `json:"notes"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	vault, index, ok := milestoneParams(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.verif.ApproveMilestone(r.Context(), vault, index, req.Verifier, req.Notes); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(verification.StatusApproved)})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	vault, index, ok := milestoneParams(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.verif.RejectMilestone(r.Context(), vault, index, req.Verifier, req.Notes); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(verification.StatusRejected)})
}

func (s *Server) handleRequestInfo(w http.ResponseWriter, r *http.Request) {
	vault, index, ok := milestoneParams(w, r)
	if !ok {
		return
	}
	var req struct {
		Verifier        string `json:"verifier"`
		Question        string `json:"question"`
		RespondingParty string `json:"responding_party"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.verif.RequestMoreInfo(r.Context(), vault, index, req.Verifier, req.Question, req.RespondingParty)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"request_id": id,
		"status":     string(verification.StatusInfoRequested),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vault, index, ok := milestoneParams(w, r)
	if !ok {
		return
	}
	history, err := s.verif.GetVerificationHistory(r.Context(), vault, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(history))
	for _, ev := range history {
		out = append(out, map[string]any{
			"id":              ev.ID,
			"verifier":        ev.VerifierAddress,
			"action":          string(ev.Action),
			"notes":           ev.Notes,
			"info_request_id": ev.InfoRequestID,
			"previous_status": string(ev.PreviousStatus),
			"created_at":      ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInfoRequests(w http.ResponseWriter, r *http.Request) {
	vault, index, ok := milestoneParams(w, r)
	if !ok {
		return
	}
	requests, err := s.verif.ListInfoRequests(r.Context(), vault, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(requests))
	for _, q := range requests {
		out = append(out, map[string]any{
			"id":               q.ID,
			"requested_by":     q.RequestedBy,
			"question":         q.Question,
			"responding_party": q.RespondingParty,
			"is_resolved":      q.IsResolved,
			"created_at":       q.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	vault, index, ok := milestoneParams(w, r)
	if !ok {
		return
	}
	status, err := s.verif.GetStatus(r.Context(), vault, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"verification_status": string(status)})
}

func (s *Server) handleListVerifiers(w http.ResponseWriter, r *http.Request) {
	vault, index, ok := milestoneParams(w, r)
	if !ok {
		return
	}
	assignments, err := s.verif.GetAssignedVerifiers(r.Context(), vault, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, map[string]any{
			"verifier":    a.VerifierAddress,
			"assigned_at": a.AssignedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAssignVerifier(w http.ResponseWriter, r *http.Request) {
	vault, index, ok := milestoneParams(w, r)
	if !ok {
		return
	}
	var req struct {
		Verifier string `json:"verifier"`
		Actor    string `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.verif.AssignVerifier(r.Context(), vault, index, req.Verifier, req.Actor); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeVerifier(w http.ResponseWriter, r *http.Request) {
	vault, index, ok := milestoneParams(w, r)
	if !ok {
		return
	}
	verifier := r.PathValue("verifier")
	if err := s.verif.RevokeVerifier(r.Context(), vault, index, verifier, r.Header.Get("X-Actor")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateValidation(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	var req struct {
		validation.Submission
		VerifierID string `json:"verifier_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	txn, err := s.valid.CreateValidationTransaction(r.Context(), req.Submission, req.VerifierID, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if txn.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, validationJSON(txn))
}

func (s *Server) handleListValidations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	txns, err := s.valid.ListValidationTransactions(r.Context(), validation.Filters{
		VaultID:     q.Get("vault_id"),
		MilestoneID: q.Get("milestone_id"),
		VerifierID:  q.Get("verifier_id"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(txns))
	for _, txn := range txns {
		out = append(out, validationJSON(txn))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	txn, err := s.valid.FindValidationTransactionByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validationJSON(txn))
}

func (s *Server) handleDecryptEvidence(w http.ResponseWriter, r *http.Request) {
	evidence, err := s.valid.DecryptEvidence(r.Context(), r.PathValue("id"), r.Header.Get("X-Actor"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": evidence})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.dead.List(r.Context(), deadletter.Filters{
		Status:  deadletter.Status(r.URL.Query().Get("status")),
		JobType: r.URL.Query().Get("job_type"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":              e.ID,
			"job_type":        e.JobType,
			"error_message":   e.ErrorMessage,
			"retry_count":     e.RetryCount,
			"status":          string(e.Status),
			"first_failed_at": e.FirstFailedAt,
			"last_failed_at":  e.LastFailedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	e, err := s.dead.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              e.ID,
		"job_type":        e.JobType,
		"payload":         json.RawMessage(e.Payload),
		"error_message":   e.ErrorMessage,
		"stack_trace":     e.StackTrace,
		"retry_count":     e.RetryCount,
		"status":          string(e.Status),
		"first_failed_at": e.FirstFailedAt,
		"last_failed_at":  e.LastFailedAt,
		"resolved_at":     e.ResolvedAt,
	})
}

func (s *Server) handleDeadLetterMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.dead.Metrics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	res := s.proc.ReprocessFailedEvent(r.Context(), r.PathValue("id"))
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.dead.Discard(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validationJSON(txn validation.Transaction) map[string]any {
	return map[string]any{
		"id":                   txn.ID,
		"vault_id":             txn.VaultID,
		"milestone_id":         txn.MilestoneID,
		"verdict":              txn.Verdict,
		"reason":               txn.Reason,
		"verifier_id":          txn.VerifierID,
		"idempotency_key":      txn.IdempotencyKey,
		"evidence_key_version": txn.EvidenceKeyVersion,
		"created_at":           txn.CreatedAt,
		"replayed":             txn.Replayed,
	}
}

func milestoneParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	vault := r.PathValue("vault")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "milestone index must be an integer"})
		return "", 0, false
	}
	return vault, index, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return false
	}
	return true
}

// writeError maps the fault taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case fault.HasCode(err, fault.CodeNotAuthorized):
		status = http.StatusForbidden
	case fault.HasCode(err, fault.CodeMilestoneNotFound),
		fault.HasCode(err, fault.CodeVaultNotFound),
		fault.HasCode(err, fault.CodeDeadLetterNotFound):
		status = http.StatusNotFound
	case fault.HasCode(err, fault.CodeInvalidTransition),
		fault.HasCode(err, fault.CodeOpenInfoRequest),
		fault.HasCode(err, fault.CodeIdempotencyConflict):
		status = http.StatusConflict
	case fault.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	msg := err.Error()
	var fe *fault.Error
	if errors.As(err, &fe) {
		msg = fe.Message()
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": string(fault.CodeOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
