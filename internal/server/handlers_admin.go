package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/storage"
)

// HandleAuthToken handles POST /auth/token. It exchanges the configured
// admin API key for a short-lived admin JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	// Verify pays the hashing cost even when no admin key is configured.
	if !h.adminKey.Verify(req.APIKey) {
		h.logger.Warn("auth: admin key rejected", "remote_addr", r.RemoteAddr, "configured", h.adminKey.Configured())
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueAdminToken("")
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to issue token", err)
		return
	}
	h.logger.Info("auth: admin token issued", "remote_addr", r.RemoteAddr, "expires_at", expiresAt)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleAdminSync handles POST /admin/sync. The sync runs in the request
// and the result is returned.
func (h *Handlers) HandleAdminSync(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "roster sync not configured")
		return
	}
	res := h.sync.Trigger(r.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, r, status, res)
}

// HandleAdminSyncStatus handles GET /admin/sync/status.
func (h *Handlers) HandleAdminSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "roster sync not configured")
		return
	}
	writeJSON(w, r, http.StatusOK, h.sync.Status())
}

// HandleAdminRecalculate handles POST /admin/kpis/recalculate.
func (h *Handlers) HandleAdminRecalculate(w http.ResponseWriter, r *http.Request) {
	if h.kpis == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "kpi recalculation not configured")
		return
	}
	// An empty body recomputes every agent.
	var req model.RecalculateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}

	if req.AgentSlug == "" {
		n, err := h.kpis.RecalculateAll(r.Context())
		if err != nil {
			writeInternalError(w, r, h.logger, "failed to recalculate kpis", err)
			return
		}
		writeJSON(w, r, http.StatusOK, model.RecalculateResponse{Recalculated: n})
		return
	}

	if err := model.ValidateSlug(req.AgentSlug); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	agent, err := h.db.GetAgentWithKPIs(r.Context(), req.AgentSlug)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found: "+req.AgentSlug)
		return
	}
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to get agent", err)
		return
	}
	if _, err := h.kpis.RecalculateAgent(r.Context(), agent.ID); err != nil {
		writeInternalError(w, r, h.logger, "failed to recalculate kpis", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.RecalculateResponse{Recalculated: 1})
}

// HandleAdminRubric handles POST /admin/agents/{slug}/rubric. The score is
// stored as a quality evaluation and the agent's KPIs are recomputed from it.
func (h *Handlers) HandleAdminRubric(w http.ResponseWriter, r *http.Request) {
	if h.kpis == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "kpi recalculation not configured")
		return
	}
	slug := r.PathValue("slug")
	if err := model.ValidateSlug(slug); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.RubricRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Score == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "score is required")
		return
	}
	if *req.Score < 0 || *req.Score > 100 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "score must be between 0 and 100")
		return
	}

	agent, err := h.db.GetAgentWithKPIs(r.Context(), slug)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found: "+slug)
		return
	}
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to get agent", err)
		return
	}

	now := time.Now().UTC()
	k, err := h.kpis.RecordEvaluation(r.Context(), model.QualityEvaluation{
		AgentID:     agent.ID,
		Score:       *req.Score,
		EvaluatorID: req.EvaluatorID,
		Notes:       req.Notes,
		Timestamp:   now,
	})
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to record evaluation", err)
		return
	}
	h.logger.Info("admin: quality evaluation recorded", "agent", slug, "score", *req.Score)
	writeJSON(w, r, http.StatusOK, model.RubricResponse{
		AgentID:     agent.ID,
		Score:       *req.Score,
		EvaluatorID: req.EvaluatorID,
		Timestamp:   now,
		KPIs:        k,
	})
}

// HandleAdminRetryJob handles POST /admin/jobs/{job_id}/retry.
func (h *Handlers) HandleAdminRetryJob(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "queue not configured")
		return
	}
	jobID := r.PathValue("job_id")
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "job_id is required")
		return
	}
	job, err := h.queue.RequeueDead(r.Context(), jobID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found: "+jobID)
	case errors.Is(err, storage.ErrJobNotDead):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "job is not dead-lettered: "+jobID)
	case err != nil:
		writeInternalError(w, r, h.logger, "failed to requeue job", err)
	default:
		writeJSON(w, r, http.StatusOK, job)
	}
}

// HandleAdminQueue handles GET /admin/queue.
func (h *Handlers) HandleAdminQueue(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "queue not configured")
		return
	}
	c, err := h.queue.Counts(r.Context())
	if err != nil {
		writeInternalError(w, r, h.logger, "failed to count jobs", err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}
