package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/models"
	"github.com/ternarybob/sitescan/internal/scheduler"
)

// CreateScanRequest is the POST /api/scans body. Credentials ride in the
// request only; they are handed to the scheduler's in-memory vault and
// never echoed back or stored.
type CreateScanRequest struct {
	BotID    string `json:"bot_id" validate:"required"`
	StartURL string `json:"start_url" validate:"required,url"`
	LoginURL string `json:"login_url,omitempty" validate:"omitempty,url"`
	Selectors struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Submit   string `json:"submit"`
	} `json:"selectors,omitempty"`
	Credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"credentials,omitempty"`
}

// ScanHandler serves the scan job API.
type ScanHandler struct {
	scheduler *scheduler.Scheduler
	validate  *validator.Validate
	logger    arbor.ILogger
}

func NewScanHandler(sched *scheduler.Scheduler, logger arbor.ILogger) *ScanHandler {
	return &ScanHandler{
		scheduler: sched,
		validate:  validator.New(),
		logger:    logger,
	}
}

// CreateScanHandler handles POST /api/scans. Valid requests are accepted
// asynchronously: the job starts queued and clients poll for progress.
func (h *ScanHandler) CreateScanHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req CreateScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		h.logger.Warn().Err(err).Str("bot_id", req.BotID).Msg("Scan request validation failed")
		WriteError(w, http.StatusBadRequest, "start_url must be a well-formed absolute URL and bot_id is required")
		return
	}
	if u, err := url.Parse(req.StartURL); err != nil || !u.IsAbs() {
		WriteError(w, http.StatusBadRequest, "start_url must be an absolute URL")
		return
	}

	selectors := models.LoginSelectors{
		Username: req.Selectors.Username,
		Password: req.Selectors.Password,
		Submit:   req.Selectors.Submit,
	}
	if req.LoginURL != "" {
		if !selectors.IsComplete() {
			WriteError(w, http.StatusBadRequest, "login_url requires username, password and submit selectors")
			return
		}
		if req.Credentials.Username == "" || req.Credentials.Password == "" {
			WriteError(w, http.StatusBadRequest, "login_url requires credentials")
			return
		}
	}

	job, err := h.scheduler.Submit(r.Context(), req.BotID, req.StartURL, req.LoginURL, selectors, models.Credentials{
		Username: req.Credentials.Username,
		Password: req.Credentials.Password,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("bot_id", req.BotID).Msg("Failed to submit scan job")
		WriteError(w, http.StatusInternalServerError, "Failed to create scan job")
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "Scan job queued",
		"job":     job,
	})
}

// ListScansHandler handles GET /api/scans?bot_id=&limit=&offset=.
// Jobs are returned newest first.
func (h *ScanHandler) ListScansHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	botID := r.URL.Query().Get("bot_id")
	if botID == "" {
		WriteError(w, http.StatusBadRequest, "bot_id query parameter is required")
		return
	}

	opts := &interfaces.JobListOptions{BotID: botID}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset >= 0 {
			opts.Offset = offset
		}
	}

	jobs, total, err := h.scheduler.Jobs().List(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Str("bot_id", botID).Msg("Failed to list scan jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list scan jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.ScanJob{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": total,
	})
}

// GetScanHandler handles GET /api/scans/{id}?bot_id=. A job belonging to
// a different bot is indistinguishable from a missing one.
func (h *ScanHandler) GetScanHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	botID := r.URL.Query().Get("bot_id")
	if botID == "" {
		WriteError(w, http.StatusBadRequest, "bot_id query parameter is required")
		return
	}

	job, err := h.scheduler.Jobs().Get(r.Context(), jobID)
	if err != nil || job.BotID != botID {
		WriteError(w, http.StatusNotFound, "Scan job not found")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// CancelScanHandler handles POST /api/scans/{id}/cancel?bot_id=. Only
// the owning bot may cancel; anyone else sees a 404, same as lookup.
func (h *ScanHandler) CancelScanHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	botID := r.URL.Query().Get("bot_id")
	if botID == "" {
		WriteError(w, http.StatusBadRequest, "bot_id query parameter is required")
		return
	}

	job, err := h.scheduler.Jobs().Get(r.Context(), jobID)
	if err != nil || job.BotID != botID {
		WriteError(w, http.StatusNotFound, "Scan job not found")
		return
	}
	if job.IsTerminal() {
		WriteError(w, http.StatusConflict, "Scan job already finished")
		return
	}

	if err := h.scheduler.Cancel(r.Context(), jobID); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel scan job")
		WriteError(w, http.StatusInternalServerError, "Failed to cancel scan job")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Cancellation requested",
		"job_id":  jobID,
	})
}
