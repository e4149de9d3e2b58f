package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/common"
	"github.com/ternarybob/sitescan/internal/jobs"
	"github.com/ternarybob/sitescan/internal/models"
	"github.com/ternarybob/sitescan/internal/scheduler"
	"github.com/ternarybob/sitescan/internal/services/browser/browsertest"
	"github.com/ternarybob/sitescan/internal/services/crawler"
	"github.com/ternarybob/sitescan/internal/services/extract"
	"github.com/ternarybob/sitescan/internal/services/login"
	"github.com/ternarybob/sitescan/internal/services/sink"
	badgerstore "github.com/ternarybob/sitescan/internal/storage/badger"
)

// newTestHandler builds a ScanHandler over a real scheduler that is
// never started, so submitted jobs stay queued for assertion.
func newTestHandler(t *testing.T) *ScanHandler {
	t.Helper()

	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	crawlerConfig := &common.CrawlerConfig{
		MaxPages:    10,
		MaxDepth:    2,
		MaxDuration: common.Duration(time.Second),
		PageTimeout: common.Duration(100 * time.Millisecond),
	}
	sched := scheduler.New(scheduler.Deps{
		Config: &common.SchedulerConfig{
			MaxConcurrent:  1,
			MaxPerBot:      1,
			PollInterval:   common.Duration(time.Hour),
			ReaperSchedule: "*/1 * * * *",
			StaleAfter:     common.Duration(time.Hour),
		},
		Manager:   jobs.NewManager(storage.JobStorage(), logger),
		Browsers:  browsertest.NewFactory(),
		Automator: login.NewAutomator(&common.LoginConfig{SelectorWait: common.Duration(time.Second), SubmitWait: common.Duration(time.Second)}, logger),
		Frontier:  crawler.NewFrontier(crawlerConfig, logger),
		Extractor: extract.NewExtractor(crawlerConfig, logger),
		Sink:      sink.NewBadgerSink(storage.PageStorage(), logger),
		Logger:    logger,
	})

	return NewScanHandler(sched, logger)
}

func postScan(t *testing.T, handler *ScanHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/scans", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.CreateScanHandler(rec, req)
	return rec
}

func TestCreateScanHandler_Accepted(t *testing.T) {
	handler := newTestHandler(t)

	rec := postScan(t, handler, `{
		"bot_id": "bot-1",
		"start_url": "https://portal.test/home",
		"login_url": "https://portal.test/login",
		"selectors": {"username": "#user", "password": "#pass", "submit": "#submit"},
		"credentials": {"username": "alice", "password": "s3cret"}
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Message string          `json:"message"`
		Job     *models.ScanJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.JobStatusQueued, resp.Job.Status)
	assert.Equal(t, "bot-1", resp.Job.BotID)
	assert.NotEmpty(t, resp.Job.ID)

	// Credentials never appear in the response
	assert.NotContains(t, rec.Body.String(), "s3cret")
	assert.NotContains(t, rec.Body.String(), "alice")
}

func TestCreateScanHandler_Validation(t *testing.T) {
	handler := newTestHandler(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing bot_id", `{"start_url": "https://x.test/"}`},
		{"missing start_url", `{"bot_id": "bot-1"}`},
		{"relative start_url", `{"bot_id": "bot-1", "start_url": "/docs"}`},
		{"malformed json", `{"bot_id": `},
		{"login_url without selectors", `{
			"bot_id": "bot-1",
			"start_url": "https://x.test/",
			"login_url": "https://x.test/login",
			"credentials": {"username": "a", "password": "b"}
		}`},
		{"login_url without credentials", `{
			"bot_id": "bot-1",
			"start_url": "https://x.test/",
			"login_url": "https://x.test/login",
			"selectors": {"username": "#u", "password": "#p", "submit": "#s"}
		}`},
		{"partial selectors", `{
			"bot_id": "bot-1",
			"start_url": "https://x.test/",
			"login_url": "https://x.test/login",
			"selectors": {"username": "#u"},
			"credentials": {"username": "a", "password": "b"}
		}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postScan(t, handler, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestListScansHandler(t *testing.T) {
	handler := newTestHandler(t)

	for i := 0; i < 3; i++ {
		rec := postScan(t, handler, `{"bot_id": "bot-1", "start_url": "https://x.test/"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := postScan(t, handler, `{"bot_id": "bot-2", "start_url": "https://x.test/"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/scans?bot_id=bot-1", nil)
	out := httptest.NewRecorder()
	handler.ListScansHandler(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	var resp struct {
		Jobs  []*models.ScanJob `json:"jobs"`
		Total int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 3)
	assert.Equal(t, 3, resp.Total)
	for _, j := range resp.Jobs {
		assert.Equal(t, "bot-1", j.BotID)
	}

	// bot_id is mandatory
	req = httptest.NewRequest(http.MethodGet, "/api/scans", nil)
	out = httptest.NewRecorder()
	handler.ListScansHandler(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestGetScanHandler_BotScoping(t *testing.T) {
	handler := newTestHandler(t)

	rec := postScan(t, handler, `{"bot_id": "bot-1", "start_url": "https://x.test/"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		Job *models.ScanJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Owner sees the job
	req := httptest.NewRequest(http.MethodGet, "/api/scans/"+created.Job.ID+"?bot_id=bot-1", nil)
	out := httptest.NewRecorder()
	handler.GetScanHandler(out, req, created.Job.ID)
	assert.Equal(t, http.StatusOK, out.Code)

	// Another bot gets a 404, not a 403
	req = httptest.NewRequest(http.MethodGet, "/api/scans/"+created.Job.ID+"?bot_id=bot-2", nil)
	out = httptest.NewRecorder()
	handler.GetScanHandler(out, req, created.Job.ID)
	assert.Equal(t, http.StatusNotFound, out.Code)

	// Unknown id gets a 404
	req = httptest.NewRequest(http.MethodGet, "/api/scans/job_missing?bot_id=bot-1", nil)
	out = httptest.NewRecorder()
	handler.GetScanHandler(out, req, "job_missing")
	assert.Equal(t, http.StatusNotFound, out.Code)
}

func TestCancelScanHandler(t *testing.T) {
	handler := newTestHandler(t)

	rec := postScan(t, handler, `{"bot_id": "bot-1", "start_url": "https://x.test/"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		Job *models.ScanJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodPost, "/api/scans/"+created.Job.ID+"/cancel?bot_id=bot-1", nil)
	out := httptest.NewRecorder()
	handler.CancelScanHandler(out, req, created.Job.ID)
	require.Equal(t, http.StatusOK, out.Code)

	// The job is now failed with the cancelled code
	req = httptest.NewRequest(http.MethodGet, "/api/scans/"+created.Job.ID+"?bot_id=bot-1", nil)
	out = httptest.NewRecorder()
	handler.GetScanHandler(out, req, created.Job.ID)
	require.Equal(t, http.StatusOK, out.Code)

	var job models.ScanJob
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.FailureCancelled, job.ErrorMessage)

	// Cancelling again conflicts
	req = httptest.NewRequest(http.MethodPost, "/api/scans/"+created.Job.ID+"/cancel?bot_id=bot-1", nil)
	out = httptest.NewRecorder()
	handler.CancelScanHandler(out, req, created.Job.ID)
	assert.Equal(t, http.StatusConflict, out.Code)
}

func TestCancelScanHandler_BotScoping(t *testing.T) {
	handler := newTestHandler(t)

	rec := postScan(t, handler, `{"bot_id": "bot-1", "start_url": "https://x.test/"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		Job *models.ScanJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Another bot cannot cancel the job, and cannot tell it exists
	req := httptest.NewRequest(http.MethodPost, "/api/scans/"+created.Job.ID+"/cancel?bot_id=bot-2", nil)
	out := httptest.NewRecorder()
	handler.CancelScanHandler(out, req, created.Job.ID)
	assert.Equal(t, http.StatusNotFound, out.Code)

	// bot_id is mandatory
	req = httptest.NewRequest(http.MethodPost, "/api/scans/"+created.Job.ID+"/cancel", nil)
	out = httptest.NewRecorder()
	handler.CancelScanHandler(out, req, created.Job.ID)
	assert.Equal(t, http.StatusBadRequest, out.Code)

	// The job is untouched by the rejected attempts
	req = httptest.NewRequest(http.MethodGet, "/api/scans/"+created.Job.ID+"?bot_id=bot-1", nil)
	out = httptest.NewRecorder()
	handler.GetScanHandler(out, req, created.Job.ID)
	require.Equal(t, http.StatusOK, out.Code)

	var job models.ScanJob
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusQueued, job.Status)

	// The owner still can
	req = httptest.NewRequest(http.MethodPost, "/api/scans/"+created.Job.ID+"/cancel?bot_id=bot-1", nil)
	out = httptest.NewRecorder()
	handler.CancelScanHandler(out, req, created.Job.ID)
	assert.Equal(t, http.StatusOK, out.Code)
}
