package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/common"
	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/models"
)

// Manager owns every job status change. All transitions go through it so
// the lifecycle rules are enforced in one place regardless of which
// goroutine (API handler, worker, reaper) is driving the change.
type Manager struct {
	storage interfaces.JobStorage
	logger  arbor.ILogger

	// Serializes read-modify-write cycles on job records. Badger upserts
	// are atomic per key but a transition is a get+check+save sequence.
	mu sync.Mutex
}

func NewManager(storage interfaces.JobStorage, logger arbor.ILogger) *Manager {
	return &Manager{
		storage: storage,
		logger:  logger,
	}
}

// Create persists a new queued job and returns it.
func (m *Manager) Create(ctx context.Context, botID, startURL, loginURL string, selectors models.LoginSelectors) (*models.ScanJob, error) {
	now := time.Now()
	job := &models.ScanJob{
		ID:        common.NewJobID(),
		BotID:     botID,
		StartURL:  startURL,
		LoginURL:  loginURL,
		Selectors: selectors,
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.storage.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("bot_id", job.BotID).
		Str("start_url", job.StartURL).
		Bool("requires_login", job.RequiresLogin()).
		Msg("Scan job created")

	return job, nil
}

func (m *Manager) Get(ctx context.Context, jobID string) (*models.ScanJob, error) {
	return m.storage.GetJob(ctx, jobID)
}

// NextQueued returns queued jobs in creation order, up to limit.
func (m *Manager) NextQueued(ctx context.Context, limit int) ([]*models.ScanJob, error) {
	return m.storage.NextQueued(ctx, limit)
}

// JobsByStatus returns all jobs currently in the given status.
func (m *Manager) JobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.ScanJob, error) {
	return m.storage.JobsByStatus(ctx, status)
}

func (m *Manager) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.ScanJob, int, error) {
	jobs, err := m.storage.ListJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}

	botID := ""
	if opts != nil {
		botID = opts.BotID
	}
	total, err := m.storage.CountJobs(ctx, botID)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// Transition moves a job to the given status, rejecting moves the
// lifecycle does not allow. Terminal jobs are never modified.
func (m *Manager) Transition(ctx context.Context, jobID string, to models.JobStatus) (*models.ScanJob, error) {
	return m.update(ctx, jobID, to, func(job *models.ScanJob) {})
}

// MarkCompleted finalizes a successful job with its crawl counters.
func (m *Manager) MarkCompleted(ctx context.Context, jobID string, crawled, ingested int) (*models.ScanJob, error) {
	return m.update(ctx, jobID, models.JobStatusCompleted, func(job *models.ScanJob) {
		job.PagesCrawled = crawled
		job.PagesIngested = ingested
	})
}

// MarkFailed finalizes a job with its classified failure code. The code
// is derived from err via the failure taxonomy; unclassified errors map
// to internal_error. Clients only ever see the code, never the raw error.
func (m *Manager) MarkFailed(ctx context.Context, jobID string, cause error, crawled, ingested int) (*models.ScanJob, error) {
	code := models.FailureCode(cause)
	if cause != nil {
		m.logger.Warn().
			Str("job_id", jobID).
			Str("code", code).
			Err(cause).
			Msg("Job failed")
	}

	return m.update(ctx, jobID, models.JobStatusFailed, func(job *models.ScanJob) {
		job.ErrorMessage = code
		job.PagesCrawled = crawled
		job.PagesIngested = ingested
	})
}

// Heartbeat stamps a processing job so the stale reaper leaves it alone.
// Heartbeats on jobs that already reached a terminal state are ignored.
func (m *Manager) Heartbeat(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing {
		return nil
	}

	job.LastHeartbeat = time.Now()
	return m.storage.SaveJob(ctx, job)
}

// UpdateProgress records crawl counters mid-flight so API readers see
// live progress.
func (m *Manager) UpdateProgress(ctx context.Context, jobID string, crawled, ingested int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	job.PagesCrawled = crawled
	job.PagesIngested = ingested
	job.UpdatedAt = time.Now()
	return m.storage.SaveJob(ctx, job)
}

func (m *Manager) update(ctx context.Context, jobID string, to models.JobStatus, mutate func(*models.ScanJob)) (*models.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	from := job.Status
	if err := job.Transition(to); err != nil {
		return nil, err
	}
	mutate(job)

	if err := m.storage.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist transition: %w", err)
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Job status changed")

	return job, nil
}
