package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/models"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.ScanJob) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.ScanJob, error) {
	var job models.ScanJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.ScanJob, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.BotID != "" {
			query = query.And("BotID").Eq(opts.BotID)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	// Listing is newest-first for API clients
	query = query.SortBy("CreatedAt").Reverse()

	var jobs []models.ScanJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.ScanJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, botID string) (int, error) {
	query := badgerhold.Where("ID").Ne("")
	if botID != "" {
		query = query.And("BotID").Eq(botID)
	}
	count, err := s.db.Store().Count(&models.ScanJob{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

// NextQueued returns queued jobs in creation order so dispatch is FIFO.
func (s *JobStorage) NextQueued(ctx context.Context, limit int) ([]*models.ScanJob, error) {
	query := badgerhold.Where("Status").Eq(models.JobStatusQueued).SortBy("CreatedAt")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []models.ScanJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query queued jobs: %w", err)
	}

	result := make([]*models.ScanJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) JobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.ScanJob, error) {
	var jobs []models.ScanJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to query jobs by status: %w", err)
	}

	result := make([]*models.ScanJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}
