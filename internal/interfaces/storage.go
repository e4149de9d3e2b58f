package interfaces

import (
	"context"

	"github.com/ternarybob/sitescan/internal/models"
)

// JobListOptions controls job listing queries.
type JobListOptions struct {
	BotID  string
	Status models.JobStatus
	Limit  int
	Offset int
}

// JobStorage persists scan jobs. Implementations must keep listing by
// (bot, created_at) cheap; the scheduler polls NextQueued on every tick.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.ScanJob) error
	GetJob(ctx context.Context, jobID string) (*models.ScanJob, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.ScanJob, error)
	CountJobs(ctx context.Context, botID string) (int, error)
	// NextQueued returns queued jobs in creation order (FIFO), up to limit.
	NextQueued(ctx context.Context, limit int) ([]*models.ScanJob, error)
	// JobsByStatus returns all jobs currently in the given status.
	JobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.ScanJob, error)
}

// PageStorage persists extracted pages for downstream knowledge indexing.
type PageStorage interface {
	SavePage(ctx context.Context, page *models.ExtractedPage) error
	ListPagesByJob(ctx context.Context, jobID string) ([]*models.ExtractedPage, error)
	CountPagesByBot(ctx context.Context, botID string) (int, error)
}

// StorageManager aggregates the storage interfaces over one database.
type StorageManager interface {
	JobStorage() JobStorage
	PageStorage() PageStorage
	// RunGC reclaims storage space; safe to call while serving.
	RunGC()
	Close() error
}
