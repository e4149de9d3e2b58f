package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/common"
	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/jobs"
	"github.com/ternarybob/sitescan/internal/models"
	"github.com/ternarybob/sitescan/internal/services/crawler"
	"github.com/ternarybob/sitescan/internal/services/extract"
	"github.com/ternarybob/sitescan/internal/services/login"
)

// Scheduler dequeues scan jobs FIFO and runs them on a bounded worker
// pool. Two ceilings apply: a global in-flight maximum and a per-bot
// maximum so one bot's backlog cannot starve others or race writes into
// its own knowledge base. All counter updates happen under one lock.
type Scheduler struct {
	config  *common.SchedulerConfig
	manager *jobs.Manager
	vault   *credentialVault
	worker  *worker
	logger  arbor.ILogger

	mu        sync.Mutex
	inFlight  int
	perBot    map[string]int
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool

	cron    *cron.Cron
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Deps bundles the services a Scheduler drives.
type Deps struct {
	Config    *common.SchedulerConfig
	Manager   *jobs.Manager
	Browsers  interfaces.BrowserFactory
	Automator *login.Automator
	Frontier  *crawler.Frontier
	Extractor *extract.Extractor
	Sink      interfaces.IngestionSink
	Logger    arbor.ILogger
}

func New(deps Deps) *Scheduler {
	return &Scheduler{
		config:  deps.Config,
		manager: deps.Manager,
		vault:   newCredentialVault(),
		worker: &worker{
			manager:   deps.Manager,
			browsers:  deps.Browsers,
			automator: deps.Automator,
			frontier:  deps.Frontier,
			extractor: deps.Extractor,
			sink:      deps.Sink,
			logger:    deps.Logger,
		},
		logger:    deps.Logger,
		perBot:    make(map[string]int),
		cancels:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}
}

// Jobs exposes the job manager for read paths (listing, lookup).
func (s *Scheduler) Jobs() *jobs.Manager {
	return s.manager
}

// Submit creates a queued job and deposits its credentials in the
// in-memory vault. The credentials never reach storage.
func (s *Scheduler) Submit(ctx context.Context, botID, startURL, loginURL string, selectors models.LoginSelectors, creds models.Credentials) (*models.ScanJob, error) {
	job, err := s.manager.Create(ctx, botID, startURL, loginURL, selectors)
	if err != nil {
		return nil, err
	}
	if job.RequiresLogin() {
		s.vault.Put(job.ID, creds)
	}
	return job, nil
}

// Cancel stops a job on behalf of its owner. Queued jobs fail
// immediately without ever dispatching; processing jobs are cancelled
// cooperatively and terminate within one fetch timeout.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.manager.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}

	s.mu.Lock()
	s.cancelled[jobID] = true
	cancel, running := s.cancels[jobID]
	s.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	// Never dispatched: fail it directly and drop the credentials.
	if _, err := s.manager.MarkFailed(ctx, jobID,
		models.NewFailure(models.FailureCancelled, errors.New("cancelled while queued")), 0, 0); err != nil {
		return err
	}
	s.vault.Delete(jobID)
	s.mu.Lock()
	delete(s.cancelled, jobID)
	s.mu.Unlock()
	return nil
}

// Start recovers orphaned jobs, then begins the dispatch loop and the
// stale-job reaper.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	s.baseCtx, s.stop = context.WithCancel(ctx)

	if err := s.recoverOrphans(s.baseCtx); err != nil {
		return err
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.config.ReaperSchedule, func() {
		s.reapStale(s.baseCtx)
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", s.config.ReaperSchedule, err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.dispatchLoop()

	s.logger.Info().
		Int("max_concurrent", s.config.MaxConcurrent).
		Int("max_per_bot", s.config.MaxPerBot).
		Dur("poll_interval", s.config.PollInterval.Std()).
		Msg("Scheduler started")
	return nil
}

// Stop halts dispatching and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	if s.stop != nil {
		s.stop()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.dispatchBatch()
		}
	}
}

// dispatchBatch claims as many queued jobs as the ceilings allow, oldest
// first. A job whose bot is already at its limit stays queued for a
// later tick.
func (s *Scheduler) dispatchBatch() {
	queued, err := s.manager.NextQueued(s.baseCtx, s.config.MaxConcurrent*2)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to poll queued jobs")
		return
	}

	for _, job := range queued {
		s.mu.Lock()
		if s.inFlight >= s.config.MaxConcurrent {
			s.mu.Unlock()
			return
		}
		if s.perBot[job.BotID] >= s.config.MaxPerBot {
			s.mu.Unlock()
			continue
		}
		if s.cancelled[job.ID] {
			// Raced with Cancel; the cancel path finalizes it.
			s.mu.Unlock()
			continue
		}
		s.inFlight++
		s.perBot[job.BotID]++
		jobCtx, cancel := context.WithCancel(s.baseCtx)
		s.cancels[job.ID] = cancel
		s.mu.Unlock()

		if _, err := s.manager.Transition(s.baseCtx, job.ID, models.JobStatusProcessing); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to claim job")
			cancel()
			s.release(job.ID, job.BotID)
			continue
		}

		s.wg.Add(1)
		go s.execute(jobCtx, job)
	}
}

func (s *Scheduler) execute(ctx context.Context, job *models.ScanJob) {
	defer s.wg.Done()
	defer s.release(job.ID, job.BotID)
	defer s.vault.Delete(job.ID)

	// A panicking worker must never take the scheduler down; the job
	// terminates as an internal error instead.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_id", job.ID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Worker panicked")
			s.finalize(job, 0, 0, models.NewFailure(models.FailureInternal, fmt.Errorf("worker panic: %v", r)))
		}
	}()

	creds, _ := s.vault.Get(job.ID)
	crawled, ingested, err := s.worker.run(ctx, job, creds)
	s.finalize(job, crawled, ingested, err)
}

// finalize records the job's terminal state. Cancellation requested by
// the owner wins over whatever error the abort produced.
func (s *Scheduler) finalize(job *models.ScanJob, crawled, ingested int, err error) {
	// Terminal writes must not depend on the job context, which may
	// already be cancelled.
	ctx := context.Background()

	s.mu.Lock()
	wasCancelled := s.cancelled[job.ID]
	delete(s.cancelled, job.ID)
	s.mu.Unlock()

	if err == nil {
		if _, err := s.manager.MarkCompleted(ctx, job.ID, crawled, ingested); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to complete job")
		}
		return
	}

	if wasCancelled || errors.Is(err, context.Canceled) {
		err = models.NewFailure(models.FailureCancelled, err)
	}
	if _, ferr := s.manager.MarkFailed(ctx, job.ID, err, crawled, ingested); ferr != nil {
		s.logger.Error().Err(ferr).Str("job_id", job.ID).Msg("Failed to fail job")
	}
}

func (s *Scheduler) release(jobID, botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.perBot[botID]--
	if s.perBot[botID] <= 0 {
		delete(s.perBot, botID)
	}
	delete(s.cancels, jobID)
}

// recoverOrphans fails jobs left in processing by a previous run. Their
// credentials died with the old process, so resuming is impossible.
func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	orphans, err := s.manager.JobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to scan for orphaned jobs: %w", err)
	}
	for _, job := range orphans {
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("bot_id", job.BotID).
			Msg("Recovering job orphaned by previous run")
		if _, err := s.manager.MarkFailed(ctx, job.ID,
			models.NewFailure(models.FailureInternal, errors.New("orphaned by process restart")), job.PagesCrawled, job.PagesIngested); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to recover orphaned job")
		}
	}
	return nil
}

// reapStale fails processing jobs whose heartbeat went quiet, catching
// workers that died without reaching finalize.
func (s *Scheduler) reapStale(ctx context.Context) {
	processing, err := s.manager.JobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Reaper failed to list processing jobs")
		return
	}

	cutoff := time.Now().Add(-s.config.StaleAfter.Std())
	for _, job := range processing {
		heartbeat := job.LastHeartbeat
		if heartbeat.IsZero() {
			heartbeat = job.UpdatedAt
		}
		if heartbeat.After(cutoff) {
			continue
		}

		s.mu.Lock()
		_, stillRunning := s.cancels[job.ID]
		s.mu.Unlock()
		if stillRunning {
			// A live local worker still owns this job and will finalize
			// it itself; its fetch and crawl budgets bound how long that
			// takes.
			continue
		}

		s.logger.Warn().
			Str("job_id", job.ID).
			Str("last_heartbeat", heartbeat.Format(time.RFC3339)).
			Msg("Reaping stale job")
		if _, err := s.manager.MarkFailed(ctx, job.ID,
			models.NewFailure(models.FailureInternal, errors.New("no heartbeat, presumed dead")), job.PagesCrawled, job.PagesIngested); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to reap job")
		}
		s.vault.Delete(job.ID)
	}
}
