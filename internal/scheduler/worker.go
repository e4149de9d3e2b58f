package scheduler

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/jobs"
	"github.com/ternarybob/sitescan/internal/models"
	"github.com/ternarybob/sitescan/internal/services/crawler"
	"github.com/ternarybob/sitescan/internal/services/extract"
	"github.com/ternarybob/sitescan/internal/services/login"
)

// worker runs one scan job start to finish on a single goroutine:
// browser session, optional login, crawl, extract, ingest. Parallelism
// lives across jobs, never inside one.
type worker struct {
	manager   *jobs.Manager
	browsers  interfaces.BrowserFactory
	automator *login.Automator
	frontier  *crawler.Frontier
	extractor *extract.Extractor
	sink      interfaces.IngestionSink
	logger    arbor.ILogger
}

// run executes the job and returns its terminal error, nil for success.
// ctx is the job's cancellation scope; the scheduler cancels it when the
// owner requests cancellation.
func (w *worker) run(ctx context.Context, job *models.ScanJob, creds models.Credentials) (crawled, ingested int, err error) {
	jobLogger := w.logger.WithCorrelationId(job.ID)

	session, err := w.browsers.NewSession(ctx)
	if err != nil {
		return 0, 0, models.NewFailure(models.FailureInternal, fmt.Errorf("browser session: %w", err))
	}
	defer session.Close()

	if job.RequiresLogin() {
		if err := w.automator.Login(ctx, session, job.LoginURL, job.Selectors, creds); err != nil {
			return 0, 0, err
		}
	}

	stats, crawlErr := w.frontier.Crawl(ctx, session, job.StartURL, job.LoginURL, crawler.Hooks{
		OnPage: func(ctx context.Context, page crawler.FetchedPage) error {
			extracted, err := w.extractor.Extract(job.BotID, job.ID, page.URL, page.HTML)
			if err != nil {
				jobLogger.Warn().Err(err).Str("url", page.URL).Msg("Extraction failed, page dropped")
				return nil
			}
			if err := w.sink.Ingest(ctx, extracted); err != nil {
				return err
			}
			ingested++
			return nil
		},
		AfterFetch: func(ctx context.Context, visited int) {
			if err := w.manager.Heartbeat(ctx, job.ID); err != nil {
				jobLogger.Warn().Err(err).Msg("Heartbeat failed")
			}
			if err := w.manager.UpdateProgress(ctx, job.ID, visited, ingested); err != nil {
				jobLogger.Warn().Err(err).Msg("Progress update failed")
			}
		},
	})

	if stats != nil {
		crawled = stats.PagesFetched
	}
	if crawlErr != nil {
		return crawled, ingested, crawlErr
	}

	// Login may succeed and still yield nothing crawlable; a scan that
	// gathered zero pages made no progress and is not a success.
	if crawled == 0 {
		return 0, 0, models.NewFailure(models.FailureInternal,
			fmt.Errorf("no pages could be fetched from %s", job.StartURL))
	}

	jobLogger.Info().
		Int("pages_crawled", crawled).
		Int("pages_ingested", ingested).
		Msg("Scan finished")

	return crawled, ingested, nil
}
