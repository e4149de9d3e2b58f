package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/models"
)

// BadgerSink stores extracted pages in the local knowledge base. Writes
// are retried a few times with backoff; ingestion failures that survive
// the retries surface as the job's failure.
type BadgerSink struct {
	pages      interfaces.PageStorage
	logger     arbor.ILogger
	maxRetries int
	retryDelay time.Duration
}

func NewBadgerSink(pages interfaces.PageStorage, logger arbor.ILogger) *BadgerSink {
	return &BadgerSink{
		pages:      pages,
		logger:     logger,
		maxRetries: 3,
		retryDelay: 200 * time.Millisecond,
	}
}

func (s *BadgerSink) Ingest(ctx context.Context, page *models.ExtractedPage) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = s.pages.SavePage(ctx, page)
		if lastErr == nil {
			s.logger.Debug().
				Str("page_id", page.ID).
				Str("job_id", page.JobID).
				Str("url", page.URL).
				Msg("Page ingested")
			return nil
		}

		s.logger.Warn().
			Err(lastErr).
			Str("page_id", page.ID).
			Int("attempt", attempt).
			Msg("Page ingestion failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay * time.Duration(attempt)):
		}
	}

	return models.NewFailure(models.FailureInternal,
		fmt.Errorf("ingestion failed after %d attempts: %w", s.maxRetries, lastErr))
}
