package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/models"
)

// PageStorage implements the PageStorage interface for Badger
type PageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPageStorage creates a new PageStorage instance
func NewPageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PageStorage {
	return &PageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PageStorage) SavePage(ctx context.Context, page *models.ExtractedPage) error {
	if page == nil {
		return fmt.Errorf("page is nil")
	}
	if page.ID == "" {
		return fmt.Errorf("page ID is required")
	}

	if err := s.db.Store().Upsert(page.ID, page); err != nil {
		return fmt.Errorf("failed to save page: %w", err)
	}
	return nil
}

// ListPagesByJob returns a job's pages in ingestion (discovery) order.
func (s *PageStorage) ListPagesByJob(ctx context.Context, jobID string) ([]*models.ExtractedPage, error) {
	var pages []models.ExtractedPage
	if err := s.db.Store().Find(&pages, badgerhold.Where("JobID").Eq(jobID).SortBy("ExtractedAt")); err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}

	result := make([]*models.ExtractedPage, len(pages))
	for i := range pages {
		result[i] = &pages[i]
	}
	return result, nil
}

func (s *PageStorage) CountPagesByBot(ctx context.Context, botID string) (int, error) {
	count, err := s.db.Store().Count(&models.ExtractedPage{}, badgerhold.Where("BotID").Eq(botID))
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return int(count), nil
}
