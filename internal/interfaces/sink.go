package interfaces

import (
	"context"

	"github.com/ternarybob/sitescan/internal/models"
)

// IngestionSink receives extracted pages for knowledge-base storage.
// Within one job pages arrive in crawl-discovery order; pages ingested
// before a cancellation remain valid knowledge and are never rolled back.
type IngestionSink interface {
	Ingest(ctx context.Context, page *models.ExtractedPage) error
}
