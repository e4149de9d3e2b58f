package models

import "time"

// VisitOutcome classifies what happened when the crawler touched a URL.
type VisitOutcome string

const (
	VisitSuccess VisitOutcome = "success"
	VisitSkipped VisitOutcome = "skipped"
	VisitError   VisitOutcome = "error"
)

// CrawlVisit records one URL the frontier considered. Visits are owned
// by the worker executing the job and are discarded when it terminates;
// they exist to enforce dedup and to report crawl statistics, not as a
// persisted artifact.
type CrawlVisit struct {
	URL     string       `json:"url"`
	Depth   int          `json:"depth"`
	Outcome VisitOutcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}

// ExtractedPage is the pipeline's output record, handed to the ingestion
// sink tagged with the owning bot and source job.
type ExtractedPage struct {
	ID          string    `json:"id" badgerhold:"key"`
	BotID       string    `json:"bot_id" badgerhold:"index"`
	JobID       string    `json:"job_id" badgerhold:"index"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	Markdown    string    `json:"markdown,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}
