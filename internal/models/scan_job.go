package models

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus represents the state of a scan job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Failure codes surfaced via ScanJob.ErrorMessage. These are the only
// failure strings clients ever see; raw errors stay in the logs.
const (
	FailureSelectorNotFound   = "selector_not_found"
	FailureLoginTimeout       = "login_timeout"
	FailureInvalidCredentials = "invalid_credentials"
	FailureSessionExpired     = "session_expired"
	FailureCancelled          = "cancelled"
	FailureInternal           = "internal_error"
)

// LoginSelectors locate the login form controls the automator drives.
type LoginSelectors struct {
	Username string `json:"username_selector"`
	Password string `json:"password_selector"`
	Submit   string `json:"submit_selector"`
}

// IsComplete reports whether all three selectors are configured.
func (s LoginSelectors) IsComplete() bool {
	return s.Username != "" && s.Password != "" && s.Submit != ""
}

// Credentials hold the login username/password for a job. They are kept
// in memory only for the duration of job execution and are never stored
// or serialized into API responses.
type Credentials struct {
	Username string `json:"-"`
	Password string `json:"-"`
}

// ScanJob represents one authenticated site-scan request.
//
// A job is immutable after creation except for Status, ErrorMessage,
// the crawl counters and UpdatedAt. Credentials are intentionally not a
// field here: persisting them alongside the job would write them to disk
// in plaintext, so they live in the scheduler's in-memory vault instead
// and are dropped when the job reaches a terminal state.
type ScanJob struct {
	ID       string `json:"id" badgerhold:"key"`
	BotID    string `json:"bot_id" badgerhold:"index"`
	StartURL string `json:"start_url"`
	// LoginURL being set implies authentication is required before crawling.
	LoginURL  string         `json:"login_url,omitempty"`
	Selectors LoginSelectors `json:"selectors,omitempty"`
	Status    JobStatus      `json:"status" badgerhold:"index"`
	// ErrorMessage is one of the Failure* codes, populated only when
	// Status is failed.
	ErrorMessage  string    `json:"error_message,omitempty"`
	PagesCrawled  int       `json:"pages_crawled"`
	PagesIngested int       `json:"pages_ingested"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	// LastHeartbeat is advanced by the worker between page fetches and is
	// used by the reaper to detect jobs orphaned by a crash.
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// RequiresLogin reports whether the job must authenticate before crawling.
func (j *ScanJob) RequiresLogin() bool {
	return j.LoginURL != ""
}

// IsTerminal reports whether the job can no longer change state.
func (j *ScanJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// CanTransition validates a status transition. The only legal sequences
// are queued→processing, processing→completed and processing→failed,
// with the one exception that a queued job may be failed directly when
// it is cancelled before dispatch or reaped after a crash.
func (j *ScanJob) CanTransition(to JobStatus) bool {
	switch j.Status {
	case JobStatusQueued:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// Transition applies a validated status change, stamping UpdatedAt.
func (j *ScanJob) Transition(to JobStatus) error {
	if !j.CanTransition(to) {
		return fmt.Errorf("invalid job transition: %s -> %s", j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = time.Now()
	return nil
}

// FailureError is a classified job failure. Code is one of the Failure*
// constants; Err carries the underlying cause for logging only.
type FailureError struct {
	Code string
	Err  error
}

func (e *FailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// NewFailure wraps err with a classified failure code.
func NewFailure(code string, err error) *FailureError {
	return &FailureError{Code: code, Err: err}
}

// FailureCode extracts the classified code from err, defaulting to
// internal_error for anything unclassified.
func FailureCode(err error) string {
	if err == nil {
		return ""
	}
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return FailureInternal
}
