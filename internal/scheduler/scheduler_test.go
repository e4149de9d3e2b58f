package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/common"
	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/jobs"
	"github.com/ternarybob/sitescan/internal/models"
	"github.com/ternarybob/sitescan/internal/services/browser/browsertest"
	"github.com/ternarybob/sitescan/internal/services/crawler"
	"github.com/ternarybob/sitescan/internal/services/extract"
	"github.com/ternarybob/sitescan/internal/services/login"
	"github.com/ternarybob/sitescan/internal/services/sink"
	badgerstore "github.com/ternarybob/sitescan/internal/storage/badger"
)

const (
	siteBase  = "https://portal.test"
	loginPage = siteBase + "/login"
	homePage  = siteBase + "/home"
)

var siteSelectors = models.LoginSelectors{
	Username: "#user",
	Password: "#pass",
	Submit:   "#submit",
}

func testHarness(t *testing.T, factory interfaces.BrowserFactory) (*Scheduler, *jobs.Manager, interfaces.StorageManager) {
	return testHarnessWithConfig(t, factory, &common.SchedulerConfig{
		MaxConcurrent:  3,
		MaxPerBot:      1,
		PollInterval:   common.Duration(20 * time.Millisecond),
		ReaperSchedule: "*/1 * * * *",
		StaleAfter:     common.Duration(15 * time.Minute),
	})
}

func testHarnessWithConfig(t *testing.T, factory interfaces.BrowserFactory, schedConfig *common.SchedulerConfig) (*Scheduler, *jobs.Manager, interfaces.StorageManager) {
	t.Helper()

	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	manager := jobs.NewManager(storage.JobStorage(), logger)

	crawlerConfig := &common.CrawlerConfig{
		MaxPages:    50,
		MaxDepth:    5,
		MaxDuration: common.Duration(10 * time.Second),
		PageTimeout: common.Duration(250 * time.Millisecond),
	}

	sched := New(Deps{
		Config:   schedConfig,
		Manager:  manager,
		Browsers: factory,
		Automator: login.NewAutomator(&common.LoginConfig{
			SelectorWait: common.Duration(100 * time.Millisecond),
			SubmitWait:   common.Duration(200 * time.Millisecond),
		}, logger),
		Frontier:  crawler.NewFrontier(crawlerConfig, logger),
		Extractor: extract.NewExtractor(&common.CrawlerConfig{OnlyMainContent: false, EmitMarkdown: true}, logger),
		Sink:      sink.NewBadgerSink(storage.PageStorage(), logger),
		Logger:    logger,
	})
	return sched, manager, storage
}

// scriptedSite builds a mock browser hosting a three page site behind a
// login form.
func scriptedSite(username, password string) *browsertest.Mock {
	mock := browsertest.NewMock()
	mock.ScriptLogin(browsertest.LoginScript{
		LoginURL:         loginPage,
		UsernameSelector: siteSelectors.Username,
		PasswordSelector: siteSelectors.Password,
		SubmitSelector:   siteSelectors.Submit,
		Username:         username,
		Password:         password,
		SuccessURL:       homePage,
	})
	mock.AddPage(homePage, browsertest.Page{
		HTML: `<html><head><title>Home</title></head><body><p>Welcome</p><a href="/docs">docs</a><a href="/faq">faq</a></body></html>`,
	})
	mock.AddPage(siteBase+"/docs", browsertest.Page{
		HTML: `<html><head><title>Docs</title></head><body><p>Documentation</p></body></html>`,
	})
	mock.AddPage(siteBase+"/faq", browsertest.Page{
		HTML: `<html><head><title>FAQ</title></head><body><p>Answers</p></body></html>`,
	})
	return mock
}

func awaitTerminal(t *testing.T, manager *jobs.Manager, jobID string) *models.ScanJob {
	t.Helper()
	var job *models.ScanJob
	require.Eventually(t, func() bool {
		var err error
		job, err = manager.Get(context.Background(), jobID)
		return err == nil && job.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond, "job never reached a terminal state")
	return job
}

func TestScheduler_AuthenticatedScanEndToEnd(t *testing.T) {
	mock := scriptedSite("alice", "s3cret")
	sched, manager, storage := testHarness(t, browsertest.NewFactory(mock))

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	job, err := sched.Submit(context.Background(), "bot-1", homePage, loginPage, siteSelectors, models.Credentials{
		Username: "alice",
		Password: "s3cret",
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	final := awaitTerminal(t, manager, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 3, final.PagesCrawled)
	assert.Equal(t, 3, final.PagesIngested)
	assert.Empty(t, final.ErrorMessage)

	// Pages land in the knowledge base in discovery order
	pages, err := storage.PageStorage().ListPagesByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, "Home", pages[0].Title)
	assert.Equal(t, homePage, pages[0].URL)
	for _, p := range pages {
		assert.Equal(t, "bot-1", p.BotID)
		assert.Equal(t, job.ID, p.JobID)
		assert.NotEmpty(t, p.Text)
	}

	// Credentials are gone once the job terminates
	_, held := sched.vault.Get(job.ID)
	assert.False(t, held)
}

func TestScheduler_InvalidCredentials(t *testing.T) {
	mock := scriptedSite("alice", "s3cret")
	sched, manager, storage := testHarness(t, browsertest.NewFactory(mock))

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	job, err := sched.Submit(context.Background(), "bot-1", homePage, loginPage, siteSelectors, models.Credentials{
		Username: "alice",
		Password: "wrong",
	})
	require.NoError(t, err)

	final := awaitTerminal(t, manager, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, models.FailureInvalidCredentials, final.ErrorMessage)
	assert.Equal(t, 0, final.PagesIngested)

	pages, err := storage.PageStorage().ListPagesByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestScheduler_UnauthenticatedScan(t *testing.T) {
	mock := browsertest.NewMock()
	mock.AddPage(siteBase+"/", browsertest.Page{
		HTML: `<html><head><title>Public</title></head><body><p>Open site</p></body></html>`,
	})
	sched, manager, _ := testHarness(t, browsertest.NewFactory(mock))

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	job, err := sched.Submit(context.Background(), "bot-1", siteBase+"/", "", models.LoginSelectors{}, models.Credentials{})
	require.NoError(t, err)

	final := awaitTerminal(t, manager, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 1, final.PagesCrawled)
}

func TestScheduler_CancelQueuedJob(t *testing.T) {
	// No browser sessions scripted: the job must fail before dispatch.
	sched, manager, _ := testHarness(t, browsertest.NewFactory())

	// Not started, so nothing dequeues while we cancel.
	job, err := sched.Submit(context.Background(), "bot-1", homePage, loginPage, siteSelectors, models.Credentials{
		Username: "alice", Password: "s3cret",
	})
	require.NoError(t, err)

	require.NoError(t, sched.Cancel(context.Background(), job.ID))

	final, err := manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, models.FailureCancelled, final.ErrorMessage)

	_, held := sched.vault.Get(job.ID)
	assert.False(t, held)

	// Cancelling a terminal job is rejected
	assert.Error(t, sched.Cancel(context.Background(), job.ID))
}

func TestScheduler_PerBotCeilingSerializesScans(t *testing.T) {
	first := scriptedSite("alice", "s3cret")
	second := scriptedSite("alice", "s3cret")
	sched, manager, _ := testHarness(t, browsertest.NewFactory(first, second))

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	creds := models.Credentials{Username: "alice", Password: "s3cret"}
	jobA, err := sched.Submit(context.Background(), "bot-1", homePage, loginPage, siteSelectors, creds)
	require.NoError(t, err)
	jobB, err := sched.Submit(context.Background(), "bot-1", homePage, loginPage, siteSelectors, creds)
	require.NoError(t, err)

	finalA := awaitTerminal(t, manager, jobA.ID)
	finalB := awaitTerminal(t, manager, jobB.ID)
	assert.Equal(t, models.JobStatusCompleted, finalA.Status)
	assert.Equal(t, models.JobStatusCompleted, finalB.Status)

	// With a per-bot ceiling of one, the second scan started only after
	// the first finished.
	assert.False(t, finalB.UpdatedAt.Before(finalA.UpdatedAt))
}

func TestScheduler_GlobalCeilingBoundsConcurrency(t *testing.T) {
	// Per-bot limit is loose; only the global ceiling of one can keep
	// these two bots from running together. The hanging link stretches
	// each crawl past several poll intervals.
	slowSite := func() *browsertest.Mock {
		mock := scriptedSite("alice", "s3cret")
		mock.AddPage(homePage, browsertest.Page{
			HTML: `<html><head><title>Home</title></head><body><a href="/slow">s</a><a href="/docs">d</a></body></html>`,
		})
		mock.AddPage(siteBase+"/slow", browsertest.Page{Hang: true})
		return mock
	}
	sched, manager, _ := testHarnessWithConfig(t, browsertest.NewFactory(slowSite(), slowSite()), &common.SchedulerConfig{
		MaxConcurrent:  1,
		MaxPerBot:      5,
		PollInterval:   common.Duration(20 * time.Millisecond),
		ReaperSchedule: "*/1 * * * *",
		StaleAfter:     common.Duration(15 * time.Minute),
	})

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	creds := models.Credentials{Username: "alice", Password: "s3cret"}
	jobA, err := sched.Submit(context.Background(), "bot-1", homePage, loginPage, siteSelectors, creds)
	require.NoError(t, err)
	jobB, err := sched.Submit(context.Background(), "bot-2", homePage, loginPage, siteSelectors, creds)
	require.NoError(t, err)

	maxProcessing := 0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		processing, err := manager.JobsByStatus(context.Background(), models.JobStatusProcessing)
		require.NoError(t, err)
		if len(processing) > maxProcessing {
			maxProcessing = len(processing)
		}

		a, err := manager.Get(context.Background(), jobA.ID)
		require.NoError(t, err)
		b, err := manager.Get(context.Background(), jobB.ID)
		require.NoError(t, err)
		if a.IsTerminal() && b.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, 1, maxProcessing)
	assert.Equal(t, models.JobStatusCompleted, awaitTerminal(t, manager, jobA.ID).Status)
	assert.Equal(t, models.JobStatusCompleted, awaitTerminal(t, manager, jobB.ID).Status)
}

func TestScheduler_CancelProcessingJob(t *testing.T) {
	// A chain of pages where every other fetch hangs out its timeout,
	// giving the cancel request a window to land mid-crawl.
	mock := browsertest.NewMock()
	mock.AddPage(siteBase+"/p0", browsertest.Page{
		HTML: `<html><head><title>P0</title></head><body><a href="/slow0">s</a><a href="/p1">n</a></body></html>`,
	})
	for i := 0; i < 5; i++ {
		mock.AddPage(siteBase+fmt.Sprintf("/slow%d", i), browsertest.Page{Hang: true})
		mock.AddPage(siteBase+fmt.Sprintf("/p%d", i+1), browsertest.Page{
			HTML: fmt.Sprintf(`<html><head><title>P%d</title></head><body><a href="/slow%d">s</a><a href="/p%d">n</a></body></html>`, i+1, i+1, i+2),
		})
	}
	sched, manager, _ := testHarness(t, browsertest.NewFactory(mock))

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	job, err := sched.Submit(context.Background(), "bot-1", siteBase+"/p0", "", models.LoginSelectors{}, models.Credentials{})
	require.NoError(t, err)

	// Wait until the worker has made progress, then cancel mid-crawl.
	require.Eventually(t, func() bool {
		j, err := manager.Get(context.Background(), job.ID)
		return err == nil && j.Status == models.JobStatusProcessing && j.PagesCrawled >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sched.Cancel(context.Background(), job.ID))

	final := awaitTerminal(t, manager, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, models.FailureCancelled, final.ErrorMessage)
}

func TestScheduler_RecoversOrphanedJobs(t *testing.T) {
	sched, manager, _ := testHarness(t, browsertest.NewFactory())

	// Simulate a job left processing by a crashed run.
	job, err := manager.Create(context.Background(), "bot-1", homePage, "", models.LoginSelectors{})
	require.NoError(t, err)
	_, err = manager.Transition(context.Background(), job.ID, models.JobStatusProcessing)
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	final, err := manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, models.FailureInternal, final.ErrorMessage)
}

func TestScheduler_ReaperHonorsLocalOwnership(t *testing.T) {
	sched, manager, storage := testHarness(t, browsertest.NewFactory())

	job, err := manager.Create(context.Background(), "bot-1", homePage, "", models.LoginSelectors{})
	require.NoError(t, err)
	_, err = manager.Transition(context.Background(), job.ID, models.JobStatusProcessing)
	require.NoError(t, err)

	// Age the heartbeat well past the stale cutoff.
	stale, err := manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	stale.LastHeartbeat = time.Now().Add(-time.Hour)
	require.NoError(t, storage.JobStorage().SaveJob(context.Background(), stale))

	// While a local worker still owns the job, the reaper leaves it to
	// finish on its own.
	sched.mu.Lock()
	sched.cancels[job.ID] = func() {}
	sched.mu.Unlock()
	sched.reapStale(context.Background())

	current, err := manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, current.Status)

	// With no local owner the silent job is presumed dead and reaped.
	sched.mu.Lock()
	delete(sched.cancels, job.ID)
	sched.mu.Unlock()
	sched.reapStale(context.Background())

	final, err := manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, models.FailureInternal, final.ErrorMessage)
}

// queuedSnapshotStorage serves a stale queued snapshot of one job from
// NextQueued regardless of its stored status, forcing the dispatch claim
// to fail.
type queuedSnapshotStorage struct {
	interfaces.JobStorage
	jobID string
}

func (s *queuedSnapshotStorage) NextQueued(ctx context.Context, limit int) ([]*models.ScanJob, error) {
	job, err := s.JobStorage.GetJob(ctx, s.jobID)
	if err != nil {
		return nil, err
	}
	stale := *job
	stale.Status = models.JobStatusQueued
	return []*models.ScanJob{&stale}, nil
}

func TestScheduler_FailedClaimReleasesSlot(t *testing.T) {
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	seed := jobs.NewManager(storage.JobStorage(), logger)
	job, err := seed.Create(context.Background(), "bot-1", homePage, "", models.LoginSelectors{})
	require.NoError(t, err)
	_, err = seed.Transition(context.Background(), job.ID, models.JobStatusProcessing)
	require.NoError(t, err)

	manager := jobs.NewManager(&queuedSnapshotStorage{JobStorage: storage.JobStorage(), jobID: job.ID}, logger)
	sched := New(Deps{
		Config: &common.SchedulerConfig{
			MaxConcurrent:  1,
			MaxPerBot:      1,
			PollInterval:   common.Duration(time.Hour),
			ReaperSchedule: "*/1 * * * *",
			StaleAfter:     common.Duration(time.Hour),
		},
		Manager: manager,
		Logger:  logger,
	})
	sched.baseCtx, sched.stop = context.WithCancel(context.Background())
	defer sched.stop()

	sched.dispatchBatch()

	// The failed claim released every slot and the cancel registration.
	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.Equal(t, 0, sched.inFlight)
	assert.Empty(t, sched.cancels)
	assert.Empty(t, sched.perBot)
}

// panickingSink blows up on the first ingested page.
type panickingSink struct{}

func (panickingSink) Ingest(ctx context.Context, page *models.ExtractedPage) error {
	panic("sink exploded")
}

func TestScheduler_WorkerPanicBecomesInternalError(t *testing.T) {
	mock := browsertest.NewMock()
	mock.AddPage(siteBase+"/", browsertest.Page{
		HTML: `<html><head><title>P</title></head><body><p>x</p></body></html>`,
	})
	sched, manager, _ := testHarness(t, browsertest.NewFactory(mock))
	sched.worker.sink = panickingSink{}

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	job, err := sched.Submit(context.Background(), "bot-1", siteBase+"/", "", models.LoginSelectors{}, models.Credentials{})
	require.NoError(t, err)

	final := awaitTerminal(t, manager, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, models.FailureInternal, final.ErrorMessage)
}
