package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/common"
	"github.com/ternarybob/sitescan/internal/handlers"
	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/jobs"
	"github.com/ternarybob/sitescan/internal/scheduler"
	"github.com/ternarybob/sitescan/internal/services/browser"
	"github.com/ternarybob/sitescan/internal/services/crawler"
	"github.com/ternarybob/sitescan/internal/services/extract"
	"github.com/ternarybob/sitescan/internal/services/login"
	"github.com/ternarybob/sitescan/internal/services/sink"
	badgerstore "github.com/ternarybob/sitescan/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	JobManager     *jobs.Manager
	Scheduler      *scheduler.Scheduler

	// HTTP handlers
	ScanHandler *handlers.ScanHandler
	APIHandler  *handlers.APIHandler

	ctx       context.Context
	cancelCtx context.CancelFunc
}

// New wires the application together: storage, job pipeline services,
// scheduler and handlers.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	storageManager, err := badgerstore.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	jobManager := jobs.NewManager(storageManager.JobStorage(), logger)

	sched := scheduler.New(scheduler.Deps{
		Config:    &config.Scheduler,
		Manager:   jobManager,
		Browsers:  browser.NewFactory(&config.Crawler, logger),
		Automator: login.NewAutomator(&config.Login, logger),
		Frontier:  crawler.NewFrontier(&config.Crawler, logger),
		Extractor: extract.NewExtractor(&config.Crawler, logger),
		Sink:      sink.NewBadgerSink(storageManager.PageStorage(), logger),
		Logger:    logger,
	})

	app := &App{
		Config:         config,
		Logger:         logger,
		StorageManager: storageManager,
		JobManager:     jobManager,
		Scheduler:      sched,
		ScanHandler:    handlers.NewScanHandler(sched, logger),
		APIHandler:     handlers.NewAPIHandler(logger),
		ctx:            ctx,
		cancelCtx:      cancel,
	}
	return app, nil
}

// Start begins background processing: the scheduler's dispatch loop and
// reaper, plus periodic storage garbage collection.
func (a *App) Start() error {
	if err := a.Scheduler.Start(a.ctx); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				a.StorageManager.RunGC()
			}
		}
	}()

	return nil
}

// Close shuts down background work and releases storage.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.cancelCtx()

	if err := a.StorageManager.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close storage cleanly")
		return err
	}
	a.Logger.Info().Msg("Application stopped")
	return nil
}
