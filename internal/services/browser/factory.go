package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/common"
	"github.com/ternarybob/sitescan/internal/interfaces"
)

// Factory creates isolated chromedp sessions, one per scan job. A fresh
// exec allocator per session gives every job its own cookie jar and
// profile directory.
type Factory struct {
	config *common.CrawlerConfig
	logger arbor.ILogger
}

func NewFactory(config *common.CrawlerConfig, logger arbor.ILogger) interfaces.BrowserFactory {
	return &Factory{
		config: config,
		logger: logger,
	}
}

func (f *Factory) NewSession(ctx context.Context) (interfaces.Browser, error) {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", f.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(f.config.UserAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// Startup probe: a session that cannot load about:blank is unusable
	// and should fail the job up front rather than mid-login.
	probeCtx, probeCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer probeCancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser session failed startup probe: %w", err)
	}
	if err := enableNetwork(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("failed to enable network domain: %w", err)
	}

	f.logger.Debug().
		Bool("headless", f.config.Headless).
		Str("user_agent", f.config.UserAgent).
		Msg("Browser session created")

	return &Session{
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
		renderWait:      f.config.RenderWait.Std(),
		logger:          f.logger,
	}, nil
}
