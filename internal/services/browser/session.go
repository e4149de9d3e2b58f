package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// Session wraps a dedicated chromedp browser context. Each session owns
// its own allocator, so cookies and storage never cross job boundaries.
type Session struct {
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	renderWait      time.Duration
	logger          arbor.ILogger
}

// Navigate loads url and allows the configured render wait for
// JavaScript-driven pages to settle before the DOM is read.
func (s *Session) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(s.renderWait),
	)
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (s *Session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()
	waitCtx, waitCancel := context.WithTimeout(runCtx, timeout)
	defer waitCancel()

	if err := chromedp.Run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("selector %q not visible: %w", selector, err)
	}
	return nil
}

// Visible evaluates selector presence without blocking. An element with
// no layout box (display:none or detached) does not count.
func (s *Session) Visible(ctx context.Context, selector string) (bool, error) {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	var visible bool
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return el !== null && el.offsetParent !== null; })()`,
		selector,
	)
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &visible)); err != nil {
		return false, fmt.Errorf("visibility check for %q failed: %w", selector, err)
	}
	return visible, nil
}

func (s *Session) Fill(ctx context.Context, selector, value string) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to fill %q: %w", selector, err)
	}
	return nil
}

func (s *Session) Click(ctx context.Context, selector string) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

func (s *Session) Location(ctx context.Context) (string, error) {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	var location string
	if err := chromedp.Run(runCtx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return location, nil
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", fmt.Errorf("failed to read page HTML: %w", err)
	}
	return html, nil
}

func (s *Session) Close() error {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocatorCancel != nil {
		s.allocatorCancel()
	}
	return nil
}

// runContext ties a chromedp run to both the browser context and the
// caller's context so cancellation from either side stops the action.
func (s *Session) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// enableNetwork turns on the CDP network domain so cookie handling is
// active for the whole session, including cross-request Set-Cookie flows
// after login.
func enableNetwork(ctx context.Context) error {
	return chromedp.Run(ctx, network.Enable())
}
