package interfaces

import (
	"context"
	"time"
)

// Browser is the capability surface the login automator and frontier
// crawler need from a page-driving engine. The production implementation
// wraps chromedp; tests substitute a scripted mock so neither component
// depends on a real browser.
type Browser interface {
	// Navigate loads the given URL and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error

	// WaitVisible blocks until the selector matches a visible element or
	// the timeout elapses.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error

	// Visible reports whether the selector currently matches a visible
	// element, without waiting.
	Visible(ctx context.Context, selector string) (bool, error)

	// Fill types value into the element matched by selector.
	Fill(ctx context.Context, selector, value string) error

	// Click activates the element matched by selector.
	Click(ctx context.Context, selector string) error

	// Location returns the current page URL, following any redirects the
	// site performed.
	Location(ctx context.Context) (string, error)

	// HTML returns the rendered DOM of the current page.
	HTML(ctx context.Context) (string, error)

	// Close releases the underlying browser resources. The session must
	// not be used afterwards.
	Close() error
}

// BrowserFactory creates one isolated browser session per job. Sessions
// do not share cookies, so one job's login never leaks into another's.
type BrowserFactory interface {
	NewSession(ctx context.Context) (Browser, error)
}
