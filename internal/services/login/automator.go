package login

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/common"
	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/models"
)

// Automator drives a selector-configured login form inside a browser
// session. It performs exactly one login attempt per job; failed
// credentials are never retried because a wrong password and a slow
// network look identical from here.
type Automator struct {
	selectorWait time.Duration
	submitWait   time.Duration
	logger       arbor.ILogger
}

func NewAutomator(config *common.LoginConfig, logger arbor.ILogger) *Automator {
	return &Automator{
		selectorWait: config.SelectorWait.Std(),
		submitWait:   config.SubmitWait.Std(),
		logger:       logger,
	}
}

// Login authenticates the browser session against loginURL using the
// given selectors and credentials. On success the session's cookie jar
// carries the authenticated state for subsequent navigation. Failures
// are classified: selector_not_found, login_timeout, invalid_credentials.
func (a *Automator) Login(ctx context.Context, session interfaces.Browser, loginURL string, selectors models.LoginSelectors, creds models.Credentials) error {
	a.logger.Info().
		Str("login_url", loginURL).
		Msg("Starting login automation")

	if err := session.Navigate(ctx, loginURL); err != nil {
		return models.NewFailure(models.FailureLoginTimeout, fmt.Errorf("failed to load login page: %w", err))
	}

	if err := session.WaitVisible(ctx, selectors.Username, a.selectorWait); err != nil {
		return models.NewFailure(models.FailureSelectorNotFound, fmt.Errorf("username field %q: %w", selectors.Username, err))
	}
	if err := session.WaitVisible(ctx, selectors.Password, a.selectorWait); err != nil {
		return models.NewFailure(models.FailureSelectorNotFound, fmt.Errorf("password field %q: %w", selectors.Password, err))
	}
	if err := session.WaitVisible(ctx, selectors.Submit, a.selectorWait); err != nil {
		return models.NewFailure(models.FailureSelectorNotFound, fmt.Errorf("submit control %q: %w", selectors.Submit, err))
	}

	if err := session.Fill(ctx, selectors.Username, creds.Username); err != nil {
		return models.NewFailure(models.FailureSelectorNotFound, fmt.Errorf("filling username: %w", err))
	}
	if err := session.Fill(ctx, selectors.Password, creds.Password); err != nil {
		return models.NewFailure(models.FailureSelectorNotFound, fmt.Errorf("filling password: %w", err))
	}
	if err := session.Click(ctx, selectors.Submit); err != nil {
		return models.NewFailure(models.FailureSelectorNotFound, fmt.Errorf("clicking submit: %w", err))
	}

	if err := a.awaitNavigation(ctx, session, loginURL, selectors); err != nil {
		return err
	}

	a.logger.Info().
		Str("login_url", loginURL).
		Msg("Login completed")
	return nil
}

// awaitNavigation polls until the session leaves the login page. If the
// wait expires while the login form is still visible the credentials
// were rejected; if the form is gone but the URL never changed the site
// simply never navigated.
func (a *Automator) awaitNavigation(ctx context.Context, session interfaces.Browser, loginURL string, selectors models.LoginSelectors) error {
	deadline := time.Now().Add(a.submitWait)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		location, err := session.Location(ctx)
		if err == nil && !sameLoginPage(location, loginURL) {
			return nil
		}

		if time.Now().After(deadline) {
			formVisible, visErr := session.Visible(ctx, selectors.Username)
			if visErr == nil && formVisible {
				return models.NewFailure(models.FailureInvalidCredentials,
					fmt.Errorf("login form still present after submit"))
			}
			return models.NewFailure(models.FailureLoginTimeout,
				fmt.Errorf("still on login page %s after %s", loginURL, a.submitWait))
		}

		select {
		case <-ctx.Done():
			return models.NewFailure(models.FailureLoginTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// sameLoginPage compares locations ignoring query and fragment noise the
// login flow may append (error banners, return-to parameters).
func sameLoginPage(location, loginURL string) bool {
	trim := func(u string) string {
		if i := strings.IndexAny(u, "?#"); i >= 0 {
			u = u[:i]
		}
		return strings.TrimSuffix(u, "/")
	}
	return trim(location) == trim(loginURL)
}
