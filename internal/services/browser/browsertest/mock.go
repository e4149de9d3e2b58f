// Package browsertest provides a scripted in-memory browser for tests.
// Pages are registered by URL; login behavior is simulated by swapping
// the current location when the scripted submit control is clicked.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/sitescan/internal/interfaces"
)

// Page is one scripted page the mock can serve.
type Page struct {
	HTML string
	// Selectors visible on this page. WaitVisible and Visible consult
	// this set.
	Selectors []string
	// RedirectTo, when set, replaces the location immediately after
	// navigation (simulates a server-side redirect, e.g. back to login
	// when the session expired).
	RedirectTo string
	// Hang makes Navigate block until the caller's context expires,
	// simulating a page that never finishes loading.
	Hang bool
}

// LoginScript configures how the mock reacts to a login submit.
type LoginScript struct {
	LoginURL         string
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	Username         string
	Password         string
	// SuccessURL is where the browser lands after a correct submit.
	SuccessURL string
	// NeverNavigate keeps the browser on the login page after a correct
	// submit and hides the form, simulating a site that signals nothing.
	NeverNavigate bool
}

// Mock implements interfaces.Browser against scripted pages.
type Mock struct {
	mu       sync.Mutex
	pages    map[string]Page
	login    *LoginScript
	location string
	filled   map[string]string
	loggedIn bool
	closed   bool

	// NavigateCount tracks total navigations for politeness assertions.
	NavigateCount int
}

func NewMock() *Mock {
	return &Mock{
		pages:  make(map[string]Page),
		filled: make(map[string]string),
	}
}

// AddPage registers a scripted page.
func (m *Mock) AddPage(url string, page Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[url] = page
}

// ScriptLogin configures login simulation.
func (m *Mock) ScriptLogin(script LoginScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.login = &script
	if _, ok := m.pages[script.LoginURL]; !ok {
		m.pages[script.LoginURL] = Page{
			HTML: "<html><body><form><input/><input/><button/></form></body></html>",
			Selectors: []string{
				script.UsernameSelector,
				script.PasswordSelector,
				script.SubmitSelector,
			},
		}
	}
}

func (m *Mock) Navigate(ctx context.Context, url string) error {
	m.mu.Lock()
	page, ok := m.pages[url]
	m.NavigateCount++
	m.mu.Unlock()

	if ok && page.Hang {
		<-ctx.Done()
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("browser closed")
	}
	if !ok {
		m.location = url
		return fmt.Errorf("no route to %s", url)
	}
	m.location = url
	if page.RedirectTo != "" {
		m.location = page.RedirectTo
	}
	return nil
}

func (m *Mock) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	visible, err := m.Visible(ctx, selector)
	if err != nil {
		return err
	}
	if !visible {
		// Scripted pages never change while waiting, so fail fast rather
		// than sleeping out the timeout.
		return fmt.Errorf("selector %q not found on %s", selector, m.currentLocation())
	}
	return nil
}

func (m *Mock) Visible(ctx context.Context, selector string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, fmt.Errorf("browser closed")
	}
	page, ok := m.pages[m.location]
	if !ok {
		return false, nil
	}
	for _, s := range page.Selectors {
		if s == selector {
			return true, nil
		}
	}
	return false, nil
}

func (m *Mock) Fill(ctx context.Context, selector, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filled[selector] = value
	return nil
}

func (m *Mock) Click(ctx context.Context, selector string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.login == nil || selector != m.login.SubmitSelector || m.location != m.login.LoginURL {
		return nil
	}

	username := m.filled[m.login.UsernameSelector]
	password := m.filled[m.login.PasswordSelector]
	if username != m.login.Username || password != m.login.Password {
		// Wrong credentials: stay on the login page, form still visible.
		return nil
	}

	m.loggedIn = true
	if m.login.NeverNavigate {
		// Hide the form but keep the location, simulating a site that
		// neither navigates nor re-renders the form.
		page := m.pages[m.location]
		page.Selectors = nil
		m.pages[m.location] = page
		return nil
	}
	m.location = m.login.SuccessURL
	return nil
}

func (m *Mock) Location(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location, nil
}

func (m *Mock) HTML(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[m.location]
	if !ok {
		return "", fmt.Errorf("no page at %s", m.location)
	}
	return page.HTML, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// LoggedIn reports whether a scripted login succeeded.
func (m *Mock) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn
}

func (m *Mock) currentLocation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location
}

// Factory hands out a fixed set of mocks, one per NewSession call.
type Factory struct {
	mu    sync.Mutex
	mocks []*Mock
	next  int
}

func NewFactory(mocks ...*Mock) *Factory {
	return &Factory{mocks: mocks}
}

func (f *Factory) NewSession(ctx context.Context) (interfaces.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.mocks) {
		return nil, fmt.Errorf("no browser sessions scripted (asked for session %d)", f.next+1)
	}
	m := f.mocks[f.next]
	f.next++
	return m, nil
}

// HostPages registers the same page set under multiple URLs, convenient
// for building small scripted sites.
func HostPages(m *Mock, base string, paths map[string]Page) {
	for p, page := range paths {
		m.AddPage(strings.TrimSuffix(base, "/")+p, page)
	}
}
