package crawler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/sitescan/internal/common"
	"github.com/ternarybob/sitescan/internal/interfaces"
	"github.com/ternarybob/sitescan/internal/models"
)

// FetchedPage is one successfully rendered page handed to the caller in
// crawl-discovery order.
type FetchedPage struct {
	URL   string
	Depth int
	HTML  string
}

// Hooks let the executing worker observe crawl progress. All hooks run
// on the crawler's goroutine; the crawl is strictly sequential.
type Hooks struct {
	// OnPage is called for each fetched page in discovery order. An
	// error aborts the crawl and propagates as the job's failure.
	OnPage func(ctx context.Context, page FetchedPage) error
	// AfterFetch runs between page fetches (heartbeats, progress
	// counters). Errors are ignored.
	AfterFetch func(ctx context.Context, visited int)
}

// Stats summarizes a finished crawl.
type Stats struct {
	PagesFetched int
	PagesSkipped int
	Visits       []models.CrawlVisit
}

type frontierEntry struct {
	url   string
	depth int
}

// Frontier is a breadth-first, single-session crawler. One Frontier
// instance serves one job; the visited-set and queue are never shared
// across workers.
type Frontier struct {
	config  *common.CrawlerConfig
	limiter *rate.Limiter
	logger  arbor.ILogger
}

func NewFrontier(config *common.CrawlerConfig, logger arbor.ILogger) *Frontier {
	var limiter *rate.Limiter
	if config.RequestDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(config.RequestDelay.Std()), 1)
	}
	return &Frontier{
		config:  config,
		limiter: limiter,
		logger:  logger,
	}
}

// Crawl walks the site breadth-first from startURL inside the given
// session. It honors the page, depth and wall-clock budgets; exceeding
// any budget ends the crawl normally with partial results. A page that
// fails or times out is recorded and skipped. Detecting a redirect back
// to loginURL aborts with session_expired. Context cancellation aborts
// with the context's error.
func (f *Frontier) Crawl(ctx context.Context, session interfaces.Browser, startURL, loginURL string, hooks Hooks) (*Stats, error) {
	start, err := NormalizeURL(startURL)
	if err != nil {
		return nil, models.NewFailure(models.FailureInternal, err)
	}

	stats := &Stats{}
	visited := map[string]bool{start: true}
	queue := []frontierEntry{{url: start, depth: 0}}
	deadline := time.Now().Add(f.config.MaxDuration.Std())

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if stats.PagesFetched >= f.config.MaxPages {
			f.logger.Info().
				Int("max_pages", f.config.MaxPages).
				Msg("Page budget reached, ending crawl")
			break
		}
		if time.Now().After(deadline) {
			f.logger.Info().
				Dur("max_duration", f.config.MaxDuration.Std()).
				Msg("Crawl duration budget reached, ending crawl")
			break
		}

		entry := queue[0]
		queue = queue[1:]

		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}

		html, fetchErr := f.fetchPage(ctx, session, entry.url, loginURL)
		if fetchErr != nil {
			if models.FailureCode(fetchErr) == models.FailureSessionExpired {
				stats.Visits = append(stats.Visits, models.CrawlVisit{
					URL: entry.url, Depth: entry.depth, Outcome: models.VisitError, Error: fetchErr.Error(),
				})
				return stats, fetchErr
			}
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			// A single bad page never aborts the crawl.
			stats.PagesSkipped++
			stats.Visits = append(stats.Visits, models.CrawlVisit{
				URL: entry.url, Depth: entry.depth, Outcome: models.VisitError, Error: fetchErr.Error(),
			})
			f.logger.Warn().
				Err(fetchErr).
				Str("url", entry.url).
				Int("depth", entry.depth).
				Msg("Page fetch failed, skipping")
			continue
		}

		stats.PagesFetched++
		stats.Visits = append(stats.Visits, models.CrawlVisit{
			URL: entry.url, Depth: entry.depth, Outcome: models.VisitSuccess,
		})

		if hooks.OnPage != nil {
			if err := hooks.OnPage(ctx, FetchedPage{URL: entry.url, Depth: entry.depth, HTML: html}); err != nil {
				return stats, err
			}
		}

		if entry.depth < f.config.MaxDepth {
			for _, link := range f.extractLinks(entry.url, html) {
				if visited[link] {
					continue
				}
				visited[link] = true
				if !SameOrigin(link, start) {
					// Off-origin links are recorded but never followed.
					stats.Visits = append(stats.Visits, models.CrawlVisit{
						URL: link, Depth: entry.depth + 1, Outcome: models.VisitSkipped, Error: "off-origin",
					})
					continue
				}
				queue = append(queue, frontierEntry{url: link, depth: entry.depth + 1})
			}
		}

		if hooks.AfterFetch != nil {
			hooks.AfterFetch(ctx, stats.PagesFetched)
		}
	}

	f.logger.Info().
		Int("fetched", stats.PagesFetched).
		Int("skipped", stats.PagesSkipped).
		Msg("Crawl finished")

	return stats, nil
}

// fetchPage navigates to url under the per-page timeout and returns the
// rendered DOM. Landing on loginURL after navigation means the
// authenticated session no longer holds.
func (f *Frontier) fetchPage(ctx context.Context, session interfaces.Browser, pageURL, loginURL string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, f.config.PageTimeout.Std())
	defer cancel()

	if err := session.Navigate(fetchCtx, pageURL); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}

	if loginURL != "" {
		location, err := session.Location(fetchCtx)
		if err == nil && landedOnLogin(location, loginURL) {
			return "", models.NewFailure(models.FailureSessionExpired,
				fmt.Errorf("redirected to login page while fetching %s", pageURL))
		}
	}

	html, err := session.HTML(fetchCtx)
	if err != nil {
		return "", fmt.Errorf("read DOM: %w", err)
	}
	return html, nil
}

// extractLinks pulls anchor hrefs out of the rendered DOM, resolved and
// normalized. Unparseable or non-http links are dropped silently.
func (f *Frontier) extractLinks(pageURL, html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		f.logger.Warn().Err(err).Str("url", pageURL).Msg("Failed to parse page for links")
		return nil
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		resolved, err := ResolveLink(pageURL, href)
		if err != nil {
			return
		}
		if !seen[resolved] {
			seen[resolved] = true
			links = append(links, resolved)
		}
	})
	return links
}

func landedOnLogin(location, loginURL string) bool {
	trim := func(u string) string {
		if i := strings.IndexAny(u, "?#"); i >= 0 {
			u = u[:i]
		}
		return strings.TrimSuffix(u, "/")
	}
	return trim(location) == trim(loginURL)
}
