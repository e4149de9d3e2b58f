package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitescan/internal/common"
	"github.com/ternarybob/sitescan/internal/models"
)

var (
	spaceRegex   = regexp.MustCompile(`[ \t]+`)
	newlineRegex = regexp.MustCompile(`\n{3,}`)
)

// Extractor turns rendered page HTML into clean text and markdown ready
// for ingestion.
type Extractor struct {
	onlyMainContent bool
	emitMarkdown    bool
	logger          arbor.ILogger
}

func NewExtractor(config *common.CrawlerConfig, logger arbor.ILogger) *Extractor {
	return &Extractor{
		onlyMainContent: config.OnlyMainContent,
		emitMarkdown:    config.EmitMarkdown,
		logger:          logger,
	}
}

// Extract produces an ExtractedPage from the rendered DOM of pageURL,
// tagged with the owning bot and job.
func (e *Extractor) Extract(botID, jobID, pageURL, html string) (*models.ExtractedPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", pageURL, err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	content := e.contentSelection(doc)

	page := &models.ExtractedPage{
		ID:          common.NewPageID(),
		BotID:       botID,
		JobID:       jobID,
		URL:         pageURL,
		Title:       title,
		Text:        cleanWhitespace(content.Text()),
		ExtractedAt: time.Now(),
	}

	if e.emitMarkdown {
		contentHTML, err := goquery.OuterHtml(content)
		if err != nil {
			e.logger.Warn().Err(err).Str("url", pageURL).Msg("Failed to serialize content for markdown conversion")
		} else {
			converter := md.NewConverter(pageURL, true, nil)
			markdown, err := converter.ConvertString(contentHTML)
			if err != nil {
				e.logger.Warn().Err(err).Str("url", pageURL).Msg("Failed to convert content to markdown")
			} else {
				page.Markdown = strings.TrimSpace(markdown)
			}
		}
	}

	return page, nil
}

// contentSelection picks the node tree the text and markdown come from.
// Prefers a semantic main-content container; otherwise strips the usual
// boilerplate from the body.
func (e *Extractor) contentSelection(doc *goquery.Document) *goquery.Selection {
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return doc.Selection
	}

	if e.onlyMainContent {
		main := body.Find("main, article, [role=main]").First()
		if main.Length() > 0 {
			return main
		}
		body.Find("nav, header, footer, aside, script, style, noscript").Remove()
		body.Find("[class*=sidebar], [class*=promo]").Remove()
		return body
	}

	body.Find("script, style, noscript").Remove()
	return body
}

func cleanWhitespace(text string) string {
	text = spaceRegex.ReplaceAllString(text, " ")
	text = newlineRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
