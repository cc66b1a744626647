package policy

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

// Fetcher retrieves source documents for resolution. Network access
// lives here, never in the resolvers.
type Fetcher struct {
	client *http.Client
	logger zerolog.Logger
}

// NewFetcher creates a document fetcher.
func NewFetcher(timeout time.Duration, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

var reSECLink = regexp.MustCompile(`^https://www\.sec\.gov/`)

// Document is a fetched source document reduced to plain text, plus any
// follow-up links worth resolving (SEC filing behind a NASDAQ notice,
// press release behind an aggregator page).
type Document struct {
	URL       string
	Text      string
	SECLinks  []string
	PressURLs []string
}

// Fetch pulls a URL and strips its HTML to text.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "rsassistant/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	doc.Find("script, style, nav, footer").Remove()

	out := &Document{URL: url}
	out.Text = normalizeWhitespace(doc.Find("body").Text())
	if out.Text == "" {
		out.Text = normalizeWhitespace(doc.Text())
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		switch {
		case reSECLink.MatchString(href):
			out.SECLinks = append(out.SECLinks, href)
		case strings.Contains(href, "/press-release/"):
			out.PressURLs = append(out.PressURLs, href)
		}
	})

	f.logger.Debug().
		Str("url", url).
		Int("chars", len(out.Text)).
		Int("sec_links", len(out.SECLinks)).
		Msg("fetched source document")
	return out, nil
}

// FetchAll gathers the alert page plus the first SEC filing it links
// to, concatenated for resolution. A dead follow-up link degrades to
// the alert text alone.
func (f *Fetcher) FetchAll(ctx context.Context, url string) (string, error) {
	doc, err := f.Fetch(ctx, url)
	if err != nil {
		return "", err
	}

	text := doc.Text
	if len(doc.SECLinks) > 0 {
		sec, err := f.Fetch(ctx, doc.SECLinks[0])
		if err != nil {
			f.logger.Warn().Err(err).Str("url", doc.SECLinks[0]).Msg("failed to fetch linked SEC filing")
		} else {
			text += "\n\n" + sec.Text
		}
	}
	return text, nil
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
