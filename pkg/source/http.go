package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// MaxBodySize caps how much of a response an adapter will read.
const MaxBodySize = 10 * 1024 * 1024

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (compatible; newsradar/1.0)"

// Limits bounds how many items an adapter returns per call.
type Limits struct {
	// FirstRun caps ordered adapters when no ids are known yet.
	FirstRun int
	// Unordered caps adapters that cannot guarantee newest-first results.
	Unordered int
}

// DefaultLimits are used for zero fields.
var DefaultLimits = Limits{FirstRun: 5, Unordered: 10}

func (l Limits) withDefaults() Limits {
	if l.FirstRun <= 0 {
		l.FirstRun = DefaultLimits.FirstRun
	}
	if l.Unordered <= 0 {
		l.Unordered = DefaultLimits.Unordered
	}
	return l
}

// fetcher is the HTTP part shared by all adapters.
type fetcher struct {
	client    *http.Client
	userAgent string
}

func newFetcher(client *http.Client, userAgent string) fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return fetcher{client: client, userAgent: userAgent}
}

func (f fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("fetch %s: response exceeds %d bytes", url, MaxBodySize)
	}
	return body, nil
}

// takeUntilKnown walks items newest first and stops at the first id already
// in known. With nothing known the result is capped at firstRun.
func takeUntilKnown(items []Item, known []string, firstRun int) []Item {
	if len(known) == 0 {
		if len(items) > firstRun {
			items = items[:firstRun]
		}
		return items
	}

	set := make(map[string]struct{}, len(known))
	for _, id := range known {
		set[id] = struct{}{}
	}
	for i, it := range items {
		if _, ok := set[it.ExternalID]; ok {
			return items[:i]
		}
	}
	return items
}

// PlainText strips markup from an HTML fragment and collapses whitespace.
func PlainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxRunes]) + "..."
}

// placeholderSummary is the auto-generated summary stored when enrichment is
// off or fails.
func placeholderSummary(kind Kind, sourceName, title, body string) string {
	if text := truncate(PlainText(body), 500); text != "" && text != title {
		return text
	}
	switch kind {
	case KindYouTube:
		return fmt.Sprintf("New video from %s: %s", sourceName, title)
	case KindNewspaper:
		return fmt.Sprintf("Headline from %s: %s", sourceName, title)
	default:
		return title
	}
}
