package source

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// headlineSelectors are tried in order; links found by earlier selectors
// come first in the result.
var headlineSelectors = []string{
	"article a[href]",
	"h2 a[href]", "h3 a[href]", "h4 a[href]",
	".story a[href]", ".article a[href]",
	".headline a[href]", ".title a[href]",
	`[data-testid="card"] a[href]`,
	".card a[href]", ".news-item a[href]",
	".teaser a[href]", ".post a[href]",
	"a.storylink[href]", "a.story-link[href]",
	".article-title a[href]", ".entry-title a[href]",
}

var excludedLinkParts = []string{
	"/video/", "/videos/", "/live/", "/author/", "/tag/",
	"/category/", "/search/", "#", "javascript:", "mailto:",
}

const minHeadlineRunes = 10

// Newspaper harvests article links from a newspaper section page. Homepage
// order says nothing about recency, so known ids are skipped rather than used
// as a stopping point. Only the first Unordered headlines in page order are
// considered, so an unchanged page yields nothing instead of reaching further
// down it.
type Newspaper struct {
	http   fetcher
	limits Limits
	now    func() time.Time
}

// NewNewspaper creates a homepage scraping adapter. client may be nil.
func NewNewspaper(client *http.Client, userAgent string, limits Limits) *Newspaper {
	return &Newspaper{
		http:   newFetcher(client, userAgent),
		limits: limits.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (n *Newspaper) Fetch(ctx context.Context, src Descriptor, known []string) ([]Item, error) {
	body, err := n.http.get(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("parse newspaper url %s: %w", src.URL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse newspaper html %s: %w", src.Name, err)
	}

	knownSet := make(map[string]struct{}, len(known))
	for _, id := range known {
		knownSet[id] = struct{}{}
	}

	fetchedAt := n.now()
	seen := make(map[string]struct{})
	harvested := 0
	var items []Item

	for _, sel := range headlineSelectors {
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			link, ok := resolveArticleLink(base, href)
			if !ok {
				return true
			}
			if _, dup := seen[link]; dup {
				return true
			}
			seen[link] = struct{}{}

			title := headlineText(s)
			if utf8.RuneCountInString(title) < minHeadlineRunes {
				return true
			}

			harvested++
			id := ArticleID(link)
			if _, isKnown := knownSet[id]; isKnown {
				return harvested < n.limits.Unordered
			}

			items = append(items, Item{
				Category:    src.Category,
				Source:      src.Name,
				ExternalID:  id,
				Link:        link,
				Title:       title,
				Summary:     placeholderSummary(KindNewspaper, src.Name, title, ""),
				ImageURL:    nearbyImage(base, s),
				PublishedAt: fetchedAt,
			})
			return harvested < n.limits.Unordered
		})
		if harvested >= n.limits.Unordered {
			break
		}
	}

	return items, nil
}

// ArticleID is the stable id of a scraped article: the first 16 hex chars of
// the MD5 of its URL.
func ArticleID(link string) string {
	sum := md5.Sum([]byte(link))
	return hex.EncodeToString(sum[:])[:16]
}

func resolveArticleLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, part := range excludedLinkParts {
		if strings.Contains(lower, part) {
			return "", false
		}
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

// headlineText uses the link text, or the nearest heading within three
// ancestors (below body) when the link text is too short to be a headline.
func headlineText(s *goquery.Selection) string {
	title := strings.Join(strings.Fields(s.Text()), " ")
	if utf8.RuneCountInString(title) >= minHeadlineRunes {
		return title
	}
	parent := s.Parent()
	for i := 0; i < 3 && parent.Length() > 0 && !parent.Is("body, html"); i++ {
		if h := parent.Find("h1, h2, h3, h4").First(); h.Length() > 0 {
			if text := strings.Join(strings.Fields(h.Text()), " "); text != "" {
				return text
			}
		}
		parent = parent.Parent()
	}
	return title
}

func nearbyImage(base *url.URL, s *goquery.Selection) string {
	img := s.Find("img").First()
	if img.Length() == 0 {
		img = s.Parent().Find("img").First()
	}
	if img.Length() == 0 {
		return ""
	}
	src, _ := img.Attr("src")
	if src == "" {
		src, _ = img.Attr("data-src")
	}
	if src == "" {
		return ""
	}
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
