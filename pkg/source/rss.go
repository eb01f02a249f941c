package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// RSS fetches candidates from RSS/Atom feeds. Feed entries are assumed to be
// roughly newest first, so scanning stops at the first known id.
type RSS struct {
	http   fetcher
	limits Limits
	now    func() time.Time
}

// NewRSS creates an RSS adapter. client may be nil.
func NewRSS(client *http.Client, userAgent string, limits Limits) *RSS {
	return &RSS{
		http:   newFetcher(client, userAgent),
		limits: limits.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *RSS) Fetch(ctx context.Context, src Descriptor, known []string) ([]Item, error) {
	body, err := r.http.get(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	// gofeed.Parser keeps per-parse state, so one per call.
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", src.Name, err)
	}

	items := feedItems(parsed, src, r.now())
	return takeUntilKnown(items, known, r.limits.FirstRun), nil
}

// feedItems converts entries in feed order, dropping ones without a link.
func feedItems(feed *gofeed.Feed, src Descriptor, fetchedAt time.Time) []Item {
	items := make([]Item, 0, len(feed.Items))
	for _, entry := range feed.Items {
		link := strings.TrimSpace(entry.Link)
		if link == "" && len(entry.Links) > 0 {
			link = strings.TrimSpace(entry.Links[0])
		}
		if link == "" {
			continue
		}

		id := strings.TrimSpace(entry.GUID)
		if id == "" {
			id = link
		}

		title := strings.TrimSpace(PlainText(entry.Title))
		if title == "" {
			continue
		}

		body := entry.Description
		if body == "" {
			body = entry.Content
		}

		items = append(items, Item{
			Category:    src.Category,
			Source:      src.Name,
			ExternalID:  id,
			Link:        link,
			Title:       title,
			Summary:     placeholderSummary(src.Kind, src.Name, title, body),
			ImageURL:    entryImage(entry),
			PublishedAt: entryPublished(entry, fetchedAt),
		})
	}
	return items
}

func entryPublished(entry *gofeed.Item, fallback time.Time) time.Time {
	if entry.PublishedParsed != nil {
		return entry.PublishedParsed.UTC()
	}
	if entry.UpdatedParsed != nil {
		return entry.UpdatedParsed.UTC()
	}
	return fallback
}

// entryImage looks in the usual places: the item image, image enclosures and
// the media RSS extension.
func entryImage(entry *gofeed.Item) string {
	if entry.Image != nil && entry.Image.URL != "" {
		return entry.Image.URL
	}
	for _, enc := range entry.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	media, ok := entry.Extensions["media"]
	if !ok {
		return ""
	}
	for _, name := range []string{"content", "thumbnail"} {
		for _, ext := range media[name] {
			if u := ext.Attrs["url"]; u != "" {
				return u
			}
		}
	}
	for _, group := range media["group"] {
		for _, ext := range group.Children["thumbnail"] {
			if u := ext.Attrs["url"]; u != "" {
				return u
			}
		}
	}
	return ""
}
