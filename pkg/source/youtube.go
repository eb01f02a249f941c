package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const youtubeFeedBase = "https://www.youtube.com/feeds/videos.xml"

// YouTube fetches the latest uploads of a channel or playlist through its
// public Atom feed. The feed lists videos newest first.
type YouTube struct {
	http    fetcher
	limits  Limits
	feedURL func(string) (string, error)
	now     func() time.Time
}

// NewYouTube creates a YouTube adapter. client may be nil.
func NewYouTube(client *http.Client, userAgent string, limits Limits) *YouTube {
	return &YouTube{
		http:    newFetcher(client, userAgent),
		limits:  limits.withDefaults(),
		feedURL: YouTubeFeedURL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (y *YouTube) Fetch(ctx context.Context, src Descriptor, known []string) ([]Item, error) {
	feedURL, err := y.feedURL(src.URL)
	if err != nil {
		return nil, err
	}

	body, err := y.http.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse youtube feed %s: %w", src.Name, err)
	}

	fetchedAt := y.now()
	items := make([]Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		videoID := youtubeVideoID(entry)
		if videoID == "" {
			continue
		}
		title := strings.TrimSpace(entry.Title)
		if title == "" || title == "[Private video]" || title == "[Deleted video]" {
			continue
		}

		image := entryImage(entry)
		if image == "" {
			image = fmt.Sprintf("https://img.youtube.com/vi/%s/hqdefault.jpg", videoID)
		}

		items = append(items, Item{
			Category:    src.Category,
			Source:      src.Name,
			ExternalID:  videoID,
			Link:        "https://www.youtube.com/watch?v=" + videoID,
			Title:       title,
			Summary:     placeholderSummary(KindYouTube, src.Name, title, mediaDescription(entry)),
			ImageURL:    image,
			PublishedAt: entryPublished(entry, fetchedAt),
		})
	}

	return takeUntilKnown(items, known, y.limits.FirstRun), nil
}

// YouTubeFeedURL turns a channel, playlist or feed URL (or a bare channel id)
// into the Atom feed URL.
func YouTubeFeedURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "UC") && !strings.Contains(raw, "/") {
		return youtubeFeedBase + "?channel_id=" + url.QueryEscape(raw), nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid youtube source %q", raw)
	}

	if strings.HasPrefix(u.Path, "/feeds/videos.xml") {
		return raw, nil
	}
	if list := u.Query().Get("list"); list != "" {
		return youtubeFeedBase + "?playlist_id=" + url.QueryEscape(list), nil
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "channel" && parts[1] != "" {
		return youtubeFeedBase + "?channel_id=" + url.QueryEscape(parts[1]), nil
	}
	return "", fmt.Errorf("youtube source %q: need a channel id, /channel/ URL, playlist URL or feed URL", raw)
}

// VideoID returns the video id of a youtube.com watch link or a youtu.be
// short link, or "" for anything else.
func VideoID(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtu.be":
		return strings.Trim(u.Path, "/")
	case "youtube.com", "m.youtube.com":
		if u.Path == "/watch" {
			return u.Query().Get("v")
		}
	}
	return ""
}

func youtubeVideoID(entry *gofeed.Item) string {
	if yt, ok := entry.Extensions["yt"]; ok {
		for _, ext := range yt["videoId"] {
			if v := strings.TrimSpace(ext.Value); v != "" {
				return v
			}
		}
	}
	// Atom ids look like "yt:video:<id>".
	if strings.HasPrefix(entry.GUID, "yt:video:") {
		return strings.TrimPrefix(entry.GUID, "yt:video:")
	}
	if u, err := url.Parse(entry.Link); err == nil {
		return u.Query().Get("v")
	}
	return ""
}

func mediaDescription(entry *gofeed.Item) string {
	if media, ok := entry.Extensions["media"]; ok {
		for _, group := range media["group"] {
			for _, d := range group.Children["description"] {
				if d.Value != "" {
					return d.Value
				}
			}
		}
	}
	return entry.Description
}
