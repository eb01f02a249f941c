package source

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies how a source is fetched.
type Kind string

const (
	KindRSS       Kind = "rss"
	KindYouTube   Kind = "youtube"
	KindNewspaper Kind = "newspaper"
)

// AllKinds returns all known source kinds.
func AllKinds() []Kind {
	return []Kind{KindRSS, KindYouTube, KindNewspaper}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Descriptor is a single configured source.
type Descriptor struct {
	Name     string `json:"name" yaml:"name"`
	Kind     Kind   `json:"kind" yaml:"kind"`
	URL      string `json:"url" yaml:"url"`
	Category string `json:"category" yaml:"-"`
}

// Item is a news entry, either a fetched candidate or a stored row.
// ID and IngestedAt are assigned by storage; TopicID and TopicLabel are
// written once by topic clustering.
type Item struct {
	ID          int64     `json:"id" db:"id"`
	Category    string    `json:"category" db:"category"`
	Source      string    `json:"source" db:"source"`
	ExternalID  string    `json:"external_id" db:"external_id"`
	Link        string    `json:"link" db:"link"`
	Title       string    `json:"title" db:"title"`
	Summary     string    `json:"summary" db:"summary"`
	ImageURL    string    `json:"image_url,omitempty" db:"image_url"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`
	IngestedAt  time.Time `json:"ingested_at" db:"ingested_at"`
	TopicID     *string   `json:"topic_id,omitempty" db:"topic_id"`
	TopicLabel  *string   `json:"topic_label,omitempty" db:"topic_label"`
}

// HasTopic reports whether clustering already assigned a thread.
func (it *Item) HasTopic() bool {
	return it.TopicID != nil && *it.TopicID != ""
}

// Text is the title and summary joined, used for keyword and similarity checks.
func (it *Item) Text() string {
	if it.Summary == "" || it.Summary == it.Title {
		return it.Title
	}
	return it.Title + " " + it.Summary
}

// Adapter fetches candidates for one kind of source. known holds the
// source's recent ids, newest first, and may be empty on a first run.
// Adapters return only items they believe are newer than anything known.
type Adapter interface {
	Fetch(ctx context.Context, src Descriptor, known []string) ([]Item, error)
}

// Router dispatches fetches to the adapter registered for a source's kind.
type Router struct {
	adapters map[Kind]Adapter
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{adapters: make(map[Kind]Adapter)}
}

// Register sets the adapter for a kind, replacing any previous one.
func (r *Router) Register(kind Kind, a Adapter) *Router {
	r.adapters[kind] = a
	return r
}

// Fetch implements Adapter.
func (r *Router) Fetch(ctx context.Context, src Descriptor, known []string) ([]Item, error) {
	a, ok := r.adapters[src.Kind]
	if !ok {
		return nil, fmt.Errorf("no adapter for source kind %q (%s)", src.Kind, src.Name)
	}
	return a.Fetch(ctx, src, known)
}
