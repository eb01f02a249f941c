// Package topic links newly ingested items into topic threads. A reasoning
// service decides whether an item reports the same specific event as one of
// the recently active threads; the decision is applied as given.
package topic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/elonfeng/newsradar/internal/logging"
	"github.com/elonfeng/newsradar/internal/metrics"
	"github.com/elonfeng/newsradar/internal/store"
	"github.com/elonfeng/newsradar/pkg/llm"
	"github.com/elonfeng/newsradar/pkg/notify"
	"github.com/elonfeng/newsradar/pkg/source"
)

const systemPrompt = `You maintain topic threads for a live news feed. A thread collects reports about ONE specific real-world event (a particular strike, a particular round of talks, a particular election result), not a general subject, country or region.

Given a new item and the list of existing threads, decide whether the item reports the same specific event as one of them. Sharing a country, a conflict or a subject is NOT enough.

Answer with a single JSON object and nothing else:
{"topic_id": "...", "topic_label": "...", "is_new": true|false, "confidence": "high"|"medium"|"low"}

- To join an existing thread, copy its topic_id exactly and set is_new to false.
- Otherwise set is_new to true, invent a short lowercase slug as topic_id (for example "sanaa-port-strike-march") and a short headline-style topic_label.
- Use "low" confidence when unsure.`

// ErrEmptyTopic is returned when the service answers without a topic id.
var ErrEmptyTopic = errors.New("topic: service returned no topic id")

// Assignment is the outcome of clustering one item.
type Assignment struct {
	TopicID    string `json:"topic_id"`
	TopicLabel string `json:"topic_label"`
	Confidence string `json:"confidence"`
	// Existing is set when the item joined a thread from the candidate list.
	Existing bool `json:"existing"`
	// Minted is set when the id was generated locally after a low-confidence
	// answer.
	Minted bool `json:"minted"`
}

type decision struct {
	TopicID    string `json:"topic_id"`
	TopicLabel string `json:"topic_label"`
	IsNew      bool   `json:"is_new"`
	Confidence string `json:"confidence"`
}

// Broadcaster delivers topic updates to live listeners.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev notify.Event) error
}

// Options tune the engine.
type Options struct {
	// SampleSize bounds how many existing threads are offered as candidates.
	SampleSize int
	// Timeout bounds each call to the reasoning service.
	Timeout time.Duration
}

// Engine assigns items to topic threads.
type Engine struct {
	store    store.Store
	provider llm.Provider
	hub      Broadcaster
	counters *metrics.Counters
	opts     Options
	log      *log.Logger
}

// NewEngine creates a topic engine. hub may be nil.
func NewEngine(st store.Store, provider llm.Provider, hub Broadcaster, counters *metrics.Counters, opts Options) *Engine {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if counters == nil {
		counters = metrics.New()
	}
	return &Engine{
		store:    st,
		provider: provider,
		hub:      hub,
		counters: counters,
		opts:     opts,
		log:      logging.WithPrefix("topic"),
	}
}

// Assign asks the reasoning service for the item's thread. It does not write
// anything.
func (e *Engine) Assign(ctx context.Context, item source.Item) (*Assignment, error) {
	candidates, err := e.store.RecentTopics(ctx, e.opts.SampleSize)
	if err != nil {
		return nil, err
	}

	raw, err := e.provider.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(item, candidates),
		MaxTokens:   300,
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("assign topic %d: %w", item.ID, err)
	}

	var d decision
	if err := llm.DecodeJSON(raw, &d); err != nil {
		return nil, fmt.Errorf("assign topic %d: %w", item.ID, err)
	}
	return resolve(item, d, candidates)
}

func resolve(item source.Item, d decision, candidates []store.TopicSample) (*Assignment, error) {
	conf := strings.ToLower(strings.TrimSpace(d.Confidence))
	label := strings.TrimSpace(d.TopicLabel)

	if conf == "low" {
		if label == "" {
			label = item.Title
		}
		return &Assignment{TopicID: MintID(item), TopicLabel: label, Confidence: conf, Minted: true}, nil
	}

	id := strings.TrimSpace(d.TopicID)
	if id == "" {
		return nil, ErrEmptyTopic
	}

	a := &Assignment{TopicID: id, TopicLabel: label, Confidence: conf}
	for _, c := range candidates {
		if c.TopicID == id {
			a.Existing = true
			if a.TopicLabel == "" {
				a.TopicLabel = c.Label
			}
			break
		}
	}
	if a.TopicLabel == "" {
		a.TopicLabel = item.Title
	}
	return a, nil
}

// Cluster assigns, stores and announces the item's topic. The service call
// is bounded by the configured timeout; failures leave the item unclustered.
func (e *Engine) Cluster(ctx context.Context, item source.Item) (*Assignment, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	a, err := e.Assign(callCtx, item)
	cancel()
	if err != nil {
		e.counters.AddClusterErrors(1)
		e.log.Warn("clustering failed", "item", item.ID, "err", err)
		return nil, err
	}

	ok, err := e.store.SetTopic(ctx, item.ID, a.TopicID, a.TopicLabel)
	if err != nil {
		e.counters.AddClusterErrors(1)
		e.log.Error("store topic failed", "item", item.ID, "err", err)
		return nil, err
	}
	if !ok {
		e.log.Debug("item already clustered or gone", "item", item.ID)
		return a, nil
	}
	e.counters.AddClustered(1)
	e.log.Info("clustered", "item", item.ID, "topic", a.TopicID, "existing", a.Existing, "confidence", a.Confidence)

	if e.hub != nil {
		ev := notify.TopicUpdateEvent(notify.TopicUpdate{
			ItemID:     item.ID,
			Category:   item.Category,
			Title:      item.Title,
			Link:       item.Link,
			TopicID:    a.TopicID,
			TopicLabel: a.TopicLabel,
			Existing:   a.Existing,
		})
		if err := e.hub.Broadcast(ctx, ev); err != nil {
			e.log.Warn("broadcast topic update failed", "item", item.ID, "err", err)
		}
	}
	return a, nil
}

// Handle clusters an item and discards the outcome. It matches the
// dispatcher's handler signature.
func (e *Engine) Handle(ctx context.Context, item source.Item) {
	if item.HasTopic() {
		e.log.Debug("item already clustered", "item", item.ID, "topic", *item.TopicID)
		return
	}
	_, _ = e.Cluster(ctx, item)
}

// CatchUp clusters up to limit unclustered items, most recent first, with at
// least delay between service calls. It returns how many were assigned.
func (e *Engine) CatchUp(ctx context.Context, limit int, delay time.Duration) int {
	items, err := e.store.ListUnclustered(ctx, limit)
	if err != nil {
		e.log.Warn("catch-up: list unclustered failed", "err", err)
		return 0
	}
	if len(items) == 0 {
		return 0
	}
	e.log.Info("catch-up starting", "items", len(items))

	every := rate.Inf
	if delay > 0 {
		every = rate.Every(delay)
	}
	limiter := rate.NewLimiter(every, 1)

	done := 0
	for _, it := range items {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if _, err := e.Cluster(ctx, it); err == nil {
			done++
		}
	}
	e.log.Info("catch-up finished", "assigned", done, "of", len(items))
	return done
}

func buildPrompt(item source.Item, candidates []store.TopicSample) string {
	var b strings.Builder
	b.WriteString("NEW ITEM\n")
	fmt.Fprintf(&b, "Title: %s\n", item.Title)
	if item.Summary != "" && item.Summary != item.Title {
		fmt.Fprintf(&b, "Summary: %s\n", clip(item.Summary, 600))
	}

	b.WriteString("\nEXISTING THREADS\n")
	if len(candidates) == 0 {
		b.WriteString("(none)\n")
	}
	for _, c := range candidates {
		fmt.Fprintf(&b, "- topic_id: %s | label: %s | example: %s", c.TopicID, c.Label, c.Title)
		if c.Summary != "" && c.Summary != c.Title {
			fmt.Fprintf(&b, " | %s", clip(c.Summary, 160))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// MintID derives a topic id from the item: a slug of its title plus a short
// hash of its link.
func MintID(item source.Item) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(item.Title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if r := []rune(slug); len(r) > 48 {
		slug = strings.Trim(string(r[:48]), "-")
	}

	key := item.Link
	if key == "" {
		key = item.Title
	}
	sum := sha256.Sum256([]byte(key))
	hash := hex.EncodeToString(sum[:3])
	if slug == "" {
		return "topic-" + hash
	}
	return slug + "-" + hash
}
