package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/newsradar/internal/logging"
	"github.com/elonfeng/newsradar/internal/metrics"
	"github.com/elonfeng/newsradar/internal/store"
	"github.com/elonfeng/newsradar/pkg/notify"
	"github.com/elonfeng/newsradar/pkg/source"
	"github.com/elonfeng/newsradar/pkg/watermark"
)

// State is the lifecycle state of a pipeline.
type State int

const (
	// FirstRun pipelines only seed watermarks.
	FirstRun State = iota
	// Steady pipelines persist and announce new items.
	Steady
)

func (s State) String() string {
	if s == Steady {
		return "steady"
	}
	return "first_run"
}

// Broadcaster delivers events to live listeners.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev notify.Event) error
}

// Clusterer accepts persisted items for asynchronous topic assignment.
// Submit must not block.
type Clusterer interface {
	Submit(item source.Item) bool
}

// Enricher rewrites an item's title and summary in place. It keeps the
// original text on failure.
type Enricher interface {
	Enrich(ctx context.Context, item *source.Item)
}

// Options tune a pipeline.
type Options struct {
	WatermarkSize int
	FirstRunLimit int
	FetchTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.WatermarkSize <= 0 {
		o.WatermarkSize = watermark.DefaultSize
	}
	if o.FirstRunLimit <= 0 {
		o.FirstRunLimit = source.DefaultLimits.FirstRun
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	return o
}

// SourceReport is the outcome of one source within a cycle.
type SourceReport struct {
	Name       string `json:"name"`
	Candidates int    `json:"candidates"`
	Recorded   int    `json:"recorded"`
	Error      string `json:"error,omitempty"`
}

// CycleReport summarizes one poll of a category.
type CycleReport struct {
	Category      string         `json:"category"`
	State         string         `json:"state"`
	Sources       []SourceReport `json:"sources"`
	Candidates    int            `json:"candidates"`
	Duplicates    int            `json:"duplicates"`
	Filtered      int            `json:"filtered"`
	Seeded        int            `json:"seeded"`
	PersistErrors int            `json:"persist_errors"`
	Evicted       int64          `json:"evicted"`
	Persisted     []source.Item  `json:"persisted"`
	Duration      time.Duration  `json:"duration"`
}

// Pipeline ingests one category: it fetches every source concurrently,
// deduplicates against watermarks and storage, persists new items and hands
// them to listeners and topic clustering.
type Pipeline struct {
	category  source.Category
	store     store.Store
	fetcher   source.Adapter
	filter    *source.Filter
	hub       Broadcaster
	clusterer Clusterer
	enricher  Enricher
	counters  *metrics.Counters
	opts      Options
	log       *log.Logger

	mu    sync.Mutex
	state State
}

// NewPipeline creates a pipeline in the FirstRun state. hub, clusterer and
// enricher may be nil.
func NewPipeline(cat source.Category, st store.Store, fetcher source.Adapter, hub Broadcaster, clusterer Clusterer, enricher Enricher, counters *metrics.Counters, opts Options) *Pipeline {
	if counters == nil {
		counters = metrics.New()
	}
	var filter *source.Filter
	if cat.Filtered() {
		filter = source.NewFilter(cat.Keywords, cat.Exclude)
	}
	return &Pipeline{
		category:  cat,
		store:     st,
		fetcher:   fetcher,
		filter:    filter,
		hub:       hub,
		clusterer: clusterer,
		enricher:  enricher,
		counters:  counters,
		opts:      opts.withDefaults(),
		log:       logging.WithPrefix("ingest").With("category", cat.Name),
	}
}

// Category returns the category this pipeline ingests.
func (p *Pipeline) Category() source.Category { return p.category }

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

type fetchResult struct {
	src   source.Descriptor
	wm    store.Watermark
	items []source.Item
	err   error
}

type candidate struct {
	item   source.Item
	result int
}

// Poll runs one ingestion cycle. It never returns an error: source, storage
// and notification failures are logged and counted in the report.
func (p *Pipeline) Poll(ctx context.Context) CycleReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	started := time.Now()
	steady := p.state == Steady
	report := CycleReport{Category: p.category.Name, State: p.state.String()}

	results := p.fetchAll(ctx)

	// Newest first across all sources for persistence and logging; ties keep
	// source order. Watermarks use each source's own order instead.
	var combined []candidate
	for i, r := range results {
		for _, it := range r.items {
			combined = append(combined, candidate{item: it, result: i})
		}
	}
	sortCandidates(combined)
	report.Candidates = len(combined)
	p.counters.AddCandidates(len(combined))

	excluded := make(map[int]map[string]struct{})
	exclude := func(c candidate) {
		if excluded[c.result] == nil {
			excluded[c.result] = make(map[string]struct{})
		}
		excluded[c.result][c.item.ExternalID] = struct{}{}
	}

	seenLinks := make(map[string]struct{}, len(combined))
	for i := range combined {
		c := &combined[i]
		it := &c.item

		if _, dup := seenLinks[it.Link]; dup {
			report.Duplicates++
			continue
		}
		seenLinks[it.Link] = struct{}{}

		// Sources without a watermark at cycle start only seed it.
		if !steady || !results[c.result].wm.Exists() {
			report.Seeded++
			continue
		}

		exists, err := p.store.LinkExists(ctx, p.category.Name, it.Link)
		if err != nil {
			p.log.Warn("dedup check failed", "source", it.Source, "link", it.Link, "err", err)
			report.PersistErrors++
			exclude(*c)
			continue
		}
		if exists {
			p.log.Debug("duplicate", "source", it.Source, "link", it.Link)
			report.Duplicates++
			continue
		}

		if p.filter != nil && !p.filter.MatchesItem(it) {
			report.Filtered++
			continue
		}

		if p.enricher != nil {
			p.enricher.Enrich(ctx, it)
		}

		inserted, err := p.store.InsertItem(ctx, it)
		if err != nil {
			p.log.Error("persist failed", "source", it.Source, "link", it.Link, "err", err)
			report.PersistErrors++
			exclude(*c)
			continue
		}
		if !inserted {
			report.Duplicates++
			continue
		}
		report.Persisted = append(report.Persisted, *it)
	}

	p.counters.AddDuplicates(report.Duplicates)
	p.counters.AddFiltered(report.Filtered)
	p.counters.AddPersisted(len(report.Persisted))
	p.counters.AddPersistErrors(report.PersistErrors)

	report.Sources = p.updateWatermarks(ctx, results, excluded)

	if len(report.Persisted) > 0 {
		n, err := p.store.EvictOverCap(ctx, p.category.Name, p.category.MaxItems)
		if err != nil {
			p.log.Warn("evict failed", "err", err)
		}
		report.Evicted = n
		p.counters.AddEvicted(int(n))
	}

	for _, it := range report.Persisted {
		if p.hub != nil {
			if err := p.hub.Broadcast(ctx, notify.NewItemEvent(it)); err != nil {
				p.log.Warn("broadcast failed", "item", it.ID, "err", err)
			}
		}
		if p.clusterer != nil {
			p.clusterer.Submit(it)
		}
	}

	p.state = Steady
	report.Duration = time.Since(started)
	p.counters.RecordPoll(p.category.Name, time.Now())

	p.log.Info("poll complete",
		"state", report.State,
		"candidates", report.Candidates,
		"new", len(report.Persisted),
		"seeded", report.Seeded,
		"duplicates", report.Duplicates,
		"filtered", report.Filtered,
		"took", report.Duration.Round(time.Millisecond))
	return report
}

// fetchAll loads watermarks and fetches every source in parallel. Failed
// sources come back with no items and err set.
func (p *Pipeline) fetchAll(ctx context.Context) []fetchResult {
	sources := p.category.Sources
	results := make([]fetchResult, len(sources))

	var g errgroup.Group
	g.SetLimit(max(len(sources), 1))

	for i, src := range sources {
		results[i].src = src

		wm, err := p.store.GetWatermark(ctx, p.category.Name, src.Name)
		if err != nil {
			p.log.Warn("load watermark failed", "source", src.Name, "err", err)
			wm = store.Watermark{Category: p.category.Name, Source: src.Name}
		}
		if wm.Corrupt {
			p.log.Warn("corrupt watermark, treating source as new", "source", src.Name)
		}
		results[i].wm = wm

		g.Go(func() error {
			items, err := p.fetchSource(ctx, src, wm.Window)
			if err != nil {
				p.log.Warn("fetch failed", "source", src.Name, "err", err)
				p.counters.AddFetchErrors(1)
			}
			results[i].items = items
			results[i].err = err
			return nil // never fail the group; errors are per source
		})
	}

	_ = g.Wait()
	return results
}

// fetchSource runs one adapter call bounded by the fetch timeout, even when
// the adapter ignores its context.
func (p *Pipeline) fetchSource(ctx context.Context, src source.Descriptor, known watermark.Window) ([]source.Item, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()

	type outcome struct {
		items []source.Item
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		items, err := p.fetcher.Fetch(fetchCtx, src, known.IDs())
		done <- outcome{items, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-fetchCtx.Done():
		return nil, fmt.Errorf("fetch %s: %w", src.Name, fetchCtx.Err())
	}
	if out.err != nil {
		return nil, out.err
	}

	seen := known.Set()
	items := make([]source.Item, 0, len(out.items))
	for _, it := range out.items {
		if it.ExternalID == "" || it.Link == "" {
			continue
		}
		if _, ok := seen[it.ExternalID]; ok {
			continue
		}
		it.Category = p.category.Name
		it.Source = src.Name
		items = append(items, it)
	}
	if known.Empty() && len(items) > p.opts.FirstRunLimit {
		items = items[:p.opts.FirstRunLimit]
	}
	return items, nil
}

// updateWatermarks records, per source, the ids of this cycle's candidates in
// the order the adapter returned them, minus the ones whose persistence
// failed. Adapter order is what the stopping rule scans, so it must survive
// truncation even when publish dates disagree with it.
func (p *Pipeline) updateWatermarks(ctx context.Context, results []fetchResult, excluded map[int]map[string]struct{}) []SourceReport {
	ids := make([][]string, len(results))
	latest := make([]time.Time, len(results))
	for i, r := range results {
		for _, it := range r.items {
			if _, skip := excluded[i][it.ExternalID]; skip {
				continue
			}
			ids[i] = append(ids[i], it.ExternalID)
			if it.PublishedAt.After(latest[i]) {
				latest[i] = it.PublishedAt
			}
		}
	}

	reports := make([]SourceReport, len(results))
	for i, r := range results {
		reports[i] = SourceReport{Name: r.src.Name, Candidates: len(r.items), Recorded: len(ids[i])}
		if r.err != nil {
			reports[i].Error = r.err.Error()
			continue
		}
		if len(r.items) == 0 && r.wm.Exists() {
			continue
		}
		if _, err := p.store.RecordNewIDs(ctx, p.category.Name, r.src.Name, ids[i], latest[i], p.opts.WatermarkSize); err != nil {
			p.log.Error("update watermark failed", "source", r.src.Name, "err", err)
			reports[i].Error = fmt.Sprintf("update watermark: %v", err)
		}
	}
	return reports
}

func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].item.PublishedAt.After(cs[j].item.PublishedAt)
	})
}
