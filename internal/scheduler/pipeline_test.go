package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/newsradar/internal/metrics"
	"github.com/elonfeng/newsradar/internal/store"
	"github.com/elonfeng/newsradar/pkg/notify"
	"github.com/elonfeng/newsradar/pkg/source"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// story builds an item published age minutes before base.
func story(id string, age int) source.Item {
	return source.Item{
		ExternalID:  id,
		Link:        "https://example.com/" + id,
		Title:       "Story " + id,
		PublishedAt: base.Add(-time.Duration(age) * time.Minute),
	}
}

// feedAdapter serves a fixed newest-first list per source and honours the
// stopping rule. Sources listed in hang block until release is closed,
// ignoring their context.
type feedAdapter struct {
	mu      sync.Mutex
	feeds   map[string][]source.Item
	errs    map[string]error
	hang    map[string]bool
	release chan struct{}
	known   map[string][]string
}

func newFeedAdapter() *feedAdapter {
	return &feedAdapter{
		feeds:   make(map[string][]source.Item),
		errs:    make(map[string]error),
		hang:    make(map[string]bool),
		release: make(chan struct{}),
		known:   make(map[string][]string),
	}
}

func (f *feedAdapter) set(src string, items ...source.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[src] = items
}

func (f *feedAdapter) Fetch(_ context.Context, src source.Descriptor, known []string) ([]source.Item, error) {
	f.mu.Lock()
	f.known[src.Name] = known
	hang := f.hang[src.Name]
	items := append([]source.Item(nil), f.feeds[src.Name]...)
	err := f.errs[src.Name]
	f.mu.Unlock()

	if hang {
		<-f.release
	}
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(known))
	for _, id := range known {
		set[id] = true
	}
	for i, it := range items {
		if set[it.ExternalID] {
			return items[:i], nil
		}
	}
	return items, nil
}

type recordingHub struct {
	mu     sync.Mutex
	events []notify.Event
}

func (h *recordingHub) Broadcast(_ context.Context, ev notify.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type recordingClusterer struct {
	mu    sync.Mutex
	items []source.Item
}

func (c *recordingClusterer) Submit(it source.Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, it)
	return true
}

// failingStore fails inserts for selected links.
type failingStore struct {
	store.Store
	mu   sync.Mutex
	fail map[string]bool
}

func (f *failingStore) InsertItem(ctx context.Context, it *source.Item) (bool, error) {
	f.mu.Lock()
	fail := f.fail[it.Link]
	f.mu.Unlock()
	if fail {
		return false, errors.New("disk full")
	}
	return f.Store.InsertItem(ctx, it)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	store     store.Store
	adapter   *feedAdapter
	hub       *recordingHub
	clusterer *recordingClusterer
	pipeline  *Pipeline
}

func newFixture(t *testing.T, st store.Store, cat source.Category, opts Options) *fixture {
	t.Helper()
	if cat.Name == "" {
		cat.Name = "world"
	}
	reg := source.NewRegistry([]source.Category{cat})
	cat, _ = reg.Category(cat.Name)

	f := &fixture{
		store:     st,
		adapter:   newFeedAdapter(),
		hub:       &recordingHub{},
		clusterer: &recordingClusterer{},
	}
	f.pipeline = NewPipeline(cat, st, f.adapter, f.hub, f.clusterer, nil, metrics.New(), opts)
	t.Cleanup(func() {
		select {
		case <-f.adapter.release:
		default:
			close(f.adapter.release)
		}
	})
	return f
}

func reuters() source.Category {
	return source.Category{
		Name:     "world",
		MaxItems: 100,
		Sources:  []source.Descriptor{{Name: "Reuters", Kind: source.KindRSS, URL: "https://example.com/rss"}},
	}
}

func watermarkIDs(t *testing.T, st store.Store, category, src string) []string {
	t.Helper()
	wm, err := st.GetWatermark(context.Background(), category, src)
	require.NoError(t, err)
	return wm.Window.IDs()
}

func TestFirstRunSeedsWatermarkOnly(t *testing.T) {
	st := newTestStore(t)
	f := newFixture(t, st, reuters(), Options{})

	var items []source.Item
	for i := 1; i <= 8; i++ {
		items = append(items, story(fmt.Sprintf("id%d", i), i))
	}
	f.adapter.set("Reuters", items...)

	report := f.pipeline.Poll(context.Background())

	assert.Equal(t, "first_run", report.State)
	assert.Empty(t, report.Persisted)
	assert.Equal(t, 5, report.Seeded)
	assert.Equal(t, []string{"id1", "id2", "id3", "id4", "id5"}, watermarkIDs(t, st, "world", "Reuters"))
	assert.Zero(t, f.hub.count())
	assert.Empty(t, f.clusterer.items)
	assert.Equal(t, Steady, f.pipeline.State())

	n, err := st.CountItems(context.Background(), "world")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSteadyStatePersistsOnlyNewItems(t *testing.T) {
	st := newTestStore(t)
	f := newFixture(t, st, reuters(), Options{})
	ctx := context.Background()

	f.adapter.set("Reuters", story("id3", 3), story("id2", 4), story("id1", 5))
	f.pipeline.Poll(ctx)
	require.Equal(t, []string{"id3", "id2", "id1"}, watermarkIDs(t, st, "world", "Reuters"))

	f.adapter.set("Reuters", story("id5", 1), story("id4", 2), story("id3", 3), story("id2", 4), story("id1", 5))
	report := f.pipeline.Poll(ctx)

	assert.Equal(t, "steady", report.State)
	require.Len(t, report.Persisted, 2)
	assert.Equal(t, "id5", report.Persisted[0].ExternalID)
	assert.Equal(t, "id4", report.Persisted[1].ExternalID)
	assert.Equal(t, []string{"id5", "id4", "id3", "id2", "id1"}, watermarkIDs(t, st, "world", "Reuters"))
	assert.Equal(t, 2, f.hub.count())
	assert.Len(t, f.clusterer.items, 2)

	for _, ev := range f.hub.events {
		assert.Equal(t, notify.EventNewItem, ev.Type)
	}

	// Nothing new on the next poll.
	report = f.pipeline.Poll(ctx)
	assert.Empty(t, report.Persisted)
	assert.Equal(t, 2, f.hub.count())

	n, err := st.CountItems(ctx, "world")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWatermarkTruncatedToSize(t *testing.T) {
	st := newTestStore(t)
	f := newFixture(t, st, reuters(), Options{WatermarkSize: 3})
	ctx := context.Background()

	f.adapter.set("Reuters", story("id1", 10))
	f.pipeline.Poll(ctx)

	f.adapter.set("Reuters", story("id4", 1), story("id3", 2), story("id2", 3), story("id1", 10))
	f.pipeline.Poll(ctx)

	assert.Equal(t, []string{"id4", "id3", "id2"}, watermarkIDs(t, st, "world", "Reuters"))
}

func TestSourceWithoutWatermarkSeedsInSteadyState(t *testing.T) {
	st := newTestStore(t)
	cat := reuters()
	cat.Sources = append(cat.Sources, source.Descriptor{Name: "AP", Kind: source.KindRSS, URL: "https://example.com/ap"})
	f := newFixture(t, st, cat, Options{})
	ctx := context.Background()

	f.adapter.set("Reuters", story("r1", 5))
	f.adapter.errs["AP"] = errors.New("unreachable")
	report := f.pipeline.Poll(ctx)
	assert.Equal(t, "unreachable", report.Sources[1].Error)
	assert.Empty(t, watermarkIDs(t, st, "world", "AP"))

	// AP comes back while the pipeline is steady: its first fetch still only seeds.
	f.adapter.mu.Lock()
	delete(f.adapter.errs, "AP")
	f.adapter.mu.Unlock()
	f.adapter.set("AP", story("a1", 1))
	f.adapter.set("Reuters", story("r2", 2), story("r1", 5))
	report = f.pipeline.Poll(ctx)

	require.Len(t, report.Persisted, 1)
	assert.Equal(t, "r2", report.Persisted[0].ExternalID)
	assert.Equal(t, []string{"a1"}, watermarkIDs(t, st, "world", "AP"))
}

func TestRegionFilterAdvancesWatermark(t *testing.T) {
	st := newTestStore(t)
	cat := source.Category{
		Name:     "yemen",
		Keywords: []string{"Yemen"},
		Sources:  []source.Descriptor{{Name: "Wire", Kind: source.KindRSS, URL: "https://example.com/rss"}},
	}
	f := newFixture(t, st, cat, Options{})
	ctx := context.Background()

	f.adapter.set("Wire", story("old", 30))
	f.pipeline.Poll(ctx)

	talks := story("talks", 1)
	talks.Title = "Yemen ceasefire talks resume"
	markets := story("markets", 2)
	markets.Title = "Global markets rally"
	f.adapter.set("Wire", talks, markets, story("old", 30))

	report := f.pipeline.Poll(ctx)

	require.Len(t, report.Persisted, 1)
	assert.Equal(t, "Yemen ceasefire talks resume", report.Persisted[0].Title)
	assert.Equal(t, 1, report.Filtered)
	assert.Equal(t, []string{"talks", "markets", "old"}, watermarkIDs(t, st, "yemen", "Wire"))
}

func TestHungSourceIsBoundedByTimeout(t *testing.T) {
	st := newTestStore(t)
	cat := reuters()
	cat.Sources = append(cat.Sources, source.Descriptor{Name: "Slow", Kind: source.KindRSS, URL: "https://example.com/slow"})
	f := newFixture(t, st, cat, Options{FetchTimeout: 50 * time.Millisecond})
	f.adapter.hang["Slow"] = true
	f.adapter.set("Reuters", story("r1", 1))
	f.adapter.set("Slow", story("s1", 1))

	start := time.Now()
	report := f.pipeline.Poll(context.Background())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second)
	assert.Contains(t, report.Sources[1].Error, "deadline exceeded")
	assert.Equal(t, []string{"r1"}, watermarkIDs(t, st, "world", "Reuters"))
	assert.Empty(t, watermarkIDs(t, st, "world", "Slow"))
}

func TestDedupWithinPollAndAgainstStorage(t *testing.T) {
	st := newTestStore(t)
	cat := reuters()
	cat.Sources = append(cat.Sources, source.Descriptor{Name: "AP", Kind: source.KindRSS, URL: "https://example.com/ap"})
	f := newFixture(t, st, cat, Options{})
	ctx := context.Background()

	f.adapter.set("Reuters", story("seed-r", 60))
	f.adapter.set("AP", story("seed-a", 60))
	f.pipeline.Poll(ctx)

	// A link already stored from elsewhere.
	existing := story("stored", 20)
	existing.Category = "world"
	existing.Source = "Manual"
	_, err := st.InsertItem(ctx, &existing)
	require.NoError(t, err)

	shared := story("shared", 1)
	apCopy := shared
	apCopy.ExternalID = "ap-shared"
	f.adapter.set("Reuters", shared, story("stored", 20), story("seed-r", 60))
	f.adapter.set("AP", apCopy, story("seed-a", 60))

	report := f.pipeline.Poll(ctx)

	require.Len(t, report.Persisted, 1)
	assert.Equal(t, shared.Link, report.Persisted[0].Link)
	assert.Equal(t, 2, report.Duplicates)

	// Both copies still advance their own source's watermark.
	assert.Equal(t, []string{"shared", "stored", "seed-r"}, watermarkIDs(t, st, "world", "Reuters"))
	assert.Equal(t, []string{"ap-shared", "seed-a"}, watermarkIDs(t, st, "world", "AP"))
}

func TestPersistFailureIsRetriedNextCycle(t *testing.T) {
	st := &failingStore{Store: newTestStore(t), fail: map[string]bool{}}
	f := newFixture(t, st, reuters(), Options{})
	ctx := context.Background()

	f.adapter.set("Reuters", story("id1", 10))
	f.pipeline.Poll(ctx)

	f.adapter.set("Reuters", story("id3", 1), story("id2", 2), story("id1", 10))
	st.fail["https://example.com/id2"] = true

	report := f.pipeline.Poll(ctx)
	require.Len(t, report.Persisted, 1)
	assert.Equal(t, 1, report.PersistErrors)
	assert.Equal(t, []string{"id3", "id1"}, watermarkIDs(t, st, "world", "Reuters"))

	st.mu.Lock()
	st.fail = map[string]bool{}
	st.mu.Unlock()

	// id3 is the newest known id, so an ordered feed stops before id2; a
	// feed that lists id2 first (late publication) lets it through.
	f.adapter.set("Reuters", story("id2", 2), story("id3", 1))
	report = f.pipeline.Poll(ctx)
	require.Len(t, report.Persisted, 1)
	assert.Equal(t, "id2", report.Persisted[0].ExternalID)
}

func TestEvictionAfterPersist(t *testing.T) {
	st := newTestStore(t)
	cat := reuters()
	cat.MaxItems = 2
	f := newFixture(t, st, cat, Options{})
	ctx := context.Background()

	f.adapter.set("Reuters", story("id0", 100))
	f.pipeline.Poll(ctx)

	f.adapter.set("Reuters", story("id3", 1), story("id2", 2), story("id1", 3), story("id0", 100))
	report := f.pipeline.Poll(ctx)

	assert.Len(t, report.Persisted, 3)
	assert.Equal(t, int64(1), report.Evicted)

	n, err := st.CountItems(ctx, "world")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSchedulerPollAll(t *testing.T) {
	st := newTestStore(t)
	a := newFixture(t, st, reuters(), Options{})
	b := newFixture(t, st, source.Category{
		Name:    "regional",
		Sources: []source.Descriptor{{Name: "Paper", Kind: source.KindNewspaper, URL: "https://example.com/p"}},
	}, Options{})
	a.adapter.set("Reuters", story("r1", 1))
	b.adapter.set("Paper", story("p1", 1))

	s := New(a.pipeline, b.pipeline)
	reports := s.PollAll(context.Background())
	require.Len(t, reports, 2)
	assert.Equal(t, "world", reports[0].Category)
	assert.Equal(t, "regional", reports[1].Category)

	p, ok := s.Pipeline("regional")
	require.True(t, ok)
	assert.Equal(t, Steady, p.State())
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	cat := reuters()
	cat.Interval = 10 * time.Millisecond
	f := newFixture(t, st, cat, Options{})
	f.adapter.set("Reuters", story("r1", 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(f.pipeline).Run(ctx) }()

	require.Eventually(t, func() bool { return f.pipeline.State() == Steady }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestWatermarkKeepsFeedOrder(t *testing.T) {
	st := newTestStore(t)
	f := newFixture(t, st, reuters(), Options{WatermarkSize: 3})
	ctx := context.Background()

	// A pinned story heads the feed although it is the oldest one.
	f.adapter.set("Reuters", story("A", 100), story("B", 1), story("C", 2), story("D", 3), story("E", 4))
	f.pipeline.Poll(ctx)
	require.Equal(t, []string{"A", "B", "C"}, watermarkIDs(t, st, "world", "Reuters"))

	for i := 0; i < 3; i++ {
		report := f.pipeline.Poll(ctx)
		assert.Empty(t, report.Persisted)
		assert.Zero(t, report.Candidates)
	}
	assert.Equal(t, []string{"A", "B", "C"}, watermarkIDs(t, st, "world", "Reuters"))
	assert.Zero(t, f.hub.count())
}

func TestUnchangedHomepagePersistsNothing(t *testing.T) {
	var page strings.Builder
	page.WriteString("<html><body>")
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&page, `<article><a href="/story/%d">Front page headline number %d</a></article>`, i, i)
	}
	page.WriteString("</body></html>")

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, page.String())
	}))
	defer srv.Close()

	st := newTestStore(t)
	cat := source.Category{
		Name:     "regional",
		MaxItems: 100,
		Sources:  []source.Descriptor{{Name: "Paper", Kind: source.KindNewspaper, URL: srv.URL}},
	}
	reg := source.NewRegistry([]source.Category{cat})
	cat, _ = reg.Category("regional")

	limits := source.Limits{FirstRun: 10, Unordered: 10}
	hub := &recordingHub{}
	p := NewPipeline(cat, st, source.NewNewspaper(srv.Client(), "", limits), hub, nil, nil, metrics.New(),
		Options{FirstRunLimit: limits.FirstRun})
	ctx := context.Background()

	report := p.Poll(ctx)
	require.Equal(t, 10, report.Seeded)

	for i := 0; i < 5; i++ {
		report = p.Poll(ctx)
		assert.Empty(t, report.Persisted, "poll %d", i+2)
		assert.Zero(t, report.Candidates, "poll %d", i+2)
	}
	assert.Equal(t, int32(6), hits.Load())
	assert.Zero(t, hub.count())

	n, err := st.CountItems(ctx, "regional")
	require.NoError(t, err)
	assert.Zero(t, n)

	wm, err := st.GetWatermark(ctx, "regional", "Paper")
	require.NoError(t, err)
	assert.True(t, wm.Window.Contains(source.ArticleID(srv.URL+"/story/0")))
	assert.False(t, wm.Window.Contains(source.ArticleID(srv.URL+"/story/10")))
}

// corruptWatermark overwrites a stored id window with undecodable text
// through a second connection to the database file.
func corruptWatermark(t *testing.T, path, category, src string) {
	t.Helper()
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	defer db.Close()
	res, err := db.Exec("UPDATE watermarks SET recent_ids = '{not json' WHERE category = ? AND source = ?", category, src)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestCorruptWatermarkInSteadyPipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cat := reuters()
	cat.Sources = append(cat.Sources, source.Descriptor{Name: "AP", Kind: source.KindRSS, URL: "https://example.com/ap"})
	f := newFixture(t, st, cat, Options{})
	ctx := context.Background()

	f.adapter.set("Reuters", story("r3", 30), story("r2", 31), story("r1", 32))
	f.adapter.set("AP", story("a1", 32))
	f.pipeline.Poll(ctx)

	f.adapter.set("Reuters", story("r5", 20), story("r4", 21), story("r3", 30), story("r2", 31), story("r1", 32))
	f.adapter.set("AP", story("a2", 20), story("a1", 32))
	report := f.pipeline.Poll(ctx)
	require.Len(t, report.Persisted, 3)

	corruptWatermark(t, path, "world", "Reuters")
	wm, err := st.GetWatermark(ctx, "world", "Reuters")
	require.NoError(t, err)
	require.True(t, wm.Corrupt)

	f.adapter.set("Reuters",
		story("r8", 1), story("r7", 2), story("r6", 3),
		story("r5", 20), story("r4", 21), story("r3", 30), story("r2", 31), story("r1", 32))
	f.adapter.set("AP", story("a3", 1), story("a2", 20), story("a1", 32))
	report = f.pipeline.Poll(ctx)

	assert.Equal(t, "steady", report.State)
	assert.Empty(t, f.adapter.known["Reuters"], "a corrupt window is sent as empty")
	assert.Equal(t, 5, report.Sources[0].Candidates, "capped like a first fetch")
	assert.Equal(t, 1, report.Sources[1].Candidates)
	assert.Equal(t, 2, report.Duplicates, "r5 and r4 are already stored")

	var persisted []string
	for _, it := range report.Persisted {
		persisted = append(persisted, it.ExternalID)
	}
	assert.ElementsMatch(t, []string{"r8", "r7", "r6", "a3"}, persisted)

	wm, err = st.GetWatermark(ctx, "world", "Reuters")
	require.NoError(t, err)
	assert.False(t, wm.Corrupt)
	assert.Equal(t, []string{"r8", "r7", "r6", "r5", "r4"}, wm.Window.IDs())
	assert.Equal(t, []string{"a3", "a2", "a1"}, watermarkIDs(t, st, "world", "AP"))

	n, err := st.CountItems(ctx, "world")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestExcludeKeywordsWithoutRegion(t *testing.T) {
	st := newTestStore(t)
	cat := reuters()
	cat.Exclude = []string{"sponsored"}
	f := newFixture(t, st, cat, Options{})
	ctx := context.Background()

	f.adapter.set("Reuters", story("old", 30))
	f.pipeline.Poll(ctx)

	ad := story("ad", 1)
	ad.Title = "Sponsored: the best VPN deals"
	f.adapter.set("Reuters", ad, story("news", 2), story("old", 30))
	report := f.pipeline.Poll(ctx)

	require.Len(t, report.Persisted, 1)
	assert.Equal(t, "news", report.Persisted[0].ExternalID)
	assert.Equal(t, 1, report.Filtered)
	assert.Equal(t, []string{"ad", "news", "old"}, watermarkIDs(t, st, "world", "Reuters"))
}
