package metrics

import (
	"sync"
	"time"
)

// Counters tracks pipeline activity for the stats endpoint.
type Counters struct {
	mu sync.RWMutex

	polls          int64
	fetchErrors    int64
	candidates     int64
	duplicates     int64
	filtered       int64
	persisted      int64
	persistErrors  int64
	evicted        int64
	clustered      int64
	clusterErrors  int64
	clusterDropped int64
	lastPoll       map[string]time.Time
}

// New returns zeroed counters.
func New() *Counters {
	return &Counters{lastPoll: make(map[string]time.Time)}
}

func (c *Counters) add(field *int64, n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	*field += int64(n)
	c.mu.Unlock()
}

// RecordPoll notes a finished poll cycle for a category.
func (c *Counters) RecordPoll(category string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	c.lastPoll[category] = at
}

func (c *Counters) AddFetchErrors(n int)    { c.add(&c.fetchErrors, n) }
func (c *Counters) AddCandidates(n int)     { c.add(&c.candidates, n) }
func (c *Counters) AddDuplicates(n int)     { c.add(&c.duplicates, n) }
func (c *Counters) AddFiltered(n int)       { c.add(&c.filtered, n) }
func (c *Counters) AddPersisted(n int)      { c.add(&c.persisted, n) }
func (c *Counters) AddPersistErrors(n int)  { c.add(&c.persistErrors, n) }
func (c *Counters) AddEvicted(n int)        { c.add(&c.evicted, n) }
func (c *Counters) AddClustered(n int)      { c.add(&c.clustered, n) }
func (c *Counters) AddClusterErrors(n int)  { c.add(&c.clusterErrors, n) }
func (c *Counters) AddClusterDropped(n int) { c.add(&c.clusterDropped, n) }

// Snapshot returns a JSON-friendly copy of the counters.
func (c *Counters) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	last := make(map[string]string, len(c.lastPoll))
	for k, v := range c.lastPoll {
		last[k] = v.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"polls":           c.polls,
		"fetch_errors":    c.fetchErrors,
		"candidates":      c.candidates,
		"duplicates":      c.duplicates,
		"filtered":        c.filtered,
		"persisted":       c.persisted,
		"persist_errors":  c.persistErrors,
		"evicted":         c.evicted,
		"clustered":       c.clustered,
		"cluster_errors":  c.clusterErrors,
		"cluster_dropped": c.clusterDropped,
		"last_poll":       last,
	}
}
