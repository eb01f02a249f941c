package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/elonfeng/newsradar/internal/logging"
)

// DefaultInterval is used for categories without a poll interval.
const DefaultInterval = time.Minute

// Scheduler runs every category pipeline on its own ticker.
type Scheduler struct {
	pipelines []*Pipeline
}

// New creates a scheduler over the given pipelines.
func New(pipelines ...*Pipeline) *Scheduler {
	return &Scheduler{pipelines: pipelines}
}

// Pipelines returns the scheduled pipelines.
func (s *Scheduler) Pipelines() []*Pipeline {
	return s.pipelines
}

// Pipeline looks a pipeline up by category name.
func (s *Scheduler) Pipeline(category string) (*Pipeline, bool) {
	for _, p := range s.pipelines {
		if p.category.Name == category {
			return p, true
		}
	}
	return nil, false
}

// Run polls each pipeline immediately and then on its interval. Blocks until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logging.WithPrefix("scheduler")
	logger.Info("starting", "categories", len(s.pipelines))

	var wg sync.WaitGroup
	for _, p := range s.pipelines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, p)
		}()
	}
	wg.Wait()

	logger.Info("stopped")
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, p *Pipeline) {
	interval := p.category.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	p.Poll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// PollAll runs one cycle of every pipeline concurrently and returns the
// reports in pipeline order.
func (s *Scheduler) PollAll(ctx context.Context) []CycleReport {
	reports := make([]CycleReport, len(s.pipelines))
	var wg sync.WaitGroup
	for i, p := range s.pipelines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = p.Poll(ctx)
		}()
	}
	wg.Wait()
	return reports
}
