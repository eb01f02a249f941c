package topic

import (
	"context"
	"sync"

	"github.com/elonfeng/newsradar/internal/logging"
	"github.com/elonfeng/newsradar/internal/metrics"
	"github.com/elonfeng/newsradar/pkg/source"
)

// Handler processes one queued item.
type Handler func(ctx context.Context, item source.Item)

// Dispatcher is a bounded work queue drained by a fixed set of workers.
// Submit never blocks: when the queue is full the item is dropped.
type Dispatcher struct {
	handle   Handler
	workers  int
	queue    chan source.Item
	counters *metrics.Counters

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. Call Start before submitting.
func NewDispatcher(handle Handler, workers, queueSize int, counters *metrics.Counters) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if counters == nil {
		counters = metrics.New()
	}
	return &Dispatcher{
		handle:   handle,
		workers:  workers,
		queue:    make(chan source.Item, queueSize),
		counters: counters,
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called; queued items left at that point are discarded.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	logging.Debug("topic dispatcher started", "workers", d.workers, "queue", cap(d.queue))
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-d.queue:
			d.handle(ctx, it)
		}
	}
}

// Submit queues an item. It reports false when the queue is full.
func (d *Dispatcher) Submit(item source.Item) bool {
	select {
	case d.queue <- item:
		return true
	default:
		d.counters.AddClusterDropped(1)
		logging.Warn("topic queue full, dropping item", "item", item.ID)
		return false
	}
}

// Pending returns the number of queued items.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Stop cancels the workers and waits for in-flight items to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}
