package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/elonfeng/newsradar/internal/logging"
)

// Listener is a live connection. A listener whose Send fails is dropped.
type Listener interface {
	ID() string
	Send(ctx context.Context, ev Event) error
}

// Notifier delivers events to a configured destination. Notifiers stay
// registered when a delivery fails.
type Notifier interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Hub is the process-wide registry of listeners and notifiers.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	notifiers []Notifier
	log       *log.Logger
}

// NewHub creates a hub with the given notifiers.
func NewHub(notifiers ...Notifier) *Hub {
	return &Hub{
		listeners: make(map[string]Listener),
		notifiers: notifiers,
		log:       logging.WithPrefix("notify"),
	}
}

// Add registers a listener.
func (h *Hub) Add(l Listener) {
	h.mu.Lock()
	h.listeners[l.ID()] = l
	n := len(h.listeners)
	h.mu.Unlock()
	h.log.Debug("listener added", "id", l.ID(), "listeners", n)
}

// Remove unregisters a listener. Unknown ids are ignored.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	_, ok := h.listeners[id]
	delete(h.listeners, id)
	n := len(h.listeners)
	h.mu.Unlock()
	if ok {
		h.log.Debug("listener removed", "id", id, "listeners", n)
	}
}

// Listeners returns the number of connected listeners.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// HasNotifiers returns true if at least one notifier is configured.
func (h *Hub) HasNotifiers() bool {
	return len(h.notifiers) > 0
}

// Broadcast sends ev to every listener and notifier. Listeners that fail are
// dropped. Notifier failures are joined into the returned error.
func (h *Hub) Broadcast(ctx context.Context, ev Event) error {
	h.mu.RLock()
	targets := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	for _, l := range targets {
		if err := l.Send(ctx, ev); err != nil {
			h.log.Debug("dropping listener", "id", l.ID(), "err", err)
			h.Remove(l.ID())
		}
	}

	var errs []error
	for _, n := range h.notifiers {
		if err := n.Send(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
