// Package watermark implements the bounded recent-id window kept per source.
//
// A Window is a small ordered list of item ids, newest first. It is not a
// single last-seen cursor: adapters may return results out of order or skip
// an item on a given poll, so matching against the last few ids is what keeps
// a late or partial poll from missing or duplicating items.
package watermark

import (
	"encoding/json"
	"strings"
)

// DefaultSize is the window length used when none is configured.
const DefaultSize = 10

// Window is an immutable, newest-first list of known ids.
type Window struct {
	ids []string
}

// New builds a window from ids already ordered newest first. Empty ids and
// duplicates are dropped; the first occurrence wins.
func New(ids ...string) Window {
	return Window{}.Merge(ids, len(ids))
}

// IDs returns a copy of the ids, newest first.
func (w Window) IDs() []string {
	out := make([]string, len(w.ids))
	copy(out, w.ids)
	return out
}

// Len reports how many ids the window holds.
func (w Window) Len() int { return len(w.ids) }

// Empty reports whether nothing is known for the source yet.
func (w Window) Empty() bool { return len(w.ids) == 0 }

// Contains reports whether id is in the window.
func (w Window) Contains(id string) bool {
	for _, known := range w.ids {
		if known == id {
			return true
		}
	}
	return false
}

// Set returns the ids as a lookup set.
func (w Window) Set() map[string]struct{} {
	set := make(map[string]struct{}, len(w.ids))
	for _, id := range w.ids {
		set[id] = struct{}{}
	}
	return set
}

// Merge puts newest (ordered newest first) in front of the existing ids,
// removes duplicates keeping the first occurrence and truncates to k.
// A k below 1 is treated as 1.
func (w Window) Merge(newest []string, k int) Window {
	if k < 1 {
		k = 1
	}
	seen := make(map[string]struct{}, len(newest)+len(w.ids))
	merged := make([]string, 0, min(k, len(newest)+len(w.ids)))

	add := func(id string) bool {
		if len(merged) == k {
			return false
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return true
		}
		if _, dup := seen[id]; dup {
			return true
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
		return true
	}

	for _, id := range newest {
		if !add(id) {
			return Window{ids: merged}
		}
	}
	for _, id := range w.ids {
		if !add(id) {
			break
		}
	}
	return Window{ids: merged}
}

// Encode serializes the window for storage as a JSON array.
func (w Window) Encode() string {
	if len(w.ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(w.ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Decode parses a stored window. Anything unparseable yields an empty window
// so the source falls back to first-run behaviour instead of stalling.
func Decode(raw string) (Window, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Window{}, true
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return Window{}, false
	}
	return New(ids...), true
}
