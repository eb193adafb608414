package stream

import (
	"sync"
	"time"
)

type windowEntry[E any] struct {
	event E
	at    time.Time
}

// WindowStore keeps a per-key, time-ordered buffer of recently seen events.
// Entries older than the window duration are purged lazily whenever the key
// is touched, which is what bounds memory. A key whose entries have all
// expired stays present with an empty buffer until Remove is called.
type WindowStore[E any] struct {
	mu       sync.Mutex
	duration time.Duration
	data     map[string][]windowEntry[E]
	now      func() time.Time
}

func NewWindowStore[E any](duration time.Duration) *WindowStore[E] {
	return &WindowStore[E]{
		duration: duration,
		data:     make(map[string][]windowEntry[E]),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Used by tests to drive expiry.
func (w *WindowStore[E]) WithClock(now func() time.Time) *WindowStore[E] {
	w.now = now
	return w
}

// Add appends the event under key with the current timestamp, then purges
// expired entries for that key.
func (w *WindowStore[E]) Add(key string, event E) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.data[key] = append(w.data[key], windowEntry[E]{event: event, at: now})
	w.purgeLocked(key, now)
}

// Get returns the still-live events for key, oldest first. An empty slice
// means there is nothing to aggregate this tick, not an error.
func (w *WindowStore[E]) Get(key string) []E {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.purgeLocked(key, w.now())

	entries := w.data[key]
	events := make([]E, len(entries))
	for i, e := range entries {
		events[i] = e.event
	}
	return events
}

// Keys returns every key currently tracked, including keys whose entries
// have expired but not yet been purged.
func (w *WindowStore[E]) Keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	keys := make([]string, 0, len(w.data))
	for k := range w.data {
		keys = append(keys, k)
	}
	return keys
}

// Remove drops the key and its buffer entirely.
func (w *WindowStore[E]) Remove(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.data, key)
}

// Duration returns the configured window length.
func (w *WindowStore[E]) Duration() time.Duration {
	return w.duration
}

func (w *WindowStore[E]) purgeLocked(key string, now time.Time) {
	cutoff := now.Add(-w.duration)
	entries := w.data[key]
	idx := 0
	for idx < len(entries) && entries[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.data[key] = entries[idx:]
	}
}
