package admission

import (
	"context"
	"sync"
	"time"
)

// RateCounter counts purchase-intent signals per event over a rolling
// window. The Redis implementation shares the count across instances.
type RateCounter interface {
	Hit(ctx context.Context, eventID string, now time.Time) (int64, error)
	Count(ctx context.Context, eventID string, now time.Time) (int64, error)
	Reset(ctx context.Context, eventID string) error
}

// WindowCounter is an in-process RateCounter.
type WindowCounter struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
}

func NewWindowCounter(window time.Duration) *WindowCounter {
	return &WindowCounter{
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// trim drops hits at or before now-window. Callers hold mu.
func (w *WindowCounter) trim(eventID string, now time.Time) []time.Time {
	hits := w.hits[eventID]
	cutoff := now.Add(-w.window)

	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) == 0 {
		delete(w.hits, eventID)
		return nil
	}
	w.hits[eventID] = hits
	return hits
}

func (w *WindowCounter) Hit(ctx context.Context, eventID string, now time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hits := append(w.trim(eventID, now), now)
	w.hits[eventID] = hits

	return int64(len(hits)), nil
}

func (w *WindowCounter) Count(ctx context.Context, eventID string, now time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return int64(len(w.trim(eventID, now))), nil
}

func (w *WindowCounter) Reset(ctx context.Context, eventID string) error {
	w.mu.Lock()
	delete(w.hits, eventID)
	w.mu.Unlock()

	return nil
}
