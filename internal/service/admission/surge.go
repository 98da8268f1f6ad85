package admission

import (
	"sync"
	"time"

	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/metrics"
)

type surgeEntry struct {
	state domain.SurgeState
	since time.Time
}

// surgeBook keeps the per-event surge state machine. Entering needs the
// rate above enter; leaving needs the rate at or below exit and nobody
// waiting.
type surgeBook struct {
	mu     sync.Mutex
	enter  int64
	exit   int64
	events map[string]*surgeEntry
}

func newSurgeBook(enter, exit int64) *surgeBook {
	return &surgeBook{
		enter:  enter,
		exit:   exit,
		events: make(map[string]*surgeEntry),
	}
}

// observe feeds the current rate and waiting count and returns the state
// after applying the transition rules.
func (b *surgeBook) observe(eventID string, rate, waiting int64, now time.Time) surgeEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.events[eventID]
	if !ok {
		e = &surgeEntry{state: domain.SurgeNormal, since: now}
		b.events[eventID] = e
	}

	switch e.state {
	case domain.SurgeNormal:
		if rate > b.enter {
			e.state, e.since = domain.SurgeActive, now
			metrics.SurgeTransitions.WithLabelValues(string(domain.SurgeActive)).Inc()
		}
	case domain.SurgeActive:
		if rate <= b.exit && waiting == 0 {
			e.state, e.since = domain.SurgeNormal, now
			metrics.SurgeTransitions.WithLabelValues(string(domain.SurgeNormal)).Inc()
		}
	}

	return *e
}

// surging lists events currently in surge.
func (b *surgeBook) surging() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for id, e := range b.events {
		if e.state == domain.SurgeActive {
			out = append(out, id)
		}
	}
	return out
}

func (b *surgeBook) reset(eventID string) {
	b.mu.Lock()
	delete(b.events, eventID)
	b.mu.Unlock()
}
