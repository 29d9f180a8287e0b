package event

import (
	"sync"
	"time"
)

// Window is an in-memory suppression window over fingerprints.
//
// Allow reports whether a fingerprint is new within the window and, when
// it is, records it. Both the dispatch client and the coordinator hold
// their own Window, each with its own span.
type Window struct {
	mu   sync.Mutex
	span time.Duration
	max  int
	seen map[Fingerprint]time.Time

	now func() time.Time // test hook
}

func NewWindow(span time.Duration, maxEntries int) *Window {
	if span <= 0 {
		span = time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &Window{
		span: span,
		max:  maxEntries,
		seen: map[Fingerprint]time.Time{},
		now:  time.Now,
	}
}

func (w *Window) Allow(fp Fingerprint) bool {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if until, ok := w.seen[fp]; ok && now.Before(until) {
		return false
	}
	w.seen[fp] = now.Add(w.span)

	// Opportunistic prune keeps the map bounded without a sweeper goroutine.
	if len(w.seen) > w.max {
		for k, until := range w.seen {
			if !now.Before(until) {
				delete(w.seen, k)
			}
		}
	}
	return true
}

// Forget releases a recorded fingerprint so a retry of the same event is
// not absorbed as a duplicate. Used when the caller could not take
// ownership of the event after Allow.
func (w *Window) Forget(fp Fingerprint) {
	w.mu.Lock()
	delete(w.seen, fp)
	w.mu.Unlock()
}
