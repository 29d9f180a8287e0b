// Package eventbus carries best-effort broadcasts between the
// coordinator and any listening UI contexts. A listener that is not
// subscribed at publish time simply misses the event and must re-request
// state on its next open; nothing is queued for offline listeners.
package eventbus

import (
	"sync"
	"time"
)

// Event is one broadcast. Data should be a small, copyable value.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish must never block. Slow subscribers drop events.
	Publish(e Event)
	// Subscribe returns a buffered channel and an idempotent cancel func.
	Subscribe(buffer int) (<-chan Event, func())
}

type subscriber struct {
	id uint64
	ch chan Event
}

type bus struct {
	mu   sync.Mutex
	next uint64
	subs []subscriber
}

func New() Bus { return &bus{} }

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	targets := make([]chan Event, len(b.subs))
	for i, s := range b.subs {
		targets[i] = s.ch
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- e:
		default:
			// Subscriber buffer full; broadcasts are best-effort.
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber{id: id, ch: ch})
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}
