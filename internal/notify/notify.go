// Package notify is the transient user-facing failure surface. It never
// blocks and never fails the caller; a dropped notification is
// acceptable, a stuck coordinator is not.
package notify

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"carbontrail/internal/eventbus"
)

const EventType = "notify.failure"

// Notification is the payload published on the bus for UI surfaces.
type Notification struct {
	Title string    `json:"title"`
	Body  string    `json:"body"`
	At    time.Time `json:"at"`
}

type Notifier interface {
	Failure(title, body string)
}

type Service struct {
	bus     eventbus.Bus
	log     zerolog.Logger
	limiter *rate.Limiter
}

// New builds a rate-limited notifier. Repeated failures (a dead backend
// during a burst of sends) collapse to a few notifications per minute.
func New(bus eventbus.Bus, log zerolog.Logger) *Service {
	return &Service{
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(15*time.Second), 2),
	}
}

func (s *Service) Failure(title, body string) {
	s.log.Warn().Str("title", title).Str("body", body).Msg("user-visible failure")
	if !s.limiter.Allow() {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: EventType,
		Data: Notification{Title: title, Body: body, At: time.Now()},
	})
}

// Nop is used in silent mode and in tests.
type Nop struct{}

func (Nop) Failure(string, string) {}
