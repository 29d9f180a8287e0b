// Package dispatch delivers detected events to the coordinator with
// at-least-once semantics. An event is either acknowledged over the
// message channel or durably queued; it is never silently discarded on
// transient channel failure.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"carbontrail/internal/event"
	"carbontrail/internal/observability"
	"carbontrail/internal/protocol"
	"carbontrail/internal/store"
)

// ErrChannelDown signals that the coordinator context is not currently
// alive or reachable. It is the only error class that triggers the
// retry/queue path.
var ErrChannelDown = errors.New("coordinator channel down")

// Channel is the asynchronous message channel into the coordinator
// context.
type Channel interface {
	Send(ctx context.Context, env protocol.Envelope) (protocol.Ack, error)
}

type Config struct {
	// RetryMax bounds channel retries before the queue fallback.
	RetryMax int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	// DedupeWindow suppresses identical fingerprints (the click+keyboard
	// double-fire case).
	DedupeWindow time.Duration
}

func (c *Config) defaults() {
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 400 * time.Millisecond
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 1500 * time.Millisecond
	}
}

// Client is one dispatch client, co-located with a detector. Events it
// cannot hand to the coordinator end up in the durable offline queue,
// which it only ever appends to.
type Client struct {
	cfg      Config
	provider event.Provider
	ch       Channel
	st       store.Store
	window   *event.Window
	log      zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, provider event.Provider, ch Channel, st store.Store, log zerolog.Logger) *Client {
	cfg.defaults()
	return &Client{
		cfg:      cfg,
		provider: provider,
		ch:       ch,
		st:       st,
		window:   event.NewWindow(cfg.DedupeWindow, 256),
		log:      log,
		sleep:    sleepCtx,
	}
}

// Dispatch applies first-layer deduplication and delivers the event.
// Duplicates within the window are a silent no-op. On channel failure it
// retries with exponential backoff up to the bound, then appends the
// event to the durable offline queue.
func (c *Client) Dispatch(ctx context.Context, ev *event.ActivityEvent) error {
	if !c.window.Allow(ev.Fingerprint()) {
		observability.RecordDeduped("dispatch")
		c.log.Debug().Str("id", ev.ID).Msg("duplicate within window, absorbed")
		return nil
	}

	env := protocol.Envelope{
		Source:   protocol.SourceDetector,
		Type:     protocol.TypeActivityDetected,
		Platform: c.provider,
		Payload:  ev,
	}

	delay := c.cfg.RetryBase
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				break
			}
			delay *= 2
		}
		ack, err := c.ch.Send(ctx, env)
		if err == nil {
			if ack.Error != "" {
				// The coordinator took the event and converted its own
				// failure into status; nothing left to do here.
				c.log.Debug().Str("id", ev.ID).Str("outcome", ack.Error).Msg("acknowledged with delivery error")
			}
			return nil
		}
		lastErr = err
		c.log.Debug().Err(err).Int("attempt", attempt+1).Str("id", ev.ID).Msg("channel send failed")
	}

	// Retry bound exhausted: degrade to durable queueing. This is the
	// correctness-critical fallback for a coordinator torn down by the
	// host runtime.
	item := store.PendingItem{Payload: *ev, Source: c.provider, QueuedAt: time.Now()}
	if err := c.st.AppendPending(ctx, item); err != nil {
		c.log.Error().Err(err).Str("id", ev.ID).Msg("offline enqueue failed, event lost")
		return err
	}
	observability.RecordQueued()
	if n, err := c.st.PendingCount(ctx); err == nil {
		observability.SetQueueDepth(n)
	}
	c.log.Info().Str("id", ev.ID).Err(lastErr).Msg("event queued offline")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
