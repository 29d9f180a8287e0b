// Package runtime models the ephemeral execution context the
// coordinator lives in. The host spawns a coordinator instance on the
// first envelope after a quiet period and tears it down again once
// traffic stops, so rehydration from durable storage is exercised
// continuously rather than only at process start.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carbontrail/internal/dispatch"
	"carbontrail/internal/protocol"
)

// Coordinator is the envelope surface a spawned instance exposes.
type Coordinator interface {
	HandleActivity(ctx context.Context, env protocol.Envelope) (protocol.Ack, error)
	HandleCommand(ctx context.Context, env protocol.Envelope) protocol.Reply
}

// Factory builds a fresh, cold coordinator instance.
type Factory func() Coordinator

type Host struct {
	factory Factory
	idle    time.Duration
	log     zerolog.Logger

	mu        sync.Mutex
	inst      Coordinator
	timer     *time.Timer
	suspended bool
	spawns    int
}

// NewHost wires a factory and an idle teardown span. idle <= 0 disables
// teardown; the first instance then lives for the process lifetime.
func NewHost(factory Factory, idle time.Duration, log zerolog.Logger) *Host {
	return &Host{factory: factory, idle: idle, log: log}
}

var _ dispatch.Channel = (*Host)(nil)

// Send delivers a detector envelope, spawning an instance when the host
// is cold. A suspended host reports the channel as down so senders take
// their retry/queue path.
func (h *Host) Send(ctx context.Context, env protocol.Envelope) (protocol.Ack, error) {
	c, err := h.acquire()
	if err != nil {
		return protocol.Ack{}, err
	}
	switch env.Type {
	case protocol.TypeActivityDetected:
		return c.HandleActivity(ctx, env)
	case protocol.TypePing:
		return protocol.Ack{Acknowledged: true}, nil
	}
	return protocol.Ack{}, fmt.Errorf("unsupported envelope type %q", env.Type)
}

// Command serves the UI request/reply surface through the same
// spawn-on-demand path.
func (h *Host) Command(ctx context.Context, env protocol.Envelope) protocol.Reply {
	c, err := h.acquire()
	if err != nil {
		return protocol.Reply{Error: err.Error()}
	}
	return c.HandleCommand(ctx, env)
}

func (h *Host) acquire() (Coordinator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.suspended {
		return nil, dispatch.ErrChannelDown
	}
	if h.inst == nil {
		h.inst = h.factory()
		h.spawns++
		h.log.Debug().Int("spawn", h.spawns).Msg("coordinator spawned")
	}
	h.resetTimerLocked()
	return h.inst, nil
}

func (h *Host) resetTimerLocked() {
	if h.idle <= 0 {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(h.idle, h.teardown)
}

func (h *Host) teardown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inst == nil {
		return
	}
	h.inst = nil
	h.log.Debug().Msg("coordinator torn down after idle period")
}

// Suspend drops the live instance and refuses envelopes until Resume.
func (h *Host) Suspend() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suspended = true
	h.inst = nil
	if h.timer != nil {
		h.timer.Stop()
	}
}

func (h *Host) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suspended = false
}

// Spawns reports how many instances have been created so far.
func (h *Host) Spawns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawns
}

func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.inst = nil
}
