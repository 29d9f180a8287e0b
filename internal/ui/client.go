// Package ui is the popup-style control surface: a short-lived client
// that requests the full coordinator state on open, issues commands, and
// follows live state broadcasts while it stays open. It keeps no durable
// state of its own; a client that missed broadcasts simply re-requests
// on the next open.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"carbontrail/internal/eventbus"
	"carbontrail/internal/protocol"
)

// Commander is the request/reply surface into the coordinator host.
type Commander interface {
	Command(ctx context.Context, env protocol.Envelope) protocol.Reply
}

type Client struct {
	cmd Commander
	bus eventbus.Bus
	log zerolog.Logger

	mu        sync.Mutex
	state     protocol.State
	haveState bool
	onChange  func(protocol.State)
	unsub     func()
}

func New(cmd Commander, bus eventbus.Bus, log zerolog.Logger) *Client {
	return &Client{cmd: cmd, bus: bus, log: log}
}

// OnChange registers a render hook invoked on every state change. Must
// be set before Open.
func (c *Client) OnChange(fn func(protocol.State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Open subscribes to state broadcasts and requests a fresh snapshot.
// The subscription follows ctx; cancelling it closes the client.
func (c *Client) Open(ctx context.Context) error {
	ch, cancel := c.bus.Subscribe(16)
	c.mu.Lock()
	c.unsub = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-ch:
				if e.Type != protocol.TypeStateUpdated {
					continue
				}
				if st, ok := e.Data.(protocol.State); ok {
					c.setState(st)
				}
			}
		}
	}()

	return c.Refresh(ctx)
}

func (c *Client) Close() {
	c.mu.Lock()
	unsub := c.unsub
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// State returns the last known coordinator state. ok is false before the
// first successful snapshot.
func (c *Client) State() (protocol.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.haveState
}

// Refresh re-requests the full state snapshot.
func (c *Client) Refresh(ctx context.Context) error {
	return c.roundTrip(ctx, protocol.Envelope{Type: protocol.TypeGetState})
}

func (c *Client) SetMode(ctx context.Context, m protocol.Mode) error {
	if m != protocol.ModeAwareness && m != protocol.ModeSilent {
		return fmt.Errorf("unknown mode %q", m)
	}
	return c.roundTrip(ctx, protocol.Envelope{Type: protocol.TypeSetMode, Mode: m})
}

// SetBackendURL submits a new collector URL. Obviously empty input is
// rejected locally; everything else is validated by the coordinator so
// both surfaces agree on what a valid URL is.
func (c *Client) SetBackendURL(ctx context.Context, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("backend URL must not be empty")
	}
	return c.roundTrip(ctx, protocol.Envelope{Type: protocol.TypeSetBackendURL, URL: raw})
}

// RefreshHealth forces a connectivity re-probe.
func (c *Client) RefreshHealth(ctx context.Context) error {
	return c.roundTrip(ctx, protocol.Envelope{Type: protocol.TypeRefreshHealth})
}

func (c *Client) ClearStats(ctx context.Context) error {
	return c.roundTrip(ctx, protocol.Envelope{Type: protocol.TypeClearStats})
}

func (c *Client) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, protocol.Envelope{Type: protocol.TypePing})
}

func (c *Client) roundTrip(ctx context.Context, env protocol.Envelope) error {
	env.Source = protocol.SourceUI
	r := c.cmd.Command(ctx, env)
	if r.Error != "" {
		return errors.New(r.Error)
	}
	if !r.Success {
		return errors.New("command rejected")
	}
	if r.State != nil {
		c.setState(*r.State)
	}
	return nil
}

func (c *Client) setState(st protocol.State) {
	c.mu.Lock()
	c.state = st
	c.haveState = true
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
