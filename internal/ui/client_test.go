package ui

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"carbontrail/internal/eventbus"
	"carbontrail/internal/protocol"
)

type stubCommander struct {
	mu    sync.Mutex
	seen  []protocol.Envelope
	reply protocol.Reply
}

func (s *stubCommander) Command(_ context.Context, env protocol.Envelope) protocol.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, env)
	return s.reply
}

func (s *stubCommander) envelopes() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.seen...)
}

func okReply(mode protocol.Mode) protocol.Reply {
	return protocol.Reply{Success: true, State: &protocol.State{Mode: mode, BackendBaseURL: "https://collector.test"}}
}

func TestOpenRequestsState(t *testing.T) {
	cmd := &stubCommander{reply: okReply(protocol.ModeAwareness)}
	c := New(cmd, eventbus.New(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	envs := cmd.envelopes()
	if len(envs) != 1 || envs[0].Type != protocol.TypeGetState || envs[0].Source != protocol.SourceUI {
		t.Fatalf("envelopes = %+v, want one GET_STATE from ui", envs)
	}
	st, ok := c.State()
	if !ok || st.Mode != protocol.ModeAwareness {
		t.Fatalf("cached state = %+v ok=%v", st, ok)
	}
}

func TestSetBackendURLRejectsEmptyLocally(t *testing.T) {
	cmd := &stubCommander{reply: okReply(protocol.ModeAwareness)}
	c := New(cmd, eventbus.New(), zerolog.Nop())

	if err := c.SetBackendURL(context.Background(), "   "); err == nil {
		t.Fatal("want local rejection of blank URL")
	}
	if len(cmd.envelopes()) != 0 {
		t.Fatal("blank URL must not reach the coordinator")
	}
}

func TestSetModeValidatesInput(t *testing.T) {
	cmd := &stubCommander{reply: okReply(protocol.ModeSilent)}
	c := New(cmd, eventbus.New(), zerolog.Nop())

	if err := c.SetMode(context.Background(), "loud"); err == nil {
		t.Fatal("want rejection of unknown mode")
	}
	if err := c.SetMode(context.Background(), protocol.ModeSilent); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	envs := cmd.envelopes()
	if len(envs) != 1 || envs[0].Type != protocol.TypeSetMode || envs[0].Mode != protocol.ModeSilent {
		t.Fatalf("envelopes = %+v", envs)
	}
}

func TestErrorReplySurfaces(t *testing.T) {
	cmd := &stubCommander{reply: protocol.Reply{Error: "invalid backend URL"}}
	c := New(cmd, eventbus.New(), zerolog.Nop())

	err := c.SetBackendURL(context.Background(), "nope nope")
	if err == nil || err.Error() != "invalid backend URL" {
		t.Fatalf("err = %v", err)
	}
	if _, ok := c.State(); ok {
		t.Fatal("failed command must not populate state")
	}
}

func TestFollowsStateBroadcasts(t *testing.T) {
	bus := eventbus.New()
	cmd := &stubCommander{reply: okReply(protocol.ModeAwareness)}
	c := New(cmd, bus, zerolog.Nop())

	updated := make(chan protocol.State, 4)
	c.OnChange(func(st protocol.State) { updated <- st })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	<-updated // initial snapshot

	bus.Publish(eventbus.Event{
		Type: protocol.TypeStateUpdated,
		Data: protocol.State{Mode: protocol.ModeSilent, TotalActivitiesTracked: 42},
	})

	select {
	case st := <-updated:
		if st.Mode != protocol.ModeSilent || st.TotalActivitiesTracked != 42 {
			t.Fatalf("broadcast state = %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast never reached client")
	}
}

func TestCloseStopsFollowing(t *testing.T) {
	bus := eventbus.New()
	cmd := &stubCommander{reply: okReply(protocol.ModeAwareness)}
	c := New(cmd, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	cancel()
	c.Close()
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{
		Type: protocol.TypeStateUpdated,
		Data: protocol.State{TotalActivitiesTracked: 99},
	})
	time.Sleep(20 * time.Millisecond)

	if st, _ := c.State(); st.TotalActivitiesTracked == 99 {
		t.Fatal("closed client kept following broadcasts")
	}
}
