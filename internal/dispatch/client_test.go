package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"carbontrail/internal/event"
	"carbontrail/internal/protocol"
	"carbontrail/internal/store"
)

type fakeChannel struct {
	mu       sync.Mutex
	failures int // fail this many sends before succeeding
	sent     []protocol.Envelope
}

func (f *fakeChannel) Send(_ context.Context, env protocol.Envelope) (protocol.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return protocol.Ack{}, ErrChannelDown
	}
	f.sent = append(f.sent, env)
	return protocol.Ack{Acknowledged: true}, nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestClient(t *testing.T, ch Channel, cfg Config) (*Client, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "q.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	c := New(cfg, event.ProviderGmail, ch, st, zerolog.Nop())
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, st
}

func makeEvent(subject string) *event.ActivityEvent {
	ev := event.New(event.ProviderGmail, time.Now())
	ev.Subject = subject
	ev.UserEmail = "me@example.com"
	ev.Recipients = []string{"r@example.com"}
	return ev
}

func TestDispatchDelivers(t *testing.T) {
	ch := &fakeChannel{}
	c, _ := newTestClient(t, ch, Config{})

	if err := c.Dispatch(context.Background(), makeEvent("hello")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ch.sentCount() != 1 {
		t.Fatalf("sent = %d", ch.sentCount())
	}
	env := ch.sent[0]
	if env.Type != protocol.TypeActivityDetected || env.Source != protocol.SourceDetector {
		t.Fatalf("bad envelope: %+v", env)
	}
	if env.Payload == nil || env.Payload.Subject != "hello" {
		t.Fatal("payload missing")
	}
}

func TestDispatchDedupesWithinWindow(t *testing.T) {
	ch := &fakeChannel{}
	c, _ := newTestClient(t, ch, Config{DedupeWindow: 500 * time.Millisecond})

	// Click and keyboard fire for the same action: identical fingerprint.
	_ = c.Dispatch(context.Background(), makeEvent("x"))
	_ = c.Dispatch(context.Background(), makeEvent("x"))

	if ch.sentCount() != 1 {
		t.Fatalf("expected 1 forwarded event, got %d", ch.sentCount())
	}

	// A different action passes.
	_ = c.Dispatch(context.Background(), makeEvent("y"))
	if ch.sentCount() != 2 {
		t.Fatalf("distinct fingerprint suppressed, sent = %d", ch.sentCount())
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	ch := &fakeChannel{failures: 2}
	c, st := newTestClient(t, ch, Config{RetryMax: 3})

	if err := c.Dispatch(context.Background(), makeEvent("retry me")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ch.sentCount() != 1 {
		t.Fatalf("sent = %d", ch.sentCount())
	}
	if n, _ := st.PendingCount(context.Background()); n != 0 {
		t.Fatalf("nothing should be queued, have %d", n)
	}
}

func TestDispatchExhaustedFallsBackToQueue(t *testing.T) {
	ch := &fakeChannel{failures: 100}
	c, st := newTestClient(t, ch, Config{RetryMax: 2})

	ev := makeEvent("queued")
	if err := c.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	items, err := st.ListPending(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly one queued item, got %d", len(items))
	}
	if items[0].Payload.Subject != "queued" || items[0].Source != event.ProviderGmail {
		t.Fatalf("queued item mangled: %+v", items[0])
	}
	if items[0].QueuedAt.IsZero() {
		t.Fatal("queuedAt must be set")
	}
}

func TestDispatchQueueKeepsDetectionOrder(t *testing.T) {
	ch := &fakeChannel{failures: 1 << 30}
	c, st := newTestClient(t, ch, Config{RetryMax: 1})

	for _, subj := range []string{"one", "two", "three"} {
		_ = c.Dispatch(context.Background(), makeEvent(subj))
	}

	items, _ := st.ListPending(context.Background(), 0)
	if len(items) != 3 {
		t.Fatalf("queued = %d", len(items))
	}
	for i, want := range []string{"one", "two", "three"} {
		if items[i].Payload.Subject != want {
			t.Fatalf("queue out of order: %d = %q", i, items[i].Payload.Subject)
		}
	}
}

func TestDispatchBackoffDoubles(t *testing.T) {
	ch := &fakeChannel{failures: 1 << 30}
	c, _ := newTestClient(t, ch, Config{RetryMax: 3, RetryBase: 100 * time.Millisecond})

	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_ = c.Dispatch(context.Background(), makeEvent("backoff"))

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
}

func TestDispatchAckWithErrorIsTerminal(t *testing.T) {
	// The coordinator acknowledged but reported a delivery failure; the
	// dispatch client must not retry or queue (already counted upstream).
	ch := &ackErrorChannel{}
	c, st := newTestClient(t, ch, Config{RetryMax: 3})

	if err := c.Dispatch(context.Background(), makeEvent("handled")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ch.calls != 1 {
		t.Fatalf("calls = %d, want 1", ch.calls)
	}
	if n, _ := st.PendingCount(context.Background()); n != 0 {
		t.Fatal("acked event must not be queued")
	}
}

type ackErrorChannel struct{ calls int }

func (a *ackErrorChannel) Send(context.Context, protocol.Envelope) (protocol.Ack, error) {
	a.calls++
	return protocol.Ack{Acknowledged: true, Error: "backend unreachable"}, nil
}
