package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"carbontrail/internal/collector"
	"carbontrail/internal/event"
	"carbontrail/internal/eventbus"
	"carbontrail/internal/protocol"
	"carbontrail/internal/store"
)

type memStore struct {
	mu        sync.Mutex
	state     map[string]string
	pending   []store.PendingItem
	nextID    int64
	saveFails int
}

func newMemStore() *memStore {
	return &memStore{state: map[string]string{}}
}

func (m *memStore) LoadState(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SaveState(_ context.Context, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveFails > 0 {
		m.saveFails--
		return errors.New("disk full")
	}
	for k, v := range fields {
		m.state[k] = v
	}
	return nil
}

func (m *memStore) AppendPending(_ context.Context, item store.PendingItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	item.ID = m.nextID
	m.pending = append(m.pending, item)
	return nil
}

func (m *memStore) ListPending(_ context.Context, limit int) ([]store.PendingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := append([]store.PendingItem(nil), m.pending...)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memStore) RemovePending(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.pending {
		if it.ID == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) PendingCount(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), nil
}

func (m *memStore) Close() error { return nil }

type fakeBackend struct {
	mu           sync.Mutex
	baseURL      string
	healthErr    error
	failSubjects map[string]bool
	healthCalls  int
	logged       []string
}

func (f *fakeBackend) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	return f.healthErr
}

func (f *fakeBackend) LogActivity(_ context.Context, ev *event.ActivityEvent, _ protocol.Mode) (*collector.LogResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubjects[ev.Subject] {
		return nil, fmt.Errorf("collector rejected %q", ev.Subject)
	}
	f.logged = append(f.logged, ev.Subject)
	return &collector.LogResult{ActivityID: "act-1", EmissionKg: 0.004}, nil
}

func (f *fakeBackend) SetBaseURL(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseURL = u
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingNotifier) Failure(title, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, title)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testCoordinator(st store.Store, be Backend) *Coordinator {
	return New(Config{
		DefaultBackendURL: "https://collector.test",
		DedupeWindow:      time.Nanosecond,
		DrainPause:        time.Nanosecond,
		HealthMemo:        time.Minute,
	}, st, be, eventbus.New(), nil, zerolog.Nop())
}

func activity(subject string) *event.ActivityEvent {
	ev := event.New(event.ProviderGmail, time.Now())
	ev.Subject = subject
	ev.UserEmail = "me@example.com"
	ev.Recipients = []string{"a@example.com"}
	return ev
}

func TestOnActivityCountsBeforeDelivery(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	be := &fakeBackend{failSubjects: map[string]bool{"doomed": true}}
	c := testCoordinator(st, be)

	if err := c.OnActivity(ctx, activity("fine")); err != nil {
		t.Fatalf("OnActivity: %v", err)
	}
	err := c.OnActivity(ctx, activity("doomed"))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("want delivery failure, got %v", err)
	}

	s, _ := c.State(ctx)
	if s.TotalActivitiesTracked != 2 {
		t.Fatalf("tracked = %d, want 2 (failed delivery still counts)", s.TotalActivitiesTracked)
	}
	if s.LastSyncStatus != protocol.SyncError {
		t.Fatalf("status = %q, want error", s.LastSyncStatus)
	}
	if st.state[store.KeyTotalTracked] != "2" {
		t.Fatalf("persisted counter = %q", st.state[store.KeyTotalTracked])
	}
}

func TestOnActivityAbsorbsDuplicateWithinWindow(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	be := &fakeBackend{}
	c := New(Config{DedupeWindow: time.Second, DrainPause: time.Nanosecond}, st, be, eventbus.New(), nil, zerolog.Nop())

	// Same composition reported twice, e.g. button click plus key chord.
	if err := c.OnActivity(ctx, activity("hello")); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := c.OnActivity(ctx, activity("hello")); err != nil {
		t.Fatalf("duplicate: %v", err)
	}

	s, _ := c.State(ctx)
	if s.TotalActivitiesTracked != 1 {
		t.Fatalf("tracked = %d, want 1", s.TotalActivitiesTracked)
	}
	if len(be.logged) != 1 {
		t.Fatalf("backend saw %d deliveries, want 1", len(be.logged))
	}
}

func TestColdStartRehydratesAndDrains(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.state[store.KeyMode] = "silent"
	st.state[store.KeyTotalTracked] = "7"
	_ = st.AppendPending(ctx, store.PendingItem{Payload: *activity("queued")})

	be := &fakeBackend{}
	c := testCoordinator(st, be)

	s, err := c.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if s.Mode != protocol.ModeSilent {
		t.Fatalf("mode = %q, want silent", s.Mode)
	}
	if len(be.logged) != 1 || be.logged[0] != "queued" {
		t.Fatalf("backend deliveries = %v, want [queued]", be.logged)
	}
	if n, _ := st.PendingCount(ctx); n != 0 {
		t.Fatalf("pending after drain = %d, want 0", n)
	}
	if s.TotalActivitiesTracked != 8 {
		t.Fatalf("tracked = %d, want 8", s.TotalActivitiesTracked)
	}
	if be.baseURL != "https://collector.test" {
		t.Fatalf("backend base URL = %q", be.baseURL)
	}
}

func TestDrainHaltsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	for _, subj := range []string{"a", "b", "c"} {
		_ = st.AppendPending(ctx, store.PendingItem{Payload: *activity(subj)})
	}
	be := &fakeBackend{failSubjects: map[string]bool{"b": true}}
	c := testCoordinator(st, be)

	c.DrainPending(ctx)

	items, _ := st.ListPending(ctx, 0)
	if len(items) != 2 || items[0].Payload.Subject != "b" || items[1].Payload.Subject != "c" {
		t.Fatalf("queue after halted drain = %+v, want [b c]", items)
	}
	if len(be.logged) != 1 || be.logged[0] != "a" {
		t.Fatalf("delivered = %v, want [a]", be.logged)
	}
}

func TestDrainRetriesHaltedItemNextTime(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	for _, subj := range []string{"a", "b"} {
		_ = st.AppendPending(ctx, store.PendingItem{Payload: *activity(subj)})
	}
	be := &fakeBackend{failSubjects: map[string]bool{"a": true}}
	c := testCoordinator(st, be)

	c.DrainPending(ctx)
	if n, _ := st.PendingCount(ctx); n != 2 {
		t.Fatalf("pending = %d, want 2 (nothing delivered)", n)
	}

	be.mu.Lock()
	be.failSubjects = nil
	be.mu.Unlock()
	c.DrainPending(ctx)

	if n, _ := st.PendingCount(ctx); n != 0 {
		t.Fatalf("pending = %d, want 0 after recovery", n)
	}
	if len(be.logged) != 2 || be.logged[0] != "a" || be.logged[1] != "b" {
		t.Fatalf("delivered = %v, want [a b]", be.logged)
	}
}

func TestPersistFailureFreesFingerprintForRetry(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	be := &fakeBackend{}
	c := New(Config{DedupeWindow: time.Minute, DrainPause: time.Nanosecond}, st, be, eventbus.New(), nil, zerolog.Nop())

	st.mu.Lock()
	st.saveFails = 1
	st.mu.Unlock()
	if err := c.OnActivity(ctx, activity("retry-me")); err == nil {
		t.Fatal("want error when counter persist fails")
	}
	s, _ := c.State(ctx)
	if s.TotalActivitiesTracked != 0 {
		t.Fatalf("tracked = %d, want 0 after rolled-back count", s.TotalActivitiesTracked)
	}

	// The sender retries inside the dedupe window; the failed attempt
	// must not have consumed the fingerprint.
	if err := c.OnActivity(ctx, activity("retry-me")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	s, _ = c.State(ctx)
	if s.TotalActivitiesTracked != 1 || len(be.logged) != 1 {
		t.Fatalf("tracked=%d deliveries=%v, want exactly one of each", s.TotalActivitiesTracked, be.logged)
	}
}

func TestCheckHealthMemoized(t *testing.T) {
	ctx := context.Background()
	be := &fakeBackend{}
	c := testCoordinator(newMemStore(), be)

	if ok, _ := c.CheckHealth(ctx, false); !ok {
		t.Fatal("want reachable")
	}
	if ok, _ := c.CheckHealth(ctx, false); !ok {
		t.Fatal("want memoized reachable")
	}
	if be.healthCalls != 1 {
		t.Fatalf("probes = %d, want 1", be.healthCalls)
	}

	if _, err := c.CheckHealth(ctx, true); err != nil {
		t.Fatalf("forced: %v", err)
	}
	if be.healthCalls != 2 {
		t.Fatalf("probes = %d, want 2 after force", be.healthCalls)
	}
}

func TestUnreachableBackendSetsErrorAndNotifies(t *testing.T) {
	ctx := context.Background()
	be := &fakeBackend{healthErr: errors.New("refused")}
	notif := &recordingNotifier{}
	c := New(Config{DedupeWindow: time.Nanosecond, DrainPause: time.Nanosecond}, newMemStore(), be, eventbus.New(), notif, zerolog.Nop())

	err := c.OnActivity(ctx, activity("offline"))
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("want ErrBackendUnreachable, got %v", err)
	}
	s, _ := c.State(ctx)
	if s.LastSyncStatus != protocol.SyncError {
		t.Fatalf("status = %q", s.LastSyncStatus)
	}
	if s.TotalActivitiesTracked != 1 {
		t.Fatalf("tracked = %d, want 1", s.TotalActivitiesTracked)
	}
	if notif.count() != 1 {
		t.Fatalf("notifications = %d, want 1", notif.count())
	}
}

func TestSilentModeSuppressesNotifications(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.state[store.KeyMode] = "silent"
	be := &fakeBackend{healthErr: errors.New("refused")}
	notif := &recordingNotifier{}
	c := New(Config{DedupeWindow: time.Nanosecond, DrainPause: time.Nanosecond}, st, be, eventbus.New(), notif, zerolog.Nop())

	_ = c.OnActivity(ctx, activity("offline"))
	if notif.count() != 0 {
		t.Fatalf("notifications = %d, want 0 in silent mode", notif.count())
	}
}

func TestSetMode(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	c := testCoordinator(st, &fakeBackend{})

	if err := c.SetMode(ctx, protocol.ModeSilent); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if st.state[store.KeyMode] != "silent" {
		t.Fatalf("persisted mode = %q", st.state[store.KeyMode])
	}
	if err := c.SetMode(ctx, "loud"); err == nil {
		t.Fatal("want error for unknown mode")
	}
	if err := c.SetMode(ctx, protocol.ModeAwareness); err != nil {
		t.Fatalf("toggle back: %v", err)
	}
}

func TestSetBackendBaseURL(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	be := &fakeBackend{}
	c := testCoordinator(st, be)

	if err := c.SetBackendBaseURL(ctx, "not a url, no scheme, no dots"); err == nil {
		t.Fatal("want rejection")
	}
	s, _ := c.State(ctx)
	if s.BackendBaseURL != "https://collector.test" {
		t.Fatalf("state mutated on invalid input: %q", s.BackendBaseURL)
	}

	if err := c.SetBackendBaseURL(ctx, "api.example.com"); err != nil {
		t.Fatalf("bare host: %v", err)
	}
	s, _ = c.State(ctx)
	if s.BackendBaseURL != "https://api.example.com" {
		t.Fatalf("coerced URL = %q", s.BackendBaseURL)
	}
	if be.baseURL != "https://api.example.com" {
		t.Fatalf("collector target = %q", be.baseURL)
	}
	if st.state[store.KeyBackendBaseURL] != "https://api.example.com" {
		t.Fatalf("persisted URL = %q", st.state[store.KeyBackendBaseURL])
	}
}

func TestNormalizeBackendURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://api.example.com", "https://api.example.com", true},
		{"http://localhost:8787", "http://localhost:8787", true},
		{"https://api.example.com/", "https://api.example.com", true},
		{"api.example.com", "https://api.example.com", true},
		{"api.example.com:9000", "https://api.example.com:9000", true},
		{"", "", false},
		{"   ", "", false},
		{"not a url, no scheme, no dots", "", false},
		{"ftp://api.example.com", "", false},
		{"localhost", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeBackendURL(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("NormalizeBackendURL(%q) err = %v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("NormalizeBackendURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClearStats(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	c := testCoordinator(st, &fakeBackend{})

	_ = c.OnActivity(ctx, activity("one"))
	if err := c.ClearStats(ctx); err != nil {
		t.Fatalf("ClearStats: %v", err)
	}

	// A fresh instance over the same store must see the cleared values.
	c2 := testCoordinator(st, &fakeBackend{})
	s, _ := c2.State(ctx)
	if s.TotalActivitiesTracked != 0 || s.LastSyncStatus != protocol.SyncIdle || s.LastSyncAt != nil {
		t.Fatalf("state after clear = %+v", s)
	}
}

func TestCorruptStorageFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.state[store.KeyMode] = "bogus"
	st.state[store.KeyBackendBaseURL] = "::::"
	st.state[store.KeyTotalTracked] = "NaN"
	st.state[store.KeyLastSyncStatus] = "exploded"
	st.state[store.KeyLastSyncAt] = "yesterday"

	c := testCoordinator(st, &fakeBackend{})
	s, err := c.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if s.Mode != protocol.ModeAwareness {
		t.Errorf("mode = %q, want awareness", s.Mode)
	}
	if s.BackendBaseURL != "https://collector.test" {
		t.Errorf("url = %q, want default", s.BackendBaseURL)
	}
	if s.TotalActivitiesTracked != 0 || s.LastSyncStatus != protocol.SyncIdle || s.LastSyncAt != nil {
		t.Errorf("counters not defaulted: %+v", s)
	}
}

func TestHandleActivityAcksDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	be := &fakeBackend{failSubjects: map[string]bool{"doomed": true}}
	c := testCoordinator(newMemStore(), be)

	ack, err := c.HandleActivity(ctx, protocol.Envelope{
		Source:  protocol.SourceDetector,
		Type:    protocol.TypeActivityDetected,
		Payload: activity("doomed"),
	})
	if err != nil {
		t.Fatalf("ownership error: %v", err)
	}
	if !ack.Acknowledged || ack.Error == "" {
		t.Fatalf("ack = %+v, want acknowledged with error detail", ack)
	}

	if _, err := c.HandleActivity(ctx, protocol.Envelope{Type: protocol.TypeActivityDetected}); err == nil {
		t.Fatal("want error for missing payload")
	}
}

func TestHandleCommand(t *testing.T) {
	ctx := context.Background()
	c := testCoordinator(newMemStore(), &fakeBackend{})

	r := c.HandleCommand(ctx, protocol.Envelope{Type: protocol.TypeGetState})
	if !r.Success || r.State == nil {
		t.Fatalf("GET_STATE reply = %+v", r)
	}

	r = c.HandleCommand(ctx, protocol.Envelope{Type: protocol.TypeSetMode, Mode: protocol.ModeSilent})
	if !r.Success || r.State.Mode != protocol.ModeSilent {
		t.Fatalf("SET_MODE reply = %+v", r)
	}

	r = c.HandleCommand(ctx, protocol.Envelope{Type: protocol.TypeSetBackendURL, URL: "nope nope"})
	if r.Success || r.Error == "" {
		t.Fatalf("invalid URL reply = %+v", r)
	}

	r = c.HandleCommand(ctx, protocol.Envelope{Type: "DO_THE_THING"})
	if r.Success || r.Error == "" {
		t.Fatalf("unknown command reply = %+v", r)
	}
}

func TestStateUpdatedBroadcast(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	c := New(Config{DedupeWindow: time.Nanosecond, DrainPause: time.Nanosecond}, newMemStore(), &fakeBackend{}, bus, nil, zerolog.Nop())
	if err := c.SetMode(ctx, protocol.ModeSilent); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type != protocol.TypeStateUpdated {
				continue
			}
			st, ok := e.Data.(protocol.State)
			if !ok {
				t.Fatalf("broadcast data %T", e.Data)
			}
			if st.Mode != protocol.ModeSilent {
				continue
			}
			return
		case <-deadline:
			t.Fatal("no STATE_UPDATED broadcast observed")
		}
	}
}
