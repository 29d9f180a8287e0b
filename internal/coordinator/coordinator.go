// Package coordinator is the authoritative state machine for capture
// mode, connectivity and sync status. It is the sole writer of the
// persisted coordinator state and the sole client of the backend
// collector. The host runtime may tear it down between any two
// envelopes, so every public operation rehydrates from the durable
// store first when the instance is cold.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"carbontrail/internal/collector"
	"carbontrail/internal/event"
	"carbontrail/internal/eventbus"
	"carbontrail/internal/notify"
	"carbontrail/internal/observability"
	"carbontrail/internal/protocol"
	"carbontrail/internal/store"
)

var (
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrInvalidBackendURL  = errors.New("invalid backend URL")
)

// Backend is the collector surface the coordinator drives.
type Backend interface {
	Health(ctx context.Context) error
	LogActivity(ctx context.Context, ev *event.ActivityEvent, mode protocol.Mode) (*collector.LogResult, error)
	SetBaseURL(u string)
}

type Config struct {
	// DefaultBackendURL is the compiled-in fallback when storage holds
	// no valid URL.
	DefaultBackendURL string
	// DedupeWindow is the coordinator-side suppression span.
	DedupeWindow time.Duration
	// HealthMemo is how long a reachability verdict is trusted.
	HealthMemo time.Duration
	// DrainPause paces queue drain to respect backend rate limits.
	DrainPause time.Duration
	// CallTimeout bounds every backend call.
	CallTimeout time.Duration
}

func (c *Config) defaults() {
	if strings.TrimSpace(c.DefaultBackendURL) == "" {
		c.DefaultBackendURL = "https://api.carbontrail.dev"
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 1200 * time.Millisecond
	}
	if c.HealthMemo <= 0 {
		c.HealthMemo = time.Minute
	}
	if c.DrainPause <= 0 {
		c.DrainPause = 250 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

type Coordinator struct {
	cfg     Config
	st      store.Store
	backend Backend
	bus     eventbus.Bus
	notif   notify.Notifier
	window  *event.Window
	pacing  *rate.Limiter
	log     zerolog.Logger

	mu    sync.Mutex
	ready bool
	state protocol.State

	// drainMu serializes queue drains (cold start, forced health check).
	drainMu sync.Mutex

	now func() time.Time
}

func New(cfg Config, st store.Store, backend Backend, bus eventbus.Bus, notif notify.Notifier, log zerolog.Logger) *Coordinator {
	cfg.defaults()
	if notif == nil {
		notif = notify.Nop{}
	}
	return &Coordinator{
		cfg:     cfg,
		st:      st,
		backend: backend,
		bus:     bus,
		notif:   notif,
		window:  event.NewWindow(cfg.DedupeWindow, 256),
		pacing:  rate.NewLimiter(rate.Every(cfg.DrainPause), 1),
		log:     log,
		now:     time.Now,
	}
}

// ensureReady rehydrates from the durable store on a cold instance and
// drains the offline queue once per cold start. Callers tolerate the
// delay; no query is answered before rehydration completes.
func (c *Coordinator) ensureReady(ctx context.Context) error {
	_, err := c.rehydrateIfCold(ctx)
	return err
}

// rehydrateIfCold reports whether this call performed the cold-start
// rehydration (which includes the queue drain).
func (c *Coordinator) rehydrateIfCold(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return false, nil
	}
	fields, err := c.st.LoadState(ctx)
	if err != nil {
		c.mu.Unlock()
		return false, fmt.Errorf("rehydrate: %w", err)
	}
	c.state = c.stateFromFields(fields)
	c.backend.SetBaseURL(c.state.BackendBaseURL)
	c.ready = true
	st := c.state
	c.mu.Unlock()

	c.log.Info().
		Str("mode", string(st.Mode)).
		Str("backend", st.BackendBaseURL).
		Int64("tracked", st.TotalActivitiesTracked).
		Msg("coordinator rehydrated")

	c.drain(ctx)
	return true, nil
}

// stateFromFields resolves persisted values, tolerating corrupt or
// absent storage: mode always resolves to a valid value, the backend
// URL always resolves to a valid absolute URL or the compiled-in
// default.
func (c *Coordinator) stateFromFields(fields map[string]string) protocol.State {
	st := protocol.State{
		Mode:           protocol.ParseMode(fields[store.KeyMode]),
		BackendBaseURL: c.cfg.DefaultBackendURL,
		LastSyncStatus: protocol.ParseSyncStatus(fields[store.KeyLastSyncStatus]),
	}
	if raw := fields[store.KeyBackendBaseURL]; raw != "" {
		if norm, err := NormalizeBackendURL(raw); err == nil {
			st.BackendBaseURL = norm
		}
	}
	if raw := fields[store.KeyTotalTracked]; raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			st.TotalActivitiesTracked = n
		}
	}
	if raw := fields[store.KeyLastSyncAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			st.LastSyncAt = &t
		}
	}
	return st
}

// saveLocked persists the whole state fragment in one transaction.
// Callers hold c.mu.
func (c *Coordinator) saveLocked(ctx context.Context) error {
	fields := map[string]string{
		store.KeyMode:           string(c.state.Mode),
		store.KeyBackendBaseURL: c.state.BackendBaseURL,
		store.KeyTotalTracked:   strconv.FormatInt(c.state.TotalActivitiesTracked, 10),
		store.KeyLastSyncStatus: string(c.state.LastSyncStatus),
		store.KeyLastSyncAt:     "",
	}
	if c.state.LastSyncAt != nil {
		fields[store.KeyLastSyncAt] = c.state.LastSyncAt.Format(time.RFC3339Nano)
	}
	return c.st.SaveState(ctx, fields)
}

func (c *Coordinator) broadcast(st protocol.State) {
	c.bus.Publish(eventbus.Event{Type: protocol.TypeStateUpdated, Data: st})
}

// setStatus mutates, persists and broadcasts in one step.
func (c *Coordinator) setStatus(ctx context.Context, status protocol.SyncStatus, syncedAt *time.Time) {
	c.mu.Lock()
	c.state.LastSyncStatus = status
	if syncedAt != nil {
		c.state.LastSyncAt = syncedAt
	}
	if err := c.saveLocked(ctx); err != nil {
		c.log.Error().Err(err).Msg("state persist failed")
	}
	st := c.state
	c.mu.Unlock()
	c.broadcast(st)
}

// OnActivity handles one detected event. The detection counter is
// incremented and persisted before any delivery attempt: detection
// itself is the user-visible signal, independent of delivery success.
// Delivery failures are converted to status and a returned (not raised)
// error; the event is never re-queued, because a duplicate-on-retry
// would double-count.
func (c *Coordinator) OnActivity(ctx context.Context, ev *event.ActivityEvent) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}

	fp := ev.Fingerprint()
	if !c.window.Allow(fp) {
		observability.RecordDeduped("coordinator")
		c.log.Debug().Str("id", ev.ID).Msg("duplicate detection absorbed")
		return nil
	}

	c.mu.Lock()
	c.state.TotalActivitiesTracked++
	if err := c.saveLocked(ctx); err != nil {
		c.state.TotalActivitiesTracked--
		c.mu.Unlock()
		// Ownership was not taken; the sender will retry and that retry
		// must not be absorbed as a duplicate.
		c.window.Forget(fp)
		return fmt.Errorf("persist counter: %w", err)
	}
	c.state.LastSyncStatus = protocol.SyncSyncing
	if err := c.saveLocked(ctx); err != nil {
		c.log.Error().Err(err).Msg("state persist failed")
	}
	st := c.state
	mode := c.state.Mode
	c.mu.Unlock()
	c.broadcast(st)

	if !c.verifyBackend(ctx) {
		c.setStatus(ctx, protocol.SyncError, nil)
		observability.RecordSync("unreachable")
		c.failure(mode, "Activity not synced", "backend is unreachable")
		return ErrBackendUnreachable
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	res, err := c.backend.LogActivity(cctx, ev, mode)
	cancel()
	if err != nil {
		c.setStatus(ctx, protocol.SyncError, nil)
		observability.RecordSync("error")
		c.failure(mode, "Activity not synced", err.Error())
		c.log.Warn().Err(err).Str("id", ev.ID).Msg("delivery failed")
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	// Informational only; the event stays immutable on the wire.
	ev.EmissionKg = res.EmissionKg

	now := c.now()
	c.setStatus(ctx, protocol.SyncSuccess, &now)
	observability.RecordSync("success")
	c.log.Info().
		Str("id", ev.ID).
		Str("provider", string(ev.Provider)).
		Float64("emission_kg", res.EmissionKg).
		Msg("activity synced")
	return nil
}

// verifyBackend re-probes when no check ran recently or the last one
// failed; otherwise it trusts the memoized verdict.
func (c *Coordinator) verifyBackend(ctx context.Context) bool {
	c.mu.Lock()
	last := c.state.LastHealthCheckAt
	reachable := c.state.BackendReachable
	c.mu.Unlock()

	if last != nil && reachable && c.now().Sub(*last) < c.cfg.HealthMemo {
		return true
	}
	ok, _ := c.CheckHealth(ctx, true)
	return ok
}

// CheckHealth probes backend reachability. The verdict is memoized for
// the configured interval unless forced.
func (c *Coordinator) CheckHealth(ctx context.Context, force bool) (bool, error) {
	if err := c.ensureReady(ctx); err != nil {
		return false, err
	}

	c.mu.Lock()
	if !force && c.state.LastHealthCheckAt != nil && c.now().Sub(*c.state.LastHealthCheckAt) < c.cfg.HealthMemo {
		ok := c.state.BackendReachable
		c.mu.Unlock()
		return ok, nil
	}
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	err := c.backend.Health(cctx)
	cancel()

	now := c.now()
	c.mu.Lock()
	c.state.LastHealthCheckAt = &now
	c.state.BackendReachable = err == nil
	if perr := c.saveLocked(ctx); perr != nil {
		c.log.Error().Err(perr).Msg("state persist failed")
	}
	st := c.state
	c.mu.Unlock()
	c.broadcast(st)

	if err != nil {
		c.log.Debug().Err(err).Msg("health probe failed")
	}
	return err == nil, nil
}

// SetMode toggles the capture mode. Both directions are always allowed.
func (c *Coordinator) SetMode(ctx context.Context, m protocol.Mode) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	if m != protocol.ModeAwareness && m != protocol.ModeSilent {
		return fmt.Errorf("unknown mode %q", m)
	}

	c.mu.Lock()
	c.state.Mode = m
	if err := c.saveLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	st := c.state
	c.mu.Unlock()
	c.broadcast(st)

	// Informational fanout so detector contexts can adjust.
	c.bus.Publish(eventbus.Event{Type: protocol.TypeUpdateMode, Data: m})
	c.log.Info().Str("mode", string(m)).Msg("mode changed")
	return nil
}

// SetBackendBaseURL validates and commits a new collector target.
// Malformed input is rejected without mutating state.
func (c *Coordinator) SetBackendBaseURL(ctx context.Context, raw string) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	norm, err := NormalizeBackendURL(raw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.state.BackendBaseURL = norm
	// Verdicts for the old target are meaningless; force a fresh probe.
	c.state.LastHealthCheckAt = nil
	c.state.BackendReachable = false
	if err := c.saveLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	st := c.state
	c.mu.Unlock()

	c.backend.SetBaseURL(norm)
	c.broadcast(st)
	c.log.Info().Str("backend", norm).Msg("backend URL changed")
	return nil
}

// ClearStats resets the session counters.
func (c *Coordinator) ClearStats(ctx context.Context) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.state.TotalActivitiesTracked = 0
	c.state.LastSyncStatus = protocol.SyncIdle
	c.state.LastSyncAt = nil
	if err := c.saveLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	st := c.state
	c.mu.Unlock()
	c.broadcast(st)
	return nil
}

// State answers the current full state after awaiting readiness.
func (c *Coordinator) State(ctx context.Context) (protocol.State, error) {
	if err := c.ensureReady(ctx); err != nil {
		return protocol.State{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}

func (c *Coordinator) failure(mode protocol.Mode, title, body string) {
	if mode != protocol.ModeAwareness {
		return
	}
	c.notif.Failure(title, body)
}

var bareHostRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.\-]*\.[A-Za-z0-9.\-]+(?::\d+)?$`)

// NormalizeBackendURL accepts a valid absolute http(s) URL, or a bare
// host that can be coerced under the default scheme. Everything else is
// rejected.
func NormalizeBackendURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBackendURL)
	}
	if u, err := url.Parse(raw); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return strings.TrimRight(raw, "/"), nil
	}
	if bareHostRe.MatchString(raw) {
		return "https://" + raw, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBackendURL, raw)
}
