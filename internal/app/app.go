// Package app wires the agent together: config, logging, durable store,
// the coordinator host, per-platform detectors and the operational
// surfaces (metrics, periodic health re-probe, config watch).
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"carbontrail/internal/capture"
	"carbontrail/internal/collector"
	"carbontrail/internal/config"
	"carbontrail/internal/coordinator"
	"carbontrail/internal/dispatch"
	"carbontrail/internal/event"
	"carbontrail/internal/eventbus"
	"carbontrail/internal/notify"
	"carbontrail/internal/observability"
	"carbontrail/internal/protocol"
	"carbontrail/internal/runtime"
	"carbontrail/internal/store"
	"carbontrail/internal/ui"
)

type App struct {
	cfgm    *config.Manager
	log     zerolog.Logger
	bus     eventbus.Bus
	st      store.Store
	backend *collector.Client
	host    *runtime.Host
	cron    *cron.Cron

	detectors map[event.Provider]*capture.Detector

	cancel context.CancelFunc
}

func New(cfgPath, version string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log := newLogger(cfg.Logging)
	cfgm := config.NewManager(cfgPath, log.With().Str("comp", "config").Logger())
	if _, err := cfgm.Load(); err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}, log.With().Str("comp", "store").Logger())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	backend := collector.New(cfg.Backend.BaseURL, version,
		cfg.Backend.RequestTimeout.Or(10*time.Second),
		log.With().Str("comp", "collector").Logger())

	bus := eventbus.New()
	notif := notify.New(bus, log.With().Str("comp", "notify").Logger())

	coordCfg := coordinator.Config{
		DefaultBackendURL: cfg.Backend.BaseURL,
		DedupeWindow:      cfg.Capture.DedupeWindow.Std(),
		HealthMemo:        cfg.Backend.HealthInterval.Std(),
		DrainPause:        cfg.Host.DrainPause.Std(),
		CallTimeout:       cfg.Backend.RequestTimeout.Std(),
	}
	coordLog := log.With().Str("comp", "coordinator").Logger()
	factory := func() runtime.Coordinator {
		return coordinator.New(coordCfg, st, backend, bus, notif, coordLog)
	}
	host := runtime.NewHost(factory, cfg.Host.IdleTeardown.Std(),
		log.With().Str("comp", "host").Logger())

	detectors := make(map[event.Provider]*capture.Detector, len(cfg.Capture.Platforms))
	for _, p := range cfg.Capture.Platforms {
		prov := event.Provider(p)
		dc := dispatch.New(dispatch.Config{
			RetryMax:     cfg.Dispatch.RetryMax,
			RetryBase:    cfg.Dispatch.RetryBase.Std(),
			DedupeWindow: cfg.Dispatch.DedupeWindow.Std(),
		}, prov, host, st,
			log.With().Str("comp", "dispatch").Str("platform", p).Logger())

		x := capture.NewExtractor(capture.AnchorsFor(prov),
			cfg.Capture.PreviewLimit, cfg.Capture.AttachmentFallbackBytes)
		detectors[prov] = capture.NewDetector(x, dc,
			log.With().Str("comp", "detector").Str("platform", p).Logger())
	}

	return &App{
		cfgm:      cfgm,
		log:       log.With().Str("comp", "app").Logger(),
		bus:       bus,
		st:        st,
		backend:   backend,
		host:      host,
		detectors: detectors,
	}, nil
}

// Detector returns the capture front-end for a platform, or nil when the
// platform is not configured.
func (a *App) Detector(p event.Provider) *capture.Detector {
	return a.detectors[p]
}

// UI builds a control-surface client bound to the coordinator host.
func (a *App) UI() *ui.Client {
	return ui.New(a.host, a.bus, a.log.With().Str("comp", "ui").Logger())
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	cfg := a.cfgm.Get()

	// Cold-start the coordinator now so the pending queue drains at boot
	// instead of on the first detection. On a fresh install (no persisted
	// mode yet) the configured capture mode seeds the coordinator; a mode
	// persisted by a previous session wins over the file.
	warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
	env := protocol.Envelope{
		Source: protocol.SourceBackground,
		Type:   protocol.TypeGetState,
	}
	if fields, err := a.st.LoadState(warmCtx); err == nil && strings.TrimSpace(fields[store.KeyMode]) == "" {
		env.Type = protocol.TypeSetMode
		env.Mode = protocol.ParseMode(cfg.Capture.Mode)
	}
	r := a.host.Command(warmCtx, env)
	warmCancel()
	if r.Error != "" {
		a.log.Warn().Str("err", r.Error).Msg("initial state load failed")
	}

	if cfg.Metrics.Enabled {
		go observability.Serve(runCtx, cfg.Metrics.Listen,
			a.log.With().Str("comp", "metrics").Logger())
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(cfg.Backend.HealthRecheck, func() {
		cctx, ccancel := context.WithTimeout(runCtx, time.Minute)
		defer ccancel()
		a.host.Command(cctx, protocol.Envelope{
			Source: protocol.SourceBackground,
			Type:   protocol.TypeRefreshHealth,
		})
	}); err != nil {
		cancel()
		return fmt.Errorf("health recheck schedule %q: %w", cfg.Backend.HealthRecheck, err)
	}
	a.cron.Start()

	go func() {
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn().Err(err).Msg("config watch stopped")
		}
	}()
	sub := a.cfgm.Subscribe()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg := <-sub:
				if newCfg == nil {
					continue
				}
				// The backend URL is owned by the coordinator; route the
				// change through it so the persisted state stays the
				// authority. Capture and storage settings need a restart.
				cctx, ccancel := context.WithTimeout(runCtx, 30*time.Second)
				rep := a.host.Command(cctx, protocol.Envelope{
					Source: protocol.SourceBackground,
					Type:   protocol.TypeSetBackendURL,
					URL:    newCfg.Backend.BaseURL,
				})
				ccancel()
				if rep.Error != "" {
					a.log.Warn().Str("err", rep.Error).Msg("backend URL reload rejected")
				}
				a.log.Info().Msg("config reloaded; backend URL applied live")
			}
		}
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn().Err(err).Msg("systemd notify failed")
	} else if sent {
		a.log.Debug().Msg("systemd readiness notified")
	}

	a.log.Info().Msg("agent started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cron != nil {
		stopped := a.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	// Let in-flight detections finish dispatching before the store closes.
	for _, d := range a.detectors {
		d.Wait()
	}
	a.host.Close()

	if err := a.st.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close failed")
	}
	a.log.Info().Msg("agent stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
