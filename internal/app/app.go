// Package app wires the daemon together: configuration, logging, storage,
// the session subsystem, the dispatch engine, the scheduler, and the
// optional operator alert and pprof services.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cobrazap/internal/alerts"
	"cobrazap/internal/channel/whatsapp"
	"cobrazap/internal/config"
	"cobrazap/internal/dispatch"
	"cobrazap/internal/eventbus"
	"cobrazap/internal/observability/pprof"
	"cobrazap/internal/scheduler"
	"cobrazap/internal/session"
	"cobrazap/internal/store"
	logx "cobrazap/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	store    store.Store
	sessions *session.Manager
	engine   *dispatch.Engine
	sched    *scheduler.Service
	alerts   *alerts.Service
	pprof    *pprof.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
	cfgCh  chan *config.Config
}

// New loads the config file at path and builds every component. Nothing is
// started yet; call Start.
func New(path string) (*App, error) {
	cfgMgr := config.NewManager(path)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log.With(logx.String("comp", "app")),
		bus:    eventbus.New(),
	}

	if err := a.build(cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	credDir := cfg.Channel.DataDir
	if credDir == "" {
		credDir = "./data/sessions"
	}
	if err := os.MkdirAll(credDir, 0o755); err != nil {
		return fmt.Errorf("create channel data dir: %w", err)
	}
	factory := whatsapp.NewFactory(log.With(logx.String("comp", "whatsapp")))
	a.sessions = session.NewManager(
		session.NewRegistry(),
		factory,
		filepath.Clean(credDir),
		a.bus,
		log.With(logx.String("comp", "session")),
	)

	sched := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Spec:     cfg.Scheduler.Spec,
		Timezone: cfg.Scheduler.Timezone,
	}, a.sweepJob, log.With(logx.String("comp", "scheduler")))
	a.sched = sched

	loc, err := sched.Location()
	if err != nil {
		return fmt.Errorf("scheduler timezone: %w", err)
	}
	a.engine = dispatch.New(st, a.sessions, dispatch.Config{
		RatePerSec: cfg.Dispatch.RatePerSec,
		Location:   loc,
	}, a.bus, log.With(logx.String("comp", "dispatch")))

	if cfg.Alerts != nil {
		svc, err := alerts.New(alerts.Config{
			Enabled: cfg.Alerts.Enabled,
			Token:   cfg.Alerts.Token,
			ChatID:  cfg.Alerts.ChatID,
		}, a.bus, log.With(logx.String("comp", "alerts")))
		if err != nil {
			return fmt.Errorf("alerts: %w", err)
		}
		a.alerts = svc
	}

	a.pprof = pprof.New(pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}, log.With(logx.String("comp", "pprof")))

	return nil
}

// Start brings the daemon up: connected tenants are resumed, the scheduler
// armed, and auxiliary services launched. Config changes on disk are picked
// up for log level adjustments without a restart.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	if a.alerts != nil {
		a.alerts.Start(runCtx)
	}
	if err := a.pprof.Start(runCtx); err != nil {
		return fmt.Errorf("pprof: %w", err)
	}
	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	a.resumeSessions(runCtx)
	a.watchConfig(runCtx)

	a.log.Info("daemon started")
	return nil
}

// resumeSessions re-dials every tenant whose channel is enabled. A tenant
// that was paired before the restart comes back without showing a QR; one
// that was not goes through pairing again on its next Start.
func (a *App) resumeSessions(ctx context.Context) {
	tenants, err := a.store.ListChannelTenants(ctx)
	if err != nil {
		a.log.Error("list tenants for resume failed", logx.Err(err))
		return
	}
	for _, t := range tenants {
		if err := a.sessions.Start(ctx, t.ID); err != nil {
			a.log.Warn("session resume failed",
				logx.String("tenant", t.ID), logx.Err(err))
		}
	}
	if len(tenants) > 0 {
		a.log.Info("sessions resumed", logx.Int("count", len(tenants)))
	}
}

func (a *App) watchConfig(ctx context.Context) {
	a.cfgCh = a.cfgMgr.Subscribe(4)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-a.cfgCh:
				if !ok {
					return
				}
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config reloaded",
					logx.String("level", cfg.Logging.Level))
			}
		}
	}()
}

func (a *App) sweepJob(ctx context.Context) {
	a.engine.SweepAll(ctx)
}

// Stop shuts components down in reverse dependency order. Sessions are
// closed without logging out, so credentials survive for the next start.
func (a *App) Stop(ctx context.Context) {
	a.log.Info("daemon stopping")

	a.sched.Stop(ctx)
	a.sessions.StopAll(ctx)
	if a.alerts != nil {
		a.alerts.Stop(ctx)
	}
	a.pprof.Stop(ctx)

	if a.cancel != nil {
		a.cancel()
	}
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
	}
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	_ = a.logSvc.Close()
}

// ---- Operational façade ----

// StartSession dials the tenant's channel. Restarting an active session
// tears the old one down first.
func (a *App) StartSession(ctx context.Context, tenantID string) error {
	return a.sessions.Start(ctx, tenantID)
}

// StopSession closes the tenant's session without logging the device out.
func (a *App) StopSession(ctx context.Context, tenantID string) error {
	return a.sessions.Stop(ctx, tenantID)
}

// SessionStatus reports the tenant's current connection state.
func (a *App) SessionStatus(tenantID string) session.Status {
	return a.sessions.Status(tenantID)
}

// SweepNow triggers the tenant's daily sweep outside of the schedule.
func (a *App) SweepNow(ctx context.Context, tenantID string) (dispatch.Result, error) {
	return a.engine.RunDailySweep(ctx, tenantID)
}

// SendSingle sends one record's reminder immediately, bypassing the due-date
// guard.
func (a *App) SendSingle(ctx context.Context, tenantID, recordID string) error {
	return a.engine.SendSingle(ctx, tenantID, recordID)
}
