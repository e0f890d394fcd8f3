package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"keyreplacer/internal/config"
	"keyreplacer/internal/expander"
	"keyreplacer/internal/health"
	"keyreplacer/internal/history"
	"keyreplacer/internal/inject"
	"keyreplacer/internal/ipc"
	"keyreplacer/internal/keystroke"
	"keyreplacer/internal/logging"
	"keyreplacer/internal/mappings"
	"keyreplacer/internal/metrics"
	"keyreplacer/internal/notify"
)

// historyRetention is how long expansion history is kept.
const historyRetention = 90 * 24 * time.Hour

// minFreeDisk is below which the data directory reports degraded.
const minFreeDisk = 16 << 20

// daemonOptions configure a daemon. Nil collaborators are created from
// the configuration.
type daemonOptions struct {
	ConfigPath string
	Config     *config.Config
	Logger     *logging.Logger
	DryRun     bool

	Source   keystroke.Source
	Injector inject.Injector
	Notify   notify.Sender
	Registry *metrics.Registry
}

// daemon wires the engine to persistence, notifications, metrics and the
// control socket. It implements ipc.Controller.
type daemon struct {
	cfgMu  sync.RWMutex
	cfg    *config.Config
	loader *config.Loader
	logger *logging.Logger

	store    *mappings.Store
	engine   *expander.Engine
	injector inject.Injector
	history  *history.DB
	notifier *notify.Notifier
	server   *ipc.Server
	registry *metrics.Registry
	metrics  *metrics.ExpanderMetrics
	health   *health.Checker
	crash    *logging.CrashHandler

	dryRun    bool
	echo      io.Writer
	startedAt time.Time
	cancel    context.CancelFunc
}

func limitsOf(s config.Settings) mappings.Limits {
	return mappings.Limits{
		MaxKeyLength:   s.MaxKeyLength,
		MaxValueLength: s.MaxValueLength,
		CaseSensitive:  s.CaseSensitive,
	}
}

func openStore(cfg *config.Config, logger *slog.Logger) (*mappings.Store, error) {
	return mappings.Open(mappings.Options{
		Path:           cfg.MappingsPath(),
		BackupDir:      cfg.BackupDir(),
		Limits:         limitsOf(cfg.Settings),
		AutoBackup:     cfg.Advanced.AutoBackup,
		BackupInterval: cfg.Advanced.BackupInterval(),
		MaxBackups:     cfg.Advanced.MaxBackupFiles,
		Logger:         logger,
	})
}

func newDaemon(opts daemonOptions) (*daemon, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:      cfg,
		loader:   config.NewLoader(opts.ConfigPath),
		logger:   logger,
		dryRun:   opts.DryRun,
		registry: opts.Registry,
		crash:    logging.NewCrashHandler(filepath.Join(cfg.Paths.CacheDir, "crashes"), Version, "expander", logger),
	}

	var err error
	if d.store, err = openStore(cfg, logger.Logger); err != nil {
		return nil, fmt.Errorf("open mappings: %w", err)
	}

	if d.history, err = history.Open(cfg.HistoryPath()); err != nil {
		logger.Warn("expansion history disabled", "path", cfg.HistoryPath(), "error", err)
		d.history = nil
	} else if n, err := d.history.Prune(time.Now().Add(-historyRetention)); err != nil {
		logger.Warn("prune history", "error", err)
	} else if n > 0 {
		logger.Info("pruned history", "entries", n)
	}

	d.notifier = notify.New(notify.Options{
		AppName: config.AppName,
		Enabled: cfg.Settings.ShowNotifications,
		Logger:  logger.Logger,
		Sender:  opts.Notify,
	})

	d.injector = opts.Injector
	if d.injector == nil {
		if d.injector, err = inject.Probe(inject.Options{Backend: cfg.Injector.Backend, Logger: logger.Logger}); err != nil {
			logger.Warn("expansions will fail until an injection backend is available", "error", err)
		}
	}

	source := opts.Source
	if source == nil {
		source = keystroke.New()
	}

	d.engine, err = expander.New(expander.Options{
		Source:    source,
		Injector:  d.injector,
		Mappings:  d.store.Table(),
		Settings:  cfg.Settings,
		Callbacks: d.callbacks(),
		Logger:    logger.Logger,
		OnPanic: func(v any, stack []byte) {
			if _, err := d.crash.Report(v, stack, map[string]string{"path": "token"}); err != nil {
				logger.Warn("write crash report", "error", err)
			}
		},
	})
	if err != nil {
		d.closeResources()
		return nil, err
	}

	if d.registry == nil {
		d.registry = metrics.Default()
	}
	d.metrics = metrics.NewExpanderMetrics(d.registry, d.sample)

	d.store.OnChange(func(t *mappings.Table) {
		d.engine.UpdateMappings(t)
		d.broadcast(ipc.EventMappingsChanged, ipc.MappingsEvent{Count: t.Len(), Digest: t.Digest()})
	})
	d.loader.OnChange(d.applyConfig)
	d.health = d.newChecker(cfg)

	if cfg.IPC.Enabled {
		d.server = ipc.NewServer(ipc.ServerConfig{
			SocketPath:     cfg.IPC.SocketPath,
			Version:        Version,
			MaxConnections: cfg.IPC.MaxConnections,
			WriteTimeout:   time.Duration(cfg.IPC.TimeoutSec) * time.Second,
			Logger:         logger.Logger,
		}, ipc.NewDaemonHandler(d, logger.Logger))
	}
	return d, nil
}

func (d *daemon) newChecker(cfg *config.Config) *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("engine", true, health.CustomCheck(func() error {
		if d.engine.State() == expander.Stopped {
			return expander.ErrNotRunning
		}
		return nil
	}))
	c.RegisterFunc("injector", false, health.CustomCheck(func() error {
		if u, ok := d.injector.(*inject.Unavailable); ok {
			return fmt.Errorf("%w: %s", inject.ErrNoBackend, u.Reason())
		}
		return nil
	}))
	c.RegisterFunc("history", false, health.PingCheck("history", d.history.Ping))
	c.RegisterFunc("mappings", false, health.FileCheck(cfg.MappingsPath(), true))
	c.RegisterFunc("disk", false, health.DiskSpaceCheck(cfg.Paths.DataDir, minFreeDisk))
	if r := d.logger.Rotator(); r != nil {
		c.RegisterFunc("log", false, health.FileCheck(r.Path(), false))
	}
	return c
}

// healthRoutes are served next to /metrics.
func (d *daemon) healthRoutes() map[string]http.Handler {
	return map[string]http.Handler{
		"/healthz": d.health.LivenessHandler(),
		"/readyz":  d.health.ReadinessHandler(),
		"/health":  d.health.HealthHandler(),
	}
}

func (d *daemon) callbacks() expander.Callbacks {
	return expander.Callbacks{
		OnAttempt: d.recordAttempt,
		OnError: func(err error) {
			d.notifier.Error(err)
			d.broadcast(ipc.EventError, ipc.ErrorEvent{Message: err.Error()})
		},
		OnStatusChange: func(s expander.State) {
			d.notifier.Status(s.String())
			d.broadcast(ipc.EventStatus, ipc.StatusEvent{State: s.String()})
		},
	}
}

func (d *daemon) recordAttempt(ev expander.Event, err error) {
	d.metrics.ObserveExpansion(ev.Duration)

	entry := history.Entry{
		Key:      ev.Key,
		Trigger:  ev.Trigger.String(),
		Injector: ev.Injector,
		Duration: ev.Duration,
		OK:       err == nil,
		Time:     ev.Time,
	}
	msg := ipc.ExpansionEvent{
		Key:        ev.Key,
		Trigger:    entry.Trigger,
		Deleted:    ev.Deleted,
		Injector:   ev.Injector,
		DurationMs: float64(ev.Duration.Microseconds()) / 1000,
	}
	if err != nil {
		entry.Error = err.Error()
		msg.Error = entry.Error
	}

	if d.history != nil {
		if _, herr := d.history.Record(entry); herr != nil {
			d.logger.Warn("record expansion", "error", herr)
		}
	}
	d.broadcast(ipc.EventExpansion, msg)
	d.echoAttempt(ev, err)
}

func (d *daemon) broadcast(t ipc.EventType, data any) {
	if d.server == nil {
		return
	}
	ev, err := ipc.NewEvent(t, data)
	if err != nil {
		d.logger.Warn("encode event", "type", t.String(), "error", err)
		return
	}
	d.server.Broadcast(ev)
}

func (d *daemon) sample() metrics.Sample {
	st := d.engine.Stats()
	return metrics.Sample{
		Tokens:         st.Tokens,
		Expansions:     st.Expansions,
		Failures:       st.InjectionFailures,
		ListenerFaults: st.ListenerFaults,
		SourceRestarts: st.SourceRestarts,
		Mappings:       d.engine.Mappings().Len(),
		State:          int(d.engine.State()),
	}
}

// applyConfig pushes a reloaded configuration into the running components.
// Path, socket and injector changes need a restart.
func (d *daemon) applyConfig(cfg *config.Config) {
	if err := d.engine.ApplySettings(cfg.Settings); err != nil {
		d.logger.Error("apply settings", "error", err)
		return
	}
	d.store.SetLimits(limitsOf(cfg.Settings))
	d.store.SetBackupPolicy(cfg.Advanced.AutoBackup, cfg.Advanced.BackupInterval(), cfg.Advanced.MaxBackupFiles)
	d.notifier.SetEnabled(cfg.Settings.ShowNotifications)

	// A -log-level flag holds until the file changes the level.
	if cfg.Advanced.LogLevel != d.config().Advanced.LogLevel {
		if lvl, err := logging.ParseLevel(cfg.Advanced.LogLevel); err == nil {
			d.logger.SetLevel(lvl)
		}
	}

	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
	d.logger.Info("configuration applied")
}

func (d *daemon) config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// start brings the daemon up. Watchers that fail are logged and skipped;
// only the engine and the control socket are fatal.
func (d *daemon) start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	d.startedAt = time.Now()

	if err := d.engine.Start(ctx); err != nil {
		d.cancel()
		return err
	}

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			d.engine.Stop()
			d.cancel()
			return fmt.Errorf("start control socket: %w", err)
		}
	}

	if err := d.store.Watch(ctx); err != nil {
		d.logger.Warn("mappings file will not be watched", "error", err)
	}
	if _, err := d.loader.Load(); err != nil {
		d.logger.Warn("config hot reload disabled", "error", err)
	} else if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config hot reload disabled", "error", err)
	} else {
		go d.logConfigErrors(ctx)
	}

	if cfg := d.config(); cfg.Metrics.Enabled {
		go func() {
			if err := d.registry.Serve(ctx, cfg.Metrics.ListenAddr, d.logger.Logger, d.healthRoutes()); err != nil {
				d.logger.Error("metrics endpoint", "error", err)
			}
		}()
	}
	d.health.SetReady(true)
	return nil
}

func (d *daemon) logConfigErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-d.loader.Errors():
			if !ok {
				return
			}
			d.logger.Error("config reload rejected", "error", err)
			d.notifier.Error(err)
		}
	}
}

// stop shuts everything down in dependency order.
func (d *daemon) stop() {
	d.health.SetReady(false)
	if err := d.engine.Stop(); err != nil && !errors.Is(err, expander.ErrNotRunning) {
		d.logger.Warn("stop engine", "error", err)
	}
	d.broadcast(ipc.EventShutdown, struct{}{})
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.logger.Warn("stop control socket", "error", err)
		}
	}
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.loader.Close(); err != nil {
		d.logger.Debug("close config watcher", "error", err)
	}
	d.closeResources()
}

func (d *daemon) closeResources() {
	if err := d.history.Close(); err != nil {
		d.logger.Warn("close history", "error", err)
	}
	if d.injector != nil {
		if err := d.injector.Close(); err != nil {
			d.logger.Warn("close injector", "error", err)
		}
	}
	if err := d.notifier.Close(); err != nil {
		d.logger.Debug("close notifier", "error", err)
	}
}

// Status implements ipc.Controller.
func (d *daemon) Status() ipc.StatusResponse {
	st := d.engine.Status()
	return ipc.StatusResponse{
		Version:        Version,
		State:          st.State.String(),
		Paused:         st.State == expander.Paused,
		MappingsCount:  st.Mappings,
		MappingsDigest: st.MappingsDigest,
		System:         runtime.GOOS + "/" + st.Platform,
		Injector:       st.Injector,
		BufferLen:      st.BufferLen,
		Uptime:         time.Since(d.startedAt).Seconds(),
		DryRun:         d.dryRun,
	}
}

// Pause implements ipc.Controller.
func (d *daemon) Pause() (string, error) {
	err := d.engine.Pause()
	return d.engine.State().String(), err
}

// Resume implements ipc.Controller.
func (d *daemon) Resume() (string, error) {
	err := d.engine.Resume()
	return d.engine.State().String(), err
}

// Toggle implements ipc.Controller.
func (d *daemon) Toggle() (string, error) {
	s, err := d.engine.TogglePause()
	return s.String(), err
}

// Reload re-reads the configuration and the mappings file.
func (d *daemon) Reload() (ipc.ReloadResponse, error) {
	cfg, err := d.loader.Load()
	if err != nil {
		return ipc.ReloadResponse{}, err
	}
	d.applyConfig(cfg)

	t, err := d.store.Reload()
	if err != nil {
		return ipc.ReloadResponse{}, err
	}
	d.engine.UpdateMappings(t)
	return ipc.ReloadResponse{MappingsCount: t.Len(), MappingsDigest: t.Digest()}, nil
}

// AddMapping saves the mapping; the store pushes the new table to the engine.
func (d *daemon) AddMapping(key, value string) error {
	_, err := d.store.Add(key, value)
	return err
}

// RemoveMapping implements ipc.Controller.
func (d *daemon) RemoveMapping(key string) error {
	_, err := d.store.Remove(key)
	return err
}

// Mappings implements ipc.Controller.
func (d *daemon) Mappings() ipc.ListMappingsResponse {
	t := d.engine.Mappings()
	return ipc.ListMappingsResponse{Mappings: t.Map(), Digest: t.Digest()}
}

// Stats combines engine counters with the history database.
func (d *daemon) Stats(recent int) (ipc.StatsResponse, error) {
	st := d.engine.Stats()
	resp := ipc.StatsResponse{
		Tokens:            st.Tokens,
		Expansions:        st.Expansions,
		InjectionFailures: st.InjectionFailures,
		ListenerFaults:    st.ListenerFaults,
		SourceRestarts:    st.SourceRestarts,
	}
	if d.history == nil {
		return resp, nil
	}

	sum, err := d.history.Stats()
	if err != nil {
		return resp, err
	}
	resp.HistoryTotal = sum.Total
	resp.HistoryFailures = sum.Failures
	for _, k := range sum.Keys {
		resp.Keys = append(resp.Keys, ipc.KeyCount{Key: k.Key, Count: k.Count, Failures: k.Failures, LastUsed: k.LastUsed})
	}

	if recent > 0 {
		entries, err := d.history.Recent(recent)
		if err != nil {
			return resp, err
		}
		for _, e := range entries {
			resp.Recent = append(resp.Recent, ipc.RecentExpansion{
				Key:        e.Key,
				Trigger:    e.Trigger,
				Injector:   e.Injector,
				DurationMs: float64(e.Duration.Microseconds()) / 1000,
				OK:         e.OK,
				Error:      e.Error,
				Time:       e.Time,
			})
		}
	}
	return resp, nil
}
