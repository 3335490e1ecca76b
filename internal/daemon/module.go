// Package daemon composes the whole application with fx.
package daemon

import (
	"context"
	"strings"

	"github.com/tidehub/wagate/internal/broadcast"
	"github.com/tidehub/wagate/internal/bus"
	"github.com/tidehub/wagate/internal/config"
	"github.com/tidehub/wagate/internal/ingest"
	"github.com/tidehub/wagate/internal/lock"
	"github.com/tidehub/wagate/internal/logging"
	"github.com/tidehub/wagate/internal/media"
	"github.com/tidehub/wagate/internal/paths"
	"github.com/tidehub/wagate/internal/protocol"
	"github.com/tidehub/wagate/internal/session"
	"github.com/tidehub/wagate/internal/store"
	"github.com/tidehub/wagate/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the startup inputs passed to the fx module.
type Params struct {
	ConfigPath string // empty = <data-dir>/config.toml with defaults
	Sessions   []string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLayout,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideMediaStore,
			provideDialer,
			provideRegistry,
			provideScheduler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = paths.New(config.Default().DataDir, "").ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLayout(cfg *config.Config) (paths.Layout, error) {
	layout := paths.New(cfg.DataDir, cfg.MediaDir)
	if err := layout.EnsureDirs(); err != nil {
		return paths.Layout{}, err
	}
	return layout, nil
}

func provideLogger(layout paths.Layout) (*zap.Logger, error) {
	return logging.New(layout.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(layout paths.Layout, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("path", layout.LockPath()))
	l, err := lock.Acquire(layout.DataDir())
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideStore(layout paths.Layout, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(layout.StoreDBPath())
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", layout.StoreDBPath()))
	return db, nil
}

func provideMediaStore(layout paths.Layout, logger *zap.Logger) *media.Store {
	return media.NewStore(layout.MediaDir(), logger)
}

func provideDialer(layout paths.Layout, logger *zap.Logger) protocol.Dialer {
	return wa.NewDialer(layout, logger)
}

func provideRegistry(dialer protocol.Dialer, db *store.DB, mediaStore *media.Store, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *session.Registry {
	opts := session.Options{
		Backoff: session.Backoff{
			Base: cfg.Reconnect.BaseDelay.Std(),
			Max:  cfg.Reconnect.MaxDelay.Std(),
		},
		MaxAttempts:       cfg.Reconnect.MaxAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		SettleDelay:       cfg.SettleDelay.Std(),
	}
	return session.NewRegistry(dialer, db, mediaStore, b, logger, opts, cfg.HistoryChunkSize)
}

// registrySource bridges the session registry to the broadcast
// scheduler without the scheduler importing session internals.
type registrySource struct {
	registry *session.Registry
}

func (r registrySource) SendConn(sessionID string) (protocol.Conn, error) {
	conn, _, err := r.registry.SendHandle(sessionID)
	return conn, err
}

func (r registrySource) Recorder(sessionID string) (broadcast.Recorder, error) {
	_, pipeline, err := r.registry.SendHandle(sessionID)
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

var (
	_ broadcast.SessionSource = registrySource{}
	_ broadcast.Recorder      = (*ingest.Pipeline)(nil)
)

func provideScheduler(db *store.DB, registry *session.Registry, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *broadcast.Scheduler {
	return broadcast.NewScheduler(
		db,
		registrySource{registry: registry},
		b,
		logger,
		cfg.Broadcast.DailyCap,
		cfg.Broadcast.MinDelay.Std(),
		cfg.Broadcast.MaxDelay.Std(),
	)
}

func registerLifecycle(lc fx.Lifecycle, p Params, registry *session.Registry, scheduler *broadcast.Scheduler, lk *lock.Lock, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) {
	stopWatch := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go watchBus(b, logger, stopWatch)

			// Resume everything that was running before the last
			// shutdown, then any sessions named on the command line.
			registry.BootPersisted(context.Background())
			for _, id := range p.Sessions {
				if err := registry.Start(context.Background(), id); err != nil {
					logger.Error("failed to start session", zap.String("session", id), zap.Error(err))
				}
			}

			registry.StartSweeper(cfg.SweepInterval.Std())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			scheduler.Wait()
			registry.Shutdown()
			close(stopWatch)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// watchBus mirrors lifecycle events into the log so the daemon's
// behavior is observable without a client attached.
func watchBus(b *bus.Bus, logger *zap.Logger, stop <-chan struct{}) {
	ch, unsubscribe := b.Subscribe("", 128)
	defer unsubscribe()
	for {
		select {
		case ev := <-ch:
			if strings.HasPrefix(ev.Kind, "broadcast.sent") {
				continue // per-recipient noise, the job summary is enough
			}
			logger.Info("event",
				zap.String("kind", ev.Kind),
				zap.String("session", ev.Session))
		case <-stop:
			return
		}
	}
}
