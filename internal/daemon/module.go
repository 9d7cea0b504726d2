package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/natskv"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Backend is the remote store the session syncs against.
type Backend interface {
	remote.Store
	Close(ctx context.Context) error
}

type localBackend struct {
	*store.Local
}

// Close applies wills, then closes the database.
func (b localBackend) Close(ctx context.Context) error {
	err := b.Local.Close(ctx)
	return errors.Join(err, b.DB().Close())
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Options(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Module("daemon",
			fx.Supply(p),
			fx.Provide(
				provideConfig,
				provideLogger,
				provideBus,
				provideStateMachine,
				provideRegistry,
				provideMetrics,
				provideLock,
				provideBackend,
				provideDispatcher,
				provideSession,
				provideAPI,
				NewServer,
			),
			fx.Invoke(registerLifecycle),
		),
	)
}

func provideConfig(p Params) (*config.Profile, error) {
	cfg, err := profile.Load(p.ProfileName)
	if err != nil {
		return nil, err
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("profile %q: user_id is not set in %s", p.ProfileName, profile.ConfigPath(p.ProfileName))
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Profile) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}

func provideMetrics(reg *prometheus.Registry) (*metrics.Collectors, error) {
	return metrics.New(reg)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideBackend depends on the lock so no second daemon touches the store.
func provideBackend(p Params, cfg *config.Profile, _ *lock.Lock, b *bus.Bus, m *metrics.Collectors, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendNATS:
		ns, err := natskv.Connect(context.Background(), natskv.Config{
			URL:            cfg.NATS.URL,
			Bucket:         cfg.NATS.Bucket,
			ConnectTimeout: cfg.NATS.ConnectTimeout.Duration,
			Name:           "chatsyncd/" + p.ProfileName,
		}, m, logger.Named("natskv"))
		if err != nil {
			return nil, err
		}
		return ns, nil
	case config.BackendLocal:
		db, err := store.OpenMigrated(cfg.Local.DBPath)
		if err != nil {
			return nil, err
		}
		local := store.NewLocal(db, b, m, logger.Named("store"))
		if err := local.Start(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
		if res, err := db.SchemaVersion(); err == nil {
			logger.Info("local store initialized", zap.String("path", cfg.Local.DBPath), zap.Uint("schema_version", res.Version))
		}
		return localBackend{local}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func provideDispatcher(b *bus.Bus, m *metrics.Collectors, logger *zap.Logger) *notify.Dispatcher {
	notifier := notify.Multi{
		notify.BusNotifier{Bus: b},
		notify.LogNotifier{Logger: logger.Named("notify")},
	}
	return notify.NewDispatcher(notifier, notify.BusSound{Bus: b}, m, logger)
}

func provideSession(backend Backend, cfg *config.Profile, machine *status.Machine, d *notify.Dispatcher, b *bus.Bus, m *metrics.Collectors, logger *zap.Logger) *intsync.Session {
	s := intsync.NewSession(backend, machine, d, b, m, intsync.SessionConfig{
		ShutdownTimeout: cfg.ShutdownTimeout.Duration,
	}, logger.Named("sync"))
	if ns, ok := backend.(*natskv.Store); ok {
		ns.OnReconnect(func() {
			_ = s.Reconnected(context.Background())
		})
	}
	return s
}

func provideAPI(p Params, s *intsync.Session, b *bus.Bus, reg *prometheus.Registry, logger *zap.Logger) *api.Server {
	return api.NewServer(p.ProfileName, s, b, reg, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, backend Backend, s *intsync.Session, cfg *config.Profile, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := srv.Listen(); err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("API server error", zap.Error(err))
				}
			}()

			// A failed start leaves the session in the error state; clients retry over the API.
			if err := s.Start(ctx, cfg.UserID); err != nil {
				logger.Error("sync session start failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if err := s.Stop(ctx); err != nil {
				logger.Warn("error stopping sync session", zap.Error(err))
			}
			s.Close()
			if err := backend.Close(ctx); err != nil {
				logger.Warn("error closing backend", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
