// Package daemon composes wpphubd with fx.
package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/wpphub/internal/api"
	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/config"
	"github.com/matheus3301/wpphub/internal/directory"
	"github.com/matheus3301/wpphub/internal/health"
	"github.com/matheus3301/wpphub/internal/inbound"
	"github.com/matheus3301/wpphub/internal/lock"
	"github.com/matheus3301/wpphub/internal/logging"
	"github.com/matheus3301/wpphub/internal/msgcache"
	"github.com/matheus3301/wpphub/internal/notify"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	"github.com/matheus3301/wpphub/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
	// LockPath overrides config.LockPath, for tests.
	LockPath string
}

// Module returns the fx module for the daemon.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p, p.Config),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideDirectory,
			provideCache,
			provideDialer,
			provideNotifier,
			provideRegistry,
			provideHealth,
			provideAPI,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Path, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	path := p.LockPath
	if path == "" {
		path = config.LockPath()
	}
	logger.Info("acquiring daemon lock", zap.String("path", path))
	l, err := lock.Acquire(path)
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.Store.Dialect, cfg.Store.DSN)
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
	logger.Info("store initialized", zap.String("dialect", db.Dialect()))
	return db, nil
}

func provideDirectory(lc fx.Lifecycle, cfg *config.Config, db *store.DB, logger *zap.Logger) (session.Directory, error) {
	if cfg.Directory.Driver != "mongo" {
		return db.Directory(), nil
	}
	m, err := directory.Open(context.Background(), directory.Options{
		URI:        cfg.Directory.MongoURI,
		Database:   cfg.Directory.Database,
		Collection: cfg.Directory.Collection,
		Field:      cfg.Directory.Field,
	}, logger.Named("directory"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(m.Close))
	logger.Info("user directory on mongo",
		zap.String("database", cfg.Directory.Database),
		zap.String("collection", cfg.Directory.Collection))
	return m, nil
}

func provideCache(cfg *config.Config) *msgcache.Cache {
	return msgcache.New(msgcache.Options{
		MessageTTL: cfg.Cache.MessageTTL.Duration,
		SentTTL:    cfg.Cache.SentTTL.Duration,
		Size:       cfg.Cache.Size,
	})
}

func provideDialer(cfg *config.Config, logger *zap.Logger) (*wa.Dialer, error) {
	return wa.NewDialer(context.Background(), cfg.Store.Dialect, cfg.Store.DSN,
		cfg.Device.Name, cfg.Log.LibraryLevel, logger.Named("wa"))
}

func provideNotifier(cfg *config.Config, logger *zap.Logger) *notify.Sender {
	return notify.NewHTTPSender(cfg.Notify.URL, cfg.Notify.Timeout.Duration, cfg.Notify.QueueSize, logger.Named("notify"))
}

type registryParams struct {
	fx.In

	Config    *config.Config
	Dialer    *wa.Dialer
	Store     *store.DB
	Directory session.Directory
	Notifier  *notify.Sender
	Cache     *msgcache.Cache
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func provideRegistry(p registryParams) *session.Registry {
	cfg := p.Config
	return session.NewRegistry(session.Options{
		Dialer:      p.Dialer,
		Credentials: p.Store.Credentials(),
		Directory:   p.Directory,
		Notifier:    p.Notifier,
		Handlers:    inbound.Handlers(cfg.Inbound.URL, cfg.Inbound.Timeout.Duration, p.Logger.Named("inbound")),
		Cache:       p.Cache,
		Bus:         p.Bus,
		Policy: session.Policy{
			BaseDelay:   cfg.Reconnect.BaseDelay.Duration,
			MaxDelay:    cfg.Reconnect.MaxDelay.Duration,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Parallelism:    cfg.Reconnect.Parallelism,
		HandlerTimeout: cfg.Inbound.Timeout.Duration,
		Logger:         p.Logger.Named("session"),
	})
}

// provideHealth returns nil when no socket is configured.
func provideHealth(cfg *config.Config, b *bus.Bus, reg *session.Registry, logger *zap.Logger) (*health.Server, error) {
	if cfg.Health.Socket == "" {
		return nil, nil
	}
	return health.NewServer(cfg.Health.Socket, b, reg, logger.Named("health"))
}

func provideAPI(cfg *config.Config, reg *session.Registry, logger *zap.Logger) (*api.Server, error) {
	return api.NewServer(cfg.HTTP.Listen, reg, logger.Named("api"))
}

type lifecycleParams struct {
	fx.In

	Lock     *lock.Lock
	Store    *store.DB
	Dialer   *wa.Dialer
	Notifier *notify.Sender
	Registry *session.Registry
	Health   *health.Server
	API      *api.Server
	Logger   *zap.Logger
}

// reconnectTimeout bounds the startup pass over previously connected users.
const reconnectTimeout = 5 * time.Minute

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	var (
		bg     context.Context
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			bg, cancel = context.WithCancel(context.Background())
			p.Notifier.Start(bg)
			if p.Health != nil {
				p.Health.Start(bg)
			}
			p.API.Start()

			go func() {
				defer close(done)
				ctx, stop := context.WithTimeout(bg, reconnectTimeout)
				defer stop()
				if err := p.Registry.ReconnectAll(ctx); err != nil {
					p.Logger.Error("reconnect users", zap.Error(err))
				}
			}()
			p.Logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := p.API.Stop(ctx); err != nil {
				p.Logger.Warn("error stopping http api", zap.Error(err))
			}
			cancel()
			<-done
			if err := p.Registry.Shutdown(ctx); err != nil {
				p.Logger.Warn("error shutting down sessions", zap.Error(err))
			}
			p.Notifier.Stop()
			if p.Health != nil {
				p.Health.Stop(ctx)
			}
			if err := p.Dialer.Close(); err != nil {
				p.Logger.Warn("error closing device store", zap.Error(err))
			}
			if err := p.Store.Close(); err != nil {
				p.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				p.Logger.Warn("error releasing lock", zap.Error(err))
			}
			p.Logger.Info("daemon stopped")
			_ = p.Logger.Sync()
			return nil
		},
	})
}
