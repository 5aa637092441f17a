// Package daemon composes the gateway process: configuration, storage
// backend selection, callback sinks, the socket factory, and the session
// registry, wired together as an fx module.
package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/wppgw/internal/bus"
	"github.com/matheus3301/wppgw/internal/callback"
	"github.com/matheus3301/wppgw/internal/config"
	"github.com/matheus3301/wppgw/internal/instance"
	"github.com/matheus3301/wppgw/internal/lock"
	"github.com/matheus3301/wppgw/internal/logging"
	"github.com/matheus3301/wppgw/internal/session"
	"github.com/matheus3301/wppgw/internal/status"
	"github.com/matheus3301/wppgw/internal/storage"
	"github.com/matheus3301/wppgw/internal/storage/filestore"
	"github.com/matheus3301/wppgw/internal/storage/litestore"
	"github.com/matheus3301/wppgw/internal/storage/redistore"
	"github.com/matheus3301/wppgw/internal/wa"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the command-line inputs passed to the fx module.
type Params struct {
	ConfigPath string
	// Sessions are keys to bring up at startup in addition to the
	// restored ones. A key without persisted credentials starts pairing.
	Sessions []string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideWSSink,
			provideAMQPSink,
			provideRouter,
			provideFactory,
			provideRegistry,
			provideOpener,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := session.EnsureBase(); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger() (*zap.Logger, error) {
	return logging.New(session.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	l, err := lock.TryAcquire(session.LockPath())
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired", zap.String("path", session.LockPath()))
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	return openStore(cfg, logger)
}

// openStore selects the document store backend from configuration.
func openStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendFile:
		dir := cfg.Storage.Dir
		if dir == "" {
			dir = session.DataDir()
		}
		return filestore.New(dir, logger)
	case config.BackendSQLite:
		path := cfg.Storage.Path
		if path == "" {
			path = session.StoreDBPath()
		}
		return litestore.Open(path, logger)
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Addr,
			Password: cfg.Storage.Password,
			DB:       cfg.Storage.DB,
		})
		return redistore.New(context.Background(), client, "wppgw", logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func provideWSSink(cfg *config.Config, logger *zap.Logger) *callback.WSSink {
	return callback.NewWSSink(cfg.WS.Enabled, cfg.WS.Filters, logger)
}

// provideAMQPSink returns nil when the broker sink is disabled; the router
// provider tolerates that.
func provideAMQPSink(cfg *config.Config, logger *zap.Logger) (*callback.AMQPSink, error) {
	if !cfg.AMQP.Enabled {
		return nil, nil
	}
	return callback.NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Filters, logger)
}

func provideRouter(cfg *config.Config, ws *callback.WSSink, amqp *callback.AMQPSink, logger *zap.Logger) *callback.Router {
	router := callback.NewRouter(logger,
		callback.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Enabled, cfg.Webhook.Filters, logger),
		ws,
	)
	if amqp != nil {
		router.Register(amqp)
	}
	return router
}

func provideFactory(logger *zap.Logger) *wa.Factory {
	return wa.NewFactory(logger)
}

func provideRegistry(b *bus.Bus, logger *zap.Logger) *instance.Registry {
	return instance.NewRegistry(b, logger)
}

func provideOpener(cfg *config.Config, st storage.Store, factory *wa.Factory, router *callback.Router, b *bus.Bus, logger *zap.Logger) instance.Opener {
	return func(ctx context.Context, key string) (*instance.Instance, error) {
		if err := session.ValidateKey(key); err != nil {
			return nil, err
		}
		return instance.New(ctx, instanceConfig(cfg, key), st, factory, router, b, logger)
	}
}

// instanceConfig maps the global lifecycle policy onto one session.
func instanceConfig(cfg *config.Config, key string) instance.Config {
	return instance.Config{
		Key:                         key,
		DropCredentialsOnFatalClose: cfg.Instance.DropCredentialsOnClose,
		MarkMessagesRead:            cfg.Instance.MarkMessagesRead,
		MaxQRRetries:                cfg.Instance.MaxQRRetries,
		MaxInitRetries:              cfg.Instance.MaxInitRetries,
		ClientName:                  cfg.Instance.ClientName,
		RenderQR:                    wa.RenderQR,
		WipeCredentials:             wa.WipeCredentials,
	}
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	cfg *config.Config,
	srv *Server,
	lk *lock.Lock,
	reg *instance.Registry,
	st storage.Store,
	open instance.Opener,
	ws *callback.WSSink,
	amqp *callback.AMQPSink,
	b *bus.Bus,
	logger *zap.Logger,
) {
	events, cancelEvents := b.Subscribe("instance.", 64)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go watchInstanceEvents(events, logger)
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("websocket server error", zap.Error(err))
				}
			}()

			// Session bring-up dials the network; do not hold the fx
			// start hook hostage to it.
			go func() {
				ctx := context.Background()
				if cfg.Instance.RestoreOnStartup {
					reg.RestoreAll(ctx, st, open)
				}
				for _, key := range p.Sessions {
					if _, exists := reg.Get(key); exists {
						continue
					}
					startSession(ctx, reg, open, key, logger)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelEvents()
			reg.Shutdown()
			srv.Stop(ctx)
			ws.CloseAll()
			if amqp != nil {
				amqp.Close()
			}
			if err := st.Close(); err != nil {
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

// watchInstanceEvents mirrors session lifecycle events into the daemon log
// so state transitions stay observable even with every callback sink
// disabled. Returns when the channel is closed.
func watchInstanceEvents(events <-chan bus.Event, logger *zap.Logger) {
	for evt := range events {
		fields := []zap.Field{
			zap.String("kind", evt.Kind),
			zap.String("session", evt.Instance),
		}
		if change, ok := evt.Payload.(status.StatusChange); ok {
			fields = append(fields,
				zap.String("from", string(change.From)),
				zap.String("to", string(change.To)))
		}
		logger.Info("lifecycle event", fields...)
	}
}

func startSession(ctx context.Context, reg *instance.Registry, open instance.Opener, key string, logger *zap.Logger) {
	inst, err := open(ctx, key)
	if err != nil {
		logger.Error("session not created", zap.String("session", key), zap.Error(err))
		return
	}
	if err := inst.Init(ctx); err != nil {
		logger.Error("session init failed", zap.String("session", key), zap.Error(err))
		return
	}
	if err := reg.Register(inst); err != nil {
		logger.Error("session not registered", zap.String("session", key), zap.Error(err))
		inst.Shutdown()
	}
}
