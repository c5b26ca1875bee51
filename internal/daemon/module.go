// Package daemon wires the sync engine together as an fx application: one
// profile, one lock, one connection, one local cache.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/morada-app/chatsync/internal/bus"
	"github.com/morada-app/chatsync/internal/config"
	"github.com/morada-app/chatsync/internal/conn"
	"github.com/morada-app/chatsync/internal/history"
	"github.com/morada-app/chatsync/internal/lock"
	"github.com/morada-app/chatsync/internal/logging"
	"github.com/morada-app/chatsync/internal/presence"
	"github.com/morada-app/chatsync/internal/profile"
	"github.com/morada-app/chatsync/internal/queue"
	"github.com/morada-app/chatsync/internal/session"
	"github.com/morada-app/chatsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
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
			provideStateMachine,
			provideLock,
			provideStore,
			provideConnManager,
			provideQueue,
			provideHistory,
			provideTracker,
			provideSessionManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	path := profile.ConfigPath()
	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		cfg = config.Default()
		if saveErr := config.Save(path, cfg); saveErr != nil {
			return nil, saveErr
		}
		return cfg, nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *conn.Machine {
	return conn.NewMachine(b)
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
	db, err := store.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideConnManager(p Params, cfg *config.Config, machine *conn.Machine, b *bus.Bus, logger *zap.Logger) (*conn.Manager, error) {
	token, err := profile.Token(p.ProfileName)
	if err != nil {
		return nil, fmt.Errorf("no credential for profile %q: %w", p.ProfileName, err)
	}
	opts := conn.Options{
		URL:                  cfg.Server.SocketURL,
		Token:                token,
		HeartbeatInterval:    time.Duration(cfg.Sync.HeartbeatIntervalMs) * time.Millisecond,
		HeartbeatTimeout:     time.Duration(cfg.Sync.HeartbeatTimeoutMs) * time.Millisecond,
		BackoffBase:          time.Duration(cfg.Sync.BackoffBaseMs) * time.Millisecond,
		BackoffCap:           time.Duration(cfg.Sync.BackoffCapMs) * time.Millisecond,
		MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts,
	}
	return conn.NewManager(opts, machine, b, logger), nil
}

func provideQueue(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *queue.Queue {
	return queue.New(cfg.Sync.QueueCapacity, b, logger)
}

func provideHistory(p Params, cfg *config.Config, logger *zap.Logger) (*history.Client, error) {
	token, err := profile.Token(p.ProfileName)
	if err != nil {
		return nil, err
	}
	return history.NewClient(cfg.Server.APIURL, token, logger), nil
}

func provideTracker(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(time.Duration(cfg.Sync.TypingExpiryMs)*time.Millisecond, b, logger)
}

func provideSessionManager(cfg *config.Config, cm *conn.Manager, q *queue.Queue, db *store.DB, hc *history.Client, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *session.Manager {
	selfID := os.Getenv("MORADA_USER_ID")
	if selfID == "" {
		selfID = cfg.UserID
	}
	return session.NewManager(cm, q, db, hc, tracker, b, cfg.Sync, selfID, logger)
}

func registerLifecycle(lc fx.Lifecycle, cm *conn.Manager, sessions *session.Manager, tracker *presence.Tracker, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("connecting to messaging backend")
			return cm.Connect(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			sessions.CloseAll(ctx)
			cm.Disconnect()
			tracker.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
