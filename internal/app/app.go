// Package app wires together storage, presence, fan-out, services and
// transport into a runnable server.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaychat/relay-server/internal/auth"
	"github.com/relaychat/relay-server/internal/bus"
	"github.com/relaychat/relay-server/internal/config"
	"github.com/relaychat/relay-server/internal/gateway"
	"github.com/relaychat/relay-server/internal/presence"
	"github.com/relaychat/relay-server/internal/queue"
	"github.com/relaychat/relay-server/internal/service/conversations"
	"github.com/relaychat/relay-server/internal/service/delivery"
	"github.com/relaychat/relay-server/internal/store"
	"github.com/relaychat/relay-server/internal/store/sqlite"
	transporthttp "github.com/relaychat/relay-server/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	gateway         *gateway.Gateway
	store           store.Store
	redis           *redis.Client
	notifQueue      *queue.RedisQueue
	log             *zerolog.Logger
}

// New constructs the application with the provided configuration. When
// cfg.RedisAddr is set the presence tracker, fan-out bus and notification
// queue run on Redis and the process participates in cross-process routing;
// otherwise single-process in-memory equivalents are used.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	var (
		rdb        *redis.Client
		tracker    presence.Tracker
		fanout     bus.Bus
		enqueuer   queue.Enqueuer
		notifQueue *queue.RedisQueue
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			st.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		tracker = presence.NewRedis(rdb, cfg.PresenceTTL)
		fanout = bus.NewRedis(rdb, logger)
		notifQueue = queue.NewRedis(rdb, logger, cfg.QueueAttempts, cfg.QueueBackoffBase)
		enqueuer = notifQueue
		logger.Info().Str("redis_addr", cfg.RedisAddr).Msg("cross-process mode enabled")
	} else {
		tracker = presence.NewMemory(cfg.PresenceTTL)
		fanout = bus.NewLocal()
		enqueuer = queue.NewDiscard(logger)
		logger.Info().Msg("single-process mode, redis disabled")
	}

	authService := auth.NewService(&auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      24 * time.Hour,
	})

	deliverySvc := delivery.NewService(st, fanout, enqueuer, logger)
	convsSvc := conversations.NewService(st, logger)
	gw := gateway.New(tracker, fanout, deliverySvc, logger, cfg.HeartbeatInterval)

	server := transporthttp.NewServer(cfg, authService, gw, convsSvc, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		gateway:         gw,
		store:           st,
		redis:           rdb,
		notifQueue:      notifQueue,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// error.
func (a *App) Run(ctx context.Context) error {
	if err := a.gateway.Start(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("start gateway: %w", err)
	}

	if a.notifQueue != nil {
		go a.notifQueue.Run(ctx, a.notify)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// notify is the notification queue consumer. Actual push delivery belongs to
// an external provider integration; the job is logged so operators can see
// the pipeline working end to end.
func (a *App) notify(_ context.Context, job queue.Job) error {
	a.log.Info().
		Str("user_id", job.UserID).
		Str("title", job.Title).
		Str("type", job.Type).
		Msg("notification dispatched")
	return nil
}

// cleanup closes the gateway, database and redis resources.
func (a *App) cleanup() {
	a.gateway.Stop()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
}
