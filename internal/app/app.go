package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oleksiv/seatlock/internal/config"
	"github.com/oleksiv/seatlock/internal/lockstore"
	"github.com/oleksiv/seatlock/internal/notifier"
	"github.com/oleksiv/seatlock/internal/postgres"
	"github.com/oleksiv/seatlock/internal/reconcile"
	"github.com/oleksiv/seatlock/internal/redis"
	postgresrepo "github.com/oleksiv/seatlock/internal/repository/postgres"
	redisrepo "github.com/oleksiv/seatlock/internal/repository/redis"
	"github.com/oleksiv/seatlock/internal/scheduler"
	"github.com/oleksiv/seatlock/internal/service"
	"github.com/oleksiv/seatlock/internal/service/reservation"
	httpgin "github.com/oleksiv/seatlock/internal/transport/http/gin"
	"github.com/oleksiv/seatlock/internal/worker"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	worker     *worker.Worker
	sweeper    *reconcile.Sweeper
	closeFn    func()
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.Name,
		cfg.Postgres.SSLMode,
	)

	pgxPool, err := postgres.New(context.Background(), postgres.Config{DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}

	rdb, err := redis.New(context.Background(), redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	var notify notifier.Notifier = notifier.Nop{}
	var closeNotifier func()
	if cfg.AMQP.URL != "" {
		amqpNotifier, err := notifier.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize notifier: %w", err)
		}
		notify = amqpNotifier
		closeNotifier = func() { _ = amqpNotifier.Close() }
	}

	store := postgresrepo.NewStore(pgxPool)
	locks := lockstore.New(rdb)
	tasks := scheduler.NewQueue(rdb)
	pubsub := lockstore.NewPubSub(rdb)
	cache := redisrepo.NewCache(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, "locks", 10, 1*time.Minute)
	idem := redisrepo.NewIdempotencyStore(rdb, 2*time.Hour)

	services := service.NewServices(store, locks, tasks, pubsub, cache, limiter, notify, logger, service.Config{
		Reservation: reservation.Config{HoldTTL: cfg.Locks.HoldTTL},
	})

	releaseWorker := worker.New(tasks, locks, pubsub, logger, worker.Config{
		Poll: cfg.Locks.WorkerPoll,
	})

	sweeper := reconcile.New(locks, logger, cfg.Locks.ReconcileInterval)

	router := httpgin.NewRouter(services, idem, pubsub, logger, cfg.Server.CORSOrigins)

	return &App{
		cfg:    cfg,
		logger: logger,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: router,
		},
		worker:  releaseWorker,
		sweeper: sweeper,
		closeFn: func() {
			if closeNotifier != nil {
				closeNotifier()
			}
			pgxPool.Close()
			_ = rdb.Close()
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer a.closeFn()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Background lock release worker
	g.Go(func() error {
		a.logger.Info("lock release worker started", "poll", a.cfg.Locks.WorkerPoll)
		if err := a.worker.Run(gCtx); err != nil && err != context.Canceled {
			return fmt.Errorf("release worker stopped: %w", err)
		}
		return nil
	})

	// Held-counter reconciliation sweep
	g.Go(func() error {
		if err := a.sweeper.Run(gCtx); err != nil && err != context.Canceled {
			return fmt.Errorf("reconcile sweeper stopped: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}
