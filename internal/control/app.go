// Package control wires the application together: storage, coordination,
// chain access, and the enabled components, with their lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/vietddude/txfees/internal/api"
	"github.com/vietddude/txfees/internal/core/clock"
	"github.com/vietddude/txfees/internal/core/config"
	"github.com/vietddude/txfees/internal/infra/chain/evm"
	redisclient "github.com/vietddude/txfees/internal/infra/redis"
	"github.com/vietddude/txfees/internal/infra/rpc"
	"github.com/vietddude/txfees/internal/infra/storage"
	"github.com/vietddude/txfees/internal/infra/storage/memory"
	"github.com/vietddude/txfees/internal/infra/storage/postgres"
	"github.com/vietddude/txfees/internal/leasing"
	"github.com/vietddude/txfees/internal/pricing"
	"github.com/vietddude/txfees/internal/tracking"
	"github.com/vietddude/txfees/internal/tracking/executor"
	"github.com/vietddude/txfees/internal/tracking/realtime"
)

// App owns every long-running component and shared resource.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	db          *postgres.DB
	redisClient *redisclient.Client

	apiServer *api.Server
	tracker   *realtime.Tracker
	executor  *executor.Executor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the application from configuration. Storage falls back to
// memory and coordination to an in-process lease store when their
// backends are not configured, so a single binary still runs end to end.
func New(cfg *config.AppConfig) (*App, error) {
	app := &App{cfg: cfg, log: slog.Default()}

	blocks, fees, jobs, err := app.initStorage()
	if err != nil {
		return nil, err
	}

	var leaseStore leasing.LeaseStore
	var queue executor.JobQueue
	var notifier api.JobNotifier
	if cfg.Redis.URL != "" {
		app.redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		leaseStore = app.redisClient
		queue = app.redisClient
		notifier = app.redisClient
		slog.Info("Using Redis coordination")
	} else {
		leaseStore = leasing.NewMemoryStore(clock.Real{})
		slog.Info("Using in-process coordination; do not run multiple instances")
	}
	coordinator := leasing.NewCoordinator(leaseStore, cfg.Lease)

	rpcClient := rpc.NewClient(cfg.Chain.RPCURL, 30*time.Second)
	chainClient := evm.NewAdapter(rpc.WithRetry(rpcClient, rpc.DefaultRetryConfig), cfg.Chain.WSURL)

	oracle := pricing.NewBinanceOracle(cfg.Pricing.Pair, cfg.Pricing.RPS)
	prices, err := pricing.NewBlockPriceCache(blocks, oracle, clock.Real{}, cfg.Pricing.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to init price cache: %w", err)
	}
	processor := tracking.NewProcessor(chainClient, prices, fees, cfg.Chain.PoolAddress)

	if cfg.HasComponent("tracker") {
		app.tracker = realtime.NewTracker(
			chainClient, processor, coordinator, clock.Real{}, cfg.Tracker, cfg.Chain.PoolAddress)
	}
	if cfg.HasComponent("executor") {
		resolver := executor.NewResolver(chainClient, cfg.Chain.AvgBlockTime)
		app.executor = executor.New(jobs, coordinator, processor, resolver, queue, cfg.Executor)
	}
	if cfg.HasComponent("api") {
		var health api.Health
		if app.db != nil {
			health = app.db
		}
		app.apiServer = api.NewServer(
			cfg.Server, jobs, fees, blocks, notifier, health, clock.Real{})
	}

	return app, nil
}

func (a *App) initStorage() (storage.BlockRepository, storage.FeeRepository, storage.JobRepository, error) {
	if a.cfg.Database.URL == "" {
		store := memory.NewStorage()
		slog.Info("Using Memory storage")
		return memory.NewBlockRepo(store), memory.NewFeeRepo(store), memory.NewJobRepo(store), nil
	}

	db, err := postgres.NewDB(context.Background(), a.cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to init db: %w", err)
	}
	a.db = db

	if err := goose.SetDialect("postgres"); err != nil {
		return nil, nil, nil, err
	}
	if err := goose.Up(db.DB.DB, "migrations"); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	slog.Info("Using PostgreSQL storage")
	return postgres.NewBlockRepo(db), postgres.NewFeeRepo(db), postgres.NewJobRepo(db), nil
}

// Start launches the enabled components. It returns immediately; the
// components run until Stop.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	if a.apiServer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.apiServer.Start(); err != nil {
				a.log.Error("api server stopped", "error", err)
			}
		}()
		a.log.Info("api server started", "port", a.cfg.Server.Port)
	}

	if a.tracker != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.tracker.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("tracker stopped", "error", err)
			}
		}()
		a.log.Info("realtime tracker started", "pool", a.cfg.Chain.PoolAddress)
	}

	if a.executor != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.executor.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("executor stopped", "error", err)
			}
		}()
		a.log.Info("job executor started")
	}

	return nil
}

// Stop shuts everything down and waits for the components to drain.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.apiServer != nil {
		if err := a.apiServer.Stop(ctx); err != nil {
			a.log.Warn("api shutdown", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown deadline reached before components drained")
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("redis close", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("db close", "error", err)
		}
	}
	return nil
}
