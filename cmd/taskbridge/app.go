package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"taskbridge/internal/config"
	"taskbridge/internal/connectivity"
	"taskbridge/internal/database"
	"taskbridge/internal/engine"
	"taskbridge/internal/events"
	"taskbridge/internal/google"
	"taskbridge/internal/logging"
	"taskbridge/internal/metrics"
	"taskbridge/internal/queue"
	"taskbridge/internal/remote"
	"taskbridge/internal/tracker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app owns every long-lived component of one process.
type app struct {
	cfg       *config.Config
	logger    *zerolog.Logger
	closer    io.Closer
	store     *database.TaskStore
	redis     *redis.Client
	remote    remote.Backend
	boardID   string
	telemetry *metrics.Telemetry
	bus       *events.EventBus
	tracker   *tracker.Tracker
	queue     *queue.OfflineQueue
	monitor   *connectivity.Monitor
	engine    *engine.Engine
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

// newApp wires the engine and its collaborators. interactive enables the
// terminal prompt for the prompt conflict policy.
func newApp(ctx context.Context, interactive bool) (*app, error) {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closer: closer}

	mainLogger := logging.Component(logger, "main")

	a.store, err = database.NewTaskStore(cfg.Database.Path, logger)
	if err != nil {
		mainLogger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		a.close()
		return nil, err
	}

	a.redis = initRedis(ctx, cfg, &mainLogger)
	a.telemetry = metrics.NewTelemetry()
	a.bus = events.NewEventBus()

	credentials, err := a.initRemote(ctx)
	if err != nil {
		mainLogger.Error().Err(err).Str("provider", cfg.Remote.Provider).Msg("init remote")
		a.close()
		return nil, err
	}

	a.tracker = tracker.New(time.Now, logger)

	var deadLetter queue.DeadLetterSink
	if a.redis != nil {
		deadLetter = queue.NewRedisDeadLetter(a.redis)
	}
	a.queue = queue.New(queue.Options{
		Path:       cfg.Sync.QueuePath,
		MaxRetries: cfg.Sync.MaxRetries,
		BaseDelay:  cfg.Sync.BaseDelay,
		Logger:     logger,
		DeadLetter: deadLetter,
	})
	if err := a.queue.Load(); err != nil {
		mainLogger.Warn().Err(err).Msg("offline queue not loaded")
	}

	var host connectivity.HostSignal
	if cfg.Connectivity.HostSignal {
		host = connectivity.NewInterfaceSignal(0)
	}
	a.monitor = connectivity.New(connectivity.Options{
		Primary:      a.remote,
		FallbackURLs: cfg.Connectivity.FallbackURLs,
		ProbeTimeout: cfg.Connectivity.ProbeTimeout,
		VerifyDelay:  cfg.Connectivity.VerifyDelay,
		Host:         host,
		Bus:          a.bus,
		Logger:       logger,
	})

	var prompter engine.Prompter
	if interactive {
		if p := engine.NewTerminalPrompter(os.Stdin, os.Stderr); p.Interactive() {
			prompter = p
		}
	}

	a.engine, err = engine.New(engine.Options{
		Config:       cfg.Sync,
		Credentials:  credentials,
		Remote:       a.remote,
		Store:        a.store,
		Tracker:      a.tracker,
		Queue:        a.queue,
		Connectivity: a.monitor,
		Telemetry:    a.telemetry,
		Bus:          a.bus,
		Prompter:     prompter,
		Logger:       logger,
	})
	if err != nil {
		mainLogger.Error().Err(err).Msg("init sync engine")
		a.close()
		return nil, err
	}
	return a, nil
}

// initRemote builds the configured backend and returns the credential the
// engine requires to be present.
func (a *app) initRemote(ctx context.Context) (string, error) {
	cfg := a.cfg
	switch cfg.Remote.Provider {
	case config.ProviderSheets:
		backend, err := google.NewSheetsBackend(ctx, cfg.Google.GoogleCredentialsFile, cfg.Google.TasksSpreadSheetID, cfg.Google.SheetName)
		if err != nil {
			return "", err
		}
		if err := backend.WarmUpCache(ctx); err != nil {
			l := logging.Component(a.logger, "main")
			l.Warn().Err(err).Msg("sheets row cache not warmed")
		}
		a.remote = backend
		return cfg.Google.GoogleCredentialsFile, nil
	default:
		var observer remote.CacheObserver = a.telemetry
		client := remote.NewMondayClient(remote.MondayOptions{
			APIURL:  cfg.Monday.APIURL,
			Token:   cfg.Monday.APIToken,
			BoardID: cfg.Monday.BoardID,
			Columns: remote.Columns{
				Status:      cfg.Monday.Columns.Status,
				Priority:    cfg.Monday.Columns.Priority,
				Description: cfg.Monday.Columns.Description,
				TaskID:      cfg.Monday.Columns.TaskID,
			},
			Timeout:   cfg.Remote.Timeout,
			RateLimit: cfg.Monday.RateLimit,
			Burst:     cfg.Monday.Burst,
			Redis:     a.redis,
			CacheTTL:  cfg.Monday.CacheTTL,
			Observer:  observer,
			Logger:    a.logger,
		})
		a.remote = client
		a.boardID = client.BoardID()
		return cfg.Monday.APIToken, nil
	}
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.queue != nil {
		if err := a.queue.Save(); err != nil && a.logger != nil {
			a.logger.Warn().Err(err).Msg("offline queue not saved on exit")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.closer != nil {
		_ = a.closer.Close()
	}
}
