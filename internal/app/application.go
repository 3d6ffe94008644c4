package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"vrdiag/internal/api"
	"vrdiag/internal/codepool"
	"vrdiag/internal/config"
	"vrdiag/internal/coordinator"
	"vrdiag/internal/database"
	"vrdiag/internal/housekeeping"
	"vrdiag/internal/logging"
	"vrdiag/internal/metrics"
	"vrdiag/internal/policy"
	"vrdiag/internal/publisher"
	"vrdiag/internal/records"
	"vrdiag/internal/results"
	"vrdiag/internal/router"
	"vrdiag/internal/session"
	"vrdiag/internal/storage"
	"vrdiag/internal/websocket"
	pkgdatabase "vrdiag/pkg/database"
	"vrdiag/pkg/interfaces"
)

// Application owns every component and their lifecycle.
type Application struct {
	config      *config.Config
	logger      logrus.FieldLogger
	store       interfaces.SessionStore
	pool        codepool.Pool
	redis       *redis.Client
	registry    *websocket.Registry
	metrics     *metrics.Metrics
	sessions    *session.Manager
	coordinator *coordinator.Coordinator
	limiter     *router.RateLimiter
	housekeeper *housekeeping.Runner
	apiServer   *api.Server
}

// NewApplication builds the component graph in dependency order:
// store → code pool → registry → metrics → sessions → artifacts → policy →
// coordinator → router → device handler → publisher → records → API.
// A nil logger is built from cfg.Log.
func NewApplication(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		l, err := newLogger(cfg)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	a := &Application{config: cfg, logger: logger.WithField("component", "app")}
	if err := a.build(ctx, logger); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context, logger logrus.FieldLogger) error {
	cfg := a.config

	// STEP 1: session store
	store, err := openStore(cfg.Database, logger)
	if err != nil {
		return err
	}
	a.store = store

	// STEP 2: code pool, shared through Redis when several replicas run
	if err := a.openPool(ctx, logger); err != nil {
		return err
	}

	// STEP 3: device connections and metrics over them
	a.registry = websocket.NewRegistry(logger)
	a.metrics = metrics.New(a.pool, a.registry)

	// STEP 4: session state machine, reconciled with what was live at shutdown
	a.sessions, err = session.NewManager(&session.Config{
		Store:    a.store,
		Pool:     a.pool,
		Devices:  a.registry,
		Logger:   logger,
		Observer: a.metrics,
		Duration: cfg.Session.Duration,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}
	if err := a.sessions.Restore(ctx); err != nil {
		return err
	}

	// STEP 5: artifact storage and access policy
	artifacts, err := openArtifacts(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	engine, err := openPolicy(ctx, cfg.Session.PolicyFile)
	if err != nil {
		return err
	}

	// STEP 6: coordinator and the device message path
	a.coordinator, err = coordinator.New(&coordinator.Config{
		Sessions:       a.sessions,
		Devices:        a.registry,
		Artifacts:      artifacts,
		Processor:      results.NewProcessor(),
		Policy:         engine,
		Logger:         logger,
		Uploads:        a.metrics,
		MaxUploadBytes: cfg.Session.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	a.limiter = router.NewRateLimiter(cfg.Session.RateLimit, cfg.Session.RateWindow, nil)
	deviceRouter := router.NewRouter(a.coordinator, a.limiter, a.metrics, logger)
	deviceHandler := websocket.NewHandler(a.registry, a.store, deviceRouter, websocket.HandlerConfig{
		ReadLimit:    cfg.WebSocket.ReadLimit,
		PongWait:     cfg.WebSocket.PongWait,
		PingInterval: cfg.WebSocket.PingInterval,
	}, logger)

	// STEP 7: doctor-facing HTTP surface
	a.apiServer, err = api.NewServer(&api.Config{
		Sessions: a.coordinator,
		Status:   publisher.New(a.sessions, cfg.Session.StatusInterval, logger),
		Records:  records.NewService(a.store, artifacts, engine, logger),
		Database: a.store,
		Devices:  a.registry,
		DeviceWS: deviceHandler.HandleWebSocket,
		Metrics:  a.metrics.Handler(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize api server: %w", err)
	}
	e := a.apiServer.Echo()
	e.Server.ReadTimeout = cfg.HTTP.ReadTimeout
	e.Server.WriteTimeout = cfg.HTTP.WriteTimeout

	// STEP 8: periodic jobs
	a.housekeeper = housekeeping.NewRunner(logger)
	if err := a.housekeeper.Add(housekeeping.Job{
		Name:     "rate_limit_cleanup",
		Interval: cfg.Session.RateWindow,
		Run:      func(context.Context) { a.limiter.Cleanup() },
	}); err != nil {
		return err
	}
	return a.housekeeper.Add(housekeeping.Job{
		Name:     "code_pool_stats",
		Interval: time.Minute,
		Run:      a.logPoolStats,
	})
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("invalid log configuration: %w", err)
	}
	return logger, nil
}

func openStore(cfg *config.DatabaseConfig, logger logrus.FieldLogger) (interfaces.SessionStore, error) {
	if cfg.Driver == config.BackendMemory {
		return database.NewMemoryStore(), nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Path
	if cfg.Timeout > 0 {
		dbConfig.ConnMaxLifetime = cfg.Timeout
		dbConfig.ConnMaxIdleTime = cfg.Timeout / 3
	}
	if err := dbConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	manager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	return manager, nil
}

func (a *Application) openPool(ctx context.Context, logger logrus.FieldLogger) error {
	cfg := a.config.CodePool
	if cfg.Backend != config.BackendRedis {
		pool, err := codepool.NewMemoryPool(cfg.Size, cfg.Length, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize code pool: %w", err)
		}
		a.pool = pool
		return nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pool, err := codepool.NewRedisPool(ctx, &codepool.RedisConfig{
		RedisClient: a.redis,
		KeyPrefix:   cfg.KeyPrefix,
		Size:        cfg.Size,
		Length:      cfg.Length,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize redis code pool: %w", err)
	}
	a.pool = pool
	return nil
}

func openArtifacts(ctx context.Context, cfg *config.StorageConfig, logger logrus.FieldLogger) (interfaces.ArtifactStore, error) {
	if cfg.Backend != config.BackendS3 {
		return storage.NewMemoryStore(), nil
	}

	client, err := storage.NewS3Client(ctx, storage.S3Config{
		Bucket:   cfg.Bucket,
		Region:   cfg.Region,
		Endpoint: cfg.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	store, err := storage.NewS3Store(client, cfg.Bucket, logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func openPolicy(ctx context.Context, path string) (*policy.Engine, error) {
	var content string
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		content = string(data)
	}
	engine, err := policy.NewEngine(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare access policy: %w", err)
	}
	return engine, nil
}

// Start launches background jobs and begins serving HTTP.
func (a *Application) Start(ctx context.Context) error {
	addr := a.config.Addr()
	a.logger.WithField("addr", addr).Info("starting vrdiag")

	// STEP 1: background jobs
	if err := a.housekeeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start housekeeping: %w", err)
	}

	// STEP 2: HTTP server
	serverErrCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.Start(addr); err != nil {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = a.housekeeper.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		a.logger.Info("vrdiag started")
		return nil
	case <-ctx.Done():
		_ = a.housekeeper.Stop()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP, device channels, jobs, stores.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("shutting down vrdiag")

	var errs []error
	if err := a.apiServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.registry.CloseAll()
	if err := a.housekeeper.Stop(); err != nil && !errors.Is(err, housekeeping.ErrNotRunning) {
		errs = append(errs, fmt.Errorf("housekeeping shutdown: %w", err))
	}
	errs = append(errs, a.release()...)

	a.logger.Info("vrdiag shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) release() []error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis shutdown: %w", err))
		}
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database shutdown: %w", err))
		}
		a.store = nil
	}
	return errs
}

func (a *Application) logPoolStats(ctx context.Context) {
	stats, err := a.pool.Stats(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("failed to read code pool stats")
		return
	}
	a.logger.WithFields(logrus.Fields{
		"available": stats.Available,
		"active":    stats.Active,
		"size":      stats.Size,
	}).Debug("code pool stats")
}

// GetAddr returns the bound address once serving, else the configured one.
func (a *Application) GetAddr() string {
	if addr := a.apiServer.Echo().ListenerAddr(); addr != nil {
		return addr.String()
	}
	return a.config.Addr()
}

// Handler exposes the HTTP surface for in-process tests.
func (a *Application) Handler() *api.Server { return a.apiServer }

// Store exposes the session store, e.g. to seed patients.
func (a *Application) Store() interfaces.SessionStore { return a.store }
