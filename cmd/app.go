package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"convert-gateway/internal/admission"
	"convert-gateway/internal/auth"
	"convert-gateway/internal/config"
	"convert-gateway/internal/convert"
	"convert-gateway/internal/ledger"
	"convert-gateway/internal/manager"
	"convert-gateway/internal/messaging"
	"convert-gateway/internal/middleware"
	"convert-gateway/internal/reconcile"
	"convert-gateway/internal/scheduler"
	"convert-gateway/internal/storage"
)

// app holds the wired components shared by every command.
type app struct {
	Cfg       *config.Config
	Logger    *zap.Logger
	Store     storage.Store
	Publisher messaging.Publisher
	Verifier  auth.Verifier
	Tenants   *manager.TenantManager
	Ledger    *ledger.Ledger
	Scheduler *scheduler.Scheduler
	Admission *admission.Service
	Job       *reconcile.Job
	Converter convert.Converter
	Fetcher   *convert.Fetcher
	Limiter   *middleware.RateLimiter
}

func bootstrap(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger.Info("Configuration loaded",
		zap.String("store", cfg.Store.Driver),
		zap.String("auth_mode", cfg.Auth.Mode))

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	classify, err := scheduler.ClassifierByName(cfg.Scheduler.Classifier, cfg.Scheduler.DemoteFraction)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{
		Cfg:       cfg,
		Logger:    logger,
		Store:     store,
		Publisher: newPublisher(cfg.RabbitMQ, logger),
		Verifier:  newVerifier(cfg),
	}
	a.Tenants = manager.NewTenantManager(store, tierOrDefault(cfg.Quota.DefaultTier), cfg.Categories(), logger)
	a.Ledger = ledger.New(store, cfg.Limits(), logger)
	a.Scheduler = scheduler.New(scheduler.Config{
		Slots:        cfg.Scheduler.Slots,
		MaxWait:      cfg.Scheduler.MaxWait,
		PromoteAfter: cfg.Scheduler.PromoteAfter,
		MaxQueue:     cfg.Scheduler.MaxQueue,
		TickInterval: cfg.Scheduler.TickInterval,
	}, nil, logger)
	a.Admission = admission.NewService(a.Verifier, store, a.Tenants, a.Ledger, a.Scheduler, a.Publisher,
		admission.Options{
			AutoProvision: cfg.Quota.AutoProvision,
			Classifier:    classify,
		}, logger)
	a.Job = reconcile.NewJob(store, reconcile.Config{
		Categories:  cfg.Categories(),
		BatchSize:   cfg.Reconcile.BatchSize,
		Parallelism: cfg.Reconcile.Parallelism,
	}, nil, a.Publisher, logger)
	a.Converter = convert.NewImageConverter(cfg.Convert.MaxPixels, cfg.Convert.JPEGQuality)
	a.Fetcher = convert.NewFetcher(cfg.Convert.FetchTimeout, cfg.Convert.MaxBytes)
	if cfg.RateLimiter.Enabled {
		a.Limiter = middleware.NewRateLimiter(cfg.RateLimiter.RequestsPerSecond, cfg.RateLimiter.BurstSize, logger)
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.Publisher.Close(); err != nil {
		a.Logger.Warn("Failed to close publisher", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Failed to close store", zap.Error(err))
	}
	_ = a.Logger.Sync()
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := storage.NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to init DB: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		logger.Info("PostgreSQL connected")
		return s, nil
	case "redis":
		s, err := storage.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to init Redis: %w", err)
		}
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
		return s, nil
	default:
		logger.Warn("Using in-memory tenant store; counters are lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

// newPublisher connects to RabbitMQ when configured. Events are best effort,
// so a broker outage at startup degrades to dropping them.
func newPublisher(cfg config.RabbitMQConfig, logger *zap.Logger) messaging.Publisher {
	if cfg.URL == "" {
		return messaging.NoopPublisher{}
	}
	p, err := messaging.NewRabbitClient(cfg.URL, cfg.Queue, logger)
	if err != nil {
		logger.Warn("RabbitMQ unavailable, quota events disabled", zap.Error(err))
		return messaging.NoopPublisher{}
	}
	logger.Info("RabbitMQ connected")
	return p
}

func newVerifier(cfg *config.Config) auth.Verifier {
	if cfg.Auth.Mode == "jwt" {
		return auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	}
	return auth.NewKeyVerifier(cfg.APIKeyMap())
}
