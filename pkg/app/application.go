package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/realmgate/internal/backoff"
	"github.com/osvaldoandrade/realmgate/internal/metrics"
	"github.com/osvaldoandrade/realmgate/internal/middleware"
	"github.com/osvaldoandrade/realmgate/internal/providers"
	"github.com/osvaldoandrade/realmgate/internal/ratelimit"
	"github.com/osvaldoandrade/realmgate/internal/services"
	"github.com/osvaldoandrade/realmgate/internal/tracing"
	"github.com/osvaldoandrade/realmgate/pkg/auth/introspection"
	"github.com/osvaldoandrade/realmgate/pkg/config"
)

var redisConnectPolicy = backoff.Policy{
	Strategy: backoff.ExpEqualJitter,
	Base:     250 * time.Millisecond,
	Max:      2 * time.Second,
	Attempts: 4,
}

type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Policies        services.PolicyService
	Redis           *redis.Client
	RateLimiter     ratelimit.Limiter
	Logger          *slog.Logger
	TracingShutdown func(context.Context) error

	ownsRedis bool
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithRedisClient uses rdb instead of dialing cfg.RedisAddr. The caller
// keeps ownership of the client.
func WithRedisClient(rdb *redis.Client) ApplicationOption {
	return func(app *Application) error {
		app.Redis = rdb
		return nil
	}
}

// WithPolicyService replaces the policies built from the config.
func WithPolicyService(svc services.PolicyService) ApplicationOption {
	return func(app *Application) error {
		app.Policies = svc
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("service", "realmgate", "env", cfg.Env)
	slog.SetDefault(logger)

	app := &Application{
		Config: cfg,
		Logger: logger,
	}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  cfg.TracingServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		SampleRatio:  cfg.TracingSampleRatio,
	}, logger)
	if err != nil {
		return nil, err
	}
	app.TracingShutdown = shutdown

	if app.Redis == nil && cfg.RedisAddr != "" {
		var rdb *redis.Client
		err := backoff.Retry(context.Background(), redisConnectPolicy, func(ctx context.Context) error {
			c, err := providers.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 3*time.Second)
			if err != nil {
				logger.Warn("redis not ready", "addr", cfg.RedisAddr, "err", err)
				return err
			}
			rdb = c
			return nil
		})
		if err != nil {
			return nil, err
		}
		app.Redis = rdb
		app.ownsRedis = true
	}
	if app.Redis != nil {
		app.RateLimiter = ratelimit.NewTokenBucketLimiter(app.Redis)
	}

	if app.Policies == nil {
		svc, err := services.NewPolicyService(cfg.Policies, services.PolicyDeps{
			Logger:                   logger,
			Redis:                    app.Redis,
			SharedIntrospectionCache: cfg.SharedIntrospectionCache,
			HTTPClient:               providers.NewIdPClient,
		})
		if err != nil {
			_ = app.Close(context.Background())
			return nil, err
		}
		app.Policies = svc
	}

	if cfg.SharedIntrospectionCache && app.Redis != nil {
		var realms []string
		for _, p := range cfg.Policies {
			if p.Mode() == "introspection" {
				realms = append(realms, p.Realm)
			}
		}
		metrics.RegisterRedisCollector(app.Redis, logger, realms, introspection.KeyPattern)
	}

	engine, err := newEngine(cfg)
	if err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.LoggerMiddleware(logger),
		middleware.TracingMiddleware(cfg.TracingServiceName),
	)
	app.Engine = engine

	logger.Info("realmgate configured", "policies", len(cfg.Policies), "defaultPolicy", cfg.DefaultPolicy, "adminPolicy", cfg.AdminPolicy, "redis", app.Redis != nil)
	return app, nil
}

// newEngine returns a bare engine that only believes forwarding headers from
// cfg.TrustedProxies.
func newEngine(cfg *config.Config) (*gin.Engine, error) {
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	return engine, nil
}

// Close releases policy clients, Redis and the trace exporter.
func (app *Application) Close(ctx context.Context) error {
	var errs []error
	if app.Policies != nil {
		errs = append(errs, app.Policies.Close())
	}
	if app.ownsRedis && app.Redis != nil {
		errs = append(errs, app.Redis.Close())
	}
	if app.TracingShutdown != nil {
		errs = append(errs, app.TracingShutdown(ctx))
	}
	return errors.Join(errs...)
}
