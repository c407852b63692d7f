package app

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/realmgate/internal/controllers"
	"github.com/osvaldoandrade/realmgate/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) error {
	cfg := app.Config
	app.Engine.GET("/healthz", controllers.NewHealthController(app.Redis).Handle)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := app.Engine.Group("/v1")
	{
		limit := middleware.RateLimitByClientIP(app.RateLimiter, "authorize", cfg.RateLimit.Authorize)
		authorize := controllers.NewAuthorizeController(app.Policies).Handle
		v1.GET("/authorize/:policy", limit, authorize)
		v1.POST("/authorize/:policy", limit, authorize)

		if cfg.DefaultPolicy != "" {
			proc, err := app.Policies.Processor(cfg.DefaultPolicy)
			if err != nil {
				return fmt.Errorf("default policy: %w", err)
			}
			v1.GET("/whoami", middleware.Enforce(proc), controllers.NewWhoAmIController().Handle)
		}

		if cfg.AdminPolicy != "" {
			proc, err := app.Policies.Processor(cfg.AdminPolicy)
			if err != nil {
				return fmt.Errorf("admin policy: %w", err)
			}
			admin := v1.Group("/admin",
				middleware.Enforce(proc),
				middleware.RateLimitBySubject(app.RateLimiter, "admin", cfg.RateLimit.Admin),
			)
			admin.GET("/policies", controllers.NewListPoliciesController(app.Policies).Handle)
			admin.GET("/policies/:name/keys", controllers.NewPolicyKeysController(app.Policies).Handle)
			admin.POST("/policies/:name/keys/refresh", controllers.NewRefreshKeysController(app.Policies).Handle)
			admin.POST("/policies/:name/introspection/purge", controllers.NewPurgeIntrospectionController(app.Policies).Handle)
		}
	}
	return nil
}
