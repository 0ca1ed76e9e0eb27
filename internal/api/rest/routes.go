package rest

import (
	"github.com/Dhoini/travel-entitlements/internal/api/rest/handlers"
	"github.com/Dhoini/travel-entitlements/internal/api/rest/middleware"
	"github.com/Dhoini/travel-entitlements/internal/metrics"
	"github.com/Dhoini/travel-entitlements/internal/service"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps всё, что нужно маршрутизатору
type RouterDeps struct {
	Webhooks       service.WebhookService
	Gate           service.AccessGate
	Subscriptions  service.SubscriptionService
	Authenticator  *middleware.Authenticator
	Registry       *prometheus.Registry
	HTTPMetrics    metrics.HTTPMetrics
	MaxBodyBytes   int64
	Storage        string
	// TrustedProxies пусто: доверяем всем, и адресом клиента становится
	// первая запись X-Forwarded-For
	TrustedProxies []string
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(log *logger.Logger, deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.ForwardedByClientIP = true
	r.RemoteIPHeaders = []string{"X-Forwarded-For", "X-Real-IP"}
	if len(deps.TrustedProxies) > 0 {
		if err := r.SetTrustedProxies(deps.TrustedProxies); err != nil {
			log.Errorw("Invalid trusted proxies, forwarded headers ignored", "error", err)
			_ = r.SetTrustedProxies(nil)
		}
	}

	r.Use(middleware.RequestLogger(log, deps.HTTPMetrics))
	r.Use(gin.Recovery())

	health := handlers.NewHealthHandler(deps.Storage)
	r.GET("/health", health.HealthCheck)
	r.GET("/api/health", health.HealthCheck)

	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	webhookHandler := handlers.NewWebhookHandler(deps.Webhooks, deps.MaxBodyBytes, log.Named("webhook-handler"))
	r.POST("/webhook/:provider", webhookHandler.HandleWebhook)

	usageHandler := handlers.NewUsageHandler(deps.Gate)
	api := r.Group("/api")
	if deps.Authenticator != nil {
		api.Use(deps.Authenticator.Identify())
	}
	{
		api.GET("/check_usage", usageHandler.CheckUsage)
		if deps.Subscriptions != nil {
			api.GET("/check_auth", handlers.NewAuthHandler(deps.Subscriptions, log).CheckAuth)
		}
		api.POST("/feature/:feature", middleware.RequireAccess(deps.Gate, "", log.Named("access")), usageHandler.Feature)
	}

	return r
}
