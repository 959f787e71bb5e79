package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dhoini/checkout-engine/internal/api/rest/handlers"
	"github.com/Dhoini/checkout-engine/internal/api/rest/middleware"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// Dependencies все, что нужно маршрутизатору
type Dependencies struct {
	Checkout handlers.CheckoutService
	Admin    handlers.AdminService
	Webhooks *handlers.WebhookHandler
	Auth     *middleware.JWTMiddleware
	Gatherer prometheus.Gatherer
	Checks   map[string]handlers.Checker
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(deps Dependencies, log *logger.Logger) *gin.Engine {
	r := gin.New()

	r.Use(middleware.RequestLogger(log))
	r.Use(gin.Recovery())
	r.HandleMethodNotAllowed = true
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	r.GET("/health", handlers.HealthCheck)
	r.GET("/ready", handlers.Readiness(deps.Checks, 2*time.Second))

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	checkoutHandler := handlers.NewCheckoutHandler(deps.Checkout, log)
	checkout := r.Group("/checkout")
	{
		checkout.POST("", checkoutHandler.Checkout)
		checkout.GET("/status/:paymentIntentId", checkoutHandler.Status)
	}
	r.POST("/subscriptions/:subscriptionId/renew", checkoutHandler.Renew)

	// Вебхуки на корневом уровне роутера
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/gateway", deps.Webhooks.HandleGatewayWebhook)
	}

	adminHandler := handlers.NewAdminHandler(deps.Admin, log)
	admin := r.Group("/admin", deps.Auth.RequireAuth(middleware.ScopeAdmin))
	{
		admin.GET("/subscriptions/:id", adminHandler.GetSubscription)
		admin.POST("/subscriptions/:id/cancel", adminHandler.CancelSubscription)
	}

	return r
}
