package router

import (
	"github.com/gin-gonic/gin"
	"imagegen-backend/internal/config"
	"imagegen-backend/internal/handlers"
	"imagegen-backend/internal/middleware"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Health      *handlers.HealthHandler
	Generations *handlers.GenerationsHandler
	Wallet      *handlers.WalletHandler
	Payments    *handlers.PaymentsHandler
	Webhook     *handlers.WebhookHandler
}

func Setup(cfg *config.Config, h Handlers, limiter *middleware.RateLimiter) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestLogger())

	// Health check (no auth)
	r.GET("/health", h.Health.Health)

	// Webhooks (no auth, signed by the sender)
	r.POST("/api/v1/webhooks/fal", h.Webhook.HandleWebhook)
	r.POST("/api/v1/webhooks/robokassa", h.Payments.HandleResult)
	r.GET("/api/v1/webhooks/robokassa", h.Payments.HandleResult)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg))

	// Generations
	submit := []gin.HandlerFunc{h.Generations.Submit}
	if limiter != nil {
		submit = append([]gin.HandlerFunc{middleware.RateLimitMiddleware(limiter)}, submit...)
	}
	api.POST("/generations", submit...)
	api.GET("/generations", h.Generations.List)
	api.GET("/generations/:job_id", h.Generations.Get)

	// Wallet
	api.GET("/wallet", h.Wallet.GetWallet)
	api.GET("/wallet/transactions", h.Wallet.ListTransactions)

	// Payments
	api.POST("/payments", h.Payments.CreateOrder)

	return r
}
