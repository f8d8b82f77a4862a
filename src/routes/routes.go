package routes

import (
	"os"

	"github.com/gofiber/fiber/v2"

	"propex/src/config"
	"propex/src/handlers"
	"propex/src/middleware"
)

func SetupRoutes(app *fiber.App, cfg *config.Config, orderHandler *handlers.OrderHandler) {
	serviceAvailability := middleware.DefaultServiceAvailability()
	app.Use(serviceAvailability.Middleware())
	app.Use(middleware.RequestLogger())

	api := app.Group("/api/v1")

	rateLimitDisabled := cfg.RateLimit.Disabled || os.Getenv("RATE_LIMIT_DISABLED") == "1"
	if !rateLimitDisabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimitWindow)
		api.Use(rateLimiter.Middleware())
	}

	api.Post("/orders", orderHandler.SubmitOrder)
	api.Delete("/orders/:id", orderHandler.CancelOrder)
	api.Get("/orders/:id", orderHandler.GetOrder)
	api.Get("/orders", orderHandler.ListOrders)
	api.Get("/orderbook/:id", orderHandler.GetOrderBook)
	api.Get("/statistics/:id", orderHandler.GetStatistics)
	api.Get("/candles/:id", orderHandler.GetCandles)

	app.Get("/health", orderHandler.HealthCheck)
	app.Get("/metrics", orderHandler.GetMetrics)
}
