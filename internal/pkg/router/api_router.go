package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/TokenFox/app/controllers"
	"github.com/ManuelReschke/TokenFox/internal/pkg/env"
	"github.com/ManuelReschke/TokenFox/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        env.GetInt("API_RATE_LIMIT", 120),
		Expiration: time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	store := h.deps.Engine.Repository()
	billingController := controllers.NewBillingController(h.deps.Billing, store, h.deps.Plans)
	accountController := controllers.NewAccountController(store)
	estimateController := controllers.NewEstimateController(h.deps.Engine)
	adminController := controllers.NewAdminController(h.deps.Engine, h.deps.Queue)

	// API v1 routes
	v1 := api.Group("/v1", middleware.APIKeyAuth(store))
	v1.Get("/plans", billingController.HandleListPlans)

	v1.Get("/account", accountController.HandleGetAccount)
	v1.Get("/account/tokens", accountController.HandleGetTokens)
	v1.Get("/account/subscription", billingController.HandleGetSubscription)
	v1.Post("/account/subscription", billingController.HandleSubscribe)
	v1.Delete("/account/subscription", billingController.HandleCancelSubscription)

	v1.Post("/estimates", estimateController.HandleCreateEstimate)
	v1.Get("/estimates/:id", estimateController.HandleGetEstimate)
	v1.Post("/estimates/:id/settle", estimateController.HandleSettleEstimate)
	v1.Post("/estimates/:id/fail", estimateController.HandleFailEstimate)

	admin := v1.Group("/admin", middleware.RequireAdmin)
	admin.Get("/accounts/:id/tokens", adminController.HandleGetAccountTokens)
	admin.Post("/accounts/:id/tokens", adminController.HandleAdjustTokens)
	admin.Get("/queue", adminController.HandleQueueStats)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
