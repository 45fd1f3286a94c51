package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	gothfiber "github.com/shareed2k/goth_fiber"

	"github.com/ManuelReschke/TokenFox/app/controllers"
	"github.com/ManuelReschke/TokenFox/internal/pkg/env"
	"github.com/ManuelReschke/TokenFox/internal/pkg/metrics"
)

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	billingController := controllers.NewBillingController(h.deps.Billing, h.deps.Engine.Repository(), h.deps.Plans)
	authController := controllers.NewAuthController(h.deps.Billing)

	app.Post("/webhooks/stripe", billingController.HandleStripeWebhook)

	auth := app.Group("/auth")
	auth.Post("/register", authController.HandleRegister)
	auth.Post("/login", authController.HandleLogin)
	auth.Get("/verify-email", authController.HandleVerifyEmail)
	auth.Post("/verify-email", authController.HandleVerifyEmail)
	auth.Post("/resend-verification", authController.HandleResendVerification)
	auth.Post("/forgot-password", authController.HandleForgotPassword)
	auth.Post("/reset-password", authController.HandleResetPassword)
	auth.Get("/:provider/callback", authController.HandleOAuthCallback)
	auth.Get("/:provider", gothfiber.BeginAuthHandler)

	if h.deps.Gatherer != nil {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{
				env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "admin"),
			},
		}), metrics.Handler(h.deps.Gatherer))
	}
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
