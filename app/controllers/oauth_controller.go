package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	gothfiber "github.com/shareed2k/goth_fiber"
)

// HandleOAuthCallback completes the provider flow and answers with a fresh
// API key for the resolved account.
func (ac *AuthController) HandleOAuthCallback(c *fiber.Ctx) error {
	u, err := gothfiber.CompleteUserAuth(c)
	if err != nil {
		log.Warnf("[OAuth] Callback failed: %v", err)
		return respondError(c, fiber.StatusBadRequest, "oauth_failed", "OAuth login failed")
	}

	ctx := c.UserContext()
	account, err := ac.billing.FindOrCreateOAuthAccount(ctx, u)
	if err != nil {
		return handleServiceError(c, err)
	}
	if !account.IsActive() {
		return respondError(c, fiber.StatusForbidden, "account_disabled", "Account is not active")
	}
	account, key, err := ac.billing.StartSession(ctx, account.ID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(sessionResponse(account, key))
}
