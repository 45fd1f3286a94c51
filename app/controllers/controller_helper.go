package controllers

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/billing"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
)

var validate = validator.New()

func respondError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// parseBody decodes and validates a JSON request body into dst. When it
// reports false the error response has already been written.
func parseBody(c *fiber.Ctx, dst interface{}) (bool, error) {
	if err := c.BodyParser(dst); err != nil {
		return false, respondError(c, fiber.StatusBadRequest, "invalid_request", "Malformed request body")
	}
	if err := validate.Struct(dst); err != nil {
		return false, respondError(c, fiber.StatusBadRequest, "validation_failed", err.Error())
	}
	return true, nil
}

func parseIDParam(c *fiber.Ctx, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func queryInt(c *fiber.Ctx, name string, def, max int) int {
	n := c.QueryInt(name, def)
	if n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// handleServiceError maps ledger and billing errors onto HTTP responses.
func handleServiceError(c *fiber.Ctx, err error) error {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, ledger.ErrInsufficientTokens):
		return respondError(c, fiber.StatusPaymentRequired, "insufficient_tokens", "Not enough tokens")
	case errors.Is(err, billing.ErrPaymentNotConfirmed):
		return respondError(c, fiber.StatusPaymentRequired, "payment_not_confirmed", err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrPlanNotFound),
		errors.Is(err, ledger.ErrEstimateNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound):
		return respondError(c, fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, billing.ErrNoSubscription):
		return respondError(c, fiber.StatusNotFound, "no_subscription", err.Error())
	case errors.Is(err, ledger.ErrEstimateSettled):
		return respondError(c, fiber.StatusConflict, "estimate_settled", err.Error())
	case errors.Is(err, billing.ErrAlreadySubscribed):
		return respondError(c, fiber.StatusConflict, "already_subscribed", err.Error())
	case errors.Is(err, billing.ErrSubscriptionChanged):
		return respondError(c, fiber.StatusConflict, "subscription_changed", "Subscription changed, please retry")
	case errors.Is(err, billing.ErrEmailTaken):
		return respondError(c, fiber.StatusConflict, "email_taken", err.Error())
	case errors.Is(err, ledger.ErrDuplicateEvent):
		return c.JSON(fiber.Map{"duplicate": true})
	case errors.Is(err, billing.ErrInvalidCredentials):
		return respondError(c, fiber.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, billing.ErrAccountDisabled):
		return respondError(c, fiber.StatusForbidden, "account_disabled", err.Error())
	case errors.Is(err, billing.ErrEmailNotVerified):
		return respondError(c, fiber.StatusForbidden, "email_not_verified", err.Error())
	case errors.Is(err, billing.ErrInvalidToken):
		return respondError(c, fiber.StatusBadRequest, "invalid_token", err.Error())
	case errors.Is(err, billing.ErrAlreadyVerified):
		return respondError(c, fiber.StatusBadRequest, "already_verified", err.Error())
	case errors.Is(err, billing.ErrOAuthAccount):
		return respondError(c, fiber.StatusBadRequest, "oauth_account", "This account uses Google sign-in")
	case errors.Is(err, billing.ErrExternalProcessor):
		log.Errorf("[Billing] %v", err)
		return respondError(c, fiber.StatusBadGateway, "processor_error", "Payment processor request failed")
	case errors.Is(err, models.ErrPasswordTooShort), errors.As(err, &validationErrs):
		return respondError(c, fiber.StatusBadRequest, "validation_failed", err.Error())
	default:
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
		return respondError(c, fiber.StatusInternalServerError, "internal_server_error", "Request failed")
	}
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
