package usercontext

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/TokenFox/app/models"
)

// AccountContext is the authenticated caller of a request.
type AccountContext struct {
	AccountID       uint   `json:"account_id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	IsAuthenticated bool   `json:"is_authenticated"`
	IsAdmin         bool   `json:"is_admin"`
}

// FromAccount builds the context for an authenticated account.
func FromAccount(a *models.Account) AccountContext {
	return AccountContext{
		AccountID:       a.ID,
		Name:            a.Name,
		Email:           a.Email,
		IsAuthenticated: true,
		IsAdmin:         a.IsAdmin(),
	}
}

// Set stores ac on the request.
func Set(c *fiber.Ctx, ac AccountContext) {
	c.Locals(KeyAccountContext, ac)
	c.Locals(KeyAccountID, ac.AccountID)
	c.Locals(KeyIsAdmin, ac.IsAdmin)
}

// GetAccountContext retrieves the account context from fiber context
// Returns an anonymous context if none is set
func GetAccountContext(c *fiber.Ctx) AccountContext {
	if ac, ok := c.Locals(KeyAccountContext).(AccountContext); ok {
		return ac
	}
	return AccountContext{}
}

// IsAuthenticated checks if the request carries a valid API key
func IsAuthenticated(c *fiber.Ctx) bool {
	return GetAccountContext(c).IsAuthenticated
}

// IsAdmin checks if the caller is an admin
func IsAdmin(c *fiber.Ctx) bool {
	return GetAccountContext(c).IsAdmin
}

// GetAccountID returns the caller's account ID, or 0 if anonymous
func GetAccountID(c *fiber.Ctx) uint {
	return GetAccountContext(c).AccountID
}
