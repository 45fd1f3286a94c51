package controllers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
	"github.com/ManuelReschke/TokenFox/internal/pkg/usercontext"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultStatsDays    = 30
	maxStatsDays        = 365
)

// AccountController serves the authenticated account and its token ledger.
type AccountController struct {
	store ledger.Repository
}

func NewAccountController(store ledger.Repository) *AccountController {
	return &AccountController{store: store}
}

// HandleGetAccount returns account information for the API key owner.
func (ac *AccountController) HandleGetAccount(c *fiber.Ctx) error {
	account, err := ac.store.GetAccount(c.UserContext(), usercontext.GetAccountID(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"id":                   account.ID,
		"name":                 account.Name,
		"email":                account.Email,
		"status":               account.Status,
		"is_admin":             account.IsAdmin(),
		"token_balance":        account.TokenBalance,
		"subscription":         account.Subscription,
		"api_key_prefix":       account.APIKeyPrefix,
		"created_at":           account.CreatedAt.UTC().Format(time.RFC3339),
		"last_login_at":        formatTimePtr(account.LastLoginAt),
		"api_key_last_used_at": formatTimePtr(account.APIKeyLastUsedAt),
	})
}

type historyEntry struct {
	models.TokenTransaction
	Related interface{} `json:"related,omitempty"`
}

// HandleGetTokens returns the balance, recent ledger entries and totals.
//
// Query: limit (1-100), days (1-365), expand=related.
func (ac *AccountController) HandleGetTokens(c *fiber.Ctx) error {
	ctx := c.UserContext()
	accountID := usercontext.GetAccountID(c)
	account, err := ac.store.GetAccount(ctx, accountID)
	if err != nil {
		return handleServiceError(c, err)
	}

	limit := queryInt(c, "limit", defaultHistoryLimit, maxHistoryLimit)
	txns, err := ac.store.ListTransactions(ctx, accountID, limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	days := queryInt(c, "days", defaultStatsDays, maxStatsDays)
	stats, err := ac.store.TransactionStats(ctx, accountID, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return handleServiceError(c, err)
	}

	expand := c.Query("expand") == "related"
	history := make([]historyEntry, 0, len(txns))
	for i := range txns {
		entry := historyEntry{TokenTransaction: txns[i]}
		if expand {
			related, err := ledger.ResolveRelated(ctx, ac.store, &txns[i])
			if err != nil {
				log.Warnf("[API] Could not resolve related entity of transaction %d: %v", txns[i].ID, err)
			} else {
				entry.Related = related
			}
		}
		history = append(history, entry)
	}

	return c.JSON(fiber.Map{
		"balance": account.TokenBalance,
		"history": history,
		"stats": fiber.Map{
			"days":    days,
			"since":   stats.Since.UTC().Format(time.RFC3339),
			"credits": stats.Credits,
			"debits":  stats.Debits,
			"net":     stats.Net(),
		},
	})
}
