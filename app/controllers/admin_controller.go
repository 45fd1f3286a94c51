package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
	"github.com/ManuelReschke/TokenFox/internal/pkg/usercontext"
)

// AdminController handles operator endpoints
type AdminController struct {
	engine *ledger.Engine
	queue  *jobqueue.Queue
}

// NewAdminController creates a new admin controller. queue may be nil.
func NewAdminController(engine *ledger.Engine, queue *jobqueue.Queue) *AdminController {
	return &AdminController{
		engine: engine,
		queue:  queue,
	}
}

type adjustTokensRequest struct {
	Amount int64  `json:"amount" validate:"min=1"`
	Kind   string `json:"kind" validate:"omitempty,oneof=credit debit"`
	Reason string `json:"reason" validate:"required,max=255"`
}

// HandleAdjustTokens credits (or debits) an account by hand.
func (ac *AdminController) HandleAdjustTokens(c *fiber.Ctx) error {
	accountID, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "invalid_request", "Invalid account id")
	}
	var req adjustTokensRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	kind := models.TransactionKindCredit
	if req.Kind == string(models.TransactionKindDebit) {
		kind = models.TransactionKindDebit
	}

	adminID := usercontext.GetAccountID(c)
	txn, err := ac.engine.CreateTransaction(c.UserContext(), ledger.TransactionInput{
		AccountID:   accountID,
		Amount:      req.Amount,
		Kind:        kind,
		Action:      models.ActionManualAdjustment,
		Description: req.Reason,
		Metadata: map[string]interface{}{
			"adjustedBy": adminID,
		},
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	log.Infof("[Admin] Account %d adjusted account %d by %s %d tokens: %s",
		adminID, accountID, kind, req.Amount, req.Reason)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"transaction": txn,
		"balance":     txn.ResultingBalance,
	})
}

// HandleQueueStats reports the background job queue state.
func (ac *AdminController) HandleQueueStats(c *fiber.Ctx) error {
	if ac.queue == nil {
		return respondError(c, fiber.StatusServiceUnavailable, "queue_unavailable", "Job queue is not configured")
	}
	ctx := c.UserContext()
	stats, err := ac.queue.GetJobStats(ctx)
	if err != nil {
		return handleServiceError(c, err)
	}
	pending, err := ac.queue.GetQueueSize(ctx)
	if err != nil {
		return handleServiceError(c, err)
	}
	processing, err := ac.queue.GetProcessingSize(ctx)
	if err != nil {
		return handleServiceError(c, err)
	}

	counts := make(map[string]int64, len(stats))
	for status, n := range stats {
		counts[string(status)] = n
	}
	return c.JSON(fiber.Map{
		"running":    ac.queue.IsRunning(),
		"pending":    pending,
		"processing": processing,
		"jobs":       counts,
	})
}

// HandleGetAccountTokens returns the ledger of any account.
func (ac *AdminController) HandleGetAccountTokens(c *fiber.Ctx) error {
	accountID, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "invalid_request", "Invalid account id")
	}
	store := ac.engine.Repository()
	account, err := store.GetAccount(c.UserContext(), accountID)
	if err != nil {
		return handleServiceError(c, err)
	}
	txns, err := store.ListTransactions(c.UserContext(), accountID, queryInt(c, "limit", defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(fiber.Map{
		"account_id": account.ID,
		"balance":    account.TokenBalance,
		"history":    txns,
	})
}
