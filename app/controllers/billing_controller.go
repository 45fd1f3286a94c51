package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/billing"
	"github.com/ManuelReschke/TokenFox/internal/pkg/cache"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
	"github.com/ManuelReschke/TokenFox/internal/pkg/usercontext"
)

const (
	ActivePlansCacheKey = "plans:active"
	activePlansCacheTTL = 5 * time.Minute
)

// BillingController serves plans, subscriptions and the Stripe webhook.
type BillingController struct {
	billing *billing.Service
	store   ledger.Repository
	// plans is optional; without it every listing hits the database.
	plans *cache.Store
}

func NewBillingController(svc *billing.Service, store ledger.Repository, plans *cache.Store) *BillingController {
	return &BillingController{billing: svc, store: store, plans: plans}
}

// HandleStripeWebhook acknowledges every verified delivery. Reconciliation
// failures are kept on the journaled event and retried in the background.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)
	outcome, err := bc.billing.HandleStripeWebhook(c.UserContext(), payload, c.Get(billing.StripeSignatureHeader))
	if errors.Is(err, billing.ErrInvalidSignature) {
		log.Warnf("[Webhook] Rejected Stripe delivery from %s: %v", c.IP(), err)
		return respondError(c, fiber.StatusBadRequest, "invalid_signature", "Invalid webhook signature")
	}
	if err != nil {
		log.Errorf("[Webhook] Stripe delivery not recorded: %v", err)
		return respondError(c, fiber.StatusInternalServerError, "internal_server_error", "Webhook could not be recorded")
	}
	return c.JSON(fiber.Map{"received": true, "outcome": outcome})
}

// HandleListPlans returns the active plans ordered by price.
func (bc *BillingController) HandleListPlans(c *fiber.Ctx) error {
	ctx := c.UserContext()
	var plans []models.Plan
	if bc.plans != nil {
		hit, err := bc.plans.GetJSON(ctx, ActivePlansCacheKey, &plans)
		if err != nil {
			log.Warnf("[Cache] Plan listing unavailable: %v", err)
		}
		if hit {
			return c.JSON(fiber.Map{"plans": plans})
		}
	}

	plans, err := bc.store.ListActivePlans(ctx)
	if err != nil {
		return handleServiceError(c, err)
	}
	if bc.plans != nil {
		if err := bc.plans.SetJSON(ctx, ActivePlansCacheKey, plans, activePlansCacheTTL); err != nil {
			log.Warnf("[Cache] Failed to cache plan listing: %v", err)
		}
	}
	return c.JSON(fiber.Map{"plans": plans})
}

// HandleGetSubscription returns the caller's subscription and balance.
func (bc *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	ctx := c.UserContext()
	account, err := bc.store.GetAccount(ctx, usercontext.GetAccountID(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	var plan *models.Plan
	if account.Subscription.PlanID != nil {
		plan, err = bc.store.GetPlan(ctx, *account.Subscription.PlanID)
		if err != nil && !errors.Is(err, ledger.ErrPlanNotFound) {
			return handleServiceError(c, err)
		}
	}
	return c.JSON(subscriptionResponse(account, plan))
}

type subscribeRequest struct {
	PlanID        uint   `json:"planId" validate:"required"`
	PaymentMethod string `json:"paymentMethod" validate:"max=255"`
}

// HandleSubscribe moves the caller onto a plan.
func (bc *BillingController) HandleSubscribe(c *fiber.Ctx) error {
	var req subscribeRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	ctx := c.UserContext()
	result, err := bc.billing.Subscribe(ctx, usercontext.GetAccountID(c), req.PlanID, req.PaymentMethod)
	if err != nil {
		return handleServiceError(c, err)
	}

	plan, err := bc.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return handleServiceError(c, err)
	}
	resp := subscriptionResponse(result.Account, plan)
	resp["transaction"] = result.Transaction
	if result.ClientSecret != "" {
		resp["client_secret"] = result.ClientSecret
	}
	return c.JSON(resp)
}

// HandleCancelSubscription stops the caller's subscription.
func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	account, err := bc.billing.Cancel(c.UserContext(), usercontext.GetAccountID(c))
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(subscriptionResponse(account, nil))
}

func subscriptionResponse(account *models.Account, plan *models.Plan) fiber.Map {
	return fiber.Map{
		"subscription":  account.Subscription,
		"plan":          plan,
		"active":        account.HasActiveSubscription(time.Now()),
		"token_balance": account.TokenBalance,
	}
}
