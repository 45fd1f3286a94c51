package billing

import (
	"fmt"
	"time"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
)

// activatePlan points the subscription at plan for one period starting at start.
func activatePlan(account *models.Account, plan *models.Plan, start time.Time, subscriptionRef string) {
	planID := plan.ID
	end := start.Add(plan.Duration())
	account.Subscription.PlanID = &planID
	account.Subscription.Status = models.SubscriptionStatusActive
	account.Subscription.StartDate = &start
	account.Subscription.EndDate = &end
	account.Subscription.ExternalSubscriptionRef = subscriptionRef
	account.Subscription.AutoRenew = true
	account.LastTokenRefresh = &start
}

// initialGrant is the credit for a freshly started subscription. It returns
// nil for plans without tokens.
func initialGrant(plan *models.Plan, subscriptionRef string) *ledger.TransactionInput {
	if plan.TokensPerMonth <= 0 {
		return nil
	}
	meta := planMetadata(plan, true)
	if subscriptionRef != "" {
		meta["stripeSubscriptionId"] = subscriptionRef
	}
	return &ledger.TransactionInput{
		Amount:      plan.TokensPerMonth,
		Kind:        models.TransactionKindCredit,
		Action:      models.ActionSubscriptionPurchase,
		Description: fmt.Sprintf("Initial tokens from %s subscription", plan.Name),
		Related:     ledger.RelatedToPlan(plan.ID),
		Metadata:    meta,
	}
}

// cycleGrant is the credit for a paid renewal or plan change invoice.
func cycleGrant(plan *models.Plan, ev BillingEvent) *ledger.TransactionInput {
	if plan.TokensPerMonth <= 0 {
		return nil
	}
	action := models.ActionSubscriptionRenewal
	description := fmt.Sprintf("Monthly renewal tokens from %s subscription", plan.Name)
	if ev.BillingReason == BillingReasonSubscriptionUpdate {
		action = models.ActionSubscriptionPlanChange
		description = fmt.Sprintf("Tokens from upgrading to %s subscription", plan.Name)
	}
	meta := planMetadata(plan, false)
	meta["stripeSubscriptionId"] = ev.SubscriptionRef
	meta["invoiceId"] = ev.InvoiceRef
	return &ledger.TransactionInput{
		Amount:         plan.TokensPerMonth,
		Kind:           models.TransactionKindCredit,
		Action:         action,
		Description:    description,
		Related:        ledger.RelatedToPlan(plan.ID),
		Metadata:       meta,
		IdempotencyKey: InvoiceIdempotencyKey(ev.InvoiceRef),
	}
}

// freeRenewalGrant is the credit for a free plan starting a new period. The
// key ties it to the period that lapsed, so each lapse is credited once.
func freeRenewalGrant(plan *models.Plan, accountID uint, lapsedAt int64) *ledger.TransactionInput {
	if plan.TokensPerMonth <= 0 {
		return nil
	}
	return &ledger.TransactionInput{
		Amount:         plan.TokensPerMonth,
		Kind:           models.TransactionKindCredit,
		Action:         models.ActionSubscriptionRenewal,
		Description:    fmt.Sprintf("Monthly renewal tokens from %s subscription", plan.Name),
		Related:        ledger.RelatedToPlan(plan.ID),
		Metadata:       planMetadata(plan, false),
		IdempotencyKey: fmt.Sprintf("free:%d:%d", accountID, lapsedAt),
	}
}

// InvoiceIdempotencyKey is the ledger key that makes an invoice credit apply once.
func InvoiceIdempotencyKey(invoiceRef string) string {
	return "invoice:" + invoiceRef
}

func planMetadata(plan *models.Plan, initial bool) map[string]interface{} {
	return map[string]interface{}{
		"planName":  plan.Name,
		"planTier":  plan.Tier,
		"isInitial": initial,
	}
}

// isGrantingReason reports whether a paid invoice with this billing reason credits tokens.
func isGrantingReason(reason string) bool {
	switch reason {
	case BillingReasonSubscriptionCycle, BillingReasonSubscriptionUpdate:
		return true
	default:
		return false
	}
}
