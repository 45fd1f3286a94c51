package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
)

const (
	reconcileApplied   = "applied"
	reconcileIgnored   = "ignored"
	reconcileDuplicate = "duplicate"
)

// Reconcile applies one billing event to the account that owns its
// subscription. It is safe under redelivery and reordering: invoice credits
// are keyed by invoice id, cancelled subscriptions are terminal and events for
// a subscription the account no longer uses are dropped.
func (s *Service) Reconcile(ctx context.Context, ev BillingEvent) error {
	_, err := s.reconcile(ctx, ev)
	return err
}

func (s *Service) reconcile(ctx context.Context, ev BillingEvent) (string, error) {
	if ev.SubscriptionRef == "" {
		log.Warnf("[Billing] %s event %s without subscription ignored", ev.Type, ev.EventID)
		return reconcileIgnored, nil
	}
	account, err := s.store().FindAccountBySubscriptionRef(ctx, ev.SubscriptionRef)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		log.Warnf("[Billing] No account for subscription %s (%s event %s)", ev.SubscriptionRef, ev.Type, ev.EventID)
		return reconcileIgnored, nil
	}
	if err != nil {
		return "", err
	}

	var (
		result    string
		cancelRef string
	)
	err = s.withAccountLock(ctx, account.ID, func() error {
		return s.engine.Atomically(ctx, account.ID, func(tx *ledger.Tx) error {
			acc := tx.Account()
			if acc.Subscription.ExternalSubscriptionRef != ev.SubscriptionRef {
				log.Infof("[Billing] Account %d moved off subscription %s; %s event ignored", acc.ID, ev.SubscriptionRef, ev.Type)
				result = reconcileIgnored
				return nil
			}
			if acc.Subscription.Status == models.SubscriptionStatusCancelled {
				result = reconcileIgnored
				return nil
			}

			var err error
			switch ev.Type {
			case EventPaymentSucceeded:
				result, err = s.applyPaymentSucceeded(ctx, tx, ev)
			case EventPaymentFailed:
				result, err = s.applyPaymentFailed(ctx, tx, ev)
				if err == nil && result == reconcileApplied && ev.FinalFailure() {
					cancelRef = ev.SubscriptionRef
				}
			case EventSubscriptionUpdated:
				result, err = s.applySubscriptionUpdated(ctx, tx, ev)
			case EventSubscriptionDeleted:
				result, err = s.applySubscriptionDeleted(ctx, tx)
			default:
				result = reconcileIgnored
			}
			return err
		})
	})
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		result, err = reconcileDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("reconcile %s for subscription %s: %w", ev.Type, ev.SubscriptionRef, err)
	}

	if cancelRef != "" {
		if err := s.cancelExternal(ctx, cancelRef); err != nil {
			log.Errorf("[Billing] Account %d cancelled after final payment failure, but cancelling %s on the processor failed: %v",
				account.ID, cancelRef, err)
			s.enqueueCancel(ctx, account.ID, cancelRef)
		}
	}
	log.Infof("[Billing] %s event %s for account %d: %s", ev.Type, ev.EventID, account.ID, result)
	return result, nil
}

func (s *Service) applyPaymentSucceeded(ctx context.Context, tx *ledger.Tx, ev BillingEvent) (string, error) {
	if ev.InvoiceStatus != "" && ev.InvoiceStatus != invoiceStatusPaid {
		return reconcileIgnored, nil
	}
	// subscription_create invoices were credited when the subscription started.
	if !isGrantingReason(ev.BillingReason) {
		return reconcileIgnored, nil
	}
	if ev.InvoiceRef == "" {
		log.Warnf("[Billing] Paid %s event %s has no invoice id", ev.BillingReason, ev.EventID)
		return reconcileIgnored, nil
	}

	repo := tx.Repo()
	_, err := repo.FindTransactionByIdempotencyKey(ctx, InvoiceIdempotencyKey(ev.InvoiceRef))
	if err == nil {
		return reconcileDuplicate, nil
	}
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return "", err
	}

	acc := tx.Account()
	if acc.Subscription.PlanID == nil {
		return "", fmt.Errorf("account %d: %w", acc.ID, ledger.ErrPlanNotFound)
	}
	plan, err := repo.GetPlan(ctx, *acc.Subscription.PlanID)
	if err != nil {
		return "", err
	}

	now := s.now()
	start := ev.PeriodStart
	if start == nil {
		start = &now
	}
	end := ev.PeriodEnd
	if end == nil {
		e := start.Add(plan.Duration())
		end = &e
	}
	acc.Subscription.Status = models.SubscriptionStatusActive
	acc.Subscription.StartDate = start
	acc.Subscription.EndDate = end
	acc.Subscription.AutoRenew = true
	acc.LastTokenRefresh = &now
	if err := repo.SaveAccount(ctx, acc); err != nil {
		return "", err
	}

	if grant := cycleGrant(plan, ev); grant != nil {
		if _, err := tx.Apply(*grant); err != nil {
			return "", err
		}
	}
	return reconcileApplied, nil
}

func (s *Service) applyPaymentFailed(ctx context.Context, tx *ledger.Tx, ev BillingEvent) (string, error) {
	acc := tx.Account()
	// A failed invoice for a period that ended before the current one started
	// was superseded by a later successful payment.
	if ev.PeriodEnd != nil && acc.Subscription.StartDate != nil && !ev.PeriodEnd.After(*acc.Subscription.StartDate) {
		log.Infof("[Billing] Stale payment failure for invoice %s on account %d ignored", ev.InvoiceRef, acc.ID)
		return reconcileIgnored, nil
	}
	acc.Subscription.Status = models.SubscriptionStatusPastDue
	acc.Subscription.AutoRenew = false
	if ev.FinalFailure() {
		acc.Subscription.Status = models.SubscriptionStatusCancelled
	}
	if err := tx.Repo().SaveAccount(ctx, acc); err != nil {
		return "", err
	}
	return reconcileApplied, nil
}

func (s *Service) applySubscriptionUpdated(ctx context.Context, tx *ledger.Tx, ev BillingEvent) (string, error) {
	status := MapProcessorStatus(ev.SubscriptionStatus)
	acc := tx.Account()
	if status == "" || status == acc.Subscription.Status {
		return reconcileIgnored, nil
	}
	acc.Subscription.Status = status
	if err := tx.Repo().SaveAccount(ctx, acc); err != nil {
		return "", err
	}
	return reconcileApplied, nil
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, tx *ledger.Tx) (string, error) {
	acc := tx.Account()
	acc.Subscription.Status = models.SubscriptionStatusCancelled
	acc.Subscription.AutoRenew = false
	if err := tx.Repo().SaveAccount(ctx, acc); err != nil {
		return "", err
	}
	return reconcileApplied, nil
}
