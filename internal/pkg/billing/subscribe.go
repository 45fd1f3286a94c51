package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
)

// SubscribeResult is the state after a successful subscribe.
type SubscribeResult struct {
	Account     *models.Account
	Transaction *models.TokenTransaction
	// ClientSecret lets a client finish payment steps the processor requires.
	ClientSecret string
}

// Subscribe moves an account onto plan. Free plans activate immediately.
// Paid plans are created and paid on the processor first; the local
// subscription and the initial token credit are only written once payment is
// confirmed, so a failed payment leaves no local trace.
func (s *Service) Subscribe(ctx context.Context, accountID, planID uint, paymentMethodRef string) (*SubscribeResult, error) {
	var result *SubscribeResult
	err := s.withAccountLock(ctx, accountID, func() error {
		account, err := s.store().GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		plan, err := s.store().GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if !plan.IsActive {
			return fmt.Errorf("plan %d is inactive: %w", plan.ID, ledger.ErrPlanNotFound)
		}
		if account.Subscription.PlanID != nil && *account.Subscription.PlanID == plan.ID && account.HasActiveSubscription(s.now()) {
			return ErrAlreadySubscribed
		}

		if plan.IsFree() {
			result, err = s.subscribeFree(ctx, account, plan)
		} else {
			result, err = s.subscribePaid(ctx, account, plan, paymentMethodRef)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) subscribeFree(ctx context.Context, account *models.Account, plan *models.Plan) (*SubscribeResult, error) {
	if account.HasExternalSubscription() {
		ref := account.Subscription.ExternalSubscriptionRef
		if err := s.cancelExternal(ctx, ref); err != nil {
			log.Warnf("[Billing] Could not cancel subscription %s of account %d before switching to %s: %v",
				ref, account.ID, plan.Name, err)
			s.enqueueCancel(ctx, account.ID, ref)
		}
	}
	return s.activate(ctx, snapshotOf(account), plan, "")
}

func (s *Service) subscribePaid(ctx context.Context, account *models.Account, plan *models.Plan, paymentMethodRef string) (*SubscribeResult, error) {
	if plan.ExternalPriceRef == "" {
		return nil, fmt.Errorf("plan %s: %w", plan.Name, ErrPlanMisconfigured)
	}

	expected := snapshotOf(account)
	customerRef, err := s.ensureCustomer(ctx, account, paymentMethodRef)
	if err != nil {
		return nil, err
	}

	if account.HasExternalSubscription() {
		if err := s.retireSubscription(ctx, account); err != nil {
			log.Warnf("[Billing] Could not cancel subscription %s of account %d before switching to %s: %v",
				account.Subscription.ExternalSubscriptionRef, account.ID, plan.Name, err)
		}
	}

	var ext *ExternalSubscription
	err = s.callProcessor(ctx, "create_subscription", func(ctx context.Context) error {
		var err error
		ext, err = s.processor.CreateSubscription(ctx, customerRef, plan.ExternalPriceRef, paymentMethodRef)
		return err
	})
	if err != nil {
		return nil, err
	}

	var status PaymentStatus
	if ext.PaymentIntentRef != "" {
		err = s.callProcessor(ctx, "confirm_payment", func(ctx context.Context) error {
			var err error
			status, err = s.processor.ConfirmPayment(ctx, ext.PaymentIntentRef, paymentMethodRef)
			return err
		})
	}
	if err == nil && status != PaymentSucceeded {
		err = fmt.Errorf("%w: status %q", ErrPaymentNotConfirmed, status)
	}
	if err != nil {
		s.abandon(ctx, account.ID, ext.ID)
		return nil, err
	}

	result, err := s.activate(ctx, expected, plan, ext.ID)
	if errors.Is(err, ErrSubscriptionChanged) {
		log.Warnf("[Billing] Account %d changed subscription while %s was being created; cancelling it", account.ID, ext.ID)
		s.abandon(ctx, account.ID, ext.ID)
		return nil, err
	}
	if err != nil {
		log.Errorf("[Billing] Subscription %s (customer %s) is paid on the processor but activating account %d failed: %v",
			ext.ID, customerRef, account.ID, err)
		return nil, err
	}
	result.ClientSecret = ext.ClientSecret
	return result, nil
}

// ensureCustomer returns the account's processor customer, creating and
// storing it when missing.
func (s *Service) ensureCustomer(ctx context.Context, account *models.Account, paymentMethodRef string) (string, error) {
	if account.Subscription.ExternalCustomerRef != "" {
		return account.Subscription.ExternalCustomerRef, nil
	}

	var customerRef string
	err := s.callProcessor(ctx, "create_customer", func(ctx context.Context) error {
		var err error
		customerRef, err = s.processor.CreateCustomer(ctx, account.Email, paymentMethodRef)
		return err
	})
	if err != nil {
		return "", err
	}

	err = s.engine.Atomically(ctx, account.ID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		acc.Subscription.ExternalCustomerRef = customerRef
		return tx.Repo().SaveAccount(ctx, acc)
	})
	if err != nil {
		log.Errorf("[Billing] Customer %s created for account %d but not stored: %v", customerRef, account.ID, err)
		return "", err
	}
	account.Subscription.ExternalCustomerRef = customerRef
	return customerRef, nil
}

// retireSubscription cancels the account's live processor subscription and
// marks it cancelled locally.
func (s *Service) retireSubscription(ctx context.Context, account *models.Account) error {
	ref := account.Subscription.ExternalSubscriptionRef
	if err := s.cancelExternal(ctx, ref); err != nil {
		return err
	}
	return s.engine.Atomically(ctx, account.ID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		if acc.Subscription.ExternalSubscriptionRef != ref {
			return nil
		}
		acc.Subscription.Status = models.SubscriptionStatusCancelled
		acc.Subscription.AutoRenew = false
		return tx.Repo().SaveAccount(ctx, acc)
	})
}

// abandon cancels a processor subscription whose payment never went through.
func (s *Service) abandon(ctx context.Context, accountID uint, subscriptionRef string) {
	if subscriptionRef == "" {
		return
	}
	if err := s.cancelExternal(ctx, subscriptionRef); err != nil {
		log.Errorf("[Billing] Unpaid subscription %s of account %d could not be cancelled: %v", subscriptionRef, accountID, err)
		s.enqueueCancel(ctx, accountID, subscriptionRef)
	}
}

// subscriptionSnapshot is the part of an account's subscription a subscribe
// flow started from.
type subscriptionSnapshot struct {
	accountID       uint
	planID          *uint
	subscriptionRef string
}

func snapshotOf(account *models.Account) subscriptionSnapshot {
	snap := subscriptionSnapshot{
		accountID:       account.ID,
		subscriptionRef: account.Subscription.ExternalSubscriptionRef,
	}
	if account.Subscription.PlanID != nil {
		id := *account.Subscription.PlanID
		snap.planID = &id
	}
	return snap
}

func (snap subscriptionSnapshot) matches(account *models.Account) bool {
	if account.Subscription.ExternalSubscriptionRef != snap.subscriptionRef {
		return false
	}
	current := account.Subscription.PlanID
	if current == nil || snap.planID == nil {
		return current == nil && snap.planID == nil
	}
	return *current == *snap.planID
}

// activate points the account at plan and credits the initial tokens in one
// ledger transaction. It fails with ErrSubscriptionChanged when the locked
// account no longer matches expected.
func (s *Service) activate(ctx context.Context, expected subscriptionSnapshot, plan *models.Plan, subscriptionRef string) (*SubscribeResult, error) {
	accountID := expected.accountID
	result := &SubscribeResult{}
	err := s.engine.Atomically(ctx, accountID, func(tx *ledger.Tx) error {
		acc := tx.Account()
		if !expected.matches(acc) {
			return fmt.Errorf("account %d: %w", acc.ID, ErrSubscriptionChanged)
		}
		activatePlan(acc, plan, s.now(), subscriptionRef)
		if err := tx.Repo().SaveAccount(ctx, acc); err != nil {
			return err
		}
		if grant := initialGrant(plan, subscriptionRef); grant != nil {
			txn, err := tx.Apply(*grant)
			if err != nil {
				return err
			}
			result.Transaction = txn
		}
		result.Account = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Account %d subscribed to %s", accountID, plan.Name)
	return result, nil
}

// Cancel stops the account's subscription. The processor is told first; if
// that fails nothing changes locally and the ExternalProcessorError is returned.
func (s *Service) Cancel(ctx context.Context, accountID uint) (*models.Account, error) {
	var account *models.Account
	err := s.withAccountLock(ctx, accountID, func() error {
		current, err := s.store().GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if current.Subscription.PlanID == nil || current.Subscription.Status == models.SubscriptionStatusNone {
			return ErrNoSubscription
		}
		if current.Subscription.Status == models.SubscriptionStatusCancelled {
			account = current
			return nil
		}

		if current.HasExternalSubscription() {
			if err := s.cancelExternal(ctx, current.Subscription.ExternalSubscriptionRef); err != nil {
				return err
			}
		}

		return s.engine.Atomically(ctx, accountID, func(tx *ledger.Tx) error {
			acc := tx.Account()
			acc.Subscription.Status = models.SubscriptionStatusCancelled
			acc.Subscription.AutoRenew = false
			if err := tx.Repo().SaveAccount(ctx, acc); err != nil {
				return err
			}
			account = acc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}
