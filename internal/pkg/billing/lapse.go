package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
)

// lapseBatchSize bounds the accounts handled per sweep.
const lapseBatchSize = 100

// LapseResult counts what one sweep did.
type LapseResult struct {
	Renewed int
	Expired int
}

// SweepLapsedSubscriptions handles active subscriptions whose period has
// ended. Free plans with auto-renew start a new period and get their monthly
// tokens again; other free or plan-less subscriptions become expired. Paid
// subscriptions backed by the processor are left to its webhooks.
func (s *Service) SweepLapsedSubscriptions(ctx context.Context) (*LapseResult, error) {
	accounts, err := s.store().ListLapsedAccounts(ctx, s.now(), lapseBatchSize)
	if err != nil {
		return nil, err
	}

	result := &LapseResult{}
	var errs []error
	for _, account := range accounts {
		outcome, err := s.lapse(ctx, account.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", account.ID, err))
			continue
		}
		switch outcome {
		case models.SubscriptionStatusActive:
			result.Renewed++
		case models.SubscriptionStatusExpired:
			result.Expired++
		}
	}
	if result.Renewed+result.Expired > 0 {
		log.Infof("[Billing] Lapsed subscriptions: %d renewed, %d expired", result.Renewed, result.Expired)
	}
	return result, errors.Join(errs...)
}

// RunLapseSweep adapts SweepLapsedSubscriptions to a periodic task.
func (s *Service) RunLapseSweep(ctx context.Context) error {
	_, err := s.SweepLapsedSubscriptions(ctx)
	return err
}

// lapse re-checks one account under its lock and returns the status it was
// moved to, or "" when nothing changed.
func (s *Service) lapse(ctx context.Context, accountID uint) (string, error) {
	var outcome string
	err := s.withAccountLock(ctx, accountID, func() error {
		return s.engine.Atomically(ctx, accountID, func(tx *ledger.Tx) error {
			acc := tx.Account()
			now := s.now()
			sub := acc.Subscription
			if sub.Status != models.SubscriptionStatusActive || sub.EndDate == nil || !sub.EndDate.Before(now) {
				return nil
			}

			var plan *models.Plan
			if sub.PlanID != nil {
				p, err := tx.Repo().GetPlan(ctx, *sub.PlanID)
				if err != nil && !errors.Is(err, ledger.ErrPlanNotFound) {
					return err
				}
				plan = p
			}
			if plan != nil && !plan.IsFree() && sub.ExternalSubscriptionRef != "" {
				return nil
			}

			if plan != nil && plan.IsFree() && plan.IsActive && sub.AutoRenew {
				lapsedAt := *sub.EndDate
				activatePlan(acc, plan, now, "")
				if err := tx.Repo().SaveAccount(ctx, acc); err != nil {
					return err
				}
				if grant := freeRenewalGrant(plan, acc.ID, lapsedAt.Unix()); grant != nil {
					if _, err := tx.Apply(*grant); err != nil {
						return err
					}
				}
				outcome = models.SubscriptionStatusActive
				return nil
			}

			acc.Subscription.Status = models.SubscriptionStatusExpired
			acc.Subscription.AutoRenew = false
			if err := tx.Repo().SaveAccount(ctx, acc); err != nil {
				return err
			}
			outcome = models.SubscriptionStatusExpired
			return nil
		})
	})
	return outcome, err
}
