package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/TokenFox/app/models"
)

const (
	settleOutcomeCompleted = "completed"
	settleOutcomePartial   = "partial"
	settleOutcomeRejected  = "rejected"
)

// CreateEstimate persists a new quote in the estimated state.
func (e *Engine) CreateEstimate(ctx context.Context, estimate *models.CostEstimate) error {
	estimate.Status = models.EstimateStatusEstimated
	estimate.ActualCost = decimal.NullDecimal{}
	estimate.TokenTransactionID = nil
	estimate.PartialTokensUsed = nil
	q := &estimate.Quote
	if q.TotalTokens == 0 {
		q.TotalTokens = q.BaseTokens + q.OperatingCostTokens
	}
	if q.TotalUSD.IsZero() {
		q.TotalUSD = q.BaseUSD.Add(q.OperatingCostUSD)
	}
	if estimate.EstimatedCost.IsZero() {
		estimate.EstimatedCost = q.TotalUSD
	}
	if err := e.validate.Struct(estimate); err != nil {
		return fmt.Errorf("invalid estimate: %w", err)
	}
	if _, err := e.repo.GetAccount(ctx, estimate.AccountID); err != nil {
		return err
	}
	return e.repo.CreateEstimate(ctx, estimate)
}

// Settle charges a cost estimate against the account balance.
//
// With balance B and quote T: B >= T debits T and completes the estimate;
// B <= 0 changes nothing; otherwise the whole balance B is debited and the
// estimate is marked partial with its actual cost scaled by B/T. Only a full
// debit lets the caller proceed. Everything happens in one transaction.
func (e *Engine) Settle(ctx context.Context, estimateID uint) (*SettleResult, error) {
	estimate, err := e.repo.GetEstimate(ctx, estimateID)
	if err != nil {
		return nil, err
	}

	var result *SettleResult
	err = e.Atomically(ctx, estimate.AccountID, func(tx *Tx) error {
		// Re-read under the account lock so concurrent settles of the same
		// estimate see each other's status change.
		est, err := tx.Repo().GetEstimate(ctx, estimateID)
		if err != nil {
			return err
		}
		if est.IsSettled() {
			return ErrEstimateSettled
		}
		result, err = settleLocked(tx, est)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch {
	case result.CanProceed:
		e.metrics.RecordSettlement(settleOutcomeCompleted)
	case result.PartialTokensUsed != nil:
		e.metrics.RecordSettlement(settleOutcomePartial)
	default:
		e.metrics.RecordSettlement(settleOutcomeRejected)
	}
	return result, nil
}

func settleLocked(tx *Tx, est *models.CostEstimate) (*SettleResult, error) {
	balance := tx.Account().TokenBalance
	total := est.Quote.TotalTokens
	action := strings.ToLower(strings.TrimSpace(est.Action))

	switch {
	case balance >= total:
		if total > 0 {
			txn, err := tx.Apply(TransactionInput{
				Amount:      total,
				Kind:        models.TransactionKindDebit,
				Action:      action,
				Description: "Tokens used for " + est.Action,
				Related:     RelatedToEstimate(est.ID),
				Metadata: map[string]interface{}{
					"costEstimateId":   est.ID,
					"isPartial":        false,
					"requestedTokens":  total,
					"actualTokensUsed": total,
				},
			})
			if err != nil {
				return nil, err
			}
			est.TokenTransactionID = &txn.ID
		}
		est.Status = models.EstimateStatusCompleted
		est.ActualCost = decimal.NewNullDecimal(est.EstimatedCost)
		if err := tx.Repo().SaveEstimate(tx.ctx, est); err != nil {
			return nil, err
		}
		return &SettleResult{
			CanProceed:       true,
			RemainingBalance: tx.Account().TokenBalance,
			Transaction:      lastApplied(tx),
			Estimate:         est,
			Message:          "Tokens deducted",
		}, nil

	case balance <= 0:
		return &SettleResult{
			CanProceed:       false,
			RemainingBalance: balance,
			Estimate:         est,
			Message:          "Insufficient tokens",
		}, nil

	default:
		pct := percentComplete(balance, total)
		txn, err := tx.Apply(TransactionInput{
			Amount:      balance,
			Kind:        models.TransactionKindDebit,
			Action:      action,
			Description: "Partial tokens used for " + est.Action,
			Related:     RelatedToEstimate(est.ID),
			Metadata: map[string]interface{}{
				"costEstimateId":     est.ID,
				"isPartial":          true,
				"requestedTokens":    total,
				"actualTokensUsed":   balance,
				"percentageComplete": pct.InexactFloat64(),
			},
		})
		if err != nil {
			return nil, err
		}

		used := balance
		est.Status = models.EstimateStatusPartial
		est.PartialTokensUsed = &used
		est.TokenTransactionID = &txn.ID
		est.ActualCost = decimal.NewNullDecimal(scaleCost(est.EstimatedCost, balance, total))
		if err := tx.Repo().SaveEstimate(tx.ctx, est); err != nil {
			return nil, err
		}
		log.Infof("[Ledger] Partial settle of estimate %d: %d of %d tokens (%s%%)", est.ID, balance, total, pct.StringFixed(2))
		return &SettleResult{
			CanProceed:        false,
			RemainingBalance:  tx.Account().TokenBalance,
			PartialTokensUsed: &used,
			Transaction:       txn,
			Estimate:          est,
			Message:           "Insufficient tokens for the full operation, partial balance consumed",
		}, nil
	}
}

// MarkFailed moves an unsettled estimate to failed.
func (e *Engine) MarkFailed(ctx context.Context, estimateID uint) (*models.CostEstimate, error) {
	estimate, err := e.repo.GetEstimate(ctx, estimateID)
	if err != nil {
		return nil, err
	}
	err = e.Atomically(ctx, estimate.AccountID, func(tx *Tx) error {
		est, err := tx.Repo().GetEstimate(ctx, estimateID)
		if err != nil {
			return err
		}
		if est.IsSettled() {
			return ErrEstimateSettled
		}
		est.Status = models.EstimateStatusFailed
		estimate = est
		return tx.Repo().SaveEstimate(ctx, est)
	})
	if err != nil {
		return nil, err
	}
	return estimate, nil
}

func lastApplied(tx *Tx) *models.TokenTransaction {
	if len(tx.applied) == 0 {
		return nil
	}
	return tx.applied[len(tx.applied)-1]
}

// percentComplete is used/total*100 rounded to two decimals.
func percentComplete(used, total int64) decimal.Decimal {
	return decimal.NewFromInt(used).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(total)).
		Round(2)
}

// scaleCost is cost*used/total rounded to the stored precision.
func scaleCost(cost decimal.Decimal, used, total int64) decimal.Decimal {
	return cost.
		Mul(decimal.NewFromInt(used)).
		Div(decimal.NewFromInt(total)).
		Round(6)
}
