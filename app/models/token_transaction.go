package models

import (
	"time"

	"gorm.io/datatypes"
)

type TransactionKind string

const (
	TransactionKindCredit TransactionKind = "credit"
	TransactionKindDebit  TransactionKind = "debit"
)

// Reason codes recorded on ledger entries.
const (
	ActionSubscriptionPurchase   = "subscription_purchase"
	ActionSubscriptionRenewal    = "subscription_renewal"
	ActionSubscriptionPlanChange = "subscription_plan_change"
	ActionManualAdjustment       = "manual_adjustment"
)

// RelatedKind tags what TokenTransaction.RelatedID points at.
type RelatedKind string

const (
	RelatedKindNone         RelatedKind = ""
	RelatedKindPlan         RelatedKind = "plan"
	RelatedKindCostEstimate RelatedKind = "cost_estimate"
)

// TokenTransaction is an append-only ledger entry. ResultingBalance is the
// account balance right after this entry was applied.
type TokenTransaction struct {
	ID               uint              `gorm:"primaryKey" json:"id"`
	AccountID        uint              `gorm:"not null;index:idx_token_transactions_account_created,priority:1" json:"account_id"`
	Amount           int64             `gorm:"not null" json:"amount"`
	Kind             TransactionKind   `gorm:"type:varchar(10);not null;index" json:"kind"`
	Action           string            `gorm:"type:varchar(100);not null;index" json:"action"`
	Description      string            `gorm:"type:varchar(255)" json:"description"`
	ResultingBalance int64             `gorm:"not null" json:"resulting_balance"`
	RelatedKind      RelatedKind       `gorm:"type:varchar(20);not null;default:''" json:"related_kind,omitempty"`
	RelatedID        *uint             `json:"related_id,omitempty"`
	Metadata         datatypes.JSONMap `json:"metadata,omitempty"`
	IdempotencyKey   *string           `gorm:"type:varchar(191);uniqueIndex" json:"-"`
	CreatedAt        time.Time         `gorm:"autoCreateTime;index:idx_token_transactions_account_created,priority:2" json:"created_at"`
}

// Signed returns the balance delta this entry applied.
func (t *TokenTransaction) Signed() int64 {
	if t.Kind == TransactionKindDebit {
		return -t.Amount
	}
	return t.Amount
}
