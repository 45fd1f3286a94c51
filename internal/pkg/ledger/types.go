package ledger

import (
	"time"

	"github.com/ManuelReschke/TokenFox/app/models"
)

// TransactionInput describes one balance mutation.
type TransactionInput struct {
	AccountID   uint                   `validate:"required"`
	Amount      int64                  `validate:"min=1"`
	Kind        models.TransactionKind `validate:"oneof=credit debit"`
	Action      string                 `validate:"required,max=100"`
	Description string                 `validate:"max=255"`
	Related     Related
	Metadata    map[string]interface{}
	// IdempotencyKey makes the mutation apply at most once.
	IdempotencyKey string `validate:"max=191"`
}

// Related is the tagged reference from a ledger entry to the entity that caused it.
type Related struct {
	Kind models.RelatedKind
	ID   uint
}

func RelatedToPlan(id uint) Related {
	return Related{Kind: models.RelatedKindPlan, ID: id}
}

func RelatedToEstimate(id uint) Related {
	return Related{Kind: models.RelatedKindCostEstimate, ID: id}
}

// IsZero reports whether no entity is referenced.
func (r Related) IsZero() bool {
	return r.Kind == models.RelatedKindNone || r.ID == 0
}

// SettleResult is the outcome of settling a cost estimate against the balance.
type SettleResult struct {
	CanProceed        bool                     `json:"can_proceed"`
	RemainingBalance  int64                    `json:"remaining_balance"`
	PartialTokensUsed *int64                   `json:"partial_tokens_used,omitempty"`
	Transaction       *models.TokenTransaction `json:"transaction,omitempty"`
	Estimate          *models.CostEstimate     `json:"estimate"`
	Message           string                   `json:"message"`
}

type KindTotal struct {
	Total int64 `json:"total"`
	Count int64 `json:"count"`
}

// Stats aggregates an account's ledger entries since a point in time.
type Stats struct {
	Since   time.Time `json:"since"`
	Credits KindTotal `json:"credits"`
	Debits  KindTotal `json:"debits"`
}

// Net is credits minus debits over the period.
func (s *Stats) Net() int64 {
	return s.Credits.Total - s.Debits.Total
}
