package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	EstimateServiceGemini = "gemini"
	EstimateServiceGetimg = "getimg"
	EstimateServiceTTS    = "tts"
)

type EstimateStatus string

const (
	EstimateStatusEstimated EstimateStatus = "estimated"
	EstimateStatusCompleted EstimateStatus = "completed"
	EstimateStatusPartial   EstimateStatus = "partial"
	EstimateStatusFailed    EstimateStatus = "failed"
)

// TokenQuote is the token and USD breakdown of an estimate.
type TokenQuote struct {
	BaseTokens          int64           `gorm:"not null;default:0" json:"base_tokens"`
	OperatingCostTokens int64           `gorm:"not null;default:0" json:"operating_cost_tokens"`
	TotalTokens         int64           `gorm:"not null;default:0" json:"total_tokens" validate:"min=0"`
	BaseUSD             decimal.Decimal `gorm:"type:decimal(12,6);not null;default:0" json:"base_usd"`
	OperatingCostUSD    decimal.Decimal `gorm:"type:decimal(12,6);not null;default:0" json:"operating_cost_usd"`
	TotalUSD            decimal.Decimal `gorm:"type:decimal(12,6);not null;default:0" json:"total_usd"`
}

// CostEstimate holds a token quote for a metered action until it is settled.
type CostEstimate struct {
	ID                 uint                `gorm:"primaryKey" json:"id"`
	AccountID          uint                `gorm:"not null;index" json:"account_id"`
	Service            string              `gorm:"type:varchar(20);not null;index" json:"service" validate:"oneof=gemini getimg tts"`
	Action             string              `gorm:"type:varchar(100);not null" json:"action" validate:"required,max=100"`
	Prompt             string              `gorm:"type:text" json:"prompt,omitempty"`
	Quote              TokenQuote          `gorm:"embedded;embeddedPrefix:quote_" json:"quote"`
	EstimatedCost      decimal.Decimal     `gorm:"type:decimal(12,6);not null;default:0" json:"estimated_cost"`
	ActualCost         decimal.NullDecimal `gorm:"type:decimal(12,6);default:null" json:"actual_cost"`
	Parameters         datatypes.JSONMap   `json:"parameters,omitempty"`
	Status             EstimateStatus      `gorm:"type:varchar(20);not null;default:'estimated';index" json:"status"`
	TokenTransactionID *uint               `json:"token_transaction_id,omitempty"`
	PartialTokensUsed  *int64              `json:"partial_tokens_used,omitempty"`
	CreatedAt          time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsSettled reports whether the estimate already left the estimated state.
func (e *CostEstimate) IsSettled() bool {
	return e.Status != EstimateStatusEstimated
}
