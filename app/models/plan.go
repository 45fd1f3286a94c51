package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	PlanTierFree       = "free"
	PlanTierBasic      = "basic"
	PlanTierStandard   = "standard"
	PlanTierPremium    = "premium"
	PlanTierEnterprise = "enterprise"
)

// Plan is a purchasable subscription level. Plans referenced by ledger entries
// are never rewritten; a price change gets a new ExternalPriceRef.
type Plan struct {
	ID                 uint              `gorm:"primaryKey" json:"id"`
	Name               string            `gorm:"type:varchar(100);not null;uniqueIndex" json:"name" validate:"required,max=100"`
	Description        string            `gorm:"type:text" json:"description"`
	Tier               string            `gorm:"type:varchar(20);not null;default:'free';index" json:"tier" validate:"oneof=free basic standard premium enterprise"`
	Price              decimal.Decimal   `gorm:"type:decimal(10,2);not null;default:0" json:"price"`
	DurationDays       int               `gorm:"not null;default:30" json:"duration_days" validate:"min=1"`
	TokensPerMonth     int64             `gorm:"not null;default:0" json:"tokens_per_month" validate:"min=0"`
	DisplayFeatures    datatypes.JSONMap `json:"display_features,omitempty"`
	IsActive           bool              `gorm:"default:false;index" json:"is_active"`
	ExternalPriceRef   string            `gorm:"type:varchar(191);not null;default:''" json:"-"`
	ExternalProductRef string            `gorm:"type:varchar(191);not null;default:''" json:"-"`
	CreatedAt          time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsFree reports whether subscribing bypasses the payment processor.
func (p *Plan) IsFree() bool {
	return p.Tier == PlanTierFree || p.Price.IsZero()
}

// Duration is the length of one billing period.
func (p *Plan) Duration() time.Duration {
	days := p.DurationDays
	if days < 1 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}
