package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/env"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
)

// DefaultPlans is the stock plan catalogue. Paid plans read their Stripe
// price and product from STRIPE_PRICE_<TIER> and STRIPE_PRODUCT_<TIER>.
func DefaultPlans() []models.Plan {
	plan := func(name, tier, price string, tokens int64, features ...string) models.Plan {
		key := strings.ToUpper(tier)
		return models.Plan{
			Name:               name,
			Description:        fmt.Sprintf("%d tokens every month", tokens),
			Tier:               tier,
			Price:              decimal.RequireFromString(price),
			DurationDays:       30,
			TokensPerMonth:     tokens,
			DisplayFeatures:    datatypes.JSONMap{"features": features},
			IsActive:           true,
			ExternalPriceRef:   env.GetEnv("STRIPE_PRICE_"+key, ""),
			ExternalProductRef: env.GetEnv("STRIPE_PRODUCT_"+key, ""),
		}
	}
	return []models.Plan{
		plan("Free", models.PlanTierFree, "0", 100, "100 tokens per month", "Community support"),
		plan("Basic", models.PlanTierBasic, "9.99", 1000, "1,000 tokens per month", "Email support"),
		plan("Standard", models.PlanTierStandard, "19.99", 2500, "2,500 tokens per month", "Priority queue"),
		plan("Premium", models.PlanTierPremium, "49.99", 7500, "7,500 tokens per month", "Priority support"),
		plan("Enterprise", models.PlanTierEnterprise, "199.99", 40000, "40,000 tokens per month", "Dedicated support"),
	}
}

// SeedPlans creates or updates plans by name. Paid plans without a price
// reference are stored inactive so nobody can subscribe to them.
func SeedPlans(ctx context.Context, store ledger.Repository, plans []models.Plan) ([]models.Plan, error) {
	seeded := make([]models.Plan, 0, len(plans))
	for i := range plans {
		p := plans[i]
		if !p.IsFree() && p.ExternalPriceRef == "" {
			log.Warnf("[Billing] Plan %s has no Stripe price, storing it inactive", p.Name)
			p.IsActive = false
		}
		if err := store.UpsertPlan(ctx, &p); err != nil {
			return nil, fmt.Errorf("seed plan %s: %w", p.Name, err)
		}
		seeded = append(seeded, p)
	}
	log.Infof("[Billing] Seeded %d plans", len(seeded))
	return seeded, nil
}
