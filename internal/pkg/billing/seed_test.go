package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/database"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
)

func TestSeedPlans(t *testing.T) {
	t.Setenv("STRIPE_PRICE_BASIC", "price_basic_env")
	store := ledger.NewRepository(database.NewTestDB(t))
	ctx := context.Background()

	seeded, err := SeedPlans(ctx, store, DefaultPlans())
	require.NoError(t, err)
	require.Len(t, seeded, 5)
	for _, p := range seeded {
		assert.NotZero(t, p.ID)
	}

	active, err := store.ListActivePlans(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(active))
	for _, p := range active {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"Free", "Basic"}, names)

	def, err := store.FindDefaultPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Free", def.Name)
	assert.Equal(t, models.PlanTierFree, def.Tier)

	// Re-seeding updates in place.
	t.Setenv("STRIPE_PRICE_PREMIUM", "price_premium_env")
	again, err := SeedPlans(ctx, store, DefaultPlans())
	require.NoError(t, err)
	assert.Equal(t, seeded[3].ID, again[3].ID)
	assert.True(t, again[3].IsActive)
	assert.Equal(t, "price_premium_env", again[3].ExternalPriceRef)
}
