package rewards_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/period-rewards/generic"
	"github.com/warp/period-rewards/generic/store"
	"github.com/warp/period-rewards/rewards"
)

// =============================================================================
// TIER CATALOG
// =============================================================================

func TestTierCatalog_RejectsOverlapOnCreate(t *testing.T) {
	// GIVEN: An active podium [2,3]
	// WHEN: Creating a tier [3,5]
	// THEN: OverlappingRangeError and the catalog is unchanged

	engine, _ := newTestEngine(t)
	seedWeeklyLadder(t, engine)
	ctx := context.Background()

	_, err := engine.Catalog.CreateTier(ctx, generic.RewardTier{
		Name: "overlap", PeriodType: generic.PeriodWeekly, Range: generic.RankRange{From: 3, To: 5}, IsActive: true,
	})
	var overlap *generic.OverlappingRangeError
	require.ErrorAs(t, err, &overlap)

	tiers, err := engine.Catalog.ListTiers(ctx, generic.PeriodWeekly, true)
	require.NoError(t, err)
	assert.Len(t, tiers, 3)
}

func TestTierCatalog_InactiveTierMayOverlap(t *testing.T) {
	engine, _ := newTestEngine(t)
	seedWeeklyLadder(t, engine)
	ctx := context.Background()

	draft, err := engine.Catalog.CreateTier(ctx, generic.RewardTier{
		Name: "draft", PeriodType: generic.PeriodWeekly, Range: generic.RankRange{From: 1, To: 5}, IsActive: false,
	})
	require.NoError(t, err)

	active, err := engine.Catalog.ActiveTiers(ctx, generic.PeriodWeekly)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	// activating it would overlap
	draft.IsActive = true
	_, err = engine.Catalog.UpdateTier(ctx, draft)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestTierCatalog_ActiveTiersSortedByDisplayOrder(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	for _, tier := range []generic.RewardTier{
		{Name: "top10", Range: generic.RankRange{From: 4, To: 10}, DisplayOrder: 3},
		{Name: "champion", Range: generic.RankRange{From: 1, To: 1}, DisplayOrder: 1},
		{Name: "podium", Range: generic.RankRange{From: 2, To: 3}, DisplayOrder: 2},
	} {
		tier.PeriodType = generic.PeriodMonthly
		tier.IsActive = true
		_, err := engine.Catalog.CreateTier(ctx, tier)
		require.NoError(t, err)
	}

	tiers, err := engine.Catalog.ActiveTiers(ctx, generic.PeriodMonthly)
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	assert.Equal(t, "champion", tiers[0].Name)
	assert.Equal(t, "podium", tiers[1].Name)
	assert.Equal(t, "top10", tiers[2].Name)

	weekly, err := engine.Catalog.ActiveTiers(ctx, generic.PeriodWeekly)
	require.NoError(t, err)
	assert.Empty(t, weekly)
}

func TestTierCatalog_UpdateAndDelete(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	tier, err := engine.Catalog.CreateTier(ctx, generic.RewardTier{
		Name: "  champion  ", PeriodType: generic.PeriodYearly, Range: generic.RankRange{From: 1, To: 1}, IsActive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "champion", tier.Name)
	assert.NotEmpty(t, tier.ID)

	tier.Range.To = 2
	_, err = engine.Catalog.UpdateTier(ctx, tier)
	require.NoError(t, err)
	got, err := engine.Catalog.GetTier(ctx, tier.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Range.To)

	require.NoError(t, engine.Catalog.DeleteTier(ctx, tier.ID))
	_, err = engine.Catalog.GetTier(ctx, tier.ID)
	assert.True(t, generic.IsNotFound(err))
	assert.True(t, generic.IsNotFound(engine.Catalog.DeleteTier(ctx, tier.ID)))

	_, err = engine.Catalog.UpdateTier(ctx, generic.RewardTier{ID: "nope", Name: "x", PeriodType: generic.PeriodYearly, Range: generic.RankRange{From: 1, To: 1}})
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// PERIOD GENERATOR
// =============================================================================

func TestPeriodGenerator_InsertsOnlyMissing(t *testing.T) {
	// GIVEN: An empty period table
	// WHEN: Generating twice with the same clock
	// THEN: The second run inserts nothing

	mem := store.NewMemory()
	gen := rewards.NewPeriodGenerator(mem, 2, 1)
	gen.Clock = generic.FixedClock(time.Date(2026, time.January, 20, 0, 0, 0, 0, time.UTC))
	gen.Logger = quietLogger()
	ctx := context.Background()

	first, err := gen.Generate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, first.Total())
	assert.Equal(t, 4, first.Inserted[generic.PeriodWeekly])

	second, err := gen.Generate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Total())

	periods, current, err := gen.Available(ctx, generic.PeriodMonthly)
	require.NoError(t, err)
	assert.Equal(t, "2026-01", current)
	require.Len(t, periods, 4)
	assert.Equal(t, "2025-11", periods[0].Identifier)
	assert.Equal(t, "2026-02", periods[3].Identifier)
}

func TestPeriodGenerator_RejectsNegativeWindow(t *testing.T) {
	gen := rewards.NewPeriodGenerator(store.NewMemory(), -1, 0)
	_, err := gen.Generate(context.Background())
	assert.True(t, generic.IsClientError(err))
}
