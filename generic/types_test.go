package generic_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/period-rewards/generic"
)

func tier(name string, from, to int) generic.RewardTier {
	return generic.RewardTier{Name: name, Range: generic.RankRange{From: from, To: to}, IsActive: true}
}

// =============================================================================
// VALIDATE
// =============================================================================

func TestValidate_AcceptsDisjointLadder(t *testing.T) {
	ladder := []generic.RewardTier{tier("top10", 4, 10), tier("champion", 1, 1), tier("podium", 2, 3)}
	assert.NoError(t, generic.Validate(ladder))
	assert.NoError(t, generic.Validate(nil))
}

func TestValidate_RejectsOverlap(t *testing.T) {
	// GIVEN: Two tiers sharing rank 3
	// WHEN: Validating
	// THEN: OverlappingRangeError naming both ranges

	err := generic.Validate([]generic.RewardTier{tier("a", 1, 3), tier("b", 3, 5)})

	var overlap *generic.OverlappingRangeError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, generic.RankRange{From: 1, To: 3}, overlap.First)
	assert.Equal(t, generic.RankRange{From: 3, To: 5}, overlap.Second)
	assert.True(t, generic.IsClientError(err))
}

func TestValidate_RejectsEmptyRange(t *testing.T) {
	err := generic.Validate([]generic.RewardTier{tier("backwards", 5, 2)})
	var empty *generic.EmptyRangeError
	require.ErrorAs(t, err, &empty)

	err = generic.Validate([]generic.RewardTier{tier("zero", 0, 2)})
	require.ErrorAs(t, err, &empty)
}

func TestValidate_RandomLadders(t *testing.T) {
	// Property: Validate fails exactly when some pair of ranges intersects.
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 2000; i++ {
		n := 1 + rng.Intn(6)
		tiers := make([]generic.RewardTier, n)
		for j := range tiers {
			from := 1 + rng.Intn(30)
			tiers[j] = tier("t", from, from+rng.Intn(6))
		}

		overlapping := false
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				if tiers[a].Range.Overlaps(tiers[b].Range) {
					overlapping = true
				}
			}
		}

		err := generic.Validate(tiers)
		if overlapping {
			var overlap *generic.OverlappingRangeError
			require.True(t, errors.As(err, &overlap), "ladder %v should be rejected", tiers)
		} else {
			require.NoError(t, err, "ladder %v should be accepted", tiers)
		}
	}
}

func TestTierForRank(t *testing.T) {
	ladder := []generic.RewardTier{tier("champion", 1, 1), tier("podium", 2, 3), tier("top10", 4, 10)}

	got, ok := generic.TierForRank(ladder, 3)
	require.True(t, ok)
	assert.Equal(t, "podium", got.Name)

	_, ok = generic.TierForRank(ladder, 11)
	assert.False(t, ok)
}

// =============================================================================
// LADDER
// =============================================================================

func TestLadder_DefaultVsCustom(t *testing.T) {
	def := generic.DefaultLadder()
	assert.False(t, def.IsCustom())
	assert.Nil(t, def.Tiers())

	empty := generic.CustomLadder(nil)
	assert.True(t, empty.IsCustom())
	assert.Empty(t, empty.Tiers())

	src := []generic.RewardTier{tier("champion", 1, 1)}
	custom := generic.CustomLadder(src)
	src[0].Name = "mutated"
	assert.Equal(t, "champion", custom.Tiers()[0].Name, "ladder keeps its own copy")
}

// =============================================================================
// STATUS MACHINE
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to generic.DistributionStatus
		force    bool
		want     bool
	}{
		{generic.StatusPending, generic.StatusDistributed, false, true},
		{generic.StatusPending, generic.StatusCancelled, false, true},
		{generic.StatusPending, generic.StatusFailed, false, true},
		{generic.StatusFailed, generic.StatusPending, false, true},
		{generic.StatusFailed, generic.StatusDistributed, false, true},
		{generic.StatusDistributed, generic.StatusDistributed, false, false},
		{generic.StatusDistributed, generic.StatusDistributed, true, true},
		{generic.StatusDistributed, generic.StatusCancelled, true, false},
		{generic.StatusCancelled, generic.StatusDistributed, true, false},
		{generic.StatusCancelled, generic.StatusPending, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, generic.CanTransition(tt.from, tt.to, tt.force), "%s -> %s force=%v", tt.from, tt.to, tt.force)
	}
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorTaxonomy(t *testing.T) {
	key := generic.PeriodKey{Type: generic.PeriodWeekly, Identifier: "2026-W04"}

	already := &generic.AlreadyDistributedError{Period: key, DistributedBy: "admin1"}
	assert.ErrorIs(t, already, generic.ErrAlreadyDistributed)
	assert.True(t, generic.IsConflict(already))

	transition := &generic.InvalidTransitionError{Period: key, From: generic.StatusCancelled, To: generic.StatusDistributed}
	assert.True(t, generic.IsConflict(transition))

	cause := errors.New("coupon service down")
	failed := &generic.DistributionFailedError{Period: key, CustomerID: "C3", Cause: cause}
	assert.ErrorIs(t, failed, generic.ErrDistributionFailed)
	assert.ErrorIs(t, failed, cause)
	assert.Contains(t, failed.Error(), "C3")

	assert.True(t, generic.IsNotFound(&generic.NotFoundError{Kind: "quest", ID: "q1"}))
	assert.False(t, generic.IsRetryable(failed))
}
