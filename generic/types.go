/*
Package generic provides the core types of the periodic reward distribution engine.

PURPOSE:
  This package holds everything the engine shares between its domain logic,
  its stores and its API: the period clock, reward tiers and ladders, the
  per-period config row and its status machine, the audit log, the credit
  ledger, quests, and the error taxonomy. It has no I/O.

KEY CONCEPTS IN THIS FILE (types.go):
  - RankRange / RewardTier: a leaderboard rank interval mapped to a reward
  - Ladder: either the default catalog or a period-specific replacement
  - PeriodRewardConfig: per-period override + distribution status
  - DistributionLogEntry / Credit: what a distribution writes
  - Quest: optional allow-list of periods

DESIGN PRINCIPLES:
  1. Identifiers are canonical strings (see period.go)
  2. Money uses decimal.Decimal, never float64
  3. Ladders are validated by one function, Validate, on every write path
  4. One credit and one log row per (customer, period, distribution type)

SEE ALSO:
  - period.go: Period identifiers and ordering
  - store.go: Persistence interfaces
  - rewards/: Engine operations built on these types
*/
package generic

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type TierID string
type QuestID string

// =============================================================================
// TIERS
// =============================================================================

// RankRange is the closed interval [From, To] of leaderboard ranks.
type RankRange struct {
	From int
	To   int
}

func (r RankRange) String() string { return fmt.Sprintf("[%d, %d]", r.From, r.To) }

// Contains reports whether rank falls inside the range.
func (r RankRange) Contains(rank int) bool { return rank >= r.From && rank <= r.To }

// Overlaps reports whether the two closed ranges share at least one rank.
func (r RankRange) Overlaps(o RankRange) bool { return r.From <= o.To && o.From <= r.To }

// Reward is what a tier grants. Any combination may be set.
type Reward struct {
	CouponTemplateID *string
	BadgeTypeID      *string
	Cashback         decimal.Decimal
}

// IsEmpty reports whether the reward grants nothing.
func (r Reward) IsEmpty() bool {
	return r.CouponTemplateID == nil && r.BadgeTypeID == nil && r.Cashback.IsZero()
}

// RewardTier maps a rank range to a reward for one period type.
// Custom-ladder tiers carry no ID.
type RewardTier struct {
	ID           TierID
	PeriodType   PeriodType
	Name         string
	Range        RankRange
	Reward       Reward
	DisplayOrder int
	IsActive     bool
}

// Validate checks a ladder: every range must be non-empty with ranks >= 1 and
// no two ranges may intersect. This is the only place overlap is rejected, so
// every write path that stores tiers calls it.
func Validate(tiers []RewardTier) error {
	for _, t := range tiers {
		if t.Range.From < 1 || t.Range.From > t.Range.To {
			return &EmptyRangeError{Range: t.Range}
		}
	}

	sorted := make([]RewardTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Range.From < sorted[j].Range.From })

	// After sorting by From, any overlap shows up between neighbours.
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Range.Overlaps(sorted[i].Range) {
			return &OverlappingRangeError{First: sorted[i-1].Range, Second: sorted[i].Range}
		}
	}
	return nil
}

// SortTiers orders tiers by DisplayOrder, then by rank.
func SortTiers(tiers []RewardTier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		if tiers[i].DisplayOrder != tiers[j].DisplayOrder {
			return tiers[i].DisplayOrder < tiers[j].DisplayOrder
		}
		return tiers[i].Range.From < tiers[j].Range.From
	})
}

// TierForRank returns the tier whose range contains rank, or false.
func TierForRank(tiers []RewardTier, rank int) (RewardTier, bool) {
	for _, t := range tiers {
		if t.Range.Contains(rank) {
			return t, true
		}
	}
	return RewardTier{}, false
}

// =============================================================================
// LADDER - Default catalog or period-specific replacement
// =============================================================================

// Ladder is a tagged union: DefaultLadder() defers to the tier catalog,
// CustomLadder(tiers) replaces it for a single period.
type Ladder struct {
	custom bool
	tiers  []RewardTier
}

// DefaultLadder selects the catalog's active tiers.
func DefaultLadder() Ladder { return Ladder{} }

// CustomLadder replaces the catalog for one period. An empty list is a valid
// custom ladder that rewards nobody.
func CustomLadder(tiers []RewardTier) Ladder {
	cp := make([]RewardTier, len(tiers))
	copy(cp, tiers)
	return Ladder{custom: true, tiers: cp}
}

func (l Ladder) IsCustom() bool { return l.custom }

// Tiers returns a copy of the custom tiers; nil for the default ladder.
func (l Ladder) Tiers() []RewardTier {
	if !l.custom {
		return nil
	}
	cp := make([]RewardTier, len(l.tiers))
	copy(cp, l.tiers)
	return cp
}

// =============================================================================
// PERIOD CONFIG - Override + distribution status
// =============================================================================

// DistributionStatus is the state of one period's payout.
//
//	pending -> distributed
//	pending -> cancelled
//	pending -> failed -> pending
//	distributed -> distributed   (forced redistribution)
//
// A failed forced redistribution rolls back to the previous payout, so the
// period stays distributed.
type DistributionStatus string

const (
	StatusPending     DistributionStatus = "pending"
	StatusDistributed DistributionStatus = "distributed"
	StatusCancelled   DistributionStatus = "cancelled"
	StatusFailed      DistributionStatus = "failed"
)

// CanTransition reports whether the state machine allows from -> to.
// force only matters for distributed -> distributed.
func CanTransition(from, to DistributionStatus, force bool) bool {
	switch from {
	case StatusPending:
		return to == StatusDistributed || to == StatusCancelled || to == StatusFailed
	case StatusFailed:
		// retry re-enters pending and may land on any pending successor
		return to == StatusPending || to == StatusDistributed || to == StatusFailed || to == StatusCancelled
	case StatusDistributed:
		return force && to == StatusDistributed
	}
	return false
}

// PeriodRewardConfig is the per-period row an admin has touched.
// Absence of a row means default ladder and status pending.
type PeriodRewardConfig struct {
	ID            string
	Period        PeriodKey
	Ladder        Ladder
	Status        DistributionStatus
	DistributedAt *time.Time
	DistributedBy string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DefaultPeriodConfig is the implicit config of an untouched period.
func DefaultPeriodConfig(key PeriodKey) PeriodRewardConfig {
	return PeriodRewardConfig{Period: key, Ladder: DefaultLadder(), Status: StatusPending}
}

// Exists reports whether the config has been persisted.
func (c PeriodRewardConfig) Exists() bool { return c.ID != "" }

// =============================================================================
// RANKING - External leaderboard input
// =============================================================================

// RankedRecipient is one leaderboard row. Ranks ascend; tie-breaking is the
// ranking source's contract.
type RankedRecipient struct {
	CustomerID CustomerID
	Rank       int
	XP         int64
}

// =============================================================================
// DISTRIBUTION OUTPUT
// =============================================================================

// DistributionLogEntry is the audit row written per credited customer.
// Unique per (CustomerID, PeriodIdentifier, DistributionType).
type DistributionLogEntry struct {
	ID               string
	DistributionType string
	PeriodIdentifier string
	CustomerID       CustomerID
	CouponID         *string
	TierID           *TierID
	Rank             *int
	XPAtDistribution *int64
	DistributedAt    time.Time
	DistributedBy    string
	Notes            string
}

// Credit is the reward actually granted to a customer for a period.
// Unique per (CustomerID, PeriodIdentifier, DistributionType); a forced
// redistribution overwrites it.
type Credit struct {
	ID               string
	CustomerID       CustomerID
	DistributionType string
	PeriodType       PeriodType
	PeriodIdentifier string
	TierID           *TierID
	TierName         string
	Rank             int
	CouponTemplateID *string
	CouponCode       *string
	BadgeTypeID      *string
	Cashback         decimal.Decimal
	IssuedAt         time.Time
}

// CreditKey is the de-duplication key shared by credits and log entries.
type CreditKey struct {
	CustomerID       CustomerID
	PeriodIdentifier string
	DistributionType string
}

func (c Credit) Key() CreditKey {
	return CreditKey{CustomerID: c.CustomerID, PeriodIdentifier: c.PeriodIdentifier, DistributionType: c.DistributionType}
}

func (e DistributionLogEntry) Key() CreditKey {
	return CreditKey{CustomerID: e.CustomerID, PeriodIdentifier: e.PeriodIdentifier, DistributionType: e.DistributionType}
}

// =============================================================================
// QUESTS
// =============================================================================

// Quest is restricted to the listed periods, or active in every period of its
// type when Periods is empty.
type Quest struct {
	ID          QuestID
	Title       string
	Description string
	PeriodType  PeriodType
	XPReward    int64
	Periods     []string
	CreatedAt   time.Time
}
