/*
store.go - Persistence interfaces for tiers, period configs, quests and periods

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  TierStore:          Default reward ladder per period type
  PeriodConfigStore:  Per-period override + status (read-modify-write only)
  QuestStore:         Quests and their period allow-lists
  PeriodStore:        Generated AvailablePeriod rows
  RankingSource:      External leaderboard (read-only)
  DistributionStore:  Locked, all-or-nothing distribution writes (ledger.go)
  Store:              Everything above, what a backend implements

NOT FOUND:
  Getters return (nil, nil) for a missing row. Mutations on a missing row
  return *NotFoundError.

READ-MODIFY-WRITE:
  Period configs are never blindly overwritten. UpdatePeriodConfig hands the
  current row (or the default pending row) to a callback under the store's
  lock; a callback error aborts the write. This keeps CreateOrUpdate from
  clobbering a status that a concurrent Distribute just set.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:     SQLite (default)
  - store/postgres/postgres.go: PostgreSQL with row locks
  - generic/store/memory.go:    In-memory for tests

SEE ALSO:
  - ledger.go: DistributionStore / DistributionTx
*/
package generic

import "context"

// =============================================================================
// TIER CATALOG STORAGE
// =============================================================================

// LadderCheck validates the active ladder that a write would produce.
type LadderCheck func(active []RewardTier) error

type TierStore interface {
	// ListTiers returns every tier of the type, active or not, ordered by
	// DisplayOrder.
	ListTiers(ctx context.Context, pt PeriodType) ([]RewardTier, error)

	GetTier(ctx context.Context, id TierID) (*RewardTier, error)

	// SaveTier inserts or replaces a tier. Inside the same critical section it
	// builds the resulting active ladder for tier.PeriodType and calls check;
	// a check error aborts the write.
	SaveTier(ctx context.Context, tier RewardTier, check LadderCheck) error

	DeleteTier(ctx context.Context, id TierID) error
}

// =============================================================================
// PERIOD CONFIG STORAGE
// =============================================================================

type PeriodConfigStore interface {
	// GetPeriodConfig returns the stored row, or nil when the period is untouched.
	GetPeriodConfig(ctx context.Context, key PeriodKey) (*PeriodRewardConfig, error)

	ListPeriodConfigs(ctx context.Context, pt PeriodType) ([]PeriodRewardConfig, error)

	// UpdatePeriodConfig runs fn on the current row, or on DefaultPeriodConfig
	// when absent, and persists the result. The store assigns ID and timestamps.
	UpdatePeriodConfig(ctx context.Context, key PeriodKey, fn func(cfg *PeriodRewardConfig) error) (PeriodRewardConfig, error)
}

// =============================================================================
// QUEST STORAGE
// =============================================================================

type QuestStore interface {
	// SaveQuest upserts the quest row. Periods are ignored; use SetQuestPeriods.
	SaveQuest(ctx context.Context, q Quest) error

	GetQuest(ctx context.Context, id QuestID) (*Quest, error)

	// ListQuests returns quests of the type with their periods loaded.
	ListQuests(ctx context.Context, pt PeriodType) ([]Quest, error)

	// SetQuestPeriods deletes every association of the quest and inserts ids,
	// atomically.
	SetQuestPeriods(ctx context.Context, id QuestID, ids []string) error
}

// =============================================================================
// AVAILABLE PERIODS
// =============================================================================

type PeriodStore interface {
	// SaveAvailablePeriods inserts periods that don't exist yet. Existing rows
	// are immutable and left alone.
	SaveAvailablePeriods(ctx context.Context, periods []AvailablePeriod) (int, error)

	// AvailablePeriods returns the periods of a type in chronological order.
	AvailablePeriods(ctx context.Context, pt PeriodType) ([]AvailablePeriod, error)
}

// =============================================================================
// RANKING
// =============================================================================

// RankingSource is the external leaderboard. The engine consumes ranks, it
// never computes them.
type RankingSource interface {
	RankedRecipients(ctx context.Context, key PeriodKey) ([]RankedRecipient, error)
}

// RankingFunc adapts a function to RankingSource.
type RankingFunc func(ctx context.Context, key PeriodKey) ([]RankedRecipient, error)

func (f RankingFunc) RankedRecipients(ctx context.Context, key PeriodKey) ([]RankedRecipient, error) {
	return f(ctx, key)
}

// RankingStore is a RankingSource backed by a table that an external ranking
// job (or the demo seed) fills.
type RankingStore interface {
	RankingSource
	SaveRanks(ctx context.Context, key PeriodKey, ranks []RankedRecipient) error
}

// =============================================================================
// STORE - Everything a backend provides
// =============================================================================

type Store interface {
	TierStore
	PeriodConfigStore
	QuestStore
	PeriodStore
	RankingStore
	DistributionStore

	// Reset clears all data. Demo scenarios only.
	Reset(ctx context.Context) error
	Close() error
}
