/*
ledger.go - Credit ledger and distribution audit log

PURPOSE:
  A distribution writes two things per recipient: a Credit (what the customer
  received) and a DistributionLogEntry (who paid it, when, at which rank/XP).
  Both are keyed by (customer, period identifier, distribution type).

CRITICAL INVARIANTS:
  1. ONE ROW PER KEY: re-running a period overwrites, never duplicates.
     This is the guard against double-crediting.
  2. ALL-OR-NOTHING: every write of one distribution happens inside a single
     DistributionTx. Any error rolls back every credit of that period.
  3. SERIALIZED PER PERIOD: WithPeriodLock holds the period's config row lock
     for the whole transaction. Distinct periods never block each other's
     correctness; a backend may still serialize them.

LOCKING:
  WithPeriodLock fails fast with ErrDistributionInProgress when another
  caller holds the period. Config writes on the same period wait for it.

SEE ALSO:
  - store.go: Other persistence interfaces
  - rewards/engine.go: The only writer
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// DISTRIBUTION STORE
// =============================================================================

type DistributionStore interface {
	// WithPeriodLock locks the config row of key, opens a transaction and calls
	// fn with the locked row (or the default pending row when absent). fn's
	// error rolls everything back. A held lock fails fast with
	// ErrDistributionInProgress.
	//
	// fn must do its reads before its first write: a backend may hold its
	// write lock from the first write until commit.
	WithPeriodLock(ctx context.Context, key PeriodKey, fn func(cfg PeriodRewardConfig, tx DistributionTx) error) error

	DistributionLog(ctx context.Context, filter LogFilter) ([]DistributionLogEntry, error)

	Credits(ctx context.Context, filter CreditFilter) ([]Credit, error)
}

// DistributionTx is the write side of one locked distribution.
type DistributionTx interface {
	// UpsertCredit inserts or overwrites by Credit.Key().
	UpsertCredit(ctx context.Context, c Credit) error

	// UpsertLogEntry inserts or overwrites by DistributionLogEntry.Key().
	UpsertLogEntry(ctx context.Context, e DistributionLogEntry) error

	// Prune removes credits and log entries of the period whose customer is not
	// in keep. Returns the number of customers removed.
	Prune(ctx context.Context, distributionType, periodID string, keep []CustomerID) (int, error)

	// SavePeriodConfig writes the locked row.
	SavePeriodConfig(ctx context.Context, cfg PeriodRewardConfig) error
}

// =============================================================================
// QUERIES
// =============================================================================

// LogFilter narrows DistributionLog. Zero fields match everything.
type LogFilter struct {
	DistributionType string
	PeriodIdentifier string
	CustomerID       CustomerID
	Limit            int
}

// Matches reports whether e passes the filter (ignoring Limit).
func (f LogFilter) Matches(e DistributionLogEntry) bool {
	return (f.DistributionType == "" || f.DistributionType == e.DistributionType) &&
		(f.PeriodIdentifier == "" || f.PeriodIdentifier == e.PeriodIdentifier) &&
		(f.CustomerID == "" || f.CustomerID == e.CustomerID)
}

// CreditFilter narrows Credits. Zero fields match everything.
type CreditFilter struct {
	CustomerID       CustomerID
	DistributionType string
	PeriodIdentifier string
}

func (f CreditFilter) Matches(c Credit) bool {
	return (f.DistributionType == "" || f.DistributionType == c.DistributionType) &&
		(f.PeriodIdentifier == "" || f.PeriodIdentifier == c.PeriodIdentifier) &&
		(f.CustomerID == "" || f.CustomerID == c.CustomerID)
}

// =============================================================================
// HELPERS
// =============================================================================

// NewLogEntry builds the audit row for a credit.
func NewLogEntry(id string, c Credit, xp int64, by string, at time.Time, notes string) DistributionLogEntry {
	rank := c.Rank
	var couponID *string
	if c.CouponCode != nil {
		creditID := c.ID
		couponID = &creditID
	}
	return DistributionLogEntry{
		ID:               id,
		DistributionType: c.DistributionType,
		PeriodIdentifier: c.PeriodIdentifier,
		CustomerID:       c.CustomerID,
		CouponID:         couponID,
		TierID:           c.TierID,
		Rank:             &rank,
		XPAtDistribution: &xp,
		DistributedAt:    at,
		DistributedBy:    by,
		Notes:            notes,
	}
}
