/*
engine.go - Tier resolution, preview, and exactly-once distribution

PURPOSE:
  Turns a leaderboard into credits for one period.

RESOLVE TIERS:
  The period's config row wins when it carries a custom ladder; otherwise the
  catalog's active ladder for the period type applies. Both paths go through
  generic.Validate.

PREVIEW:
  Pulls ranks, resolves tiers, matches each rank to the tier whose range
  contains it. Ranks outside every range are excluded. Writes nothing.

DISTRIBUTE:
  1. Lock the period's config row. A held lock fails fast with
     ErrDistributionInProgress.
  2. Work on the stored row, or the default pending row when absent.
  3. distributed && !force  -> AlreadyDistributedError, nothing changes.
     cancelled              -> InvalidTransitionError, nothing changes.
  4. Re-fetch ranks. A client-supplied preview is never trusted.
  5. In the same transaction, upsert one credit and one log entry per
     recipient keyed by (customer, period, distribution type), prune rows of
     customers that are no longer eligible, and flip status to distributed.
  6. Any crediting error rolls the transaction back and the period is marked
     failed in a separate write (DistributionFailedError).

SEE ALSO:
  - generic/ledger.go: DistributionStore / DistributionTx contract
  - config.go: Status machine writes outside the distribution transaction
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/period-rewards/generic"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Catalog  *TierCatalog
	Configs  *PeriodConfigService
	Store    generic.DistributionStore
	Ranking  generic.RankingSource
	Issuer   CouponIssuer
	Clock    generic.Clock
	Observer Observer
	Logger   *slog.Logger
}

// NewEngine wires an engine over one backend. Ranking defaults to the
// backend's rank table.
func NewEngine(store generic.Store, ranking generic.RankingSource) *Engine {
	if ranking == nil {
		ranking = store
	}
	return &Engine{
		Catalog: NewTierCatalog(store),
		Configs: NewPeriodConfigService(store),
		Store:   store,
		Ranking: ranking,
		Issuer:  UUIDIssuer{},
		Clock:   generic.SystemClock,
	}
}

// allocation pairs a ranked recipient with the tier that rewards it.
type allocation struct {
	recipient generic.RankedRecipient
	tier      generic.RewardTier
}

// =============================================================================
// RESOLVE TIERS
// =============================================================================

// ResolveTiers returns the ladder that applies to a period and whether it is a
// period-specific override.
func (e *Engine) ResolveTiers(ctx context.Context, key generic.PeriodKey) ([]generic.RewardTier, bool, error) {
	cfg, err := e.Configs.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return e.tiersFor(ctx, cfg)
}

func (e *Engine) tiersFor(ctx context.Context, cfg generic.PeriodRewardConfig) ([]generic.RewardTier, bool, error) {
	if cfg.Ladder.IsCustom() {
		tiers := cfg.Ladder.Tiers()
		if err := generic.Validate(tiers); err != nil {
			return nil, true, err
		}
		generic.SortTiers(tiers)
		return tiers, true, nil
	}
	tiers, err := e.Catalog.ActiveTiers(ctx, cfg.Period.Type)
	if err != nil {
		return nil, false, err
	}
	// A bad catalog must never pay out; it is also validated on every write.
	if err := generic.Validate(tiers); err != nil {
		return nil, false, err
	}
	return tiers, false, nil
}

// allocate matches ranks to tiers. Unmatched ranks are dropped.
func allocate(ranks []generic.RankedRecipient, tiers []generic.RewardTier) []allocation {
	out := make([]allocation, 0, len(ranks))
	seen := make(map[generic.CustomerID]bool, len(ranks))
	for _, r := range ranks {
		if seen[r.CustomerID] {
			continue
		}
		seen[r.CustomerID] = true
		if tier, ok := generic.TierForRank(tiers, r.Rank); ok {
			out = append(out, allocation{recipient: r, tier: tier})
		}
	}
	return out
}

// =============================================================================
// PREVIEW
// =============================================================================

// Preview simulates Distribute without writing anything.
func (e *Engine) Preview(ctx context.Context, key generic.PeriodKey) (PreviewResult, error) {
	start := time.Now()
	result, err := e.preview(ctx, key)
	e.observer().RecordPreview(key.Type, time.Since(start), err)
	return result, err
}

func (e *Engine) preview(ctx context.Context, key generic.PeriodKey) (PreviewResult, error) {
	if err := validateKey(key); err != nil {
		return PreviewResult{}, err
	}

	var (
		ranks  []generic.RankedRecipient
		cfg    generic.PeriodRewardConfig
		tiers  []generic.RewardTier
		custom bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ranks, err = e.Ranking.RankedRecipients(gctx, key)
		if err != nil {
			return fmt.Errorf("failed to fetch ranks: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if cfg, err = e.Configs.Get(gctx, key); err != nil {
			return err
		}
		tiers, custom, err = e.tiersFor(gctx, cfg)
		return err
	})
	if err := g.Wait(); err != nil {
		return PreviewResult{}, err
	}

	allocations := allocate(ranks, tiers)
	result := PreviewResult{
		Period:        key,
		Status:        cfg.Status,
		CustomLadder:  custom,
		Tiers:         tiers,
		Recipients:    make([]PreviewLine, 0, len(allocations)),
		RankedCount:   len(ranks),
		ExcludedCount: len(ranks) - len(allocations),
		TotalCashback: decimal.Zero,
	}
	for _, a := range allocations {
		result.Recipients = append(result.Recipients, PreviewLine{
			Rank:       a.recipient.Rank,
			CustomerID: a.recipient.CustomerID,
			XP:         a.recipient.XP,
			TierID:     tierIDOf(a.tier),
			TierName:   a.tier.Name,
			Reward:     a.tier.Reward,
		})
		result.TotalCashback = result.TotalCashback.Add(a.tier.Reward.Cashback)
	}
	return result, nil
}

func tierIDOf(t generic.RewardTier) *generic.TierID {
	if t.ID == "" {
		return nil
	}
	id := t.ID
	return &id
}

// =============================================================================
// DISTRIBUTE
// =============================================================================

// Distribute credits every eligible recipient of a period exactly once.
func (e *Engine) Distribute(ctx context.Context, req DistributeRequest) (DistributionResult, error) {
	key := req.Period
	if err := validateKey(key); err != nil {
		return DistributionResult{}, err
	}

	start := time.Now()
	logger := resolveLogger(e.Logger)

	var result DistributionResult
	err := e.Store.WithPeriodLock(ctx, key, func(cfg generic.PeriodRewardConfig, tx generic.DistributionTx) error {
		var err error
		result, err = e.distributeLocked(ctx, req, cfg, tx)
		return err
	})

	var failed *generic.DistributionFailedError
	switch {
	case err == nil:
		e.observer().RecordDistribution(key.Type, OutcomeDistributed, result.DistributedCount, time.Since(start))
		logger.Info("period distributed",
			"event", "period_distributed",
			"module", "rewards/engine",
			"period_type", key.Type,
			"period_identifier", key.Identifier,
			"distributed_count", result.DistributedCount,
			"pruned_count", result.PrunedCount,
			"forced", req.Force,
			"admin_id", req.AdminID,
		)
		return result, nil

	case errors.As(err, &failed):
		if _, markErr := e.Configs.markFailed(context.WithoutCancel(ctx), key, failed.Error()); markErr != nil {
			logger.Error("failed to record distribution failure",
				"event", "period_mark_failed_error",
				"module", "rewards/engine",
				"period_type", key.Type,
				"period_identifier", key.Identifier,
				"error", markErr,
			)
		}
		e.observer().RecordDistribution(key.Type, OutcomeFailed, 0, time.Since(start))
		logger.Error("period distribution failed",
			"event", "period_distribution_failed",
			"module", "rewards/engine",
			"period_type", key.Type,
			"period_identifier", key.Identifier,
			"customer_id", failed.CustomerID,
			"error", failed.Cause,
		)
		return DistributionResult{}, failed

	default:
		e.observer().RecordDistribution(key.Type, outcomeOf(err), 0, time.Since(start))
		logger.Warn("period distribution rejected",
			"event", "period_distribution_rejected",
			"module", "rewards/engine",
			"period_type", key.Type,
			"period_identifier", key.Identifier,
			"outcome", outcomeOf(err),
			"error", err,
		)
		return DistributionResult{}, err
	}
}

func (e *Engine) distributeLocked(ctx context.Context, req DistributeRequest, cfg generic.PeriodRewardConfig, tx generic.DistributionTx) (DistributionResult, error) {
	key := req.Period

	switch cfg.Status {
	case generic.StatusDistributed:
		if !req.Force {
			return DistributionResult{}, &generic.AlreadyDistributedError{
				Period:        key,
				DistributedAt: cfg.DistributedAt,
				DistributedBy: cfg.DistributedBy,
			}
		}
	case generic.StatusCancelled:
		return DistributionResult{}, &generic.InvalidTransitionError{Period: key, From: cfg.Status, To: generic.StatusDistributed}
	}

	tiers, _, err := e.tiersFor(ctx, cfg)
	if err != nil {
		return DistributionResult{}, err
	}
	ranks, err := e.Ranking.RankedRecipients(ctx, key)
	if err != nil {
		return DistributionResult{}, fmt.Errorf("failed to fetch ranks: %w", err)
	}
	allocations := allocate(ranks, tiers)

	now := e.clock().Now()
	distType := key.Type.DistributionType()
	fail := func(customer generic.CustomerID, cause error) error {
		return &generic.DistributionFailedError{Period: key, CustomerID: customer, Cause: cause}
	}

	keep := make([]generic.CustomerID, 0, len(allocations))
	for _, a := range allocations {
		credit, err := e.buildCredit(ctx, key, a, now)
		if err != nil {
			return DistributionResult{}, fail(a.recipient.CustomerID, err)
		}
		if err := tx.UpsertCredit(ctx, credit); err != nil {
			return DistributionResult{}, fail(a.recipient.CustomerID, err)
		}
		entry := generic.NewLogEntry(logEntryID(credit.Key()), credit, a.recipient.XP, req.AdminID, now, "")
		if req.Force && cfg.Status == generic.StatusDistributed {
			entry.Notes = "forced redistribution"
		}
		if err := tx.UpsertLogEntry(ctx, entry); err != nil {
			return DistributionResult{}, fail(a.recipient.CustomerID, err)
		}
		keep = append(keep, a.recipient.CustomerID)
	}

	pruned, err := tx.Prune(ctx, distType, key.Identifier, keep)
	if err != nil {
		return DistributionResult{}, fail("", err)
	}

	cfg.Status = generic.StatusDistributed
	cfg.DistributedAt = &now
	cfg.DistributedBy = req.AdminID
	if strings.HasPrefix(cfg.Notes, failedNotesPrefix) {
		cfg.Notes = ""
	}
	if err := tx.SavePeriodConfig(ctx, cfg); err != nil {
		return DistributionResult{}, fail("", err)
	}

	return DistributionResult{
		Period:           key,
		DistributedCount: len(allocations),
		PrunedCount:      pruned,
		Forced:           req.Force,
		Config:           cfg,
	}, nil
}

func (e *Engine) buildCredit(ctx context.Context, key generic.PeriodKey, a allocation, now time.Time) (generic.Credit, error) {
	credit := generic.Credit{
		CustomerID:       a.recipient.CustomerID,
		DistributionType: key.Type.DistributionType(),
		PeriodType:       key.Type,
		PeriodIdentifier: key.Identifier,
		TierID:           tierIDOf(a.tier),
		TierName:         a.tier.Name,
		Rank:             a.recipient.Rank,
		CouponTemplateID: a.tier.Reward.CouponTemplateID,
		BadgeTypeID:      a.tier.Reward.BadgeTypeID,
		Cashback:         a.tier.Reward.Cashback,
		IssuedAt:         now,
	}
	credit.ID = creditID(credit.Key())

	if tpl := a.tier.Reward.CouponTemplateID; tpl != nil {
		code, err := e.issuer().Issue(ctx, CouponRequest{
			CustomerID:       credit.CustomerID,
			CouponTemplateID: *tpl,
			Period:           key,
			DistributionType: credit.DistributionType,
		})
		if err != nil {
			return generic.Credit{}, fmt.Errorf("issue coupon %s: %w", *tpl, err)
		}
		credit.CouponCode = &code
	}
	return credit, nil
}

func (e *Engine) clock() generic.Clock {
	if e.Clock != nil {
		return e.Clock
	}
	return generic.SystemClock
}

func (e *Engine) issuer() CouponIssuer {
	if e.Issuer != nil {
		return e.Issuer
	}
	return UUIDIssuer{}
}

func (e *Engine) observer() Observer {
	if e.Observer != nil {
		return e.Observer
	}
	return nopObserver{}
}
