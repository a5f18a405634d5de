package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/period-rewards/generic"
	"github.com/warp/period-rewards/rewards"
	"github.com/warp/period-rewards/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var week04 = generic.PeriodKey{Type: generic.PeriodWeekly, Identifier: "2026-W04"}

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func weeklyTier(id, name string, from, to int) generic.RewardTier {
	return generic.RewardTier{
		ID: generic.TierID(id), PeriodType: generic.PeriodWeekly, Name: name,
		Range: generic.RankRange{From: from, To: to}, DisplayOrder: from, IsActive: true,
	}
}

// =============================================================================
// TIERS
// =============================================================================

func TestTiers_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	champion := weeklyTier("t1", "champion", 1, 1)
	champion.Reward = generic.Reward{
		CouponTemplateID: strPtr("tpl-gold"),
		Cashback:         decimal.RequireFromString("12.50"),
	}
	require.NoError(t, store.SaveTier(ctx, champion, generic.Validate))

	got, err := store.GetTier(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "champion", got.Name)
	require.NotNil(t, got.Reward.CouponTemplateID)
	assert.Equal(t, "tpl-gold", *got.Reward.CouponTemplateID)
	assert.Nil(t, got.Reward.BadgeTypeID)
	assert.True(t, got.Reward.Cashback.Equal(decimal.RequireFromString("12.5")))

	missing, err := store.GetTier(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTiers_LadderCheckRunsInsideWrite(t *testing.T) {
	// GIVEN: Active podium [2,3]
	// WHEN: Saving an active [3,4] tier with the ladder check
	// THEN: Rejected, nothing stored; the same tier inactive is accepted

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTier(ctx, weeklyTier("t2", "podium", 2, 3), generic.Validate))

	err := store.SaveTier(ctx, weeklyTier("t3", "overlap", 3, 4), generic.Validate)
	var overlap *generic.OverlappingRangeError
	require.ErrorAs(t, err, &overlap)

	tiers, err := store.ListTiers(ctx, generic.PeriodWeekly)
	require.NoError(t, err)
	assert.Len(t, tiers, 1)

	inactive := weeklyTier("t3", "overlap", 3, 4)
	inactive.IsActive = false
	require.NoError(t, store.SaveTier(ctx, inactive, generic.Validate))

	require.NoError(t, store.DeleteTier(ctx, "t3"))
	assert.True(t, generic.IsNotFound(store.DeleteTier(ctx, "t3")))
}

// =============================================================================
// PERIOD CONFIGS
// =============================================================================

func TestPeriodConfig_CustomLadderRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ladder := generic.CustomLadder([]generic.RewardTier{
		{Name: "solo", Range: generic.RankRange{From: 1, To: 1}, Reward: generic.Reward{BadgeTypeID: strPtr("badge-x")}},
	})
	saved, err := store.UpdatePeriodConfig(ctx, week04, func(cfg *generic.PeriodRewardConfig) error {
		cfg.Ladder = ladder
		cfg.Notes = "launch week"
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, generic.StatusPending, saved.Status)

	got, err := store.GetPeriodConfig(ctx, week04)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Ladder.IsCustom())
	require.Len(t, got.Ladder.Tiers(), 1)
	assert.Equal(t, "badge-x", *got.Ladder.Tiers()[0].Reward.BadgeTypeID)
	assert.Equal(t, "launch week", got.Notes)
	assert.Equal(t, saved.ID, got.ID)

	// callback error leaves the row alone
	_, err = store.UpdatePeriodConfig(ctx, week04, func(cfg *generic.PeriodRewardConfig) error {
		cfg.Notes = "changed"
		return errors.New("abort")
	})
	require.Error(t, err)
	got, err = store.GetPeriodConfig(ctx, week04)
	require.NoError(t, err)
	assert.Equal(t, "launch week", got.Notes)
}

func TestPeriodConfig_ListOrderedByIdentifier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"2026-W10", "2025-W52", "2026-W02"} {
		_, err := store.UpdatePeriodConfig(ctx, generic.PeriodKey{Type: generic.PeriodWeekly, Identifier: id},
			func(*generic.PeriodRewardConfig) error { return nil })
		require.NoError(t, err)
	}

	configs, err := store.ListPeriodConfigs(ctx, generic.PeriodWeekly)
	require.NoError(t, err)
	require.Len(t, configs, 3)
	assert.Equal(t, "2025-W52", configs[0].Period.Identifier)
	assert.Equal(t, "2026-W02", configs[1].Period.Identifier)
	assert.Equal(t, "2026-W10", configs[2].Period.Identifier)
}

// =============================================================================
// DISTRIBUTION TRANSACTION
// =============================================================================

func sampleCredit(customer string, rank int) generic.Credit {
	return generic.Credit{
		ID:               "credit-" + customer,
		CustomerID:       generic.CustomerID(customer),
		DistributionType: "leaderboard_weekly",
		PeriodType:       generic.PeriodWeekly,
		PeriodIdentifier: "2026-W04",
		TierName:         "champion",
		Rank:             rank,
		Cashback:         decimal.NewFromInt(5),
		IssuedAt:         time.Date(2026, time.January, 26, 9, 0, 0, 0, time.UTC),
	}
}

func TestWithPeriodLock_RollbackOnError(t *testing.T) {
	// GIVEN: A distribution that writes two credits then fails
	// WHEN: WithPeriodLock returns
	// THEN: No credit, no log, no config row

	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithPeriodLock(ctx, week04, func(cfg generic.PeriodRewardConfig, tx generic.DistributionTx) error {
		assert.Equal(t, generic.StatusPending, cfg.Status)
		require.NoError(t, tx.UpsertCredit(ctx, sampleCredit("A", 1)))
		require.NoError(t, tx.UpsertCredit(ctx, sampleCredit("B", 2)))
		return errors.New("crediting C failed")
	})
	require.Error(t, err)

	credits, err := store.Credits(ctx, generic.CreditFilter{})
	require.NoError(t, err)
	assert.Empty(t, credits)

	cfg, err := store.GetPeriodConfig(ctx, week04)
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestWithPeriodLock_UpsertAndPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.January, 26, 9, 0, 0, 0, time.UTC)

	write := func(customers ...string) int {
		var pruned int
		err := store.WithPeriodLock(ctx, week04, func(cfg generic.PeriodRewardConfig, tx generic.DistributionTx) error {
			var keep []generic.CustomerID
			for i, c := range customers {
				credit := sampleCredit(c, i+1)
				if err := tx.UpsertCredit(ctx, credit); err != nil {
					return err
				}
				if err := tx.UpsertLogEntry(ctx, generic.NewLogEntry("log-"+c, credit, 100, "admin1", at, "")); err != nil {
					return err
				}
				keep = append(keep, credit.CustomerID)
			}
			var err error
			if pruned, err = tx.Prune(ctx, "leaderboard_weekly", "2026-W04", keep); err != nil {
				return err
			}
			cfg.Status = generic.StatusDistributed
			cfg.DistributedAt = &at
			cfg.DistributedBy = "admin1"
			return tx.SavePeriodConfig(ctx, cfg)
		})
		require.NoError(t, err)
		return pruned
	}

	assert.Equal(t, 0, write("A", "B", "C"))
	assert.Equal(t, 1, write("A", "C"))

	logs, err := store.DistributionLog(ctx, generic.LogFilter{PeriodIdentifier: "2026-W04"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, generic.CustomerID("A"), logs[0].CustomerID)
	require.NotNil(t, logs[0].XPAtDistribution)
	assert.Equal(t, int64(100), *logs[0].XPAtDistribution)

	credits, err := store.Credits(ctx, generic.CreditFilter{CustomerID: "C"})
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Equal(t, 2, credits[0].Rank, "overwritten in place")

	cfg, err := store.GetPeriodConfig(ctx, week04)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusDistributed, cfg.Status)
	require.NotNil(t, cfg.DistributedAt)
	assert.True(t, at.Equal(*cfg.DistributedAt))
}

func TestWithPeriodLock_BusyPeriodFailsFast(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithPeriodLock(ctx, week04, func(generic.PeriodRewardConfig, generic.DistributionTx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := store.WithPeriodLock(ctx, week04, func(generic.PeriodRewardConfig, generic.DistributionTx) error {
		t.Fatal("second caller must not enter")
		return nil
	})
	assert.ErrorIs(t, err, generic.ErrDistributionInProgress)
	assert.True(t, generic.IsRetryable(err))

	// another period is unaffected
	other := generic.PeriodKey{Type: generic.PeriodWeekly, Identifier: "2026-W05"}
	require.NoError(t, store.WithPeriodLock(ctx, other, func(generic.PeriodRewardConfig, generic.DistributionTx) error { return nil }))

	close(release)
	require.NoError(t, <-done)
}

// =============================================================================
// QUESTS, PERIODS, RANKS
// =============================================================================

func TestQuests_SetPeriodsReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	q := generic.Quest{ID: "q1", Title: "Streak", PeriodType: generic.PeriodWeekly, XPReward: 50,
		CreatedAt: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, store.SaveQuest(ctx, q))
	require.NoError(t, store.SetQuestPeriods(ctx, "q1", []string{"2026-W04", "2026-W05"}))
	require.NoError(t, store.SetQuestPeriods(ctx, "q1", []string{"2026-W09"}))

	got, err := store.GetQuest(ctx, "q1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"2026-W09"}, got.Periods)
	assert.Equal(t, int64(50), got.XPReward)

	assert.True(t, generic.IsNotFound(store.SetQuestPeriods(ctx, "ghost", nil)))

	all, err := store.ListQuests(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAvailablePeriods_InsertOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.January, 20, 0, 0, 0, 0, time.UTC)

	n, err := store.SaveAvailablePeriods(ctx, generic.EnumeratePeriods(generic.PeriodMonthly, now, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = store.SaveAvailablePeriods(ctx, generic.EnumeratePeriods(generic.PeriodMonthly, now, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	periods, err := store.AvailablePeriods(ctx, generic.PeriodMonthly)
	require.NoError(t, err)
	require.Len(t, periods, 4)
	assert.Equal(t, "2025-11", periods[0].Identifier)
	assert.Equal(t, generic.NewDate(2026, time.February, 28), periods[3].End)
}

func TestRanks_OrderedByRank(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRanks(ctx, week04, []generic.RankedRecipient{
		{CustomerID: "B", Rank: 2, XP: 10}, {CustomerID: "A", Rank: 1, XP: 20},
	}))
	ranks, err := store.RankedRecipients(ctx, week04)
	require.NoError(t, err)
	require.Len(t, ranks, 2)
	assert.Equal(t, generic.CustomerID("A"), ranks[0].CustomerID)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_DistributeOnSQLite(t *testing.T) {
	// GIVEN: Weekly ladder and ranks A=1, B=2, C=11 stored in SQLite
	// WHEN: Distributing 2026-W04 twice, then forcing
	// THEN: Second call conflicts, force overwrites, log keeps one row per customer

	store := newTestStore(t)
	ctx := context.Background()
	engine := rewards.NewEngine(store, nil)
	engine.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	engine.Catalog.Logger = engine.Logger
	engine.Configs.Logger = engine.Logger

	for _, tier := range []generic.RewardTier{
		weeklyTier("", "champion", 1, 1), weeklyTier("", "podium", 2, 3), weeklyTier("", "top10", 4, 10),
	} {
		tier.Reward.CouponTemplateID = strPtr("tpl-" + tier.Name)
		_, err := engine.Catalog.CreateTier(ctx, tier)
		require.NoError(t, err)
	}
	require.NoError(t, store.SaveRanks(ctx, week04, []generic.RankedRecipient{
		{CustomerID: "A", Rank: 1, XP: 900}, {CustomerID: "B", Rank: 2, XP: 700}, {CustomerID: "C", Rank: 11, XP: 10},
	}))

	req := rewards.DistributeRequest{Period: week04, AdminID: "admin1"}
	result, err := engine.Distribute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, result.DistributedCount)

	_, err = engine.Distribute(ctx, req)
	assert.ErrorIs(t, err, generic.ErrAlreadyDistributed)

	req.Force = true
	_, err = engine.Distribute(ctx, req)
	require.NoError(t, err)

	logs, err := store.DistributionLog(ctx, generic.LogFilter{PeriodIdentifier: "2026-W04"})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestEngine_FailedDistributionRollsBackOnSQLite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := rewards.NewEngine(store, nil)
	engine.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	tier := weeklyTier("", "top3", 1, 3)
	tier.Reward.CouponTemplateID = strPtr("tpl-top3")
	_, err := engine.Catalog.CreateTier(ctx, tier)
	require.NoError(t, err)
	require.NoError(t, store.SaveRanks(ctx, week04, []generic.RankedRecipient{
		{CustomerID: "A", Rank: 1}, {CustomerID: "B", Rank: 2}, {CustomerID: "C", Rank: 3},
	}))

	engine.Issuer = rewards.CouponIssuerFunc(func(_ context.Context, req rewards.CouponRequest) (string, error) {
		if req.CustomerID == "C" {
			return "", errors.New("coupon quota exceeded")
		}
		return "CODE" + string(req.CustomerID), nil
	})

	_, err = engine.Distribute(ctx, rewards.DistributeRequest{Period: week04, AdminID: "admin1"})
	require.ErrorIs(t, err, generic.ErrDistributionFailed)

	credits, err := store.Credits(ctx, generic.CreditFilter{})
	require.NoError(t, err)
	assert.Empty(t, credits)

	cfg, err := store.GetPeriodConfig(ctx, week04)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, generic.StatusFailed, cfg.Status)
	assert.Contains(t, cfg.Notes, "coupon quota exceeded")
}
