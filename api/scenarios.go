/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a tier
	catalog, leaderboard ranks, generated periods and quests, so the admin
	flow (preview, override, distribute) can be exercised end to end.

AVAILABLE SCENARIOS:

	weekly-leaderboard:     Stock ladders, ranks for last week and last month
	custom-ladder-override: Last week pays a flat cashback ladder instead
	already-distributed:    Last week was paid out by admin-demo

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create catalog tiers from factory.StandardLadderJSON
 3. Seed leaderboard ranks (cust-001 ... cust-NNN)
 4. Generate available periods around now
 5. Add quests, some restricted to specific periods

All dates are relative to the engine clock, so "last week" is always the
week before the current one.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "custom-ladder-override"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error mapping
  - factory/ladder.go: Ladder JSON presets
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/period-rewards/factory"
	"github.com/warp/period-rewards/generic"
	"github.com/warp/period-rewards/rewards"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "weekly-leaderboard",
		Name:        "Weekly Leaderboard",
		Description: "Stock tier ladders with ranks for last week and last month, ready to preview",
	},
	{
		ID:          "custom-ladder-override",
		Name:        "Custom Ladder Override",
		Description: "Last week replaces the catalog with a flat cashback ladder for the top 5",
	},
	{
		ID:          "already-distributed",
		Name:        "Already Distributed",
		Description: "Last week was paid out; distributing again needs force",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "weekly-leaderboard":
		load = h.loadWeeklyLeaderboardScenario
	case "custom-ladder-override":
		load = h.loadCustomLadderScenario
	case "already-distributed":
		load = h.loadAlreadyDistributedScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.logger().Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// lastPeriod is the period before the one containing now.
func (h *Handler) lastPeriod(pt generic.PeriodType) generic.PeriodKey {
	return generic.PeriodFor(pt, h.Engine.Clock.Now()).Previous().Key()
}

func (h *Handler) loadWeeklyLeaderboardScenario(ctx context.Context) error {
	for _, pt := range generic.PeriodTypes {
		if err := h.seedStandardLadder(ctx, pt); err != nil {
			return err
		}
	}
	if err := h.seedRanks(ctx, h.lastPeriod(generic.PeriodWeekly), 15); err != nil {
		return err
	}
	if err := h.seedRanks(ctx, h.lastPeriod(generic.PeriodMonthly), 30); err != nil {
		return err
	}
	if _, err := h.Generator.Generate(ctx); err != nil {
		return err
	}
	return h.seedQuests(ctx)
}

func (h *Handler) loadCustomLadderScenario(ctx context.Context) error {
	if err := h.loadWeeklyLeaderboardScenario(ctx); err != nil {
		return err
	}
	flat, err := factory.ParseTiers(generic.PeriodWeekly, `[
  {"name": "double-xp week", "rank_from": 1, "rank_to": 5, "cashback": "10.00", "badge_type_id": "badge-double-xp"}
]`)
	if err != nil {
		return err
	}
	ladder := generic.CustomLadder(flat)
	notes := "Double XP week: flat cashback for the top 5"
	_, err = h.Engine.Configs.CreateOrUpdate(ctx, h.lastPeriod(generic.PeriodWeekly), rewards.PeriodConfigInput{
		Ladder: &ladder,
		Notes:  &notes,
	})
	return err
}

func (h *Handler) loadAlreadyDistributedScenario(ctx context.Context) error {
	if err := h.loadWeeklyLeaderboardScenario(ctx); err != nil {
		return err
	}
	_, err := h.Engine.Distribute(ctx, rewards.DistributeRequest{
		Period:  h.lastPeriod(generic.PeriodWeekly),
		AdminID: "admin-demo",
	})
	return err
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func (h *Handler) seedStandardLadder(ctx context.Context, pt generic.PeriodType) error {
	tiers, err := factory.ParseTiers(pt, factory.StandardLadderJSON(pt))
	if err != nil {
		return fmt.Errorf("stock %s ladder: %w", pt, err)
	}
	for _, t := range tiers {
		if _, err := h.Engine.Catalog.CreateTier(ctx, t); err != nil {
			return fmt.Errorf("tier %s/%s: %w", pt, t.Name, err)
		}
	}
	return nil
}

// seedRanks stores n customers with strictly decreasing XP.
func (h *Handler) seedRanks(ctx context.Context, key generic.PeriodKey, n int) error {
	ranks := make([]generic.RankedRecipient, 0, n)
	for i := 1; i <= n; i++ {
		ranks = append(ranks, generic.RankedRecipient{
			CustomerID: generic.CustomerID(fmt.Sprintf("cust-%03d", i)),
			Rank:       i,
			XP:         int64(5000 - (i-1)*150),
		})
	}
	return h.Store.SaveRanks(ctx, key, ranks)
}

func (h *Handler) seedQuests(ctx context.Context) error {
	current := generic.PeriodFor(generic.PeriodWeekly, h.Engine.Clock.Now())
	quests := []generic.Quest{
		{ID: "daily-login", Title: "Log in every day", PeriodType: generic.PeriodWeekly, XPReward: 100},
		{
			ID: "double-xp", Title: "Double XP challenge", PeriodType: generic.PeriodWeekly, XPReward: 500,
			Periods: []string{current.Identifier, current.Next().Identifier},
		},
		{
			ID: "last-week-recap", Title: "Share last week's recap", PeriodType: generic.PeriodWeekly, XPReward: 250,
			Periods: []string{current.Previous().Identifier},
		},
		{ID: "monthly-streak", Title: "30 day streak", PeriodType: generic.PeriodMonthly, XPReward: 1000},
	}
	for _, q := range quests {
		if _, err := h.Quests.CreateQuest(ctx, q); err != nil {
			return fmt.Errorf("quest %s: %w", q.ID, err)
		}
	}
	return nil
}
