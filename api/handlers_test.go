/*
handlers_test.go - HTTP tests for the admin API

Tests for:
- Preview / distribute / force over the router
- Custom ladder overrides through PUT .../config
- Cancel and failed-run status handling
- Tier and quest CRUD
- Error taxonomy to status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/period-rewards/generic"
	"github.com/warp/period-rewards/generic/store"
	"github.com/warp/period-rewards/rewards"
)

// Wednesday of 2026-W05; last week is 2026-W04.
var testNow = time.Date(2026, time.January, 28, 10, 0, 0, 0, time.UTC)

type testServer struct {
	h      *Handler
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })

	engine := rewards.NewEngine(mem, nil)
	engine.Clock = generic.FixedClock(testNow)
	h := NewHandler(mem, engine, rewards.NewPeriodGenerator(mem, 2, 2))
	return &testServer{h: h, router: NewRouter(h, RouterOptions{AllowedOrigins: []string{"*"}})}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) load(t *testing.T, scenario string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: scenario})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// PREVIEW / DISTRIBUTE
// =============================================================================

func TestAPI_PreviewThenDistribute(t *testing.T) {
	// GIVEN: The weekly leaderboard scenario (15 ranked customers, ladder to rank 10)
	// WHEN: Previewing, distributing, distributing again, then forcing
	// THEN: 10 recipients; the second run is 409; the forced run succeeds

	s := newTestServer(t)
	s.load(t, "weekly-leaderboard")

	rec := s.do(t, http.MethodGet, "/api/periods/weekly/2026-W04/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[PreviewDTO](t, rec)
	assert.Equal(t, "pending", preview.Status)
	assert.False(t, preview.CustomLadder)
	assert.Equal(t, 15, preview.RankedCount)
	assert.Equal(t, 5, preview.ExcludedCount)
	require.Len(t, preview.Recipients, 10)
	assert.Equal(t, "cust-001", preview.Recipients[0].CustomerID)
	assert.Equal(t, "champion", preview.Recipients[0].TierName)

	rec = s.do(t, http.MethodPost, "/api/periods/weekly/2026-W04/distribute", DistributeRequest{AdminID: "admin1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[DistributionResultDTO](t, rec)
	assert.Equal(t, 10, result.DistributedCount)
	assert.Equal(t, "distributed", result.Config.Status)
	assert.Equal(t, "admin1", result.Config.DistributedBy)

	rec = s.do(t, http.MethodPost, "/api/periods/weekly/2026-W04/distribute", DistributeRequest{AdminID: "admin2"})
	require.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "already_distributed", errResp.Code)
	details, ok := errResp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "admin1", details["distributed_by"])

	rec = s.do(t, http.MethodPost, "/api/periods/weekly/2026-W04/distribute", DistributeRequest{AdminID: "admin2", Force: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result = decode[DistributionResultDTO](t, rec)
	assert.True(t, result.Forced)
	assert.Equal(t, "admin2", result.Config.DistributedBy)

	rec = s.do(t, http.MethodGet, "/api/distributions?period_identifier=2026-W04", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]DistributionLogDTO](t, rec), 10)

	rec = s.do(t, http.MethodGet, "/api/customers/cust-002/credits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	credits := decode[[]CreditDTO](t, rec)
	require.Len(t, credits, 1)
	assert.Equal(t, "podium", credits[0].TierName)
	assert.Equal(t, "leaderboard_weekly", credits[0].DistributionType)
}

func TestAPI_DistributeRequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/periods/weekly/2026-W04/distribute", DistributeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_InvalidPeriodIdentifier(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{
		"/api/periods/weekly/2026-13/preview",
		"/api/periods/monthly/2026-13/config",
		"/api/periods/daily/2026-01/config",
		"/api/periods/weekly/2026-W+4/preview",
	} {
		rec := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Code, path)
	}
}

func TestAPI_DistributionFailureMarksPeriodFailed(t *testing.T) {
	// GIVEN: An issuer that rejects cust-003
	// WHEN: Distributing 2026-W04
	// THEN: 500 distribution_failed, nothing credited, the period is failed

	s := newTestServer(t)
	s.load(t, "weekly-leaderboard")
	s.h.Engine.Issuer = rewards.CouponIssuerFunc(func(_ context.Context, req rewards.CouponRequest) (string, error) {
		if req.CustomerID == "cust-003" {
			return "", errors.New("coupon service unavailable")
		}
		return "CODE-" + string(req.CustomerID), nil
	})

	rec := s.do(t, http.MethodPost, "/api/periods/weekly/2026-W04/distribute", DistributeRequest{AdminID: "admin1"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "distribution_failed", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/distributions?period_identifier=2026-W04", nil)
	assert.Empty(t, decode[[]DistributionLogDTO](t, rec))

	rec = s.do(t, http.MethodGet, "/api/periods/weekly/2026-W04/config", nil)
	cfg := decode[PeriodConfigDTO](t, rec)
	assert.Equal(t, "failed", cfg.Status)
	assert.Contains(t, cfg.Notes, "coupon service unavailable")
}

// =============================================================================
// PERIOD CONFIG
// =============================================================================

func TestAPI_CustomLadderOverride(t *testing.T) {
	// GIVEN: The weekly leaderboard scenario
	// WHEN: Overriding 2026-W04 with a two-rank cashback ladder, then resetting it
	// THEN: Preview follows the override; null restores the catalog ladder

	s := newTestServer(t)
	s.load(t, "weekly-leaderboard")

	rec := s.do(t, http.MethodPut, "/api/periods/weekly/2026-W04/config",
		`{"custom_tiers": [{"name": "top2", "rank_from": 1, "rank_to": 2, "cashback": "5.00"}], "notes": "promo"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cfg := decode[PeriodConfigDTO](t, rec)
	require.Len(t, cfg.CustomTiers, 1)
	assert.Equal(t, "5.00", cfg.CustomTiers[0].Cashback)
	assert.Equal(t, "promo", cfg.Notes)

	rec = s.do(t, http.MethodGet, "/api/periods/weekly/2026-W04/preview", nil)
	preview := decode[PreviewDTO](t, rec)
	assert.True(t, preview.CustomLadder)
	assert.Len(t, preview.Recipients, 2)
	assert.Equal(t, "10.00", preview.TotalCashback)

	// Notes only: the ladder stays
	rec = s.do(t, http.MethodPut, "/api/periods/weekly/2026-W04/config", `{"notes": "still promo"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[PeriodConfigDTO](t, rec).CustomTiers, 1)

	rec = s.do(t, http.MethodPut, "/api/periods/weekly/2026-W04/config", `{"custom_tiers": null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[PeriodConfigDTO](t, rec).CustomTiers)

	rec = s.do(t, http.MethodGet, "/api/periods/weekly/2026-W04/preview", nil)
	assert.Len(t, decode[PreviewDTO](t, rec).Recipients, 10)
}

func TestAPI_CustomLadderRejectsOverlap(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/periods/weekly/2026-W04/config",
		`{"custom_tiers": [{"rank_from": 1, "rank_to": 5}, {"rank_from": 5, "rank_to": 9}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/periods/weekly/2026-W04/config", nil)
	cfg := decode[PeriodConfigDTO](t, rec)
	assert.Equal(t, "pending", cfg.Status)
	assert.Empty(t, cfg.CreatedAt)
}

func TestAPI_EmptyCustomLadderRewardsNobody(t *testing.T) {
	s := newTestServer(t)
	s.load(t, "weekly-leaderboard")

	rec := s.do(t, http.MethodPut, "/api/periods/weekly/2026-W04/config", `{"custom_tiers": []}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/periods/weekly/2026-W04/preview", nil)
	preview := decode[PreviewDTO](t, rec)
	assert.True(t, preview.CustomLadder)
	assert.Empty(t, preview.Recipients)
	assert.Equal(t, 15, preview.ExcludedCount)
}

func TestAPI_CancelBlocksDistribution(t *testing.T) {
	s := newTestServer(t)
	s.load(t, "weekly-leaderboard")

	rec := s.do(t, http.MethodPost, "/api/periods/weekly/2026-W04/cancel", CancelPeriodRequest{Notes: "season paused"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[PeriodConfigDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/periods/weekly/2026-W04/distribute", DistributeRequest{AdminID: "admin1", Force: true})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/periods/weekly/2026-W04/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_ListPeriodConfigs(t *testing.T) {
	s := newTestServer(t)
	s.load(t, "already-distributed")

	rec := s.do(t, http.MethodGet, "/api/periods/weekly/configs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	configs := decode[[]PeriodConfigDTO](t, rec)
	require.Len(t, configs, 1)
	assert.Equal(t, "2026-W04", configs[0].PeriodIdentifier)
	assert.Equal(t, "admin-demo", configs[0].DistributedBy)
	assert.NotNil(t, configs[0].DistributedAt)
}

// =============================================================================
// AVAILABLE PERIODS
// =============================================================================

func TestAPI_AvailablePeriods(t *testing.T) {
	// GIVEN: A generator window of 2 past and 2 future periods
	// WHEN: Generating twice and listing weekly periods
	// THEN: The second run inserts nothing; W05 is current

	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/periods/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[GenerateResultDTO](t, rec)
	assert.Equal(t, 5, first.Inserted["weekly"])
	assert.Equal(t, 15, first.Total)

	rec = s.do(t, http.MethodPost, "/api/periods/generate", nil)
	assert.Equal(t, 0, decode[GenerateResultDTO](t, rec).Total)

	rec = s.do(t, http.MethodGet, "/api/periods/weekly", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	periods := decode[AvailablePeriodsDTO](t, rec)
	assert.Equal(t, "2026-W05", periods.CurrentPeriod)
	require.Len(t, periods.Periods, 5)

	classes := map[string]string{}
	for _, p := range periods.Periods {
		classes[p.Identifier] = p.Classification
	}
	assert.Equal(t, "archived", classes["2026-W04"])
	assert.Equal(t, "current", classes["2026-W05"])
	assert.Equal(t, "upcoming", classes["2026-W06"])
}

// =============================================================================
// TIERS
// =============================================================================

func TestAPI_TierCRUD(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/tiers",
		`{"period_type": "monthly", "name": "champion", "rank_from": 1, "rank_to": 1, "cashback": "49.90"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[TierDTO](t, rec)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "49.90", created.Cashback)

	rec = s.do(t, http.MethodPost, "/api/tiers",
		`{"period_type": "monthly", "name": "clash", "rank_from": 1, "rank_to": 3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/tiers/"+created.ID,
		`{"period_type": "monthly", "name": "champion", "rank_from": 1, "rank_to": 1, "is_active": false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[TierDTO](t, rec).IsActive)

	rec = s.do(t, http.MethodGet, "/api/tiers?period_type=monthly", nil)
	assert.Empty(t, decode[[]TierDTO](t, rec))
	rec = s.do(t, http.MethodGet, "/api/tiers?period_type=monthly&include_inactive=true", nil)
	assert.Len(t, decode[[]TierDTO](t, rec), 1)

	rec = s.do(t, http.MethodDelete, "/api/tiers/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/tiers/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// QUESTS
// =============================================================================

func TestAPI_QuestsAndBuckets(t *testing.T) {
	s := newTestServer(t)
	s.load(t, "weekly-leaderboard")

	rec := s.do(t, http.MethodGet, "/api/quests/buckets?period_type=weekly", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	buckets := decode[QuestBucketsDTO](t, rec)
	assert.Equal(t, "2026-W05", buckets.CurrentPeriod)

	ids := func(qs []QuestDTO) []string {
		out := make([]string, 0, len(qs))
		for _, q := range qs {
			out = append(out, q.ID)
		}
		return out
	}
	assert.ElementsMatch(t, []string{"daily-login", "double-xp"}, ids(buckets.Current))
	assert.ElementsMatch(t, []string{"last-week-recap"}, ids(buckets.Archived))

	rec = s.do(t, http.MethodPut, "/api/quests/last-week-recap/periods", SetQuestPeriodsRequest{Periods: []string{"2026-W07"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"2026-W07"}, decode[QuestDTO](t, rec).Periods)

	rec = s.do(t, http.MethodPut, "/api/quests/last-week-recap/periods", SetQuestPeriodsRequest{Periods: []string{"2026-01"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/quests/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/quests", CreateQuestRequest{Title: "Refer a friend", PeriodType: "monthly", XPReward: 300})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Empty(t, decode[QuestDTO](t, rec).Periods)

	rec = s.do(t, http.MethodGet, "/api/quests?period_type=monthly", nil)
	assert.Len(t, decode[[]QuestDTO](t, rec), 2)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestWriteDomainError(t *testing.T) {
	key := generic.PeriodKey{Type: generic.PeriodWeekly, Identifier: "2026-W04"}
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &generic.ValidationError{Field: "rank_from", Message: "must be >= 1"}, http.StatusBadRequest, "validation"},
		{"not found", &generic.NotFoundError{Kind: "tier", ID: "t1"}, http.StatusNotFound, "not_found"},
		{"already distributed", &generic.AlreadyDistributedError{Period: key}, http.StatusConflict, "already_distributed"},
		{"invalid transition", &generic.InvalidTransitionError{Period: key, From: generic.StatusCancelled, To: generic.StatusDistributed}, http.StatusConflict, "invalid_transition"},
		{"in progress", fmt.Errorf("lock: %w", generic.ErrDistributionInProgress), http.StatusLocked, "distribution_in_progress"},
		{"failed wraps conflict", &generic.DistributionFailedError{Period: key, CustomerID: "c", Cause: generic.ErrConflict}, http.StatusInternalServerError, "distribution_failed"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, "msg", tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
			if tt.status == http.StatusLocked {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}
