/*
handlers.go - HTTP API handlers for the period reward engine

PURPOSE:
  Exposes tier catalog, period configs, preview/distribute, audit queries and
  quests via REST. Handles HTTP request/response, JSON serialization, and
  delegates to the rewards package.

ENDPOINTS:
  Tiers:
    GET    /api/tiers?period_type=&include_inactive=   List catalog tiers
    POST   /api/tiers                                   Create tier
    PUT    /api/tiers/{id}                              Replace tier
    DELETE /api/tiers/{id}                              Delete tier

  Periods:
    GET    /api/periods/{type}                          Available periods
    POST   /api/periods/generate                        Generate missing periods
    GET    /api/periods/{type}/configs                  Touched periods
    GET    /api/periods/{type}/{identifier}/config      Config (default view when absent)
    PUT    /api/periods/{type}/{identifier}/config      Create or update override
    POST   /api/periods/{type}/{identifier}/cancel      pending|failed -> cancelled
    GET    /api/periods/{type}/{identifier}/preview     Who would get what
    POST   /api/periods/{type}/{identifier}/distribute  Pay out (once)

  Audit:
    GET    /api/distributions                           Distribution log
    GET    /api/customers/{id}/credits                  Credits of a customer

  Quests:
    GET    /api/quests?period_type=                     List quests
    POST   /api/quests                                  Create quest
    GET    /api/quests/buckets?period_type=             Current / upcoming / archived
    GET    /api/quests/{id}                             Get quest
    PUT    /api/quests/{id}/periods                     Replace allow-list

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Already distributed, invalid status transition
  - 423: Another admin is distributing the period (retry)
  - 500: Distribution failed (rolled back), internal errors

SECURITY NOTE:
  No authentication. admin_id is taken from the request body as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo seed data
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/period-rewards/factory"
	"github.com/warp/period-rewards/generic"
	"github.com/warp/period-rewards/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     generic.Store
	Engine    *rewards.Engine
	Quests    *rewards.QuestService
	Generator *rewards.PeriodGenerator
	Logger    *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the services over one store. Quests and the generator share
// the engine's clock.
func NewHandler(store generic.Store, engine *rewards.Engine, generator *rewards.PeriodGenerator) *Handler {
	quests := rewards.NewQuestService(store)
	quests.Clock = engine.Clock
	quests.Logger = engine.Logger
	if generator == nil {
		generator = rewards.NewPeriodGenerator(store, 12, 4)
	}
	generator.Clock = engine.Clock
	return &Handler{
		Store:     store,
		Engine:    engine,
		Quests:    quests,
		Generator: generator,
		Logger:    engine.Logger,
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// =============================================================================
// TIER HANDLERS
// =============================================================================

// ListTiers returns the catalog of one period type.
// GET /api/tiers?period_type=weekly&include_inactive=true
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	pt, err := generic.ParsePeriodType(r.URL.Query().Get("period_type"))
	if err != nil {
		writeDomainError(w, "Invalid period type", err)
		return
	}
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))

	tiers, err := h.Engine.Catalog.ListTiers(r.Context(), pt, includeInactive)
	if err != nil {
		writeDomainError(w, "Failed to list tiers", err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTOs(tiers))
}

// CreateTier adds a tier to the catalog.
// POST /api/tiers
func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	tier, ok := decodeTier(w, r)
	if !ok {
		return
	}
	created, err := h.Engine.Catalog.CreateTier(r.Context(), tier)
	if err != nil {
		writeDomainError(w, "Failed to create tier", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTierDTO(created))
}

// UpdateTier replaces a catalog tier.
// PUT /api/tiers/{id}
func (h *Handler) UpdateTier(w http.ResponseWriter, r *http.Request) {
	tier, ok := decodeTier(w, r)
	if !ok {
		return
	}
	tier.ID = generic.TierID(chi.URLParam(r, "id"))
	updated, err := h.Engine.Catalog.UpdateTier(r.Context(), tier)
	if err != nil {
		writeDomainError(w, "Failed to update tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTO(updated))
}

// DeleteTier removes a catalog tier.
// DELETE /api/tiers/{id}
func (h *Handler) DeleteTier(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Catalog.DeleteTier(r.Context(), generic.TierID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, "Failed to delete tier", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeTier(w http.ResponseWriter, r *http.Request) (generic.RewardTier, bool) {
	var req TierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return generic.RewardTier{}, false
	}
	pt, err := generic.ParsePeriodType(req.PeriodType)
	if err != nil {
		writeDomainError(w, "Invalid period type", err)
		return generic.RewardTier{}, false
	}
	return req.TierJSON.ToTier(pt, 0), true
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// periodKey reads {type} and {identifier} from the route.
func periodKey(r *http.Request) (generic.PeriodKey, error) {
	pt, err := generic.ParsePeriodType(chi.URLParam(r, "type"))
	if err != nil {
		return generic.PeriodKey{}, err
	}
	id := chi.URLParam(r, "identifier")
	if _, err := generic.ParseIdentifier(pt, id); err != nil {
		return generic.PeriodKey{}, err
	}
	return generic.PeriodKey{Type: pt, Identifier: id}, nil
}

// ListAvailablePeriods returns generated periods with their classification.
// GET /api/periods/{type}
func (h *Handler) ListAvailablePeriods(w http.ResponseWriter, r *http.Request) {
	pt, err := generic.ParsePeriodType(chi.URLParam(r, "type"))
	if err != nil {
		writeDomainError(w, "Invalid period type", err)
		return
	}
	periods, current, err := h.Generator.Available(r.Context(), pt)
	if err != nil {
		writeDomainError(w, "Failed to list periods", err)
		return
	}

	resp := AvailablePeriodsDTO{
		PeriodType:    string(pt),
		CurrentPeriod: current,
		Periods:       make([]AvailablePeriodDTO, 0, len(periods)),
	}
	for _, p := range periods {
		resp.Periods = append(resp.Periods, AvailablePeriodDTO{
			Identifier:     p.Identifier,
			StartDate:      p.Start.Format("2006-01-02"),
			EndDate:        p.End.Format("2006-01-02"),
			Classification: string(generic.Classify(p.Identifier, current)),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GeneratePeriods inserts missing periods around now.
// POST /api/periods/generate
func (h *Handler) GeneratePeriods(w http.ResponseWriter, r *http.Request) {
	result, err := h.Generator.Generate(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to generate periods", err)
		return
	}
	resp := GenerateResultDTO{Inserted: make(map[string]int, len(result.Inserted)), Total: result.Total()}
	for pt, n := range result.Inserted {
		resp.Inserted[string(pt)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPeriodConfigs returns every touched period of a type.
// GET /api/periods/{type}/configs
func (h *Handler) ListPeriodConfigs(w http.ResponseWriter, r *http.Request) {
	pt, err := generic.ParsePeriodType(chi.URLParam(r, "type"))
	if err != nil {
		writeDomainError(w, "Invalid period type", err)
		return
	}
	configs, err := h.Engine.Configs.List(r.Context(), pt)
	if err != nil {
		writeDomainError(w, "Failed to list period configs", err)
		return
	}
	dtos := make([]PeriodConfigDTO, 0, len(configs))
	for _, cfg := range configs {
		dtos = append(dtos, toPeriodConfigDTO(cfg))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPeriodConfig returns the stored config or the default pending view.
// GET /api/periods/{type}/{identifier}/config
func (h *Handler) GetPeriodConfig(w http.ResponseWriter, r *http.Request) {
	key, err := periodKey(r)
	if err != nil {
		writeDomainError(w, "Invalid period", err)
		return
	}
	cfg, err := h.Engine.Configs.Get(r.Context(), key)
	if err != nil {
		writeDomainError(w, "Failed to get period config", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodConfigDTO(cfg))
}

// UpdatePeriodConfig creates or updates the override of one period.
// PUT /api/periods/{type}/{identifier}/config
func (h *Handler) UpdatePeriodConfig(w http.ResponseWriter, r *http.Request) {
	key, err := periodKey(r)
	if err != nil {
		writeDomainError(w, "Invalid period", err)
		return
	}
	var req UpdatePeriodConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := rewards.PeriodConfigInput{Notes: req.Notes}
	if len(req.CustomTiers) > 0 {
		raw := string(req.CustomTiers)
		ladder, err := factory.ParseLadder(key.Type, &raw)
		if err != nil {
			writeDomainError(w, "Invalid custom tiers", err)
			return
		}
		in.Ladder = &ladder
	}

	cfg, err := h.Engine.Configs.CreateOrUpdate(r.Context(), key, in)
	if err != nil {
		writeDomainError(w, "Failed to save period config", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodConfigDTO(cfg))
}

// CancelPeriod moves a pending or failed period to cancelled.
// POST /api/periods/{type}/{identifier}/cancel
func (h *Handler) CancelPeriod(w http.ResponseWriter, r *http.Request) {
	key, err := periodKey(r)
	if err != nil {
		writeDomainError(w, "Invalid period", err)
		return
	}
	// The body is optional.
	var req CancelPeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cfg, err := h.Engine.Configs.Cancel(r.Context(), key, req.Notes)
	if err != nil {
		writeDomainError(w, "Failed to cancel period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodConfigDTO(cfg))
}

// PreviewPeriod simulates a distribution.
// GET /api/periods/{type}/{identifier}/preview
func (h *Handler) PreviewPeriod(w http.ResponseWriter, r *http.Request) {
	key, err := periodKey(r)
	if err != nil {
		writeDomainError(w, "Invalid period", err)
		return
	}
	preview, err := h.Engine.Preview(r.Context(), key)
	if err != nil {
		writeDomainError(w, "Failed to preview period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(preview))
}

// DistributePeriod pays out a period. Ranks are re-fetched server side; a
// preview posted by the client is never used.
// POST /api/periods/{type}/{identifier}/distribute
func (h *Handler) DistributePeriod(w http.ResponseWriter, r *http.Request) {
	key, err := periodKey(r)
	if err != nil {
		writeDomainError(w, "Invalid period", err)
		return
	}
	var req DistributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.AdminID) == "" {
		writeError(w, http.StatusBadRequest, "admin_id is required", nil)
		return
	}

	result, err := h.Engine.Distribute(r.Context(), rewards.DistributeRequest{
		Period:  key,
		Force:   req.Force,
		AdminID: strings.TrimSpace(req.AdminID),
	})
	if err != nil {
		writeDomainError(w, "Distribution rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, DistributionResultDTO{
		PeriodType:       string(result.Period.Type),
		PeriodIdentifier: result.Period.Identifier,
		DistributedCount: result.DistributedCount,
		PrunedCount:      result.PrunedCount,
		Forced:           result.Forced,
		Config:           toPeriodConfigDTO(result.Config),
	})
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListDistributions returns the audit log.
// GET /api/distributions?period_identifier=&customer_id=&distribution_type=&limit=
func (h *Handler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.LogFilter{
		DistributionType: q.Get("distribution_type"),
		PeriodIdentifier: q.Get("period_identifier"),
		CustomerID:       generic.CustomerID(q.Get("customer_id")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	entries, err := h.Store.DistributionLog(r.Context(), filter)
	if err != nil {
		writeDomainError(w, "Failed to list distributions", err)
		return
	}
	dtos := make([]DistributionLogDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toDistributionLogDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListCustomerCredits returns everything a customer was credited.
// GET /api/customers/{id}/credits
func (h *Handler) ListCustomerCredits(w http.ResponseWriter, r *http.Request) {
	credits, err := h.Store.Credits(r.Context(), generic.CreditFilter{
		CustomerID:       generic.CustomerID(chi.URLParam(r, "id")),
		DistributionType: r.URL.Query().Get("distribution_type"),
	})
	if err != nil {
		writeDomainError(w, "Failed to list credits", err)
		return
	}
	dtos := make([]CreditDTO, 0, len(credits))
	for _, c := range credits {
		dtos = append(dtos, toCreditDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// QUEST HANDLERS
// =============================================================================

// ListQuests returns quests, optionally of one type.
// GET /api/quests?period_type=
func (h *Handler) ListQuests(w http.ResponseWriter, r *http.Request) {
	var pt generic.PeriodType
	if raw := r.URL.Query().Get("period_type"); raw != "" {
		var err error
		if pt, err = generic.ParsePeriodType(raw); err != nil {
			writeDomainError(w, "Invalid period type", err)
			return
		}
	}
	quests, err := h.Quests.ListQuests(r.Context(), pt)
	if err != nil {
		writeDomainError(w, "Failed to list quests", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuestDTOs(quests))
}

// CreateQuest creates a quest with an optional period allow-list.
// POST /api/quests
func (h *Handler) CreateQuest(w http.ResponseWriter, r *http.Request) {
	var req CreateQuestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	pt, err := generic.ParsePeriodType(req.PeriodType)
	if err != nil {
		writeDomainError(w, "Invalid period type", err)
		return
	}
	q, err := h.Quests.CreateQuest(r.Context(), generic.Quest{
		ID:          generic.QuestID(req.ID),
		Title:       req.Title,
		Description: req.Description,
		PeriodType:  pt,
		XPReward:    req.XPReward,
		Periods:     req.Periods,
	})
	if err != nil {
		writeDomainError(w, "Failed to create quest", err)
		return
	}
	writeJSON(w, http.StatusCreated, toQuestDTO(q))
}

// GetQuest returns one quest.
// GET /api/quests/{id}
func (h *Handler) GetQuest(w http.ResponseWriter, r *http.Request) {
	q, err := h.Quests.GetQuest(r.Context(), generic.QuestID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get quest", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuestDTO(q))
}

// SetQuestPeriods replaces a quest's period allow-list.
// PUT /api/quests/{id}/periods
func (h *Handler) SetQuestPeriods(w http.ResponseWriter, r *http.Request) {
	id := generic.QuestID(chi.URLParam(r, "id"))
	var req SetQuestPeriodsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Quests.SetQuestPeriods(r.Context(), id, req.Periods); err != nil {
		writeDomainError(w, "Failed to set quest periods", err)
		return
	}
	q, err := h.Quests.GetQuest(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get quest", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuestDTO(q))
}

// QuestBuckets groups quests of a type into current, upcoming and archived.
// GET /api/quests/buckets?period_type=weekly
func (h *Handler) QuestBuckets(w http.ResponseWriter, r *http.Request) {
	pt, err := generic.ParsePeriodType(r.URL.Query().Get("period_type"))
	if err != nil {
		writeDomainError(w, "Invalid period type", err)
		return
	}
	buckets, current, err := h.Quests.BucketQuests(r.Context(), pt)
	if err != nil {
		writeDomainError(w, "Failed to bucket quests", err)
		return
	}
	writeJSON(w, http.StatusOK, QuestBucketsDTO{
		PeriodType:    string(pt),
		CurrentPeriod: current,
		Current:       toQuestDTOs(buckets.Current),
		Upcoming:      toQuestDTOs(buckets.Upcoming),
		Archived:      toQuestDTOs(buckets.Archived),
	})
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the generic error taxonomy to a status and code.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var (
		failed  *generic.DistributionFailedError
		already *generic.AlreadyDistributedError
	)
	resp := ErrorResponse{Error: message, Details: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &failed):
		resp.Code = "distribution_failed"
		resp.Details = map[string]any{
			"reason":      failed.Error(),
			"customer_id": failed.CustomerID,
		}
	case generic.IsRetryable(err):
		status, resp.Code = http.StatusLocked, "distribution_in_progress"
		w.Header().Set("Retry-After", "1")
	case generic.IsClientError(err):
		status, resp.Code = http.StatusBadRequest, "validation"
	case generic.IsNotFound(err):
		status, resp.Code = http.StatusNotFound, "not_found"
	case errors.As(err, &already):
		status, resp.Code = http.StatusConflict, "already_distributed"
		resp.Details = map[string]any{
			"message":        already.Error(),
			"distributed_at": formatTimePtr(already.DistributedAt),
			"distributed_by": already.DistributedBy,
		}
	case errors.Is(err, generic.ErrInvalidTransition):
		status, resp.Code = http.StatusConflict, "invalid_transition"
	case generic.IsConflict(err):
		status, resp.Code = http.StatusConflict, "conflict"
	default:
		resp.Code = "internal"
	}
	writeJSON(w, status, resp)
}
