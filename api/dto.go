/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Tiers:         TierDTO, TierRequest
  Period config: PeriodConfigDTO, UpdatePeriodConfigRequest, CancelPeriodRequest
  Distribution:  PreviewDTO, DistributeRequest, DistributionResultDTO,
                 DistributionLogDTO, CreditDTO
  Quests:        QuestDTO, CreateQuestRequest, SetQuestPeriodsRequest, QuestBucketsDTO
  Periods:       AvailablePeriodsDTO, GenerateResultDTO
  Scenarios:     ScenarioDTO, LoadScenarioRequest

MONEY:
  Cashback is a decimal string ("25.00") in both directions.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/ladder.go: TierJSON, the custom ladder wire shape
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/period-rewards/factory"
	"github.com/warp/period-rewards/generic"
	"github.com/warp/period-rewards/rewards"
)

// =============================================================================
// TIERS
// =============================================================================

type TierDTO struct {
	ID               string  `json:"id,omitempty"`
	PeriodType       string  `json:"period_type"`
	Name             string  `json:"name"`
	RankFrom         int     `json:"rank_from"`
	RankTo           int     `json:"rank_to"`
	CouponTemplateID *string `json:"coupon_template_id"`
	BadgeTypeID      *string `json:"badge_type_id"`
	Cashback         string  `json:"cashback"`
	DisplayOrder     int     `json:"display_order"`
	IsActive         bool    `json:"is_active"`
}

// TierRequest creates or replaces a catalog tier.
type TierRequest struct {
	PeriodType string `json:"period_type"`
	factory.TierJSON
}

func toTierDTO(t generic.RewardTier) TierDTO {
	return TierDTO{
		ID:               string(t.ID),
		PeriodType:       string(t.PeriodType),
		Name:             t.Name,
		RankFrom:         t.Range.From,
		RankTo:           t.Range.To,
		CouponTemplateID: t.Reward.CouponTemplateID,
		BadgeTypeID:      t.Reward.BadgeTypeID,
		Cashback:         t.Reward.Cashback.StringFixed(2),
		DisplayOrder:     t.DisplayOrder,
		IsActive:         t.IsActive,
	}
}

func toTierDTOs(tiers []generic.RewardTier) []TierDTO {
	dtos := make([]TierDTO, 0, len(tiers))
	for _, t := range tiers {
		dtos = append(dtos, toTierDTO(t))
	}
	return dtos
}

// =============================================================================
// PERIOD CONFIG
// =============================================================================

type PeriodConfigDTO struct {
	ID               string    `json:"id,omitempty"`
	PeriodType       string    `json:"period_type"`
	PeriodIdentifier string    `json:"period_identifier"`
	CustomTiers      []TierDTO `json:"custom_tiers"` // null = default ladder
	Status           string    `json:"status"`
	DistributedAt    *string   `json:"distributed_at"`
	DistributedBy    string    `json:"distributed_by,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	CreatedAt        string    `json:"created_at,omitempty"`
	UpdatedAt        string    `json:"updated_at,omitempty"`
}

// UpdatePeriodConfigRequest changes the override of one period. An absent
// custom_tiers leaves the ladder alone, null resets it to the default ladder,
// [] rewards nobody.
type UpdatePeriodConfigRequest struct {
	CustomTiers json.RawMessage `json:"custom_tiers"`
	Notes       *string         `json:"notes"`
}

type CancelPeriodRequest struct {
	Notes string `json:"notes"`
}

func toPeriodConfigDTO(cfg generic.PeriodRewardConfig) PeriodConfigDTO {
	dto := PeriodConfigDTO{
		ID:               cfg.ID,
		PeriodType:       string(cfg.Period.Type),
		PeriodIdentifier: cfg.Period.Identifier,
		Status:           string(cfg.Status),
		DistributedBy:    cfg.DistributedBy,
		Notes:            cfg.Notes,
		DistributedAt:    formatTimePtr(cfg.DistributedAt),
	}
	if cfg.Ladder.IsCustom() {
		dto.CustomTiers = toTierDTOs(cfg.Ladder.Tiers())
	}
	if cfg.Exists() {
		dto.CreatedAt = cfg.CreatedAt.Format(time.RFC3339)
		dto.UpdatedAt = cfg.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// PREVIEW / DISTRIBUTE
// =============================================================================

type PreviewLineDTO struct {
	Rank             int     `json:"rank"`
	CustomerID       string  `json:"customer_id"`
	XP               int64   `json:"xp"`
	TierID           *string `json:"tier_id"`
	TierName         string  `json:"tier_name"`
	CouponTemplateID *string `json:"coupon_template_id"`
	BadgeTypeID      *string `json:"badge_type_id"`
	Cashback         string  `json:"cashback"`
}

type PreviewDTO struct {
	PeriodType       string           `json:"period_type"`
	PeriodIdentifier string           `json:"period_identifier"`
	Status           string           `json:"status"`
	CustomLadder     bool             `json:"custom_ladder"`
	Tiers            []TierDTO        `json:"tiers"`
	Recipients       []PreviewLineDTO `json:"recipients"`
	RankedCount      int              `json:"ranked_count"`
	ExcludedCount    int              `json:"excluded_count"`
	TotalCashback    string           `json:"total_cashback"`
}

func toPreviewDTO(p rewards.PreviewResult) PreviewDTO {
	dto := PreviewDTO{
		PeriodType:       string(p.Period.Type),
		PeriodIdentifier: p.Period.Identifier,
		Status:           string(p.Status),
		CustomLadder:     p.CustomLadder,
		Tiers:            toTierDTOs(p.Tiers),
		Recipients:       make([]PreviewLineDTO, 0, len(p.Recipients)),
		RankedCount:      p.RankedCount,
		ExcludedCount:    p.ExcludedCount,
		TotalCashback:    p.TotalCashback.StringFixed(2),
	}
	for _, line := range p.Recipients {
		dto.Recipients = append(dto.Recipients, PreviewLineDTO{
			Rank:             line.Rank,
			CustomerID:       string(line.CustomerID),
			XP:               line.XP,
			TierID:           tierIDString(line.TierID),
			TierName:         line.TierName,
			CouponTemplateID: line.Reward.CouponTemplateID,
			BadgeTypeID:      line.Reward.BadgeTypeID,
			Cashback:         line.Reward.Cashback.StringFixed(2),
		})
	}
	return dto
}

// DistributeRequest is the body of POST .../distribute.
type DistributeRequest struct {
	Force   bool   `json:"force"`
	AdminID string `json:"admin_id"`
}

type DistributionResultDTO struct {
	PeriodType       string          `json:"period_type"`
	PeriodIdentifier string          `json:"period_identifier"`
	DistributedCount int             `json:"distributed_count"`
	PrunedCount      int             `json:"pruned_count"`
	Forced           bool            `json:"forced"`
	Config           PeriodConfigDTO `json:"config"`
}

type DistributionLogDTO struct {
	ID               string  `json:"id"`
	DistributionType string  `json:"distribution_type"`
	PeriodIdentifier string  `json:"period_identifier"`
	CustomerID       string  `json:"customer_id"`
	CouponID         *string `json:"coupon_id"`
	TierID           *string `json:"tier_id"`
	Rank             *int    `json:"rank"`
	XPAtDistribution *int64  `json:"xp_at_distribution"`
	DistributedAt    string  `json:"distributed_at"`
	DistributedBy    string  `json:"distributed_by"`
	Notes            string  `json:"notes,omitempty"`
}

func toDistributionLogDTO(e generic.DistributionLogEntry) DistributionLogDTO {
	return DistributionLogDTO{
		ID:               e.ID,
		DistributionType: e.DistributionType,
		PeriodIdentifier: e.PeriodIdentifier,
		CustomerID:       string(e.CustomerID),
		CouponID:         e.CouponID,
		TierID:           tierIDString(e.TierID),
		Rank:             e.Rank,
		XPAtDistribution: e.XPAtDistribution,
		DistributedAt:    e.DistributedAt.Format(time.RFC3339),
		DistributedBy:    e.DistributedBy,
		Notes:            e.Notes,
	}
}

type CreditDTO struct {
	ID               string  `json:"id"`
	CustomerID       string  `json:"customer_id"`
	DistributionType string  `json:"distribution_type"`
	PeriodType       string  `json:"period_type"`
	PeriodIdentifier string  `json:"period_identifier"`
	TierID           *string `json:"tier_id"`
	TierName         string  `json:"tier_name"`
	Rank             int     `json:"rank"`
	CouponTemplateID *string `json:"coupon_template_id"`
	CouponCode       *string `json:"coupon_code"`
	BadgeTypeID      *string `json:"badge_type_id"`
	Cashback         string  `json:"cashback"`
	IssuedAt         string  `json:"issued_at"`
}

func toCreditDTO(c generic.Credit) CreditDTO {
	return CreditDTO{
		ID:               c.ID,
		CustomerID:       string(c.CustomerID),
		DistributionType: c.DistributionType,
		PeriodType:       string(c.PeriodType),
		PeriodIdentifier: c.PeriodIdentifier,
		TierID:           tierIDString(c.TierID),
		TierName:         c.TierName,
		Rank:             c.Rank,
		CouponTemplateID: c.CouponTemplateID,
		CouponCode:       c.CouponCode,
		BadgeTypeID:      c.BadgeTypeID,
		Cashback:         c.Cashback.StringFixed(2),
		IssuedAt:         c.IssuedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// QUESTS
// =============================================================================

type QuestDTO struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	PeriodType  string   `json:"period_type"`
	XPReward    int64    `json:"xp_reward"`
	Periods     []string `json:"periods"` // empty = every period of the type
	CreatedAt   string   `json:"created_at"`
}

type CreateQuestRequest struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	PeriodType  string   `json:"period_type"`
	XPReward    int64    `json:"xp_reward"`
	Periods     []string `json:"periods"`
}

type SetQuestPeriodsRequest struct {
	Periods []string `json:"periods"`
}

type QuestBucketsDTO struct {
	PeriodType    string     `json:"period_type"`
	CurrentPeriod string     `json:"current_period"`
	Current       []QuestDTO `json:"current"`
	Upcoming      []QuestDTO `json:"upcoming"`
	Archived      []QuestDTO `json:"archived"`
}

func toQuestDTO(q generic.Quest) QuestDTO {
	periods := q.Periods
	if periods == nil {
		periods = []string{}
	}
	return QuestDTO{
		ID:          string(q.ID),
		Title:       q.Title,
		Description: q.Description,
		PeriodType:  string(q.PeriodType),
		XPReward:    q.XPReward,
		Periods:     periods,
		CreatedAt:   q.CreatedAt.Format(time.RFC3339),
	}
}

func toQuestDTOs(quests []generic.Quest) []QuestDTO {
	dtos := make([]QuestDTO, 0, len(quests))
	for _, q := range quests {
		dtos = append(dtos, toQuestDTO(q))
	}
	return dtos
}

// =============================================================================
// AVAILABLE PERIODS
// =============================================================================

type AvailablePeriodDTO struct {
	Identifier     string `json:"identifier"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
	Classification string `json:"classification"` // current, upcoming or archived
}

type AvailablePeriodsDTO struct {
	PeriodType    string               `json:"period_type"`
	CurrentPeriod string               `json:"current_period"`
	Periods       []AvailablePeriodDTO `json:"periods"`
}

type GenerateResultDTO struct {
	Inserted map[string]int `json:"inserted"`
	Total    int            `json:"total"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

func tierIDString(id *generic.TierID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
