/*
Package factory provides JSON <-> Go conversion for reward ladders.

PURPOSE:
  Period overrides are stored as a serialized `custom_tiers` array, and admins
  post ladders as JSON. The factory converts between that wire shape and the
  generic.Ladder tagged union, running generic.Validate on every parse so a
  malformed ladder never reaches a store.

JSON SCHEMA:
  [
    {"name": "champion", "rank_from": 1, "rank_to": 1,
     "coupon_template_id": "tpl-gold", "badge_type_id": "badge-crown",
     "cashback": "25.00", "display_order": 1},
    {"name": "podium", "rank_from": 2, "rank_to": 3,
     "coupon_template_id": "tpl-silver", "badge_type_id": null}
  ]

  A NULL column (or JSON null) is the default ladder. "[]" is a custom ladder
  that rewards nobody.

USAGE:
  ladder, err := factory.ParseLadder(generic.PeriodWeekly, raw)
  raw, err := factory.MarshalLadder(ladder)

  // Presets
  tiers, err := factory.ParseTiers(generic.PeriodWeekly, factory.StandardLadderJSON(generic.PeriodWeekly))

SEE ALSO:
  - generic/types.go: Ladder, RewardTier, Validate
  - store/sqlite/sqlite.go: custom_tiers column
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/period-rewards/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TierJSON is the serialized shape of one tier.
type TierJSON struct {
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name,omitempty"`
	RankFrom         int              `json:"rank_from"`
	RankTo           int              `json:"rank_to"`
	CouponTemplateID *string          `json:"coupon_template_id"`
	BadgeTypeID      *string          `json:"badge_type_id"`
	Cashback         *decimal.Decimal `json:"cashback,omitempty"`
	DisplayOrder     int              `json:"display_order,omitempty"`
	IsActive         *bool            `json:"is_active,omitempty"`
}

// ToTier converts to a generic tier of type pt. Missing display order falls
// back to fallbackOrder; missing is_active means active.
func (j TierJSON) ToTier(pt generic.PeriodType, fallbackOrder int) generic.RewardTier {
	t := generic.RewardTier{
		ID:         generic.TierID(j.ID),
		PeriodType: pt,
		Name:       j.Name,
		Range:      generic.RankRange{From: j.RankFrom, To: j.RankTo},
		Reward: generic.Reward{
			CouponTemplateID: nonEmpty(j.CouponTemplateID),
			BadgeTypeID:      nonEmpty(j.BadgeTypeID),
		},
		DisplayOrder: j.DisplayOrder,
		IsActive:     true,
	}
	if j.Cashback != nil {
		t.Reward.Cashback = *j.Cashback
	}
	if t.DisplayOrder == 0 {
		t.DisplayOrder = fallbackOrder
	}
	if j.IsActive != nil {
		t.IsActive = *j.IsActive
	}
	if t.Name == "" {
		t.Name = fmt.Sprintf("rank %d-%d", j.RankFrom, j.RankTo)
	}
	return t
}

// FromTier converts a generic tier to its JSON shape.
func FromTier(t generic.RewardTier) TierJSON {
	j := TierJSON{
		ID:               string(t.ID),
		Name:             t.Name,
		RankFrom:         t.Range.From,
		RankTo:           t.Range.To,
		CouponTemplateID: t.Reward.CouponTemplateID,
		BadgeTypeID:      t.Reward.BadgeTypeID,
		DisplayOrder:     t.DisplayOrder,
	}
	if !t.Reward.Cashback.IsZero() {
		c := t.Reward.Cashback
		j.Cashback = &c
	}
	return j
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// =============================================================================
// LADDER CODEC
// =============================================================================

// ParseTiers decodes and validates a JSON tier array.
func ParseTiers(pt generic.PeriodType, raw string) ([]generic.RewardTier, error) {
	var items []TierJSON
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, &generic.ValidationError{Field: "tiers", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return ConvertTiers(pt, items)
}

// ConvertTiers turns decoded items into validated tiers.
func ConvertTiers(pt generic.PeriodType, items []TierJSON) ([]generic.RewardTier, error) {
	tiers := make([]generic.RewardTier, 0, len(items))
	for i, item := range items {
		tiers = append(tiers, item.ToTier(pt, i+1))
	}
	if err := generic.Validate(tiers); err != nil {
		return nil, err
	}
	generic.SortTiers(tiers)
	return tiers, nil
}

// ParseLadder decodes a stored custom_tiers value. nil is the default ladder.
func ParseLadder(pt generic.PeriodType, raw *string) (generic.Ladder, error) {
	if raw == nil || *raw == "" || *raw == "null" {
		return generic.DefaultLadder(), nil
	}
	tiers, err := ParseTiers(pt, *raw)
	if err != nil {
		return generic.Ladder{}, err
	}
	return generic.CustomLadder(tiers), nil
}

// MarshalLadder encodes a ladder for storage. The default ladder is nil.
func MarshalLadder(l generic.Ladder) (*string, error) {
	if !l.IsCustom() {
		return nil, nil
	}
	items := make([]TierJSON, 0)
	for _, t := range l.Tiers() {
		items = append(items, FromTier(t))
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ladder: %w", err)
	}
	s := string(b)
	return &s, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// StandardLadderJSON returns the stock ladder for a period type. Longer periods
// reach deeper into the leaderboard and pay more cashback.
func StandardLadderJSON(pt generic.PeriodType) string {
	switch pt {
	case generic.PeriodYearly:
		return `[
  {"name": "champion", "rank_from": 1, "rank_to": 1, "coupon_template_id": "tpl-yearly-gold", "badge_type_id": "badge-year-champion", "cashback": "500.00"},
  {"name": "podium", "rank_from": 2, "rank_to": 3, "coupon_template_id": "tpl-yearly-silver", "badge_type_id": "badge-year-podium", "cashback": "200.00"},
  {"name": "top10", "rank_from": 4, "rank_to": 10, "coupon_template_id": "tpl-yearly-bronze", "cashback": "50.00"},
  {"name": "top50", "rank_from": 11, "rank_to": 50, "coupon_template_id": "tpl-yearly-thanks"}
]`
	case generic.PeriodMonthly:
		return `[
  {"name": "champion", "rank_from": 1, "rank_to": 1, "coupon_template_id": "tpl-monthly-gold", "badge_type_id": "badge-month-champion", "cashback": "50.00"},
  {"name": "podium", "rank_from": 2, "rank_to": 3, "coupon_template_id": "tpl-monthly-silver", "cashback": "20.00"},
  {"name": "top10", "rank_from": 4, "rank_to": 10, "coupon_template_id": "tpl-monthly-bronze"},
  {"name": "top25", "rank_from": 11, "rank_to": 25, "badge_type_id": "badge-month-regular"}
]`
	default:
		return `[
  {"name": "champion", "rank_from": 1, "rank_to": 1, "coupon_template_id": "tpl-weekly-gold", "badge_type_id": "badge-week-champion"},
  {"name": "podium", "rank_from": 2, "rank_to": 3, "coupon_template_id": "tpl-weekly-silver"},
  {"name": "top10", "rank_from": 4, "rank_to": 10, "coupon_template_id": "tpl-weekly-bronze"}
]`
	}
}
