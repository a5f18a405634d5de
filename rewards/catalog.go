package rewards

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/period-rewards/generic"
)

// =============================================================================
// TIER CATALOG - Default reward ladder per period type
// =============================================================================

// TierCatalog owns the default ladders. Every write validates the active
// ladder it would produce before persisting.
type TierCatalog struct {
	Store  generic.TierStore
	NewID  func() string
	Logger *slog.Logger
}

func NewTierCatalog(store generic.TierStore) *TierCatalog {
	return &TierCatalog{Store: store, NewID: uuid.NewString}
}

// Validate rejects empty or overlapping ranges.
func (c *TierCatalog) Validate(tiers []generic.RewardTier) error {
	return generic.Validate(tiers)
}

// ActiveTiers returns the active ladder of a period type sorted by display order.
func (c *TierCatalog) ActiveTiers(ctx context.Context, pt generic.PeriodType) ([]generic.RewardTier, error) {
	return c.ListTiers(ctx, pt, false)
}

// ListTiers returns the tiers of a period type, optionally including disabled ones.
func (c *TierCatalog) ListTiers(ctx context.Context, pt generic.PeriodType, includeInactive bool) ([]generic.RewardTier, error) {
	if !pt.Valid() {
		return nil, &generic.ValidationError{Field: "period_type", Message: fmt.Sprintf("unsupported period type %q", pt)}
	}
	all, err := c.Store.ListTiers(ctx, pt)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	tiers := make([]generic.RewardTier, 0, len(all))
	for _, t := range all {
		if includeInactive || t.IsActive {
			tiers = append(tiers, t)
		}
	}
	generic.SortTiers(tiers)
	return tiers, nil
}

// GetTier returns a tier or NotFoundError.
func (c *TierCatalog) GetTier(ctx context.Context, id generic.TierID) (generic.RewardTier, error) {
	t, err := c.Store.GetTier(ctx, id)
	if err != nil {
		return generic.RewardTier{}, fmt.Errorf("failed to get tier: %w", err)
	}
	if t == nil {
		return generic.RewardTier{}, &generic.NotFoundError{Kind: "tier", ID: string(id)}
	}
	return *t, nil
}

// CreateTier assigns an ID and stores the tier.
func (c *TierCatalog) CreateTier(ctx context.Context, tier generic.RewardTier) (generic.RewardTier, error) {
	if tier.ID == "" {
		tier.ID = generic.TierID(c.newID())
	}
	tier, err := c.save(ctx, tier)
	if err != nil {
		return generic.RewardTier{}, err
	}
	resolveLogger(c.Logger).Info("reward tier created",
		"event", "reward_tier_created",
		"module", "rewards/catalog",
		"tier_id", tier.ID,
		"period_type", tier.PeriodType,
		"rank_from", tier.Range.From,
		"rank_to", tier.Range.To,
	)
	return tier, nil
}

// UpdateTier replaces an existing tier. The period type may change; the
// ladder of the new type is validated.
func (c *TierCatalog) UpdateTier(ctx context.Context, tier generic.RewardTier) (generic.RewardTier, error) {
	if _, err := c.GetTier(ctx, tier.ID); err != nil {
		return generic.RewardTier{}, err
	}
	tier, err := c.save(ctx, tier)
	if err != nil {
		return generic.RewardTier{}, err
	}
	resolveLogger(c.Logger).Info("reward tier updated",
		"event", "reward_tier_updated",
		"module", "rewards/catalog",
		"tier_id", tier.ID,
		"period_type", tier.PeriodType,
		"is_active", tier.IsActive,
	)
	return tier, nil
}

// DeleteTier removes a tier. Past log entries keep their tier_id.
func (c *TierCatalog) DeleteTier(ctx context.Context, id generic.TierID) error {
	if err := c.Store.DeleteTier(ctx, id); err != nil {
		return err
	}
	resolveLogger(c.Logger).Info("reward tier deleted",
		"event", "reward_tier_deleted",
		"module", "rewards/catalog",
		"tier_id", id,
	)
	return nil
}

func (c *TierCatalog) save(ctx context.Context, tier generic.RewardTier) (generic.RewardTier, error) {
	if !tier.PeriodType.Valid() {
		return tier, &generic.ValidationError{Field: "period_type", Message: fmt.Sprintf("unsupported period type %q", tier.PeriodType)}
	}
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Name == "" {
		return tier, &generic.ValidationError{Field: "name", Message: "tier name is required"}
	}
	// A lone tier must be a valid range even if inactive.
	if err := generic.Validate([]generic.RewardTier{tier}); err != nil {
		return tier, err
	}
	return tier, c.Store.SaveTier(ctx, tier, generic.Validate)
}

func (c *TierCatalog) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}
