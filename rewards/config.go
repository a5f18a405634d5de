package rewards

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/warp/period-rewards/generic"
)

// =============================================================================
// PERIOD CONFIG SERVICE - Per-period override + status machine
// =============================================================================

// PeriodConfigService manages PeriodRewardConfig rows. It never deletes a row;
// rows only transition.
type PeriodConfigService struct {
	Store  generic.PeriodConfigStore
	Logger *slog.Logger
}

func NewPeriodConfigService(store generic.PeriodConfigStore) *PeriodConfigService {
	return &PeriodConfigService{Store: store}
}

// PeriodConfigInput carries the fields CreateOrUpdate may change. A nil field
// leaves the stored value untouched.
type PeriodConfigInput struct {
	Ladder *generic.Ladder
	Notes  *string
}

// Get returns the stored config or the implicit default (pending, default ladder).
func (s *PeriodConfigService) Get(ctx context.Context, key generic.PeriodKey) (generic.PeriodRewardConfig, error) {
	if err := validateKey(key); err != nil {
		return generic.PeriodRewardConfig{}, err
	}
	cfg, err := s.Store.GetPeriodConfig(ctx, key)
	if err != nil {
		return generic.PeriodRewardConfig{}, fmt.Errorf("failed to load period config: %w", err)
	}
	if cfg == nil {
		return generic.DefaultPeriodConfig(key), nil
	}
	return *cfg, nil
}

// List returns every touched period of a type, oldest first.
func (s *PeriodConfigService) List(ctx context.Context, pt generic.PeriodType) ([]generic.PeriodRewardConfig, error) {
	if !pt.Valid() {
		return nil, &generic.ValidationError{Field: "period_type", Message: fmt.Sprintf("unsupported period type %q", pt)}
	}
	return s.Store.ListPeriodConfigs(ctx, pt)
}

// CreateOrUpdate upserts the override of one period. An existing row keeps
// its status; a new row starts pending.
func (s *PeriodConfigService) CreateOrUpdate(ctx context.Context, key generic.PeriodKey, in PeriodConfigInput) (generic.PeriodRewardConfig, error) {
	if err := validateKey(key); err != nil {
		return generic.PeriodRewardConfig{}, err
	}

	var ladder *generic.Ladder
	if in.Ladder != nil {
		normalized, err := normalizeLadder(key.Type, *in.Ladder)
		if err != nil {
			return generic.PeriodRewardConfig{}, err
		}
		ladder = &normalized
	}

	cfg, err := s.Store.UpdatePeriodConfig(ctx, key, func(cfg *generic.PeriodRewardConfig) error {
		if ladder != nil {
			cfg.Ladder = *ladder
		}
		if in.Notes != nil {
			cfg.Notes = strings.TrimSpace(*in.Notes)
		}
		return nil
	})
	if err != nil {
		return generic.PeriodRewardConfig{}, err
	}

	resolveLogger(s.Logger).Info("period config saved",
		"event", "period_config_saved",
		"module", "rewards/config",
		"period_type", key.Type,
		"period_identifier", key.Identifier,
		"custom_ladder", cfg.Ladder.IsCustom(),
		"status", cfg.Status,
	)
	return cfg, nil
}

// Cancel moves a pending or failed period to cancelled.
func (s *PeriodConfigService) Cancel(ctx context.Context, key generic.PeriodKey, notes string) (generic.PeriodRewardConfig, error) {
	if err := validateKey(key); err != nil {
		return generic.PeriodRewardConfig{}, err
	}
	cfg, err := s.Store.UpdatePeriodConfig(ctx, key, func(cfg *generic.PeriodRewardConfig) error {
		if !generic.CanTransition(cfg.Status, generic.StatusCancelled, false) {
			return &generic.InvalidTransitionError{Period: key, From: cfg.Status, To: generic.StatusCancelled}
		}
		cfg.Status = generic.StatusCancelled
		if n := strings.TrimSpace(notes); n != "" {
			cfg.Notes = n
		}
		return nil
	})
	if err != nil {
		return generic.PeriodRewardConfig{}, err
	}
	resolveLogger(s.Logger).Info("period cancelled",
		"event", "period_cancelled",
		"module", "rewards/config",
		"period_type", key.Type,
		"period_identifier", key.Identifier,
	)
	return cfg, nil
}

// failedNotesPrefix marks notes written by markFailed; the next successful
// run clears them.
const failedNotesPrefix = "distribution failed: "

// markFailed records a failed distribution. A period that was already paid
// out was rolled back to that payout, so it stays distributed and only the
// notes change.
func (s *PeriodConfigService) markFailed(ctx context.Context, key generic.PeriodKey, reason string) (generic.PeriodRewardConfig, error) {
	return s.Store.UpdatePeriodConfig(ctx, key, func(cfg *generic.PeriodRewardConfig) error {
		if cfg.Status != generic.StatusDistributed {
			cfg.Status = generic.StatusFailed
		}
		cfg.Notes = failedNotesPrefix + reason
		return nil
	})
}

// normalizeLadder stamps the period type on custom tiers and validates them.
func normalizeLadder(pt generic.PeriodType, l generic.Ladder) (generic.Ladder, error) {
	if !l.IsCustom() {
		return l, nil
	}
	tiers := l.Tiers()
	for i := range tiers {
		tiers[i].PeriodType = pt
		tiers[i].IsActive = true
		if tiers[i].DisplayOrder == 0 {
			tiers[i].DisplayOrder = i + 1
		}
	}
	if err := generic.Validate(tiers); err != nil {
		return generic.Ladder{}, err
	}
	generic.SortTiers(tiers)
	return generic.CustomLadder(tiers), nil
}
