package rewards

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/warp/period-rewards/generic"
)

// =============================================================================
// PERIOD GENERATOR - AvailablePeriod rows for calendar UIs
// =============================================================================

// PeriodGenerator fills the available-periods table around the current date.
// It runs when asked (startup, API, CLI); nothing schedules it.
type PeriodGenerator struct {
	Store  generic.PeriodStore
	Clock  generic.Clock
	Past   int
	Future int
	Logger *slog.Logger
}

func NewPeriodGenerator(store generic.PeriodStore, past, future int) *PeriodGenerator {
	return &PeriodGenerator{Store: store, Clock: generic.SystemClock, Past: past, Future: future}
}

// GenerateResult counts the rows inserted per period type.
type GenerateResult struct {
	Inserted map[generic.PeriodType]int
}

// Total returns the number of rows inserted across all types.
func (r GenerateResult) Total() int {
	n := 0
	for _, c := range r.Inserted {
		n += c
	}
	return n
}

// Generate enumerates the periods of every type around now and stores the
// ones that don't exist yet. Existing rows are never rewritten.
func (g *PeriodGenerator) Generate(ctx context.Context) (GenerateResult, error) {
	if g.Past < 0 || g.Future < 0 {
		return GenerateResult{}, &generic.ValidationError{Field: "periods", Message: "past and future must not be negative"}
	}
	clock := g.Clock
	if clock == nil {
		clock = generic.SystemClock
	}
	now := clock.Now()

	var mu sync.Mutex
	result := GenerateResult{Inserted: make(map[generic.PeriodType]int, len(generic.PeriodTypes))}

	eg, egctx := errgroup.WithContext(ctx)
	for _, pt := range generic.PeriodTypes {
		eg.Go(func() error {
			periods := generic.EnumeratePeriods(pt, now, g.Past, g.Future)
			n, err := g.Store.SaveAvailablePeriods(egctx, periods)
			if err != nil {
				return fmt.Errorf("failed to save %s periods: %w", pt, err)
			}
			mu.Lock()
			result.Inserted[pt] = n
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return GenerateResult{}, err
	}

	resolveLogger(g.Logger).Info("available periods generated",
		"event", "periods_generated",
		"module", "rewards/generate",
		"inserted", result.Total(),
		"past", g.Past,
		"future", g.Future,
	)
	return result, nil
}

// Available returns the stored periods of a type and the identifier of the
// current one, so callers can classify them.
func (g *PeriodGenerator) Available(ctx context.Context, pt generic.PeriodType) ([]generic.AvailablePeriod, string, error) {
	if !pt.Valid() {
		return nil, "", &generic.ValidationError{Field: "period_type", Message: fmt.Sprintf("unsupported period type %q", pt)}
	}
	periods, err := g.Store.AvailablePeriods(ctx, pt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list periods: %w", err)
	}
	clock := g.Clock
	if clock == nil {
		clock = generic.SystemClock
	}
	return periods, generic.Identifier(pt, clock.Now()), nil
}
