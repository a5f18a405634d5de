package rewards_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/period-rewards/generic"
	"github.com/warp/period-rewards/rewards"
)

// counterValue reads one labelled counter from a registry, 0 when absent.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestPrometheusObserver_RecordsOutcomes(t *testing.T) {
	// GIVEN: An engine reporting to a private registry
	// WHEN: Distributing once, then again without force
	// THEN: One distributed and one already_distributed outcome; two credits counted

	engine, mem := newTestEngine(t)
	reg := prometheus.NewRegistry()
	observer, err := rewards.NewPrometheusObserver("test", reg)
	require.NoError(t, err)
	engine.Observer = observer

	seedWeeklyLadder(t, engine)
	seedRanks(t, mem, week04, ranked("A", 1, 900), ranked("B", 2, 700))

	_, err = distribute(engine, false)
	require.NoError(t, err)
	_, err = distribute(engine, false)
	require.ErrorIs(t, err, generic.ErrAlreadyDistributed)

	_, err = engine.Preview(context.Background(), week04)
	require.NoError(t, err)

	weekly := map[string]string{"period_type": "weekly"}
	assert.Equal(t, 1.0, counterValue(t, reg, "test_distributions_total", map[string]string{"period_type": "weekly", "outcome": "distributed"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_distributions_total", map[string]string{"period_type": "weekly", "outcome": "already_distributed"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "test_credits_issued_total", weekly))
	assert.Equal(t, 0.0, counterValue(t, reg, "test_preview_errors_total", weekly))
}

func TestPrometheusObserver_SharesSeriesOnReRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := rewards.NewPrometheusObserver("test", reg)
	require.NoError(t, err)
	second, err := rewards.NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	first.RecordDistribution(generic.PeriodMonthly, rewards.OutcomeDistributed, 3, 0)
	second.RecordDistribution(generic.PeriodMonthly, rewards.OutcomeDistributed, 4, 0)

	assert.Equal(t, 7.0, counterValue(t, reg, "test_credits_issued_total", map[string]string{"period_type": "monthly"}))
}

func TestPrometheusObserver_NilIsSafe(t *testing.T) {
	var o *rewards.PrometheusObserver
	assert.NotPanics(t, func() {
		o.RecordDistribution(generic.PeriodWeekly, rewards.OutcomeFailed, 0, 0)
		o.RecordPreview(generic.PeriodWeekly, 0, nil)
	})
}
