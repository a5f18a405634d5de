package rewards

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/period-rewards/generic"
)

// Distribution outcomes, used as metric labels and log fields.
const (
	OutcomeDistributed        = "distributed"
	OutcomeAlreadyDistributed = "already_distributed"
	OutcomeInvalidTransition  = "invalid_transition"
	OutcomeInProgress         = "in_progress"
	OutcomeFailed             = "failed"
	OutcomeRejected           = "rejected"
	OutcomeError              = "error"
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeDistributed
	case errors.Is(err, generic.ErrAlreadyDistributed):
		return OutcomeAlreadyDistributed
	case errors.Is(err, generic.ErrInvalidTransition):
		return OutcomeInvalidTransition
	case errors.Is(err, generic.ErrDistributionInProgress):
		return OutcomeInProgress
	case errors.Is(err, generic.ErrDistributionFailed):
		return OutcomeFailed
	case errors.Is(err, generic.ErrValidation):
		return OutcomeRejected
	}
	return OutcomeError
}

// Observer captures telemetry for engine operations.
type Observer interface {
	RecordDistribution(pt generic.PeriodType, outcome string, credited int, duration time.Duration)
	RecordPreview(pt generic.PeriodType, duration time.Duration, err error)
}

// PrometheusObserver exports engine metrics to Prometheus.
type PrometheusObserver struct {
	distributions *prometheus.CounterVec
	credits       *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	previewErrors *prometheus.CounterVec
}

// NewPrometheusObserver registers the distribution and preview metrics.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "period_rewards"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributions_total",
			Help:      "Distribution attempts by period type and outcome.",
		}, []string{"period_type", "outcome"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_issued_total",
			Help:      "Credits written by committed distributions.",
		}, []string{"period_type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of preview and distribute calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "period_type"}),
		previewErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preview_errors_total",
			Help:      "Previews that returned an error.",
		}, []string{"period_type"}),
	}

	var err error
	if o.distributions, err = register(reg, o.distributions); err != nil {
		return nil, err
	}
	if o.credits, err = register(reg, o.credits); err != nil {
		return nil, err
	}
	if o.duration, err = register(reg, o.duration); err != nil {
		return nil, err
	}
	if o.previewErrors, err = register(reg, o.previewErrors); err != nil {
		return nil, err
	}
	return o, nil
}

// register adopts an already registered collector of the same shape, so two
// engines in one process share their series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register rewards metric: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) RecordDistribution(pt generic.PeriodType, outcome string, credited int, duration time.Duration) {
	if o == nil {
		return
	}
	o.distributions.WithLabelValues(string(pt), outcome).Inc()
	o.duration.WithLabelValues("distribute", string(pt)).Observe(duration.Seconds())
	if credited > 0 {
		o.credits.WithLabelValues(string(pt)).Add(float64(credited))
	}
}

func (o *PrometheusObserver) RecordPreview(pt generic.PeriodType, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("preview", string(pt)).Observe(duration.Seconds())
	if err != nil {
		o.previewErrors.WithLabelValues(string(pt)).Inc()
	}
}

type nopObserver struct{}

func (nopObserver) RecordDistribution(generic.PeriodType, string, int, time.Duration) {}

func (nopObserver) RecordPreview(generic.PeriodType, time.Duration, error) {}
