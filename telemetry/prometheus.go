package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/nodereg/errors"
)

// Prometheus records registry events as Prometheus metrics
type Prometheus struct {
	StageTransitions  *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	CacheEvictions    prometheus.Counter
	EvictedAccesses   prometheus.Histogram
	AddressExhaustion *prometheus.CounterVec
}

// NewPrometheus registers the registry collectors with reg under namespace.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
// Collectors already registered under the same names are reused, so several
// registries in one process share (and sum into) one set of series.
func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		StageTransitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_transitions_total",
			Help:      "Total number of pipeline ticket stage transitions",
		}, []string{"from", "to"})),
		StageDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time a ticket spent in a stage before leaving it",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"})),
		CacheEvictions: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slot",
			Name:      "evictions_total",
			Help:      "Total number of slot cache evictions",
		})),
		EvictedAccesses: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "slot",
			Name:      "evicted_access_count",
			Help:      "Access count of entries at eviction time",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})),
		AddressExhaustion: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "addr",
			Name:      "exhausted_total",
			Help:      "Allocation attempts that found a category partition full",
		}, []string{"category"})),
	}
}

// register adds c to reg, or returns the collector already registered in its place
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}

func (p *Prometheus) StageTransition(e StageTransition) {
	p.StageTransitions.WithLabelValues(e.From, e.To).Inc()
	p.StageDuration.WithLabelValues(e.From).Observe(e.InStage.Seconds())
}

func (p *Prometheus) CacheEviction(e CacheEviction) {
	p.CacheEvictions.Inc()
	p.EvictedAccesses.Observe(float64(e.AccessCount))
}

func (p *Prometheus) AddressExhausted(category string) {
	p.AddressExhaustion.WithLabelValues(category).Inc()
}
