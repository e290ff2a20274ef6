package broker

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dbmixin"

type metrics struct {
	calls      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	cache      *prometheus.CounterVec
	broadcasts *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "broker",
			Name:      "action_calls_total",
			Help:      "Action calls by action and outcome.",
		}, []string{"action", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "broker",
			Name:      "action_duration_seconds",
			Help:      "Action call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "broker",
			Name:      "cache_results_total",
			Help:      "Cached action lookups by result (hit or miss).",
		}, []string{"action", "result"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "broker",
			Name:      "broadcasts_total",
			Help:      "Events broadcast by this node.",
		}, []string{"event"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.calls, err = register(reg, m.calls); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.cache, err = register(reg, m.cache); err != nil {
		return nil, err
	}
	if m.broadcasts, err = register(reg, m.broadcasts); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing the collector already registered by another
// broker sharing the same registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) observeCall(action string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.calls.WithLabelValues(action, status).Inc()
	m.duration.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

func (m *metrics) observeCache(action string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(action, result).Inc()
}
