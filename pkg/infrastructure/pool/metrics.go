package pool

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "connpool"

// Metrics exposes pool statistics as prometheus collectors.
type Metrics struct {
	total     prometheus.GaugeFunc
	free      prometheus.GaugeFunc
	shared    prometheus.GaugeFunc
	unshared  prometheus.GaugeFunc
	waiters   prometheus.GaugeFunc
	destroyed prometheus.CounterFunc
}

func NewMetrics(pm *PoolManager) *Metrics {
	labels := prometheus.Labels{"pool": pm.Name()}
	gauge := func(name, help string, value func(Stats) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 {
			return float64(value(pm.Stats()))
		})
	}

	return &Metrics{
		total: gauge("connections", "Number of physical connections.", func(s Stats) int {
			return s.Total
		}),
		free: gauge("free_connections", "Number of connections in the free pool.", func(s Stats) int {
			return s.Free
		}),
		shared: gauge("shared_connections", "Number of connections in shared pools.", func(s Stats) int {
			return s.Shared
		}),
		unshared: gauge("unshared_connections", "Number of unshared connections in use.", func(s Stats) int {
			return s.Unshared
		}),
		waiters: gauge("waiters", "Number of requests waiting for a connection.", func(s Stats) int {
			return s.Waiters
		}),
		destroyed: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "destroyed_connections_total",
			Help:        "Number of destroyed physical connections.",
			ConstLabels: labels,
		}, func() float64 {
			return float64(pm.destroyed.Load())
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.total, m.free, m.shared, m.unshared, m.waiters, m.destroyed}
}

func (m *Metrics) Register(registerer prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := registerer.Register(c); err != nil {
			return errors.Wrap(err, "register pool metrics")
		}
	}
	return nil
}
