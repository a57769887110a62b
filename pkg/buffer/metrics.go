package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Inutilepat83/OSI-Cards-sub006/metric"
)

// bufferMetrics exposes buffer activity as Prometheus metrics
type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	depth     prometheus.Gauge
	usage     prometheus.Gauge
}

func newBufferMetrics(reg *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	m := &bufferMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffer",
			Name:      prefix + "_writes_total",
			Help:      "Total items written to the buffer",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffer",
			Name:      prefix + "_reads_total",
			Help:      "Total items read from the buffer",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffer",
			Name:      prefix + "_overflows_total",
			Help:      "Total writes that hit a full buffer",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffer",
			Name:      prefix + "_depth",
			Help:      "Current buffer depth",
		}),
		usage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffer",
			Name:      prefix + "_usage",
			Help:      "Buffer usage ratio (0-1)",
		}),
	}

	regName := "buffer_" + prefix
	if err := reg.RegisterCounter(regName, "writes_total", m.writes); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter(regName, "reads_total", m.reads); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter(regName, "overflows_total", m.overflows); err != nil {
		return nil, err
	}
	if err := reg.RegisterGauge(regName, "depth", m.depth); err != nil {
		return nil, err
	}
	if err := reg.RegisterGauge(regName, "usage", m.usage); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordOverflow() {
	m.overflows.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.depth.Set(float64(size))
	if capacity > 0 {
		m.usage.Set(float64(size) / float64(capacity))
	}
}
