package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Skryldev/image-optimizer/core"
)

// PrometheusCollector implements core.MetricsCollector on Prometheus
// metrics.
type PrometheusCollector struct {
	stageDuration *prometheus.HistogramVec
	bytesIn       prometheus.Counter
	bytesOut      prometheus.Counter
	violations    *prometheus.CounterVec
	errors        *prometheus.CounterVec
	reg           prometheus.Registerer
	namespace     string
}

// NewPrometheusCollector creates the collector and registers its metrics
// with reg (prometheus.DefaultRegisterer when nil).
func NewPrometheusCollector(namespace string, reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PrometheusCollector{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of engine stages.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_total",
			Help:      "Encoded input bytes processed.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Encoded output bytes produced.",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firewall_violations_total",
			Help:      "Inputs rejected by the image firewall.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed stages by error category.",
		}, []string{"stage", "category"}),
		reg:       reg,
		namespace: namespace,
	}
	for _, m := range []prometheus.Collector{c.stageDuration, c.bytesIn, c.bytesOut, c.violations, c.errors} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) RecordStage(stage core.Stage, d time.Duration) {
	c.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (c *PrometheusCollector) RecordBytes(in, out int64) {
	c.bytesIn.Add(float64(in))
	c.bytesOut.Add(float64(out))
}

func (c *PrometheusCollector) RecordViolation(kind string) {
	c.violations.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) RecordError(stage core.Stage, category string) {
	c.errors.WithLabelValues(string(stage), category).Inc()
}

// RegisterGate exports the admission gate occupancy as gauges.
func (c *PrometheusCollector) RegisterGate(inUse, capacity func() int64) error {
	for _, g := range []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "admission_in_use_bytes",
			Help:      "Memory budget currently held by permits.",
		}, func() float64 { return float64(inUse()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "admission_capacity_bytes",
			Help:      "Configured memory budget.",
		}, func() float64 { return float64(capacity()) }),
	} {
		if err := c.reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
