package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers the vision loop: tick latency per mode,
// calibration attempts, bumps and occupancy.
type PipelineMetrics struct {
	TickDuration *prometheus.HistogramVec
	Bumps        prometheus.Counter
	Calibrations *prometheus.CounterVec
	Pairs        prometheus.Gauge
	Transitions  *prometheus.CounterVec
	Stalls       prometheus.Gauge
	BusyStalls   prometheus.Gauge
}

// NewPipelineMetrics creates the collectors and registers them.
func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one pipeline tick",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}, []string{"mode"}),
		Bumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "bumps_total",
			Help:      "Calibration frames discarded because the camera moved",
		}),
		Calibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "calibrations_total",
			Help:      "Calibration attempts by result",
		}, []string{"result"}),
		Pairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "last_calibration_pairs",
			Help:      "Marker pairs found by the last calibration attempt",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "transitions_total",
			Help:      "Stall occupancy transitions by new state",
		}, []string{"state"}),
		Stalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "stalls",
			Help:      "Stalls in the frozen calibration",
		}),
		BusyStalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "stalls_busy",
			Help:      "Stalls currently occupied",
		}),
	}
	if err := register(registry, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) ObserveTick(mode string, d time.Duration) {
	m.TickDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *PipelineMetrics) RecordBump() { m.Bumps.Inc() }

func (m *PipelineMetrics) RecordCalibration(committed bool, pairs int) {
	result := ResultFailure
	if committed {
		result = ResultSuccess
	}
	m.Calibrations.WithLabelValues(result).Inc()
	m.Pairs.Set(float64(pairs))
}

func (m *PipelineMetrics) RecordTransition(busy bool) {
	state := StateFree
	if busy {
		state = StateBusy
	}
	m.Transitions.WithLabelValues(state).Inc()
}

func (m *PipelineMetrics) SetStalls(total, busy int) {
	m.Stalls.Set(float64(total))
	m.BusyStalls.Set(float64(busy))
}

func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.TickDuration.Collect(ch)
	m.Bumps.Collect(ch)
	m.Calibrations.Collect(ch)
	m.Pairs.Collect(ch)
	m.Transitions.Collect(ch)
	m.Stalls.Collect(ch)
	m.BusyStalls.Collect(ch)
}

func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.TickDuration.Describe(ch)
	m.Bumps.Describe(ch)
	m.Calibrations.Describe(ch)
	m.Pairs.Describe(ch)
	m.Transitions.Describe(ch)
	m.Stalls.Describe(ch)
	m.BusyStalls.Describe(ch)
}
