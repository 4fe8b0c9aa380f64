package metrics

import "github.com/prometheus/client_golang/prometheus"

// CaptureMetrics counts frames delivered, empty polls and disable events per
// source kind.
type CaptureMetrics struct {
	Frames   *prometheus.CounterVec
	Busy     *prometheus.CounterVec
	Disabled *prometheus.CounterVec
}

// NewCaptureMetrics creates the collectors and registers them.
func NewCaptureMetrics(registry prometheus.Registerer) (*CaptureMetrics, error) {
	m := &CaptureMetrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Frames converted to the gray raster",
		}, []string{"source"}),
		Busy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "capture",
			Name:      "busy_polls_total",
			Help:      "Polls that found no new frame",
		}, []string{"source"}),
		Disabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "capture",
			Name:      "disabled_total",
			Help:      "Times a source was disabled by an error",
		}, []string{"source", "reason"}),
	}
	if err := register(registry, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CaptureMetrics) RecordFrame(source string) { m.Frames.WithLabelValues(source).Inc() }
func (m *CaptureMetrics) RecordBusy(source string)  { m.Busy.WithLabelValues(source).Inc() }

func (m *CaptureMetrics) RecordDisabled(source, reason string) {
	m.Disabled.WithLabelValues(source, reason).Inc()
}

func (m *CaptureMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Frames.Collect(ch)
	m.Busy.Collect(ch)
	m.Disabled.Collect(ch)
}

func (m *CaptureMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Frames.Describe(ch)
	m.Busy.Describe(ch)
	m.Disabled.Describe(ch)
}
