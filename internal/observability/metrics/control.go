package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ControlMetrics covers the TCP control server.
type ControlMetrics struct {
	Connections prometheus.Gauge
	Sessions    prometheus.Counter
	Commands    *prometheus.CounterVec
	RateLimited prometheus.Counter
}

// NewControlMetrics creates the collectors and registers them.
func NewControlMetrics(registry prometheus.Registerer) (*ControlMetrics, error) {
	m := &ControlMetrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "control",
			Name:      "connections",
			Help:      "Open control connections",
		}),
		Sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "control",
			Name:      "sessions_total",
			Help:      "Control connections accepted",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Control commands by name and result",
		}, []string{"command", "result"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "control",
			Name:      "rate_limited_total",
			Help:      "Commands delayed by the per-connection rate limit",
		}),
	}
	if err := register(registry, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ControlMetrics) ConnectionOpened() {
	m.Connections.Inc()
	m.Sessions.Inc()
}

func (m *ControlMetrics) ConnectionClosed() { m.Connections.Dec() }

func (m *ControlMetrics) RecordCommand(command string, ok bool) {
	result := ResultFailure
	if ok {
		result = ResultSuccess
	}
	m.Commands.WithLabelValues(command, result).Inc()
}

func (m *ControlMetrics) RecordRateLimited() { m.RateLimited.Inc() }

func (m *ControlMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Connections.Collect(ch)
	m.Sessions.Collect(ch)
	m.Commands.Collect(ch)
	m.RateLimited.Collect(ch)
}

func (m *ControlMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Connections.Describe(ch)
	m.Sessions.Describe(ch)
	m.Commands.Describe(ch)
	m.RateLimited.Describe(ch)
}

// HTTPMetrics covers the status API.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewHTTPMetrics creates the collectors and registers them.
func NewHTTPMetrics(registry prometheus.Registerer) (*HTTPMetrics, error) {
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if err := register(registry, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *HTTPMetrics) RecordRequest(method, route, code string, d time.Duration) {
	m.Requests.WithLabelValues(method, route, code).Inc()
	m.Duration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Requests.Collect(ch)
	m.Duration.Collect(ch)
}

func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Requests.Describe(ch)
	m.Duration.Describe(ch)
}
