package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "stallwatch"

// ShutdownTimeout bounds the metrics endpoint shutdown.
const ShutdownTimeout = 5 * time.Second

// Label values shared by several collectors.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	StateBusy     = "busy"
	StateFree     = "free"
)

func register(registry prometheus.Registerer, c prometheus.Collector) error {
	if err := registry.Register(c); err != nil {
		return fmt.Errorf("failed to register %T: %w", c, err)
	}
	return nil
}
