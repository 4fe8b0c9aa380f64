package observability

import "github.com/tphakala/stallwatch/internal/logger"

// Package-level cached logger instance.
var log = logger.Global().Module("telemetry")
