// Package events fans pipeline snapshots out to slow consumers (exporters,
// MQTT, the database, notifications) without ever blocking the vision loop.
package events

import (
	"github.com/tphakala/stallwatch/internal/pipeline"
)

// Consumer processes snapshots published on the bus.
type Consumer interface {
	// Name identifies the consumer in logs and stats.
	Name() string

	// ProcessEvent handles one snapshot. Snapshots arrive in publish order.
	ProcessEvent(s pipeline.Snapshot) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	ID string
	Fn func(pipeline.Snapshot) error
}

func (c ConsumerFunc) Name() string { return c.ID }
func (c ConsumerFunc) ProcessEvent(s pipeline.Snapshot) error { return c.Fn(s) }

// Stats contains runtime statistics for monitoring.
type Stats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	ConsumerErrors  uint64
}
