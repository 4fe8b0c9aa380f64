package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/pipeline"
)

// StatusPayload is the message published to the base topic.
type StatusPayload struct {
	Node   string        `json:"node"`
	Seq    uint64        `json:"seq"`
	Time   time.Time     `json:"time"`
	Reason string        `json:"reason"`
	Mode   string        `json:"mode"`
	Count  int           `json:"count"`
	Busy   int           `json:"busy"`
	Stalls []StallStatus `json:"stalls"`
}

// StallStatus is one stall inside StatusPayload.
type StallStatus struct {
	Index int     `json:"index"`
	Used  bool    `json:"used"`
	Score float64 `json:"score"`
	X     int     `json:"x"`
	Y     int     `json:"y"`
	W     int     `json:"w"`
	H     int     `json:"h"`
}

// State payloads of the per-stall topics.
const (
	StateBusy = "busy"
	StateFree = "free"
)

// Publisher is an events consumer that mirrors snapshots to MQTT: the full
// status on the base topic and one retained state message per stall on
// <topic>/stall/<index>.
type Publisher struct {
	client    Client
	node      string
	topic     string
	timeout   time.Duration
	discovery *Discovery
	log       logger.Logger
}

// NewPublisher creates a publisher. discovery may be nil.
func NewPublisher(client Client, cfg Config, node string, discovery *Discovery) *Publisher {
	return &Publisher{
		client:    client,
		node:      node,
		topic:     cfg.Topic,
		timeout:   cfg.PublishTimeout,
		discovery: discovery,
		log:       GetLogger(),
	}
}

// Name implements events.Consumer.
func (p *Publisher) Name() string { return "mqtt" }

// StallTopic is the state topic of stall i.
func (p *Publisher) StallTopic(i int) string {
	return fmt.Sprintf("%s/stall/%d", p.topic, i)
}

// ProcessEvent publishes s. Transitions publish only the stalls that
// changed; calibrations and requested snapshots republish every stall state
// and the discovery configs.
func (p *Publisher) ProcessEvent(s pipeline.Snapshot) error {
	if !p.client.IsConnected() {
		p.log.Debug("mqtt not connected, snapshot skipped", logger.Uint64("seq", s.Seq))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	data, err := json.Marshal(p.status(s))
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := p.client.Publish(ctx, p.topic, string(data)); err != nil {
		return err
	}

	indexes := s.Changed
	if s.Reason != pipeline.ReasonTransition {
		indexes = make([]int, len(s.Stalls))
		for i := range indexes {
			indexes[i] = i
		}
		if p.discovery != nil {
			if err := p.discovery.Publish(ctx, len(s.Stalls)); err != nil {
				p.log.Warn("discovery publish failed", logger.Error(err))
			}
		}
	}

	for _, i := range indexes {
		if i < 0 || i >= len(s.Stalls) {
			continue
		}
		state := StateFree
		if s.Stalls[i].Busy {
			state = StateBusy
		}
		if err := p.client.PublishWithRetain(ctx, p.StallTopic(i), state, true); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) status(s pipeline.Snapshot) StatusPayload {
	out := StatusPayload{
		Node:   p.node,
		Seq:    s.Seq,
		Time:   s.Time,
		Reason: string(s.Reason),
		Mode:   s.Mode.String(),
		Count:  len(s.Stalls),
		Busy:   s.Busy(),
		Stalls: make([]StallStatus, len(s.Stalls)),
	}
	for i, st := range s.Stalls {
		out.Stalls[i] = StallStatus{
			Index: i,
			Used:  st.Busy,
			Score: st.Score,
			X:     st.Area.Min.X,
			Y:     st.Area.Min.Y,
			W:     st.Area.Dx(),
			H:     st.Area.Dy(),
		}
	}
	return out
}
