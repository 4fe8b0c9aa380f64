package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/pipeline"
)

type message struct {
	topic   string
	payload string
	retain  bool
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	failOn    string
	messages  []message
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeClient) Publish(ctx context.Context, topic, payload string) error {
	return f.PublishWithRetain(ctx, topic, payload, false)
}

func (f *fakeClient) PublishWithRetain(_ context.Context, topic, payload string, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == f.failOn {
		return fmt.Errorf("publish to %s failed", topic)
	}
	f.messages = append(f.messages, message{topic, payload, retain})
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeClient) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.topic
	}
	return out
}

func (f *fakeClient) find(topic string) (message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].topic == topic {
			return f.messages[i], true
		}
	}
	return message{}, false
}

func calibrated(n int) pipeline.Snapshot {
	s := pipeline.Snapshot{
		Seq:     1,
		Reason:  pipeline.ReasonCalibrated,
		Mode:    pipeline.Monitoring,
		Working: image.Pt(320, 240),
	}
	for i := range n {
		x := 19 + 140*i
		s.Stalls = append(s.Stalls, pipeline.Stall{Area: image.Rect(x, 19, x+82, 101)})
	}
	return s
}

func newTestPublisher(c Client) *Publisher {
	cfg := DefaultConfig()
	cfg.Topic = "lot/status"
	return NewPublisher(c, cfg, "lot-a", nil)
}

func TestPublisherCalibrationPublishesAllStalls(t *testing.T) {
	t.Parallel()

	c := &fakeClient{connected: true}
	p := newTestPublisher(c)

	require.NoError(t, p.ProcessEvent(calibrated(2)))
	assert.Equal(t, []string{"lot/status", "lot/status/stall/0", "lot/status/stall/1"}, c.topics())

	m, ok := c.find("lot/status/stall/1")
	require.True(t, ok)
	assert.Equal(t, StateFree, m.payload)
	assert.True(t, m.retain)

	m, ok = c.find("lot/status")
	require.True(t, ok)
	var status StatusPayload
	require.NoError(t, json.Unmarshal([]byte(m.payload), &status))
	assert.Equal(t, "lot-a", status.Node)
	assert.Equal(t, "calibrated", status.Reason)
	assert.Equal(t, "monitoring", status.Mode)
	assert.Equal(t, 2, status.Count)
	assert.Equal(t, 0, status.Busy)
	require.Len(t, status.Stalls, 2)
	assert.Equal(t, 159, status.Stalls[1].X)
	assert.Equal(t, 82, status.Stalls[1].W)
}

func TestPublisherTransitionPublishesChangedOnly(t *testing.T) {
	t.Parallel()

	c := &fakeClient{connected: true}
	p := newTestPublisher(c)

	s := calibrated(3)
	s.Reason = pipeline.ReasonTransition
	s.Stalls[1].Busy = true
	s.Stalls[1].Score = 0.8
	s.Changed = []int{1, 7}

	require.NoError(t, p.ProcessEvent(s))
	assert.Equal(t, []string{"lot/status", "lot/status/stall/1"}, c.topics())

	m, _ := c.find("lot/status/stall/1")
	assert.Equal(t, StateBusy, m.payload)
}

func TestPublisherRequestedResyncsEveryStall(t *testing.T) {
	t.Parallel()

	c := &fakeClient{connected: true}
	p := newTestPublisher(c)

	s := calibrated(2)
	s.Reason = pipeline.ReasonRequested
	s.Stalls[0].Busy = true

	require.NoError(t, p.ProcessEvent(s))
	assert.Equal(t, []string{"lot/status", "lot/status/stall/0", "lot/status/stall/1"}, c.topics())
	m, _ := c.find("lot/status/stall/0")
	assert.Equal(t, StateBusy, m.payload)
}

func TestPublisherSkipsWhenDisconnected(t *testing.T) {
	t.Parallel()

	c := &fakeClient{}
	p := newTestPublisher(c)

	require.NoError(t, p.ProcessEvent(calibrated(1)))
	assert.Empty(t, c.topics())
	assert.Equal(t, "mqtt", p.Name())
}

func TestPublisherReturnsPublishError(t *testing.T) {
	t.Parallel()

	c := &fakeClient{connected: true, failOn: "lot/status/stall/0"}
	p := newTestPublisher(c)

	require.Error(t, p.ProcessEvent(calibrated(2)))
	assert.Equal(t, []string{"lot/status"}, c.topics())
}

func TestDiscoveryAnnouncesAndRemoves(t *testing.T) {
	t.Parallel()

	c := &fakeClient{connected: true}
	p := newTestPublisher(c)
	d := NewDiscovery(c, DiscoveryConfig{NodeID: "Lot A", Version: "1.0"})
	p.SetDiscovery(d)

	require.NoError(t, p.ProcessEvent(calibrated(2)))

	topic := "homeassistant/binary_sensor/Lot_A/Lot_A_stall_1/config"
	assert.Equal(t, topic, d.Topic(1))
	m, ok := c.find(topic)
	require.True(t, ok)
	assert.True(t, m.retain)

	var payload DiscoveryPayload
	require.NoError(t, json.Unmarshal([]byte(m.payload), &payload))
	assert.Equal(t, "Stall 2", payload.Name)
	assert.Equal(t, "stallwatch_Lot_A_stall_1", payload.UniqueID)
	assert.Equal(t, "lot/status/stall/1", payload.StateTopic)
	assert.Equal(t, "occupancy", payload.DeviceClass)
	assert.Equal(t, StateBusy, payload.PayloadOn)
	assert.Equal(t, StateFree, payload.PayloadOff)
	assert.Equal(t, []string{"stallwatch_Lot_A"}, payload.Device.Identifiers)
	assert.Equal(t, "1.0", payload.Device.SWVersion)

	// Recalibration with fewer stalls clears the stale sensor.
	require.NoError(t, p.ProcessEvent(calibrated(1)))
	m, ok = c.find(topic)
	require.True(t, ok)
	assert.Empty(t, m.payload)
}

func TestDiscoveryCustomPrefix(t *testing.T) {
	t.Parallel()

	d := NewDiscovery(&fakeClient{}, DiscoveryConfig{Prefix: "ha", NodeID: "n"})
	assert.Equal(t, "ha/binary_sensor/n/n_stall_0/config", d.Topic(0))
	assert.Equal(t, "stallwatch/status/stall/3", d.stateTopic(3))
}

func TestSanitizeID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"lot-a", "lot-a"},
		{"Lot A", "Lot_A"},
		{"  north  gate ", "north_gate"},
		{"a/b+c#d", "a_b_c_d"},
		{"%%%", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SanitizeID(tt.in))
		})
	}
}

func TestNewClientRequiresBroker(t *testing.T) {
	t.Parallel()

	_, err := NewClient(DefaultConfig(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	cfg := DefaultConfig()
	cfg.Broker = "://bad"
	_, err = NewClient(cfg, nil)
	require.Error(t, err)
}

func TestClientPublishWhileDisconnected(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Broker = "tcp://127.0.0.1:1883"
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)

	assert.False(t, c.IsConnected())
	err = c.Publish(context.Background(), "t", "x")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConnection))

	c.Disconnect()
	c.Disconnect()
}

func TestConfigFromSettings(t *testing.T) {
	t.Parallel()

	s := &conf.Settings{}
	s.Main.Name = "lot-a"
	s.MQTT.Broker = "tcp://broker:1883"
	s.MQTT.QoS = 7
	s.MQTT.Retain = true

	cfg := ConfigFromSettings(s)
	assert.Equal(t, "tcp://broker:1883", cfg.Broker)
	assert.Equal(t, "lot-a", cfg.ClientID)
	assert.Equal(t, "stallwatch/status", cfg.Topic)
	assert.Equal(t, byte(2), cfg.QoS)
	assert.True(t, cfg.Retain)

	s.MQTT.ClientID = "custom"
	s.MQTT.Topic = "x/y"
	s.MQTT.QoS = -1
	cfg = ConfigFromSettings(s)
	assert.Equal(t, "custom", cfg.ClientID)
	assert.Equal(t, "x/y", cfg.Topic)
	assert.Equal(t, byte(0), cfg.QoS)
}
