package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/stallwatch/internal/pipeline"
)

type mockConsumer struct {
	name  string
	fail  bool
	panic bool
	delay time.Duration
	block chan struct{}

	mu   sync.Mutex
	seqs []uint64
}

func (m *mockConsumer) Name() string { return m.name }

func (m *mockConsumer) ProcessEvent(s pipeline.Snapshot) error {
	if m.block != nil {
		<-m.block
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	m.seqs = append(m.seqs, s.Seq)
	m.mu.Unlock()
	if m.panic {
		panic("boom")
	}
	if m.fail {
		return fmt.Errorf("mock error")
	}
	return nil
}

func (m *mockConsumer) got() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.seqs...)
}

func snap(seq uint64) pipeline.Snapshot {
	return pipeline.Snapshot{Seq: seq, Reason: pipeline.ReasonTransition}
}

func TestPublishWithoutConsumers(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(DefaultConfig())
	assert.False(t, b.TryPublish(snap(1)), "no worker, nothing accepted")
	require.NoError(t, b.Shutdown(time.Second))
}

func TestOrderedDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(Config{BufferSize: 100})
	c1 := &mockConsumer{name: "export"}
	c2 := &mockConsumer{name: "mqtt", delay: time.Millisecond}
	require.NoError(t, b.RegisterConsumer(c1))
	require.NoError(t, b.RegisterConsumer(c2))

	var want []uint64
	for i := uint64(1); i <= 20; i++ {
		require.True(t, b.TryPublish(snap(i)))
		want = append(want, i)
	}

	require.NoError(t, b.Shutdown(5*time.Second))
	assert.Equal(t, want, c1.got())
	assert.Equal(t, want, c2.got())

	st := b.Stats()
	assert.Equal(t, uint64(20), st.EventsReceived)
	assert.Equal(t, uint64(40), st.EventsProcessed)
	assert.Zero(t, st.EventsDropped)
}

func TestDuplicateConsumer(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(DefaultConfig())
	require.NoError(t, b.RegisterConsumer(&mockConsumer{name: "a"}))
	require.Error(t, b.RegisterConsumer(&mockConsumer{name: "a"}))
	require.NoError(t, b.Shutdown(time.Second))
	require.Error(t, b.RegisterConsumer(&mockConsumer{name: "b"}))
}

func TestFullBufferDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(Config{BufferSize: 2})
	gate := make(chan struct{})
	c := &mockConsumer{name: "slow", block: gate}
	require.NoError(t, b.RegisterConsumer(c))

	accepted := 0
	for i := uint64(1); i <= 10; i++ {
		if b.TryPublish(snap(i)) {
			accepted++
		}
	}
	// the worker holds at most one snapshot, the buffer two more
	assert.LessOrEqual(t, accepted, 3)
	assert.GreaterOrEqual(t, accepted, 2)
	assert.Equal(t, uint64(10-accepted), b.Stats().EventsDropped)

	close(gate)
	require.NoError(t, b.Shutdown(5*time.Second))
	assert.Len(t, c.got(), accepted)
}

func TestConsumerFailuresIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(DefaultConfig())
	bad := &mockConsumer{name: "bad", fail: true}
	crash := &mockConsumer{name: "crash", panic: true}
	good := &mockConsumer{name: "good"}
	require.NoError(t, b.RegisterConsumer(bad))
	require.NoError(t, b.RegisterConsumer(crash))
	require.NoError(t, b.RegisterConsumer(good))

	b.Notify(snap(1))
	b.Notify(snap(2))
	require.NoError(t, b.Shutdown(5*time.Second))

	assert.Equal(t, []uint64{1, 2}, good.got())
	assert.Equal(t, []uint64{1, 2}, crash.got())
	st := b.Stats()
	assert.Equal(t, uint64(4), st.ConsumerErrors)
	assert.Equal(t, uint64(2), st.EventsProcessed)
}

func TestPublishAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(DefaultConfig())
	require.NoError(t, b.RegisterConsumer(ConsumerFunc{ID: "f", Fn: func(pipeline.Snapshot) error { return nil }}))
	require.NoError(t, b.Shutdown(time.Second))
	require.NoError(t, b.Shutdown(time.Second))
	assert.False(t, b.TryPublish(snap(1)))
}

func TestShutdownTimeout(t *testing.T) {
	b := New(DefaultConfig())
	gate := make(chan struct{})
	require.NoError(t, b.RegisterConsumer(&mockConsumer{name: "stuck", block: gate}))
	require.True(t, b.TryPublish(snap(1)))

	require.Error(t, b.Shutdown(20*time.Millisecond))
	close(gate)
	b.wg.Wait()
}
