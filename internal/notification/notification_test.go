package notification

import (
	"context"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/pipeline"
)

type fakeSender struct {
	mu     sync.Mutex
	fail   error
	bodies []string
	titles []string
}

func (f *fakeSender) Send(message string, params *stypes.Params) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return []error{nil, f.fail}
	}
	f.bodies = append(f.bodies, message)
	title, _ := params.Title()
	f.titles = append(f.titles, title)
	return nil
}

func snapshot(reason pipeline.Reason, busy ...bool) pipeline.Snapshot {
	s := pipeline.Snapshot{Reason: reason, Working: image.Pt(320, 240)}
	for i, b := range busy {
		x := 20 + 100*i
		s.Stalls = append(s.Stalls, pipeline.Stall{Area: image.Rect(x, 20, x+80, 100), Busy: b})
	}
	return s
}

func TestFormat(t *testing.T) {
	t.Parallel()

	title, body, ok := Format("lot-a", snapshot(pipeline.ReasonCalibrated, false, true, false))
	require.True(t, ok)
	assert.Equal(t, "lot-a: calibrated 3 stalls", title)
	assert.Equal(t, "3 stalls mapped, 1 occupied.", body)

	s := snapshot(pipeline.ReasonTransition, true, true, false)
	s.Changed = []int{1, 2, 9}
	title, body, ok = Format("lot-a", s)
	require.True(t, ok)
	assert.Equal(t, "lot-a: 2 of 3 stalls occupied", title)
	assert.Equal(t, "Stall 2 is now occupied.\nStall 3 is now free.", body)

	_, _, ok = Format("lot-a", snapshot(pipeline.ReasonTransition, true))
	assert.False(t, ok, "transition without changes")

	_, _, ok = Format("lot-a", snapshot(pipeline.ReasonRequested, true))
	assert.False(t, ok)
}

func TestProcessEventSends(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	n := NewWithSender(sender, Config{Node: "lot-a"})

	s := snapshot(pipeline.ReasonTransition, true)
	s.Changed = []int{0}
	require.NoError(t, n.ProcessEvent(s))
	require.NoError(t, n.ProcessEvent(snapshot(pipeline.ReasonRequested, true)))

	assert.Equal(t, []string{"Stall 1 is now occupied."}, sender.bodies)
	assert.Equal(t, []string{"lot-a: 1 of 1 stalls occupied"}, sender.titles)
	assert.Equal(t, "notify", n.Name())
}

func TestSendDirect(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	n := NewWithSender(sender, Config{})
	require.NoError(t, n.Send(t.Context(), "test", "hello"))
	assert.Equal(t, []string{"hello"}, sender.bodies)
	assert.Equal(t, []string{"test"}, sender.titles)

	sender.fail = fmt.Errorf("rejected")
	require.EqualError(t, n.Send(t.Context(), "test", "again"), "rejected")
}

func TestProcessEventOpensBreaker(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{fail: fmt.Errorf("service down")}
	n := NewWithSender(sender, Config{Breaker: CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour}})
	s := snapshot(pipeline.ReasonCalibrated, false)

	for range 2 {
		err := n.ProcessEvent(s)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryNotification))
	}
	assert.Equal(t, StateOpen, n.Breaker().State())

	sender.fail = nil
	err := n.ProcessEvent(s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, sender.bodies)
}

func TestCircuitBreakerRecovers(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute})
	cb.now = func() time.Time { return now }

	fail := func(context.Context) error { return fmt.Errorf("boom") }
	ok := func(context.Context) error { return nil }

	require.Error(t, cb.Call(context.Background(), fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 1, cb.Failures())

	require.ErrorIs(t, cb.Call(context.Background(), ok), ErrCircuitOpen)

	now = now.Add(time.Minute)
	require.Error(t, cb.Call(context.Background(), fail))
	assert.Equal(t, StateOpen, cb.State(), "failed trial reopens")

	now = now.Add(time.Minute)
	require.NoError(t, cb.Call(context.Background(), ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute})
	err := cb.Call(context.Background(), func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestNewValidatesURLs(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = New(Config{URLs: []string{"nosuchservice://token@host"}})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "token@host")
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
