package datastore

import (
	"context"
	"image"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/pipeline"
)

// createDatabase opens a temporary SQLite store that is closed when the
// test ends.
func createDatabase(t *testing.T) Interface {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "db", "test.db")

	store := New(settings)
	require.NotNil(t, store)
	require.NoError(t, store.Open(), "Failed to open database")
	t.Cleanup(func() {
		assert.NoError(t, store.Close(), "Failed to close datastore")
	})
	return store
}

func snapshot(reason pipeline.Reason, at time.Time, seq uint64) pipeline.Snapshot {
	return pipeline.Snapshot{
		Seq:     seq,
		Time:    at,
		Reason:  reason,
		Working: image.Pt(320, 240),
		Stalls: []pipeline.Stall{
			{Area: image.Rect(19, 19, 101, 101)},
			{Area: image.Rect(159, 19, 241, 101)},
		},
	}
}

func TestNewSelectsBackend(t *testing.T) {
	t.Parallel()

	s := &conf.Settings{}
	assert.Nil(t, New(s))

	s.Output.MySQL.Enabled = true
	s.Output.MySQL.Username = "u"
	s.Output.MySQL.Password = "p"
	s.Output.MySQL.Host = "db"
	s.Output.MySQL.Port = "3306"
	s.Output.MySQL.Database = "lot"
	store, ok := New(s).(*MySQLStore)
	require.True(t, ok)
	assert.Equal(t, "u:p@tcp(db:3306)/lot?charset=utf8mb4&parseTime=True&loc=Local", store.DSN())

	s.Output.SQLite.Enabled = true
	_, ok = New(s).(*SQLiteStore)
	assert.True(t, ok, "sqlite wins when both are enabled")
}

func TestSaveAndQueryEvents(t *testing.T) {
	t.Parallel()

	store := createDatabase(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveEvent(ctx, &StallEvent{SourceNode: "lot", Time: base, Stall: 0, Busy: true, Score: 0.4}))
	require.NoError(t, store.SaveEvents(ctx, []StallEvent{
		{SourceNode: "lot", Time: base.Add(time.Minute), Stall: 1, Busy: true, Score: 0.6},
		{SourceNode: "lot", Time: base.Add(time.Minute), Stall: 0, Busy: false, Score: 0.1},
	}))
	require.NoError(t, store.SaveEvents(ctx, nil))

	events, err := store.RecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].Stall, "same time orders by insertion, newest first")
	assert.False(t, events[0].Busy)
	assert.Equal(t, 1, events[1].Stall)

	events, err = store.StallEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.False(t, events[0].Busy)
	assert.True(t, events[1].Busy)
	assert.InDelta(t, 0.4, events[1].Score, 1e-9)
}

func TestCalibrationRoundTrip(t *testing.T) {
	t.Parallel()

	store := createDatabase(t)
	ctx := context.Background()

	cal, err := store.LatestCalibration(ctx)
	require.NoError(t, err)
	assert.Nil(t, cal)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveCalibration(ctx, CalibrationFromSnapshot("lot", snapshot(pipeline.ReasonCalibrated, base, 1))))

	later := snapshot(pipeline.ReasonCalibrated, base.Add(time.Hour), 9)
	later.Stalls = later.Stalls[:1]
	require.NoError(t, store.SaveCalibration(ctx, CalibrationFromSnapshot("lot", later)))

	cal, err = store.LatestCalibration(ctx)
	require.NoError(t, err)
	require.NotNil(t, cal)
	assert.Equal(t, uint64(9), cal.Seq)
	assert.Equal(t, 320, cal.Width)
	require.Len(t, cal.Stalls, 1)
	assert.Equal(t, CalibrationStall{ID: cal.Stalls[0].ID, CalibrationID: cal.ID, Slot: 0, X: 19, Y: 19, W: 82, H: 82}, cal.Stalls[0])
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	store := createDatabase(t)
	r := NewRecorder(store, "lot-a")
	assert.Equal(t, "datastore", r.Name())
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, r.ProcessEvent(snapshot(pipeline.ReasonCalibrated, base, 1)))

	s := snapshot(pipeline.ReasonTransition, base.Add(time.Second), 2)
	s.Stalls[1].Busy = true
	s.Stalls[1].Score = 0.7
	s.Changed = []int{1, 5}
	require.NoError(t, r.ProcessEvent(s))
	require.NoError(t, r.ProcessEvent(snapshot(pipeline.ReasonRequested, base, 3)))

	events, err := store.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "lot-a", events[0].SourceNode)
	assert.Equal(t, 1, events[0].Stall)
	assert.True(t, events[0].Busy)
	assert.Equal(t, 159, events[0].X)
	assert.Equal(t, uint64(2), events[0].Seq)

	cal, err := store.LatestCalibration(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cal)
	assert.Len(t, cal.Stalls, 2)
}

func TestClosedStore(t *testing.T) {
	t.Parallel()

	store := &SQLiteStore{Settings: &conf.Settings{}}
	err := store.SaveEvent(context.Background(), &StallEvent{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
	require.NoError(t, store.Close())

	err = store.Open()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
