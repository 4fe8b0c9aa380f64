package datastore

import (
	"context"
	"time"

	"github.com/tphakala/stallwatch/internal/pipeline"
)

const recordTimeout = 10 * time.Second

// Recorder is an events consumer that persists snapshots.
type Recorder struct {
	store Interface
	node  string
}

// NewRecorder creates a recorder writing rows tagged with node.
func NewRecorder(store Interface, node string) *Recorder {
	return &Recorder{store: store, node: node}
}

// Name implements events.Consumer.
func (r *Recorder) Name() string { return "datastore" }

// ProcessEvent stores calibration commits and the changed stalls of a
// transition. Requested snapshots are ignored.
func (r *Recorder) ProcessEvent(s pipeline.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	switch s.Reason {
	case pipeline.ReasonCalibrated:
		return r.store.SaveCalibration(ctx, CalibrationFromSnapshot(r.node, s))
	case pipeline.ReasonTransition:
		return r.store.SaveEvents(ctx, EventsFromSnapshot(r.node, s))
	}
	return nil
}

// CalibrationFromSnapshot maps a calibration commit onto a row.
func CalibrationFromSnapshot(node string, s pipeline.Snapshot) *Calibration {
	cal := &Calibration{
		SourceNode: node,
		Time:       s.Time,
		Seq:        s.Seq,
		Width:      s.Working.X,
		Height:     s.Working.Y,
		Stalls:     make([]CalibrationStall, len(s.Stalls)),
	}
	for i, st := range s.Stalls {
		cal.Stalls[i] = CalibrationStall{
			Slot: i,
			X:    st.Area.Min.X,
			Y:    st.Area.Min.Y,
			W:    st.Area.Dx(),
			H:    st.Area.Dy(),
		}
	}
	return cal
}

// EventsFromSnapshot returns one event per changed stall.
func EventsFromSnapshot(node string, s pipeline.Snapshot) []StallEvent {
	events := make([]StallEvent, 0, len(s.Changed))
	for _, i := range s.Changed {
		if i < 0 || i >= len(s.Stalls) {
			continue
		}
		st := s.Stalls[i]
		events = append(events, StallEvent{
			SourceNode: node,
			Time:       s.Time,
			Seq:        s.Seq,
			Stall:      i,
			Busy:       st.Busy,
			Score:      st.Score,
			X:          st.Area.Min.X,
			Y:          st.Area.Min.Y,
			W:          st.Area.Dx(),
			H:          st.Area.Dy(),
		})
	}
	return events
}
