// Package fusion implements the synchronization engine: it aligns the
// most recent sample from each live sensor into composite frames at the
// controller's tick cadence, with bounded per-sensor buffering and
// well-defined behavior when a sensor is slow, missing, or failed.
package fusion

import (
	"sort"
	"time"

	"github.com/banshee-data/sensorbox/internal/sensor"
)

// SampleStatus describes how a sensor is represented in one frame.
type SampleStatus int

const (
	// Absent means the sensor contributed nothing to this frame.
	Absent SampleStatus = iota

	// Present means the sample was captured inside this frame's window.
	Present

	// Stale means the sample is older than the window but within the
	// staleness threshold and was carried forward, flagged as such.
	Stale
)

func (s SampleStatus) String() string {
	switch s {
	case Present:
		return "present"
	case Stale:
		return "stale"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Slot is one sensor's contribution to a frame.
type Slot struct {
	Status SampleStatus

	// Sample is nil when Status is Absent.
	Sample *sensor.RawSample

	// AlignmentError is the signed offset of the sample timestamp from
	// the window center. Zero when absent.
	AlignmentError time.Duration
}

// Frame is a composite of time-aligned per-sensor samples. Frames are
// immutable once constructed; ownership passes to the consumer. Identity
// is the sequence number: the engine emits strictly increasing Seq with
// no gaps of its own (gaps seen by a consumer come from counted drops).
type Frame struct {
	Seq       uint64
	Reference time.Time // tick reference time on the monotonic clock
	Wall      time.Time // wall-clock time at the tick, for humans
	Slots     map[string]Slot
}

// Slot returns the slot for a sensor ID, Absent if unknown.
func (f *Frame) Slot(id string) Slot {
	return f.Slots[id]
}

// Sample returns the sample for a sensor, or nil when absent.
func (f *Frame) Sample(id string) *sensor.RawSample {
	return f.Slots[id].Sample
}

// Present reports whether the sensor contributed an in-window sample.
func (f *Frame) Present(id string) bool {
	return f.Slots[id].Status == Present
}

// PresentCount returns how many sensors contributed in-window samples.
func (f *Frame) PresentCount() int {
	n := 0
	for _, s := range f.Slots {
		if s.Status == Present {
			n++
		}
	}
	return n
}

// SensorIDs returns the frame's sensor IDs in sorted order.
func (f *Frame) SensorIDs() []string {
	ids := make([]string, 0, len(f.Slots))
	for id := range f.Slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Equal compares frames by sequence number.
func (f *Frame) Equal(other *Frame) bool {
	return other != nil && f.Seq == other.Seq
}
