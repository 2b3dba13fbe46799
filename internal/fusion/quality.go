package fusion

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// alignmentHistory bounds how many recent alignment errors are retained
// per sensor for the mean/stddev statistics.
const alignmentHistory = 256

// Quality accumulates per-sensor alignment statistics across frames:
// presence counts and the distribution of alignment errors. It answers
// "how well are these sensors actually lining up" without touching the
// hot path more than a few appends per tick.
type Quality struct {
	mu      sync.Mutex
	frames  uint64
	started time.Time
	ended   time.Time
	sensors map[string]*sensorQuality
}

type sensorQuality struct {
	present   uint64
	stale     uint64
	absent    uint64
	alignErrs []float64 // seconds, bounded to alignmentHistory
}

// NewQuality creates an empty collector.
func NewQuality() *Quality {
	return &Quality{sensors: make(map[string]*sensorQuality)}
}

// Observe records one frame's slots.
func (q *Quality) Observe(f *Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.frames == 0 {
		q.started = f.Reference
	}
	q.ended = f.Reference
	q.frames++

	for id, slot := range f.Slots {
		sq := q.sensors[id]
		if sq == nil {
			sq = &sensorQuality{}
			q.sensors[id] = sq
		}
		switch slot.Status {
		case Present:
			sq.present++
			sq.pushAlignErr(slot.AlignmentError)
		case Stale:
			sq.stale++
		default:
			sq.absent++
		}
	}
}

func (sq *sensorQuality) pushAlignErr(d time.Duration) {
	if len(sq.alignErrs) >= alignmentHistory {
		copy(sq.alignErrs, sq.alignErrs[1:])
		sq.alignErrs = sq.alignErrs[:len(sq.alignErrs)-1]
	}
	sq.alignErrs = append(sq.alignErrs, d.Seconds())
}

// SensorQuality is the per-sensor slice of a quality snapshot.
type SensorQuality struct {
	Present uint64 `json:"present"`
	Stale   uint64 `json:"stale"`
	Absent  uint64 `json:"absent"`

	// PresentRatio is present / total frames.
	PresentRatio float64 `json:"present_ratio"`

	// AlignmentMean and AlignmentStdDev summarise recent alignment
	// errors in seconds (signed offsets from window center).
	AlignmentMean   float64 `json:"alignment_mean_s"`
	AlignmentStdDev float64 `json:"alignment_stddev_s"`

	// Rate is the delivered in-window sample rate over the observed
	// span, in Hz.
	Rate float64 `json:"rate_hz"`
}

// QualitySnapshot is a point-in-time view of the collector.
type QualitySnapshot struct {
	Frames  uint64                   `json:"frames"`
	Span    time.Duration            `json:"-"`
	SpanSec float64                  `json:"span_s"`
	Sensors map[string]SensorQuality `json:"sensors"`
}

// Snapshot computes presence ratios, delivered rates, and alignment-error
// statistics for every observed sensor.
func (q *Quality) Snapshot() QualitySnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	span := q.ended.Sub(q.started)
	snap := QualitySnapshot{
		Frames:  q.frames,
		Span:    span,
		SpanSec: span.Seconds(),
		Sensors: make(map[string]SensorQuality, len(q.sensors)),
	}

	for id, sq := range q.sensors {
		s := SensorQuality{
			Present: sq.present,
			Stale:   sq.stale,
			Absent:  sq.absent,
		}
		if q.frames > 0 {
			s.PresentRatio = float64(sq.present) / float64(q.frames)
		}
		if span > 0 {
			s.Rate = float64(sq.present) / span.Seconds()
		}
		if len(sq.alignErrs) > 0 {
			s.AlignmentMean = stat.Mean(sq.alignErrs, nil)
			if len(sq.alignErrs) > 1 {
				s.AlignmentStdDev = stat.StdDev(sq.alignErrs, nil)
			}
		}
		snap.Sensors[id] = s
	}
	return snap
}
