package fusion

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sensorbox/internal/sensor"
)

const (
	defaultWindow       = 50 * time.Millisecond
	defaultStaleness    = 200 * time.Millisecond
	defaultOutputBuffer = 8
)

// Source is the engine's view of one sensor adapter's buffer. Reads are
// non-blocking: the tick loop must never wait on a sensor.
type Source interface {
	Identity() sensor.Identity
	State() sensor.AdapterState
	Exhausted() bool

	// TakeInWindow removes and returns the sample within [start, end)
	// closest to the window center, or nil.
	TakeInWindow(start, end time.Time) *sensor.RawSample

	// LastKnown returns the newest sample ever produced, or nil.
	LastKnown() *sensor.RawSample

	// EvictOlderThan drops buffered samples older than cutoff.
	EvictOlderThan(cutoff time.Time)
}

// Config holds the engine's alignment parameters. Both are configuration,
// not derived state.
type Config struct {
	// Window is the sync window width Δ. A frame at reference time t
	// aligns samples captured in [t-Δ, t).
	Window time.Duration

	// Staleness is the carry-forward threshold: a sensor whose newest
	// sample is older than the window but no older than this is carried
	// forward flagged stale; beyond it the sensor is absent.
	Staleness time.Duration

	// OutputBuffer is the emission buffer capacity. When the consumer
	// falls behind, the oldest unconsumed frame is dropped and counted.
	OutputBuffer int
}

// Engine buffers per-sensor samples and builds composite frames on each
// scheduling tick. The tick runs on a single coordinating goroutine; the
// reference time is the tick's clock reading, never any one sensor's
// clock, to avoid bias toward the fastest sensor.
type Engine struct {
	window    time.Duration
	staleness time.Duration
	sources   []Source

	seq     uint64
	out     chan *Frame
	dropped atomic.Uint64
	quality *Quality

	closeOnce sync.Once
}

// NewEngine creates an engine over the given sources.
func NewEngine(cfg Config, sources ...Source) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = defaultStaleness
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = defaultOutputBuffer
	}
	return &Engine{
		window:    cfg.Window,
		staleness: cfg.Staleness,
		sources:   sources,
		out:       make(chan *Frame, cfg.OutputBuffer),
		quality:   NewQuality(),
	}
}

// Tick builds the composite frame for reference time ref. For each sensor
// it selects the in-window sample closest to the window center; failing
// that, it carries the last known sample forward flagged stale if fresh
// enough, and otherwise marks the sensor absent. Consumed or aged samples
// are evicted so buffers stay bounded under sustained skew.
func (e *Engine) Tick(ref, wall time.Time) *Frame {
	start := ref.Add(-e.window)
	center := ref.Add(-e.window / 2)
	cutoff := ref.Add(-2 * e.window)

	slots := make(map[string]Slot, len(e.sources))
	for _, src := range e.sources {
		id := src.Identity().ID

		if src.Exhausted() {
			// Nothing new will ever arrive; release whatever is still
			// buffered instead of holding it for the rest of the session.
			src.EvictOlderThan(ref)
			slots[id] = Slot{Status: Absent}
			continue
		}

		if s := src.TakeInWindow(start, ref); s != nil {
			slots[id] = Slot{
				Status:         Present,
				Sample:         s,
				AlignmentError: s.Timestamp.Sub(center),
			}
		} else if last := src.LastKnown(); last != nil && ref.Sub(last.Timestamp) <= e.staleness {
			slots[id] = Slot{
				Status:         Stale,
				Sample:         last,
				AlignmentError: last.Timestamp.Sub(center),
			}
		} else {
			slots[id] = Slot{Status: Absent}
		}

		src.EvictOlderThan(cutoff)
	}

	e.seq++
	f := &Frame{
		Seq:       e.seq,
		Reference: ref,
		Wall:      wall,
		Slots:     slots,
	}
	e.quality.Observe(f)
	return f
}

// Emit places a frame on the output buffer. If the consumer cannot keep
// up, the oldest unconsumed frame is dropped and counted rather than
// blocking the tick loop or the adapters behind it.
func (e *Engine) Emit(f *Frame) {
	for {
		select {
		case e.out <- f:
			return
		default:
		}
		select {
		case <-e.out:
			e.dropped.Add(1)
		default:
		}
	}
}

// Frames is the consumer side of the emission buffer. The channel closes
// when the stream ends.
func (e *Engine) Frames() <-chan *Frame {
	return e.out
}

// CloseOutput ends the frame stream. Safe to call more than once.
func (e *Engine) CloseOutput() {
	e.closeOnce.Do(func() { close(e.out) })
}

// Dropped returns how many frames were dropped because the consumer was
// too slow. Monotonically increasing; never raised as an error.
func (e *Engine) Dropped() uint64 {
	return e.dropped.Load()
}

// Window returns the configured sync window width.
func (e *Engine) Window() time.Duration { return e.window }

// Quality returns the engine's alignment statistics collector.
func (e *Engine) Quality() *Quality { return e.quality }
