// Package adapter wraps a sensor driver in an independent unit of
// concurrency: a read loop that fills a bounded per-sensor ring buffer,
// maintains the adapter state machine, and hands failed connections to a
// reconnection supervisor. A slow or stalled sensor never blocks reads
// from other sensors, and a stalled consumer never slows an adapter.
package adapter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sensorbox/internal/monitoring"
	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/timeutil"
)

const (
	defaultRingCapacity  = 32
	defaultNoDataTimeout = 500 * time.Millisecond
	defaultIdlePause     = 5 * time.Millisecond
)

// Config configures one adapter.
type Config struct {
	Driver sensor.Driver
	Clock  timeutil.Clock

	// RingCapacity bounds the per-sensor sample buffer (default 32).
	RingCapacity int

	// NoDataTimeout is how long the adapter tolerates an open but silent
	// driver before transitioning to Degraded; at twice this value the
	// stream is declared lost and handed to the supervisor.
	NoDataTimeout time.Duration

	// Latency is the sensor kind's capture latency; it is subtracted
	// from sample timestamps before they enter the ring.
	Latency time.Duration

	// IdlePause bounds the spin rate when the driver reports no sample.
	IdlePause time.Duration

	Supervisor SupervisorConfig
}

// Adapter owns one sensor driver and its sample ring.
type Adapter struct {
	driver sensor.Driver
	clock  timeutil.Clock
	ring   *sampleRing
	sup    *Supervisor

	noDataTimeout time.Duration
	latency       time.Duration
	idlePause     time.Duration

	state     atomic.Int32
	exhausted atomic.Bool

	mu         sync.Mutex
	lastData   time.Time
	samples    uint64
	malformed  uint64
	timeouts   uint64
	reconnects uint64
}

// New creates an adapter for the given driver. Run must be started by the
// controller after a successful Open.
func New(cfg Config) *Adapter {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.NoDataTimeout <= 0 {
		cfg.NoDataTimeout = defaultNoDataTimeout
	}
	if cfg.IdlePause <= 0 {
		cfg.IdlePause = defaultIdlePause
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = defaultRingCapacity
	}

	a := &Adapter{
		driver:        cfg.Driver,
		clock:         cfg.Clock,
		ring:          newSampleRing(cfg.RingCapacity),
		noDataTimeout: cfg.NoDataTimeout,
		latency:       cfg.Latency,
		idlePause:     cfg.IdlePause,
	}
	a.sup = NewSupervisor(cfg.Supervisor, cfg.Clock)
	a.state.Store(int32(sensor.Disconnected))
	return a
}

// Identity returns the wrapped driver's identity.
func (a *Adapter) Identity() sensor.Identity { return a.driver.Identity() }

// State returns the current adapter state.
func (a *Adapter) State() sensor.AdapterState {
	return sensor.AdapterState(a.state.Load())
}

// Exhausted reports whether the supervisor gave up on this sensor for the
// session. An exhausted sensor is reported absent in all later frames.
func (a *Adapter) Exhausted() bool { return a.exhausted.Load() }

// Open establishes the driver connection. Open failures map to
// sensor.ErrHardwareUnavailable by the driver and leave the adapter
// Disconnected so the caller can decide whether the sensor was required.
func (a *Adapter) Open() error {
	a.setState(sensor.Connecting)
	if err := a.driver.Open(); err != nil {
		a.setState(sensor.Disconnected)
		return err
	}
	a.markData(a.clock.Now())
	a.setState(sensor.Streaming)
	return nil
}

// Close releases the driver. Idempotent; safe after a failed Open.
func (a *Adapter) Close() error {
	err := a.driver.Close()
	if !a.exhausted.Load() {
		a.setState(sensor.Disconnected)
	}
	return err
}

// ForceClose tears the driver down without waiting for the read loop, for
// use when a bounded join timeout expires. The adapter is reported Failed.
func (a *Adapter) ForceClose() {
	_ = a.driver.Close()
	a.setState(sensor.Failed)
}

// Run is the adapter's read loop. It returns when ctx is cancelled or the
// reconnect budget is exhausted. Driver reads are expected to block at
// most their internal poll budget, so cancellation is observed promptly.
func (a *Adapter) Run(ctx context.Context) {
	id := a.Identity()
	for {
		if ctx.Err() != nil {
			return
		}

		s, err := a.driver.Read()
		switch {
		case err == nil:
			if a.latency != 0 {
				s.Timestamp = s.Timestamp.Add(-a.latency)
			}
			a.ring.Push(s)
			a.markData(a.clock.Now())
			a.addSample()
			if st := a.State(); st == sensor.Degraded || st == sensor.Connecting {
				a.setState(sensor.Streaming)
			}

		case errors.Is(err, sensor.ErrNoSample):
			a.addTimeout()
			idle := a.clock.Since(a.lastDataAt())
			if idle > 2*a.noDataTimeout {
				monitoring.Logf("adapter %s: no data for %v, treating stream as lost", id, idle)
				if !a.recover(ctx) {
					return
				}
			} else if idle > a.noDataTimeout && a.State() == sensor.Streaming {
				monitoring.Logf("adapter %s: degraded, no data for %v", id, idle)
				a.setState(sensor.Degraded)
			}
			a.clock.Sleep(a.idlePause)

		case errors.Is(err, sensor.ErrMalformedPayload):
			// Discard the sample, never propagate it.
			a.addMalformed()

		default:
			monitoring.Logf("adapter %s: read failed: %v", id, err)
			if !a.recover(ctx) {
				return
			}
		}
	}
}

// recover closes the failed connection and drives the supervisor's
// reconnect loop. Returns false when the read loop should exit: context
// cancelled or retry budget exhausted. On success the adapter resumes
// Streaming without discarding samples already buffered.
func (a *Adapter) recover(ctx context.Context) bool {
	a.setState(sensor.Failed)
	_ = a.driver.Close()

	if err := a.sup.Reconnect(ctx, a.driver, a.setState); err != nil {
		if errors.Is(err, sensor.ErrRetryExhausted) {
			a.exhausted.Store(true)
			monitoring.Logf("adapter %s: %v; sensor absent for remainder of session", a.Identity(), err)
		}
		a.setState(sensor.Failed)
		return false
	}

	a.mu.Lock()
	a.reconnects++
	a.mu.Unlock()
	a.markData(a.clock.Now())
	a.setState(sensor.Streaming)
	return true
}

// TakeInWindow removes and returns the best in-window sample for a fusion
// frame. Exhausted sensors always report nil.
func (a *Adapter) TakeInWindow(start, end time.Time) *sensor.RawSample {
	if a.exhausted.Load() {
		return nil
	}
	return a.ring.TakeInWindow(start, end)
}

// LastKnown returns the newest sample this adapter has produced, or nil.
// Exhausted sensors report nil so they can never be carried forward.
func (a *Adapter) LastKnown() *sensor.RawSample {
	if a.exhausted.Load() {
		return nil
	}
	return a.ring.LastKnown()
}

// EvictOlderThan drops buffered samples older than cutoff.
func (a *Adapter) EvictOlderThan(cutoff time.Time) {
	a.ring.EvictOlderThan(cutoff)
}

func (a *Adapter) setState(s sensor.AdapterState) {
	a.state.Store(int32(s))
}

func (a *Adapter) markData(t time.Time) {
	a.mu.Lock()
	a.lastData = t
	a.mu.Unlock()
}

func (a *Adapter) lastDataAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastData
}

func (a *Adapter) addSample()    { a.mu.Lock(); a.samples++; a.mu.Unlock() }
func (a *Adapter) addMalformed() { a.mu.Lock(); a.malformed++; a.mu.Unlock() }
func (a *Adapter) addTimeout()   { a.mu.Lock(); a.timeouts++; a.mu.Unlock() }

// StatsSnapshot is a point-in-time view of one adapter's counters.
type StatsSnapshot struct {
	SensorID    string              `json:"sensor_id"`
	Kind        sensor.Kind         `json:"kind"`
	State       sensor.AdapterState `json:"-"`
	StateName   string              `json:"state"`
	Samples     uint64              `json:"samples"`
	Malformed   uint64              `json:"malformed"`
	Timeouts    uint64              `json:"timeouts"`
	Reconnects  uint64              `json:"reconnects"`
	Overwritten uint64              `json:"overwritten"`
	Evicted     uint64              `json:"evicted"`
	Buffered    int                 `json:"buffered"`
	Exhausted   bool                `json:"exhausted"`
}

// Snapshot returns the adapter's current counters.
func (a *Adapter) Snapshot() StatsSnapshot {
	id := a.Identity()
	st := a.State()
	over, ev := a.ring.Counters()

	a.mu.Lock()
	defer a.mu.Unlock()
	return StatsSnapshot{
		SensorID:    id.ID,
		Kind:        id.Kind,
		State:       st,
		StateName:   st.String(),
		Samples:     a.samples,
		Malformed:   a.malformed,
		Timeouts:    a.timeouts,
		Reconnects:  a.reconnects,
		Overwritten: over,
		Evicted:     ev,
		Buffered:    a.ring.Len(),
		Exhausted:   a.exhausted.Load(),
	}
}
