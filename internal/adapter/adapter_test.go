package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/timeutil"
)

type readResult struct {
	s   *sensor.RawSample
	err error
}

// scriptDriver feeds Read results from a channel so tests control the
// read loop step by step. Closing the channel makes Read report a lost
// connection.
type scriptDriver struct {
	id    sensor.Identity
	reads chan readResult

	mu        sync.Mutex
	openErr   error
	openCalls int
	closed    int
}

func newScriptDriver(id string) *scriptDriver {
	return &scriptDriver{
		id:    sensor.Identity{ID: id, Kind: sensor.KindLidar},
		reads: make(chan readResult, 16),
	}
}

func (d *scriptDriver) Identity() sensor.Identity { return d.id }

func (d *scriptDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openCalls++
	return d.openErr
}

func (d *scriptDriver) Read() (*sensor.RawSample, error) {
	r, ok := <-d.reads
	if !ok {
		return nil, sensor.ErrConnectionLost
	}
	return r.s, r.err
}

func (d *scriptDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *scriptDriver) setOpenErr(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

func (d *scriptDriver) opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCalls
}

func (d *scriptDriver) feedSample(ts time.Time, seq uint64) {
	d.reads <- readResult{s: &sensor.RawSample{
		SensorID:  d.id.ID,
		Kind:      d.id.Kind,
		Timestamp: ts,
		Seq:       seq,
	}}
}

func (d *scriptDriver) feedErr(err error) {
	d.reads <- readResult{err: err}
}

// startAdapter runs the read loop; the returned stop cancels it and
// closes the script so a Read blocked on the channel can observe the
// cancellation.
func startAdapter(t *testing.T, a *Adapter, drv *scriptDriver) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	return func() {
		cancel()
		close(drv.reads)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("adapter did not stop")
		}
	}
}

func TestAdapterPushesSamples(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	drv := newScriptDriver("lidar0")
	a := New(Config{Driver: drv, Clock: clock})

	require.NoError(t, a.Open())
	assert.Equal(t, sensor.Streaming, a.State())

	stop := startAdapter(t, a, drv)
	defer stop()

	drv.feedSample(clock.Now().Add(-5*time.Millisecond), 1)
	drv.feedSample(clock.Now().Add(-2*time.Millisecond), 2)

	require.Eventually(t, func() bool {
		return a.Snapshot().Samples == 2
	}, 2*time.Second, time.Millisecond)

	last := a.LastKnown()
	require.NotNil(t, last)
	assert.Equal(t, uint64(2), last.Seq)

	got := a.TakeInWindow(clock.Now().Add(-50*time.Millisecond), clock.Now())
	require.NotNil(t, got)
}

func TestAdapterAppliesLatencyCompensation(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	drv := newScriptDriver("lidar0")
	a := New(Config{Driver: drv, Clock: clock, Latency: 10 * time.Millisecond})

	require.NoError(t, a.Open())
	stop := startAdapter(t, a, drv)
	defer stop()

	captured := clock.Now()
	drv.feedSample(captured, 1)

	require.Eventually(t, func() bool {
		return a.Snapshot().Samples == 1
	}, 2*time.Second, time.Millisecond)

	last := a.LastKnown()
	assert.Equal(t, captured.Add(-10*time.Millisecond), last.Timestamp)
}

func TestAdapterCountsMalformedWithoutPropagating(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	drv := newScriptDriver("lidar0")
	a := New(Config{Driver: drv, Clock: clock})

	require.NoError(t, a.Open())
	stop := startAdapter(t, a, drv)
	defer stop()

	drv.feedErr(sensor.ErrMalformedPayload)
	drv.feedErr(sensor.ErrMalformedPayload)
	drv.feedSample(clock.Now(), 1)

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap.Malformed == 2 && snap.Samples == 1
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, sensor.Streaming, a.State())
	assert.Equal(t, 1, a.ring.Len())
}

func TestAdapterDegradesOnSilenceAndRecovers(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	drv := newScriptDriver("lidar0")
	a := New(Config{Driver: drv, Clock: clock, NoDataTimeout: 100 * time.Millisecond})

	require.NoError(t, a.Open())
	stop := startAdapter(t, a, drv)
	defer stop()

	// Silence past the no-data timeout but short of twice it.
	clock.Advance(150 * time.Millisecond)
	drv.feedErr(sensor.ErrNoSample)

	require.Eventually(t, func() bool {
		return a.State() == sensor.Degraded
	}, 2*time.Second, time.Millisecond)

	// Data resumes; the adapter returns to Streaming without reconnect.
	drv.feedSample(clock.Now(), 1)
	require.Eventually(t, func() bool {
		return a.State() == sensor.Streaming
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, uint64(0), a.Snapshot().Reconnects)
}

func TestAdapterReconnectsAfterLostStream(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	drv := newScriptDriver("lidar0")
	a := New(Config{
		Driver:        drv,
		Clock:         clock,
		NoDataTimeout: 100 * time.Millisecond,
		Supervisor:    SupervisorConfig{BaseDelay: 50 * time.Millisecond, MaxRetries: 3},
	})

	require.NoError(t, a.Open())
	stop := startAdapter(t, a, drv)
	defer stop()

	drv.feedErr(sensor.ErrConnectionLost)

	// Pump the mock clock until the supervisor's backoff timer fires and
	// the reconnect succeeds.
	require.Eventually(t, func() bool {
		clock.Advance(100 * time.Millisecond)
		return a.Snapshot().Reconnects == 1
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, sensor.Streaming, a.State())
	assert.GreaterOrEqual(t, drv.opens(), 1)
	assert.False(t, a.Exhausted())
}

func TestAdapterExhaustsRetryBudget(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	drv := newScriptDriver("lidar0")
	a := New(Config{
		Driver:     drv,
		Clock:      clock,
		Supervisor: SupervisorConfig{BaseDelay: 10 * time.Millisecond, MaxRetries: 2},
	})

	require.NoError(t, a.Open())

	// Buffer a sample first: even with history, an exhausted sensor must
	// never be carried forward.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()

	drv.feedSample(clock.Now(), 1)
	require.Eventually(t, func() bool {
		return a.Snapshot().Samples == 1
	}, 2*time.Second, time.Millisecond)

	drv.setOpenErr(errors.New("device gone"))
	drv.feedErr(sensor.ErrConnectionLost)

	require.Eventually(t, func() bool {
		clock.Advance(50 * time.Millisecond)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	assert.True(t, a.Exhausted())
	assert.Equal(t, sensor.Failed, a.State())
	assert.Nil(t, a.TakeInWindow(time.Unix(0, 0), time.Unix(200, 0)))
	assert.Nil(t, a.LastKnown())
	close(drv.reads)
}

func TestAdapterOpenFailureLeavesDisconnected(t *testing.T) {
	drv := newScriptDriver("lidar0")
	drv.setOpenErr(sensor.ErrHardwareUnavailable)
	a := New(Config{Driver: drv})

	err := a.Open()
	assert.ErrorIs(t, err, sensor.ErrHardwareUnavailable)
	assert.Equal(t, sensor.Disconnected, a.State())
}

func TestAdapterForceClose(t *testing.T) {
	drv := newScriptDriver("lidar0")
	a := New(Config{Driver: drv})
	require.NoError(t, a.Open())

	a.ForceClose()
	assert.Equal(t, sensor.Failed, a.State())
	assert.Equal(t, 1, func() int { drv.mu.Lock(); defer drv.mu.Unlock(); return drv.closed }())
}
