package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorbox/internal/config"
	"github.com/banshee-data/sensorbox/internal/fusion"
	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/timeutil"
)

// runDriver is a controllable in-memory driver. With sampling set it
// emits one sample per Read stamped at the mock clock's current time;
// otherwise Read reports ErrNoSample after a short real-time poll.
type runDriver struct {
	identity sensor.Identity
	clock    timeutil.Clock

	mu       sync.Mutex
	openErr  error
	opens    int
	closes   int
	sampling bool
	seq      uint64
}

func (d *runDriver) Identity() sensor.Identity { return d.identity }

func (d *runDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	return d.openErr
}

func (d *runDriver) Read() (*sensor.RawSample, error) {
	time.Sleep(time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.sampling {
		return nil, sensor.ErrNoSample
	}
	d.seq++
	return &sensor.RawSample{
		SensorID:  d.identity.ID,
		Kind:      d.identity.Kind,
		Payload:   []byte{0x01},
		Timestamp: d.clock.Now(),
		Seq:       d.seq,
	}, nil
}

func (d *runDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *runDriver) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

func (d *runDriver) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func intPtr(n int) *int         { return &n }

// testConfig runs the tick at 10Hz with a window wide enough to cover a
// full tick interval, so samples from the previous tick still align.
func testConfig() *config.Config {
	return &config.Config{
		CadenceHz:     f64Ptr(10),
		SyncWindow:    strPtr("150ms"),
		NoDataTimeout: strPtr("10s"),
	}
}

type collector struct {
	mu     sync.Mutex
	frames []*fusion.Frame
	ended  bool
}

func collect(cur *Cursor) *collector {
	c := &collector{}
	go func() {
		for f := range cur.Frames() {
			c.mu.Lock()
			c.frames = append(c.frames, f)
			c.mu.Unlock()
		}
		c.mu.Lock()
		c.ended = true
		c.mu.Unlock()
	}()
	return c
}

func (c *collector) done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *collector) snapshot() []*fusion.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fusion.Frame(nil), c.frames...)
}

func TestStartEnforcesHighBandwidthLimit(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	reg := sensor.NewRegistry()
	for _, id := range []string{"cam0", "cam1", "cam2"} {
		d := &runDriver{identity: sensor.Identity{ID: id, Kind: sensor.KindCamera, HighBandwidth: true}, clock: clk}
		require.NoError(t, reg.Register(d, false))
	}

	cfg := testConfig()
	cfg.MaxHighBandwidth = intPtr(2)
	c := New(cfg, reg, WithClock(clk))
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "high-bandwidth")
}

func TestStartRequiredFailureClosesOpenedAdapters(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	ok := &runDriver{identity: sensor.Identity{ID: "a-lidar", Kind: sensor.KindLidar}, clock: clk}
	bad := &runDriver{identity: sensor.Identity{ID: "b-depth", Kind: sensor.KindDepth}, clock: clk}
	bad.openErr = sensor.ErrHardwareUnavailable

	reg := sensor.NewRegistry()
	require.NoError(t, reg.Register(ok, false))
	require.NoError(t, reg.Register(bad, true))

	c := New(testConfig(), reg, WithClock(clk))
	err := c.Start(context.Background())
	require.ErrorIs(t, err, sensor.ErrHardwareUnavailable)

	assert.Equal(t, 1, ok.openCount())
	assert.Equal(t, 1, ok.closeCount(), "previously opened adapter must be closed on abort")
}

func TestStartOptionalFailureProceeds(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	ok := &runDriver{identity: sensor.Identity{ID: "a-lidar", Kind: sensor.KindLidar}, clock: clk}
	bad := &runDriver{identity: sensor.Identity{ID: "b-depth", Kind: sensor.KindDepth}, clock: clk}
	bad.openErr = sensor.ErrHardwareUnavailable

	reg := sensor.NewRegistry()
	require.NoError(t, reg.Register(ok, false))
	require.NoError(t, reg.Register(bad, false))

	c := New(testConfig(), reg, WithClock(clk))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop() //nolint:errcheck

	snap := c.Snapshot()
	require.Len(t, snap.Adapters, 2)
	assert.Equal(t, "a-lidar", snap.Adapters[0].SensorID)
	assert.Equal(t, "b-depth", snap.Adapters[1].SensorID)
}

func TestStreamBeforeStartFails(t *testing.T) {
	c := New(testConfig(), sensor.NewRegistry())
	_, err := c.Stream(StreamOptions{})
	assert.Error(t, err)
}

func TestStreamRejectsConcurrentStreams(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	reg := sensor.NewRegistry()
	d := &runDriver{identity: sensor.Identity{ID: "lidar0", Kind: sensor.KindLidar}, clock: clk}
	require.NoError(t, reg.Register(d, false))

	c := New(testConfig(), reg, WithClock(clk))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop() //nolint:errcheck

	cur, err := c.Stream(StreamOptions{})
	require.NoError(t, err)
	defer cur.Close()

	_, err = c.Stream(StreamOptions{})
	assert.Error(t, err)
}

func TestStreamEndsAfterMaxFrames(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	reg := sensor.NewRegistry()
	d := &runDriver{identity: sensor.Identity{ID: "lidar0", Kind: sensor.KindLidar}, clock: clk}
	require.NoError(t, reg.Register(d, false))

	c := New(testConfig(), reg, WithClock(clk))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop() //nolint:errcheck

	cur, err := c.Stream(StreamOptions{MaxFrames: 3})
	require.NoError(t, err)
	col := collect(cur)

	require.Eventually(t, func() bool {
		clk.Advance(100 * time.Millisecond)
		return col.done()
	}, 5*time.Second, 5*time.Millisecond)

	frames := col.snapshot()
	require.Len(t, frames, 3)
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].Seq, frames[i-1].Seq)
	}
}

func TestStreamIsOncePerStart(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	reg := sensor.NewRegistry()
	d := &runDriver{identity: sensor.Identity{ID: "lidar0", Kind: sensor.KindLidar}, clock: clk}
	require.NoError(t, reg.Register(d, false))

	c := New(testConfig(), reg, WithClock(clk))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop() //nolint:errcheck

	cur, err := c.Stream(StreamOptions{MaxFrames: 1})
	require.NoError(t, err)
	col := collect(cur)

	require.Eventually(t, func() bool {
		clk.Advance(100 * time.Millisecond)
		return col.done()
	}, 5*time.Second, 5*time.Millisecond)

	// The frame channel is closed for good once a stream ends, so a
	// second stream needs a Stop and a fresh Start.
	_, err = c.Stream(StreamOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestStreamEndsAfterDuration(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	reg := sensor.NewRegistry()
	d := &runDriver{identity: sensor.Identity{ID: "lidar0", Kind: sensor.KindLidar}, clock: clk}
	require.NoError(t, reg.Register(d, false))

	c := New(testConfig(), reg, WithClock(clk))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop() //nolint:errcheck

	cur, err := c.Stream(StreamOptions{Duration: 350 * time.Millisecond})
	require.NoError(t, err)
	col := collect(cur)

	require.Eventually(t, func() bool {
		clk.Advance(100 * time.Millisecond)
		return col.done()
	}, 5*time.Second, 5*time.Millisecond)

	frames := col.snapshot()
	require.NotEmpty(t, frames)
	assert.LessOrEqual(t, len(frames), 3)
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].Seq, frames[i-1].Seq)
	}
}

func TestCursorCloseEndsStream(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	reg := sensor.NewRegistry()
	d := &runDriver{identity: sensor.Identity{ID: "lidar0", Kind: sensor.KindLidar}, clock: clk}
	require.NoError(t, reg.Register(d, false))

	c := New(testConfig(), reg, WithClock(clk))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop() //nolint:errcheck

	cur, err := c.Stream(StreamOptions{})
	require.NoError(t, err)
	col := collect(cur)

	clk.Advance(100 * time.Millisecond)
	cur.Close()
	cur.Close() // idempotent

	require.Eventually(t, func() bool { return col.done() }, 5*time.Second, 5*time.Millisecond)
}

func TestStreamAlignsSensorSamples(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	reg := sensor.NewRegistry()
	d := &runDriver{identity: sensor.Identity{ID: "lidar0", Kind: sensor.KindLidar}, clock: clk, sampling: true}
	require.NoError(t, reg.Register(d, false))

	c := New(testConfig(), reg, WithClock(clk))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop() //nolint:errcheck

	cur, err := c.Stream(StreamOptions{MaxFrames: 1})
	require.NoError(t, err)
	col := collect(cur)

	// Let the read loop push samples stamped at the current mock time
	// before the first tick fires.
	time.Sleep(20 * time.Millisecond)

	require.Eventually(t, func() bool {
		clk.Advance(100 * time.Millisecond)
		return col.done()
	}, 5*time.Second, 5*time.Millisecond)

	frames := col.snapshot()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Present("lidar0"))
	require.NotNil(t, frames[0].Sample("lidar0"))
	assert.Equal(t, "lidar0", frames[0].Sample("lidar0").SensorID)
}

func TestStopClosesAdaptersAndOutput(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	reg := sensor.NewRegistry()
	d := &runDriver{identity: sensor.Identity{ID: "lidar0", Kind: sensor.KindLidar}, clock: clk}
	require.NoError(t, reg.Register(d, false))

	c := New(testConfig(), reg, WithClock(clk))
	require.NoError(t, c.Start(context.Background()))

	cur, err := c.Stream(StreamOptions{})
	require.NoError(t, err)
	col := collect(cur)

	require.NoError(t, c.Stop())
	require.Eventually(t, func() bool { return col.done() }, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, d.closeCount(), 1)

	require.NoError(t, c.Stop()) // idempotent
}

func TestSnapshotReportsSession(t *testing.T) {
	clk := timeutil.NewMockClock(time.Unix(100, 0))
	reg := sensor.NewRegistry()
	require.NoError(t, reg.Register(&runDriver{identity: sensor.Identity{ID: "csi0", Kind: sensor.KindCamera}, clock: clk}, false))
	require.NoError(t, reg.Register(&runDriver{identity: sensor.Identity{ID: "lidar0", Kind: sensor.KindLidar}, clock: clk}, false))

	c := New(testConfig(), reg, WithClock(clk))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop() //nolint:errcheck

	snap := c.Snapshot()
	assert.True(t, snap.SessionStart.Equal(time.Unix(100, 0)))
	require.Len(t, snap.Adapters, 2)
	assert.Equal(t, "csi0", snap.Adapters[0].SensorID)
	assert.Equal(t, sensor.KindCamera, snap.Adapters[0].Kind)
	assert.Zero(t, snap.DroppedFrames)
	assert.Zero(t, c.DroppedFrames())
}
