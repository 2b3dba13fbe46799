// Package controller orchestrates a capture run: it opens every
// registered sensor through its adapter, drives the synchronization
// engine's scheduling tick, and hands composite frames to the consumer
// through a Cursor. It is the outward-facing API of the pipeline.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/sensorbox/internal/adapter"
	"github.com/banshee-data/sensorbox/internal/config"
	"github.com/banshee-data/sensorbox/internal/fusion"
	"github.com/banshee-data/sensorbox/internal/monitoring"
	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/timeutil"
)

// Controller owns the adapters, supervisors, and engine for one session.
type Controller struct {
	cfg   *config.Config
	reg   *sensor.Registry
	clock timeutil.Clock

	mu        sync.Mutex
	started   bool
	streaming bool
	adapters  []*adapter.Adapter
	engine    *fusion.Engine
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	sessionAt time.Time
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock substitutes the clock, for deterministic tests.
func WithClock(clk timeutil.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// New creates a controller over an explicit driver registry. The registry
// lifecycle is tied to the controller: its drivers are opened by Start and
// closed on every exit path through Stop.
func New(cfg *config.Config, reg *sensor.Registry, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg,
		reg:   reg,
		clock: timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens all registered sensors and launches their read loops. A
// required sensor that fails to open aborts the run with every adapter
// closed again; an optional one is handed to its supervisor and the run
// proceeds. Start also enforces the concurrent high-bandwidth limit
// before touching any hardware.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("controller already started")
	}

	if hb := c.reg.HighBandwidthCount(); hb > c.cfg.GetMaxHighBandwidth() {
		return fmt.Errorf("%d high-bandwidth sensors enabled, limit is %d",
			hb, c.cfg.GetMaxHighBandwidth())
	}

	sup := adapter.SupervisorConfig{
		BaseDelay:  c.cfg.GetReconnectBase(),
		MaxDelay:   c.cfg.GetReconnectMax(),
		Jitter:     c.cfg.GetReconnectJitter(),
		MaxRetries: c.cfg.GetMaxRetries(),
	}

	var adapters []*adapter.Adapter
	for _, d := range c.reg.Drivers() {
		adapters = append(adapters, adapter.New(adapter.Config{
			Driver:        d,
			Clock:         c.clock,
			RingCapacity:  c.cfg.GetRingCapacity(),
			NoDataTimeout: c.cfg.GetNoDataTimeout(),
			Latency:       c.cfg.LatencyFor(string(d.Identity().Kind)),
			Supervisor:    sup,
		}))
	}

	for i, a := range adapters {
		if err := a.Open(); err != nil {
			if c.reg.Required(a.Identity().ID) {
				for _, opened := range adapters[:i] {
					_ = opened.Close()
				}
				return fmt.Errorf("required sensor %s: %w", a.Identity(), err)
			}
			// Optional sensor: the read loop starts in the failed path
			// and the supervisor takes over with backoff.
			monitoring.Logf("controller: optional sensor %s unavailable at start: %v", a.Identity(), err)
		}
	}

	sources := make([]fusion.Source, len(adapters))
	for i, a := range adapters {
		sources[i] = a
	}
	c.engine = fusion.NewEngine(fusion.Config{
		Window:       c.cfg.GetSyncWindow(),
		Staleness:    c.cfg.GetStaleness(),
		OutputBuffer: c.cfg.GetOutputBuffer(),
	}, sources...)

	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancelRun = cancel
	for _, a := range adapters {
		c.wg.Add(1)
		go func(a *adapter.Adapter) {
			defer c.wg.Done()
			a.Run(runCtx)
		}(a)
	}

	c.adapters = adapters
	c.sessionAt = c.clock.Now()
	c.started = true
	return nil
}

// StreamOptions bounds one stream. Zero values mean unbounded.
type StreamOptions struct {
	// Duration ends the stream after this much elapsed time.
	Duration time.Duration

	// MaxFrames ends the stream after this many emitted frames.
	MaxFrames int

	// TargetFPS throttles emission by skipping scheduling ticks. It
	// never slows adapters; sensors keep running at native rate.
	TargetFPS float64
}

// Stream starts the scheduling tick and returns a cursor over the
// resulting composite frames. Reaching Duration or MaxFrames ends the
// sequence cleanly: the cursor drains and reports done, not an error.
//
// A controller supports one stream per Start: the frame channel closes
// for good when the stream ends, so a finished stream cannot be
// followed by another without Stop and a fresh Start.
func (c *Controller) Stream(opts StreamOptions) (*Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, fmt.Errorf("controller not started")
	}
	if c.streaming {
		return nil, fmt.Errorf("stream already started for this session")
	}
	c.streaming = true

	cur := &Cursor{
		frames: c.engine.Frames(),
		stop:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.tickLoop(c.runCtx, cur, opts)
	return cur, nil
}

// tickLoop is the engine's single coordinating goroutine. It only ever
// performs non-blocking reads against adapter buffers.
func (c *Controller) tickLoop(ctx context.Context, cur *Cursor, opts StreamOptions) {
	defer c.wg.Done()
	defer c.engine.CloseOutput()

	ticker := c.clock.NewTicker(c.cfg.Cadence())
	defer ticker.Stop()

	start := c.clock.Now()
	emitted := 0
	var minGap time.Duration
	if opts.TargetFPS > 0 {
		minGap = time.Duration(float64(time.Second) / opts.TargetFPS)
	}
	var lastEmit time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-cur.stop:
			return
		case now := <-ticker.C():
			if opts.Duration > 0 && now.Sub(start) >= opts.Duration {
				return
			}
			// Throttle by skipping the tick entirely so no samples are
			// consumed for frames that would never be emitted.
			if minGap > 0 && !lastEmit.IsZero() && now.Sub(lastEmit) < minGap {
				continue
			}

			f := c.engine.Tick(now, time.Now())
			c.engine.Emit(f)
			lastEmit = now
			emitted++

			if opts.MaxFrames > 0 && emitted >= opts.MaxFrames {
				return
			}
		}
	}
}

// Stop cancels the tick loop and all adapter read loops, then closes
// every adapter. In-flight reads are abandoned: if an adapter does not
// exit within the join timeout it is forcibly torn down and reported
// Failed. Safe on every exit path and idempotent.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.cancelRun()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-c.clock.After(c.cfg.GetJoinTimeout()):
		monitoring.Logf("controller: join timeout, forcing adapter teardown")
		for _, a := range c.adapters {
			a.ForceClose()
		}
		<-done
	}

	var firstErr error
	for _, a := range c.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.engine.CloseOutput()
	c.started = false
	c.streaming = false
	return firstErr
}

// Snapshot aggregates the session's counters for reporting.
type Snapshot struct {
	SessionStart  time.Time               `json:"session_start"`
	Adapters      []adapter.StatsSnapshot `json:"adapters"`
	DroppedFrames uint64                  `json:"dropped_frames"`
	Quality       fusion.QualitySnapshot  `json:"quality"`
}

// Snapshot returns a point-in-time view of all adapters and the engine.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	adapters := c.adapters
	engine := c.engine
	startAt := c.sessionAt
	c.mu.Unlock()

	snap := Snapshot{SessionStart: startAt}
	for _, a := range adapters {
		snap.Adapters = append(snap.Adapters, a.Snapshot())
	}
	if engine != nil {
		snap.DroppedFrames = engine.Dropped()
		snap.Quality = engine.Quality().Snapshot()
	}
	return snap
}

// DroppedFrames returns the count of frames dropped because the consumer
// fell behind.
func (c *Controller) DroppedFrames() uint64 {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return 0
	}
	return engine.Dropped()
}
