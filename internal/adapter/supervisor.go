package adapter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/sensorbox/internal/monitoring"
	"github.com/banshee-data/sensorbox/internal/sensor"
	"github.com/banshee-data/sensorbox/internal/timeutil"
)

const (
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 5 * time.Second
	defaultJitter     = 0.2
	defaultMaxRetries = 5
)

// SupervisorConfig holds the reconnect backoff policy for one sensor.
type SupervisorConfig struct {
	// BaseDelay is the delay before the first retry (default 100ms).
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth (default 5s).
	MaxDelay time.Duration

	// Jitter is the fraction of random spread applied to each delay,
	// e.g. 0.2 for ±20%. Zero disables the spread; a negative value
	// selects the 0.2 default.
	Jitter float64

	// MaxRetries is the retry budget per failure before the sensor is
	// marked permanently failed for the session (default 5).
	MaxRetries int
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Jitter < 0 {
		c.Jitter = defaultJitter
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

// Supervisor drives bounded-backoff reconnection for one adapter. It never
// blocks other sensors: each adapter runs its supervisor from its own
// read-loop goroutine.
type Supervisor struct {
	cfg   SupervisorConfig
	clock timeutil.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSupervisor creates a supervisor with the given policy.
func NewSupervisor(cfg SupervisorConfig, clock timeutil.Clock) *Supervisor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Supervisor{
		cfg:   cfg.withDefaults(),
		clock: clock,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Reconnect attempts to reopen the driver with exponential backoff and
// jitter until it succeeds, the retry budget is exhausted, or ctx is
// cancelled. setState reports Connecting/Failed transitions as attempts
// proceed. On success the backoff is implicitly reset: the next failure
// starts over from BaseDelay.
func (s *Supervisor) Reconnect(ctx context.Context, d sensor.Driver, setState func(sensor.AdapterState)) error {
	id := d.Identity()
	delay := s.cfg.BaseDelay

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.jittered(delay)):
		}

		setState(sensor.Connecting)
		err := d.Open()
		if err == nil {
			monitoring.Logf("supervisor %s: reconnected on attempt %d", id, attempt)
			return nil
		}

		monitoring.Logf("supervisor %s: reconnect attempt %d/%d failed: %v",
			id, attempt, s.cfg.MaxRetries, err)
		setState(sensor.Failed)

		delay = nextDelay(delay, s.cfg.MaxDelay)
	}

	return fmt.Errorf("sensor %s: %w (%d attempts)", id, sensor.ErrRetryExhausted, s.cfg.MaxRetries)
}

// jittered spreads d by ±Jitter fraction.
func (s *Supervisor) jittered(d time.Duration) time.Duration {
	s.mu.Lock()
	f := 1 + s.cfg.Jitter*(2*s.rng.Float64()-1)
	s.mu.Unlock()

	j := time.Duration(float64(d) * f)
	if j <= 0 {
		j = d
	}
	return j
}

// nextDelay doubles the delay up to the cap.
func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}
