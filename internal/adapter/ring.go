package adapter

import (
	"sync"
	"time"

	"github.com/banshee-data/sensorbox/internal/sensor"
)

// sampleRing is a bounded buffer of recent samples for one sensor. It is
// written only by the owning adapter goroutine and read only by the
// engine's tick goroutine; the mutex covers that single handoff.
//
// Samples leave the ring one of two ways: taken by a fusion frame, or
// evicted once they age beyond two window widths. The newest sample ever
// pushed is remembered separately so the engine can carry it forward as
// stale after it has left the ring.
type sampleRing struct {
	mu          sync.Mutex
	capacity    int
	samples     []*sensor.RawSample // ordered oldest to newest
	last        *sensor.RawSample   // newest sample ever pushed
	overwritten uint64
	evicted     uint64
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = 32
	}
	return &sampleRing{
		capacity: capacity,
		samples:  make([]*sensor.RawSample, 0, capacity),
	}
}

// Push appends a sample, dropping the oldest buffered sample when full.
// Buffers are never permitted to grow unbounded under sustained skew.
func (r *sampleRing) Push(s *sensor.RawSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) >= r.capacity {
		copy(r.samples, r.samples[1:])
		r.samples = r.samples[:len(r.samples)-1]
		r.overwritten++
	}
	r.samples = append(r.samples, s)
	r.last = s
}

// TakeInWindow removes and returns the buffered sample whose timestamp
// lies within [start, end) and is closest to the window center. Choosing
// the center, not simply the newest, avoids bias toward faster sensors.
// Returns nil when no sample is in-window.
func (r *sampleRing) TakeInWindow(start, end time.Time) *sensor.RawSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	center := start.Add(end.Sub(start) / 2)
	best := -1
	var bestDist time.Duration
	for i, s := range r.samples {
		if s.Timestamp.Before(start) || !s.Timestamp.Before(end) {
			continue
		}
		dist := s.Timestamp.Sub(center)
		if dist < 0 {
			dist = -dist
		}
		if best < 0 || dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	if best < 0 {
		return nil
	}

	s := r.samples[best]
	r.samples = append(r.samples[:best], r.samples[best+1:]...)
	return s
}

// LastKnown returns the newest sample ever pushed, whether or not it is
// still buffered. Used for stale carry-forward.
func (r *sampleRing) LastKnown() *sensor.RawSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// EvictOlderThan drops buffered samples older than cutoff.
func (r *sampleRing) EvictOlderThan(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for n < len(r.samples) && r.samples[n].Timestamp.Before(cutoff) {
		n++
	}
	if n > 0 {
		r.samples = append(r.samples[:0], r.samples[n:]...)
		r.evicted += uint64(n)
	}
}

// Len returns the number of buffered samples.
func (r *sampleRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Counters returns how many samples were overwritten by Push and dropped
// by EvictOlderThan.
func (r *sampleRing) Counters() (overwritten, evicted uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overwritten, r.evicted
}
