package controller

import (
	"sync"

	"github.com/banshee-data/sensorbox/internal/fusion"
)

// Cursor is the consumer's handle on a frame stream: an explicit iterator
// with a cancellation token, so cancellation semantics are testable
// independent of the concurrency primitive underneath. Frames arrive in
// strictly increasing sequence-number order; gaps mean counted drops.
type Cursor struct {
	frames   <-chan *fusion.Frame
	stop     chan struct{}
	stopOnce sync.Once
}

// Next blocks until the next frame or end of stream. The second return is
// false once the stream has ended (terminal condition reached, Close
// called, or the controller stopped) and the buffer is drained.
func (cur *Cursor) Next() (*fusion.Frame, bool) {
	f, ok := <-cur.frames
	return f, ok
}

// Frames exposes the underlying channel for select-based consumers. The
// channel closes when the stream ends.
func (cur *Cursor) Frames() <-chan *fusion.Frame {
	return cur.frames
}

// Close cancels the stream. Effective within one scheduling tick; frames
// already buffered remain readable until drained. Idempotent.
func (cur *Cursor) Close() {
	cur.stopOnce.Do(func() { close(cur.stop) })
}
