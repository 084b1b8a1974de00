// Package playback decouples a background decode+grade+warp worker from a
// display consumer with a bounded frame queue. The queue carries a
// generation number; flushing bumps the generation and discards everything
// queued or in flight from before, so a consumer never sees frames rendered
// under a stale configuration.
package playback

import (
	"context"
	"sync/atomic"

	"github.com/stevecastle/parallax/frame"
	"github.com/stevecastle/parallax/grade"
)

// DefaultDepth is the queue depth used by the viewer.
const DefaultDepth = 8

// Frame is one rendered playback frame.
type Frame struct {
	Index int
	Buf   *frame.Buffer
	gen   uint64
}

// Ring is the bounded producer/consumer queue. The producer blocks when the
// queue is full; the consumer blocks when it is empty.
type Ring struct {
	ch  chan Frame
	gen atomic.Uint64
}

func NewRing(depth int) *Ring {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Ring{ch: make(chan Frame, depth)}
}

// Generation returns the current queue generation.
func (r *Ring) Generation() uint64 { return r.gen.Load() }

// Flush invalidates every queued and in-flight frame. Queued frames are
// drained eagerly so a blocked producer wakes up.
func (r *Ring) Flush() {
	r.gen.Add(1)
	for {
		select {
		case <-r.ch:
		default:
			return
		}
	}
}

// Push enqueues a frame rendered under generation gen, blocking while the
// queue is full. Frames from a flushed generation are dropped silently.
func (r *Ring) Push(ctx context.Context, f Frame, gen uint64) error {
	if gen != r.gen.Load() {
		return nil
	}
	f.gen = gen
	select {
	case r.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next live frame, transparently discarding frames that
// were queued before the last Flush.
func (r *Ring) Next(ctx context.Context) (Frame, error) {
	for {
		select {
		case f := <-r.ch:
			if f.gen != r.gen.Load() {
				continue
			}
			return f, nil
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// RenderFunc produces one processed frame under a fixed settings snapshot.
type RenderFunc func(ctx context.Context, frameIndex int, s grade.Settings) (*frame.Buffer, error)

// Worker drives a render loop into a Ring. Each iteration takes one
// settings snapshot up front; when the snapshot differs from the previous
// frame's in a way that changes output geometry (stereo mode, warp toggle,
// scale), the queue is flushed before the new frame is rendered.
type Worker struct {
	Ring   *Ring
	Store  *grade.Store
	Render RenderFunc
}

// Run renders frames [0, frameCount) in a loop until ctx is cancelled or,
// when loop is false, the range is exhausted.
func (w *Worker) Run(ctx context.Context, frameCount int, loop bool) error {
	prev := w.Store.Snapshot()
	for {
		for idx := 0; idx < frameCount; idx++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			s := w.Store.Snapshot()
			if invalidates(prev, s) {
				w.Ring.Flush()
			}
			prev = s

			gen := w.Ring.Generation()
			buf, err := w.Render(ctx, idx, s)
			if err != nil {
				return err
			}
			if err := w.Ring.Push(ctx, Frame{Index: idx, Buf: buf}, gen); err != nil {
				return err
			}
		}
		if !loop {
			return nil
		}
	}
}

func invalidates(old, new grade.Settings) bool {
	return old.Stereo != new.Stereo ||
		old.WarpEnabled != new.WarpEnabled ||
		old.Scale != new.Scale
}
