package media

import (
	"sync"
	"time"
)

// Ring is a fixed-capacity buffer of the most recent frames from one feed.
// It is written by a single feed adapter goroutine and read by the single
// composite loop, so every critical section is a handful of pointer moves;
// neither side ever blocks on the other.
type Ring struct {
	mu    sync.Mutex
	buf   []*Frame
	next  int
	count int
}

// NewRing creates a Ring holding up to size frames. A size below one is
// treated as RingSize.
func NewRing(size int) *Ring {
	if size < 1 {
		size = RingSize
	}
	return &Ring{buf: make([]*Frame, size)}
}

// Push stores a frame, evicting the oldest when the ring is full.
func (r *Ring) Push(f *Frame) {
	r.mu.Lock()
	r.buf[r.next] = f
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Newest returns the most recently pushed frame, or nil if the ring is empty.
func (r *Ring) Newest() *Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	idx := (r.next - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx]
}

// Closest returns the frame whose arrival time is nearest to ref, provided
// the difference is within tol. Returns nil when the ring is empty or no
// frame falls inside the tolerance.
func (r *Ring) Closest(ref time.Time, tol time.Duration) *Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Frame
	var bestDelta time.Duration
	for i := 0; i < r.count; i++ {
		f := r.buf[i]
		if f == nil {
			continue
		}
		delta := f.Received.Sub(ref)
		if delta < 0 {
			delta = -delta
		}
		if delta > tol {
			continue
		}
		if best == nil || delta < bestDelta {
			best = f
			bestDelta = delta
		}
	}
	return best
}

// Len returns the number of frames currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Reset drops all buffered frames, used when a feed reconnects so stale
// pictures from the previous connection never contribute to a composite.
func (r *Ring) Reset() {
	r.mu.Lock()
	for i := range r.buf {
		r.buf[i] = nil
	}
	r.next = 0
	r.count = 0
	r.mu.Unlock()
}
