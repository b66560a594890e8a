// Package media defines the frame types that flow through the mosaic
// processing pipeline, from feed decode through compositing to egress.
package media

import (
	"image"
	"time"
)

// RingSize is the number of recent frames retained per feed slot for
// timestamp alignment. Sized to cover the staleness window at 30 fps
// without excessive memory (~250 ms of video per slot).
const RingSize = 8

// MinSlot and MaxSlot bound the numeric slot identity of a configured feed.
// A slot is a fixed position in the composite, independent of which
// physical source currently occupies it.
const (
	MinSlot = 1
	MaxSlot = 6
)

// Frame is a single decoded video picture from one feed, ready for
// alignment and compositing. Received is the wall-clock arrival time and
// serves as the capture timestamp for cross-feed alignment, since the
// feeds' own RTP clocks are independent and cannot be compared directly.
type Frame struct {
	Slot     int
	Image    image.Image
	PTS      time.Duration // presentation time on the feed's own clock
	Received time.Time
}

// CompositeFrame is one rasterized output picture produced by the layout
// engine, carrying the reference time its inputs were aligned against.
type CompositeFrame struct {
	Image    *image.RGBA
	Seq      uint64
	Ref      time.Time
	PTS      time.Duration // monotonic output time since pipeline start
	Degraded bool          // previous composite reused because the render missed its budget
}
