package compose

import (
	"time"

	"github.com/zsiec/mosaic/media"
)

// Alignment defaults. The skew tolerance bounds how far apart two feeds'
// frames may be while still contributing to the same composite; the
// staleness window bounds how old a feed's newest frame may be before the
// feed stops influencing the reference time. Both favor availability of
// the composite over per-feed freshness: a lagging feed repeats its last
// picture instead of delaying everyone else.
const (
	DefaultSkewTolerance   = 100 * time.Millisecond
	DefaultStalenessWindow = time.Second
)

// SlotFrame is one slot's contribution to an aligned set. Frame is nil
// when the slot had no picture within the skew tolerance of the
// reference time; the layout engine substitutes that slot's last good
// picture or a placeholder.
type SlotFrame struct {
	Slot  int
	Frame *media.Frame
	Stale bool
}

// AlignedSet is the input to one render tick: at most one frame per
// active slot, all within the skew tolerance of a single reference time.
// A set never mixes frames chosen against two different references.
type AlignedSet struct {
	Ref   time.Time
	Slots []SlotFrame
}

// SyncBuffer selects, once per output tick, a mutually-consistent frame
// set from the per-slot rings written by the feed adapters.
type SyncBuffer struct {
	skew  time.Duration
	stale time.Duration
}

// NewSyncBuffer creates a SyncBuffer. Non-positive arguments fall back
// to the package defaults.
func NewSyncBuffer(skew, stale time.Duration) *SyncBuffer {
	if skew <= 0 {
		skew = DefaultSkewTolerance
	}
	if stale <= 0 {
		stale = DefaultStalenessWindow
	}
	return &SyncBuffer{skew: skew, stale: stale}
}

// Align picks the reference time for this tick and selects each slot's
// closest frame to it. The reference is the minimum of the newest arrival
// times across slots whose newest frame is still inside the staleness
// window as of now; anchoring on the slowest fresh feed keeps every fresh
// slot within one skew tolerance of the output. Slots outside the window,
// or with no frame near the reference, are marked stale with a nil frame.
func (b *SyncBuffer) Align(now time.Time, rings map[int]*media.Ring, slots []int) AlignedSet {
	set := AlignedSet{}

	var ref time.Time
	for _, slot := range slots {
		ring := rings[slot]
		if ring == nil {
			continue
		}
		newest := ring.Newest()
		if newest == nil || now.Sub(newest.Received) > b.stale {
			continue
		}
		if ref.IsZero() || newest.Received.Before(ref) {
			ref = newest.Received
		}
	}
	set.Ref = ref

	for _, slot := range slots {
		sf := SlotFrame{Slot: slot, Stale: true}
		if ring := rings[slot]; ring != nil && !ref.IsZero() {
			if f := ring.Closest(ref, b.skew); f != nil {
				sf.Frame = f
				sf.Stale = false
			}
		}
		set.Slots = append(set.Slots, sf)
	}
	return set
}
