// Package compose aligns frames from independently-clocked feeds onto a
// common reference time and rasterizes them into one composite picture
// according to a mutable layout.
package compose

import (
	"fmt"
	"image"
	"sort"

	"github.com/zsiec/mosaic/media"
)

// Region places one feed slot's video inside the composite canvas.
// Higher Z draws later, on top of lower Z.
type Region struct {
	Slot int
	Rect image.Rectangle
	Z    int
}

// Layout describes the whole composite: the canvas size and the regions
// rendered onto it. A Layout is replaced wholesale on every update; the
// render loop only ever observes complete descriptors.
type Layout struct {
	Canvas  image.Point
	Regions []Region
}

// Validate checks the descriptor against the canvas. It rejects slots
// outside the configured range, duplicate slot assignment, empty
// rectangles, and rectangles extending past the canvas. A rejected
// layout leaves the engine's current layout untouched.
func (l Layout) Validate() error {
	if l.Canvas.X <= 0 || l.Canvas.Y <= 0 {
		return fmt.Errorf("canvas %dx%d is not positive", l.Canvas.X, l.Canvas.Y)
	}
	canvas := image.Rect(0, 0, l.Canvas.X, l.Canvas.Y)
	seen := make(map[int]bool, len(l.Regions))
	for _, reg := range l.Regions {
		if reg.Slot < media.MinSlot || reg.Slot > media.MaxSlot {
			return fmt.Errorf("slot %d outside valid range %d..%d", reg.Slot, media.MinSlot, media.MaxSlot)
		}
		if seen[reg.Slot] {
			return fmt.Errorf("slot %d assigned to more than one region", reg.Slot)
		}
		seen[reg.Slot] = true
		if reg.Rect.Empty() {
			return fmt.Errorf("slot %d region %v is empty", reg.Slot, reg.Rect)
		}
		if !reg.Rect.In(canvas) {
			return fmt.Errorf("slot %d region %v extends outside canvas %v", reg.Slot, reg.Rect, canvas)
		}
	}
	return nil
}

// Slots returns the slot ids referenced by the layout, ascending.
func (l Layout) Slots() []int {
	slots := make([]int, 0, len(l.Regions))
	for _, reg := range l.Regions {
		slots = append(slots, reg.Slot)
	}
	sort.Ints(slots)
	return slots
}

// ordered returns the regions in draw order (ascending Z, stable).
func (l Layout) ordered() []Region {
	regions := make([]Region, len(l.Regions))
	copy(regions, l.Regions)
	sort.SliceStable(regions, func(i, j int) bool { return regions[i].Z < regions[j].Z })
	return regions
}

// DefaultGrid builds the fallback layout used when none is configured:
// cells of cellW x cellH packed left to right, cols per row, one cell per
// slot in ascending order.
func DefaultGrid(slots []int, cols, cellW, cellH int) Layout {
	if cols < 1 {
		cols = 3
	}
	sorted := make([]int, len(slots))
	copy(sorted, slots)
	sort.Ints(sorted)

	l := Layout{}
	for i, slot := range sorted {
		x := (i % cols) * cellW
		y := (i / cols) * cellH
		l.Regions = append(l.Regions, Region{
			Slot: slot,
			Rect: image.Rect(x, y, x+cellW, y+cellH),
		})
	}
	rows := (len(sorted) + cols - 1) / cols
	width := cols
	if len(sorted) < cols {
		width = len(sorted)
	}
	l.Canvas = image.Pt(width*cellW, rows*cellH)
	return l
}
