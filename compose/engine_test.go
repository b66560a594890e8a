package compose

import (
	"image"
	"image/color"
	"image/draw"
	"testing"
	"time"

	"github.com/zsiec/mosaic/media"
)

func solidFrame(slot int, c color.RGBA, ts time.Time) *media.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 160, 90))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return &media.Frame{Slot: slot, Image: img, Received: ts}
}

func alignedSet(ref time.Time, frames ...*media.Frame) AlignedSet {
	set := AlignedSet{Ref: ref}
	for _, f := range frames {
		set.Slots = append(set.Slots, SlotFrame{Slot: f.Slot, Frame: f})
	}
	return set
}

var (
	red   = color.RGBA{R: 0xff, A: 0xff}
	green = color.RGBA{G: 0xff, A: 0xff}
	blue  = color.RGBA{B: 0xff, A: 0xff}
)

func threeSlotLayout() Layout {
	return Layout{Canvas: image.Pt(1280, 720), Regions: []Region{
		{Slot: 1, Rect: image.Rect(0, 0, 640, 360)},
		{Slot: 2, Rect: image.Rect(640, 0, 1280, 360)},
		{Slot: 3, Rect: image.Rect(0, 360, 1280, 720)},
	}}
}

func TestRenderPlacesSlotsInTheirRegions(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(threeSlotLayout(), time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	out := e.Render(e.Layout(), alignedSet(now,
		solidFrame(1, red, now),
		solidFrame(2, green, now),
		solidFrame(3, blue, now),
	), now)

	if out.Degraded {
		t.Fatal("first render must not be degraded")
	}
	checks := []struct {
		pt   image.Point
		want color.RGBA
	}{
		{image.Pt(320, 180), red},   // slot 1 top-left
		{image.Pt(960, 180), green}, // slot 2 top-right
		{image.Pt(640, 540), blue},  // slot 3 bottom full width
	}
	for _, c := range checks {
		if got := out.Image.RGBAAt(c.pt.X, c.pt.Y); got != c.want {
			t.Errorf("pixel %v: got %v, want %v", c.pt, got, c.want)
		}
	}
}

func TestRenderMissingSlotReusesLastGood(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(threeSlotLayout(), time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	e.Render(e.Layout(), alignedSet(now,
		solidFrame(1, red, now),
		solidFrame(2, green, now),
	), now)

	// Slot 2 disconnects: next tick has no frame for it, but its region
	// must keep showing the last good picture, not disappear.
	later := now.Add(33 * time.Millisecond)
	set := alignedSet(later, solidFrame(1, red, later))
	set.Slots = append(set.Slots, SlotFrame{Slot: 2, Stale: true})
	out := e.Render(e.Layout(), set, later)

	if got := out.Image.RGBAAt(960, 180); got != green {
		t.Errorf("missing slot region: got %v, want last good %v", got, green)
	}
}

func TestRenderNeverSeenSlotGetsPlaceholder(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(threeSlotLayout(), time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	out := e.Render(e.Layout(), alignedSet(now, solidFrame(1, red, now)), now)

	if got := out.Image.RGBAAt(960, 180); got != placeholderColor {
		t.Errorf("never-seen slot region: got %v, want placeholder %v", got, placeholderColor)
	}
	if got := out.Image.RGBAAt(320, 180); got != red {
		t.Errorf("present slot region: got %v, want %v", got, red)
	}
}

func TestRenderDegradesPastBudget(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(threeSlotLayout(), time.Nanosecond, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	first := e.Render(e.Layout(), alignedSet(now, solidFrame(1, red, now)), now)
	if first.Degraded {
		t.Fatal("first render has no previous composite to fall back on")
	}

	later := now.Add(33 * time.Millisecond)
	second := e.Render(e.Layout(), alignedSet(later, solidFrame(1, green, later)), later)
	if !second.Degraded {
		t.Fatal("expected degraded render with nanosecond budget")
	}
	if second.Seq <= first.Seq {
		t.Errorf("degraded frame must advance Seq: got %d after %d", second.Seq, first.Seq)
	}
	if got := second.Image.RGBAAt(320, 180); got != red {
		t.Errorf("degraded frame content: got %v, want previous composite %v", got, red)
	}
}

func TestSetLayoutRejectsInvalidKeepsPrior(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(threeSlotLayout(), time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	bad := Layout{Canvas: image.Pt(1280, 720), Regions: []Region{
		{Slot: 1, Rect: image.Rect(1000, 0, 2000, 360)},
	}}
	if err := e.SetLayout(bad); err == nil {
		t.Fatal("expected rejection of out-of-canvas layout")
	}
	if got := len(e.Layout().Regions); got != 3 {
		t.Errorf("layout after rejected update: got %d regions, want 3", got)
	}
}

func TestSetLayoutThenRenderImmediately(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(threeSlotLayout(), time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	next := Layout{Canvas: image.Pt(640, 360), Regions: []Region{
		{Slot: 1, Rect: image.Rect(0, 0, 640, 360)},
	}}
	if err := e.SetLayout(next); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	out := e.Render(e.Layout(), alignedSet(now, solidFrame(1, blue, now)), now)
	if got, want := out.Image.Bounds().Max, image.Pt(640, 360); got != want {
		t.Errorf("canvas after layout swap: got %v, want %v", got, want)
	}
	if got := out.Image.RGBAAt(320, 180); got != blue {
		t.Errorf("pixel after layout swap: got %v, want %v", got, blue)
	}
}

func TestZOrderDrawsHigherOnTop(t *testing.T) {
	t.Parallel()

	l := Layout{Canvas: image.Pt(640, 360), Regions: []Region{
		{Slot: 2, Rect: image.Rect(0, 0, 320, 180), Z: 1},
		{Slot: 1, Rect: image.Rect(0, 0, 640, 360), Z: 0},
	}}
	e, err := NewEngine(l, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	out := e.Render(e.Layout(), alignedSet(now,
		solidFrame(1, red, now),
		solidFrame(2, green, now),
	), now)

	if got := out.Image.RGBAAt(100, 100); got != green {
		t.Errorf("overlap pixel: got %v, want higher-z %v", got, green)
	}
	if got := out.Image.RGBAAt(500, 300); got != red {
		t.Errorf("non-overlap pixel: got %v, want %v", got, red)
	}
}
