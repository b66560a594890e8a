package compose

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/zsiec/mosaic/media"
)

// placeholderColor fills a region whose slot has never produced a frame.
var placeholderColor = color.RGBA{R: 0x20, G: 0x20, B: 0x24, A: 0xff}

// Engine holds the current layout and rasterizes aligned frame sets into
// composite frames. SetLayout may be called from the pipeline controller
// at any time; Render is called only from the composite loop and observes
// an immutable layout snapshot per tick, so an update never applies
// halfway through a picture.
type Engine struct {
	log    *slog.Logger
	layout atomic.Pointer[Layout]
	budget time.Duration

	// Render-loop state. Touched only by the composite loop goroutine,
	// except lastGood which ForgetSlot may clear from the controller.
	canvas   *image.RGBA
	goodMu   sync.Mutex
	lastGood map[int]image.Image
	prev     *media.CompositeFrame
	seq      uint64
	started  time.Time
}

// NewEngine creates an Engine with an initial, validated layout. budget
// is the wall-clock time one render may spend before degrading; pass the
// output frame interval.
func NewEngine(initial Layout, budget time.Duration, log *slog.Logger) (*Engine, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial layout: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:      log.With("component", "layout-engine"),
		budget:   budget,
		lastGood: make(map[int]image.Image),
	}
	e.layout.Store(&initial)
	return e, nil
}

// SetLayout validates the descriptor and swaps it in atomically. On
// validation failure the current layout is left unchanged and the error
// is returned synchronously.
func (e *Engine) SetLayout(l Layout) error {
	if err := l.Validate(); err != nil {
		return err
	}
	e.layout.Store(&l)
	e.log.Info("layout applied", "regions", len(l.Regions), "canvas", fmt.Sprintf("%dx%d", l.Canvas.X, l.Canvas.Y))
	return nil
}

// Layout returns the current descriptor snapshot.
func (e *Engine) Layout() Layout {
	return *e.layout.Load()
}

// Render rasterizes the aligned set into one composite frame. The caller
// passes the layout snapshot it selected slots from, so one descriptor
// governs the whole tick even if SetLayout lands mid-render. Slots with
// no frame inside the skew tolerance reuse their last good picture, or a
// solid placeholder if the slot has never delivered one. If the render
// cannot finish inside the budget the previous composite is re-emitted
// with Degraded set, so the tick's scheduled output still happens.
func (e *Engine) Render(layout Layout, set AlignedSet, now time.Time) *media.CompositeFrame {
	if e.started.IsZero() {
		e.started = now
	}
	deadline := now.Add(e.budget)

	if e.prev != nil && e.budget > 0 && !time.Now().Before(deadline) {
		return e.degraded(now)
	}

	bounds := image.Rect(0, 0, layout.Canvas.X, layout.Canvas.Y)
	if e.canvas == nil || e.canvas.Bounds() != bounds {
		e.canvas = image.NewRGBA(bounds)
	}
	draw.Draw(e.canvas, bounds, image.NewUniform(color.Black), image.Point{}, draw.Src)

	frames := make(map[int]*media.Frame, len(set.Slots))
	for _, sf := range set.Slots {
		if sf.Frame != nil {
			frames[sf.Slot] = sf.Frame
		}
	}

	for _, reg := range layout.ordered() {
		src := e.sourceFor(reg.Slot, frames)
		if src == nil {
			draw.Draw(e.canvas, reg.Rect, image.NewUniform(placeholderColor), image.Point{}, draw.Src)
			continue
		}
		xdraw.ApproxBiLinear.Scale(e.canvas, reg.Rect, src, src.Bounds(), xdraw.Src, nil)

		if e.budget > 0 && e.prev != nil && time.Now().After(deadline) {
			return e.degraded(now)
		}
	}

	e.seq++
	e.prev = &media.CompositeFrame{
		Image: e.canvas,
		Seq:   e.seq,
		Ref:   set.Ref,
		PTS:   now.Sub(e.started),
	}
	return e.prev
}

// sourceFor picks the picture to draw for a slot: this tick's aligned
// frame when present, otherwise the slot's last good picture.
func (e *Engine) sourceFor(slot int, frames map[int]*media.Frame) image.Image {
	e.goodMu.Lock()
	defer e.goodMu.Unlock()
	if f, ok := frames[slot]; ok {
		e.lastGood[slot] = f.Image
		return f.Image
	}
	return e.lastGood[slot]
}

// degraded re-emits the previous composite for this tick.
func (e *Engine) degraded(now time.Time) *media.CompositeFrame {
	e.seq++
	out := *e.prev
	out.Seq = e.seq
	out.PTS = now.Sub(e.started)
	out.Degraded = true
	e.prev = &out
	return &out
}

// ForgetSlot drops a slot's last good picture, called when a feed is
// removed from configuration so its final frame does not linger in later
// layouts that reuse the slot.
func (e *Engine) ForgetSlot(slot int) {
	e.goodMu.Lock()
	delete(e.lastGood, slot)
	e.goodMu.Unlock()
}
