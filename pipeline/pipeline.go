// Package pipeline owns the top-level lifecycle of the compositor: it
// connects the per-slot feed adapters, drives the fixed-cadence composite
// loop through the sync buffer, layout engine, and egress bridge, and
// exposes the control operations (start, stop, layout update, signaling)
// as direct method calls for the routing layer to wrap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/zsiec/mosaic/codec"
	"github.com/zsiec/mosaic/compose"
	"github.com/zsiec/mosaic/egress"
	"github.com/zsiec/mosaic/feed"
	"github.com/zsiec/mosaic/media"
	"github.com/zsiec/mosaic/metrics"
)

// State is the pipeline lifecycle state.
type State int32

// Pipeline states. Failed is entered only on unrecoverable errors and is
// left via an explicit Stop followed by Start.
const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Control-surface errors, surfaced synchronously per the propagation
// policy: everything else is absorbed into component health.
var (
	ErrNotIdle    = errors.New("pipeline is not idle")
	ErrNotRunning = errors.New("pipeline is not running")
	ErrNoSuchSlot = errors.New("no feed configured for slot")
)

// Defaults for the controller's timing knobs.
const (
	DefaultTickInterval    = 33 * time.Millisecond // ~30 fps output cadence
	DefaultTeardownTimeout = 5 * time.Second
	DefaultMinFeeds        = 1
)

// FeedSpec identifies one configured RTSP source.
type FeedSpec struct {
	Slot int
	Name string
	URL  string
}

// Config assembles the pipeline. Decoder and Encoder factories are
// injected so the controller stays independent of the ffmpeg binding.
type Config struct {
	Feeds  []FeedSpec
	Layout compose.Layout // zero value: default grid over the configured slots

	TickInterval    time.Duration
	SkewTolerance   time.Duration
	StalenessWindow time.Duration
	MinFeeds        int
	TeardownTimeout time.Duration

	FeedErrorThreshold     int
	EncodeFailureThreshold int

	STUNServer         string
	NegotiationTimeout time.Duration

	Decoder codec.DecoderFactory
	Encoder codec.EncoderFactory

	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Controller is the single-owner pipeline state machine. All control
// operations are serialized through it; collaborators receive it by
// reference and never share ambient globals.
type Controller struct {
	cfg Config
	log *slog.Logger

	// mu serializes control operations (Start, Stop, UpdateLayout,
	// UpdateFeeds, HandleOffer). The composite loop never takes it.
	mu    sync.Mutex
	state atomic.Int32

	feedsMu sync.RWMutex
	feeds   map[int]*feed.Adapter

	engine  *compose.Engine
	syncBuf *compose.SyncBuffer
	bridge  *egress.Bridge
	neg     *egress.Negotiator

	runCtx    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	errMu   sync.Mutex
	lastErr error

	ticks          atomic.Int64
	feedErrorsSeen int64 // composite-loop local
}

// New creates a Controller in the Idle state.
func New(cfg Config) (*Controller, error) {
	if len(cfg.Feeds) == 0 {
		return nil, errors.New("at least one feed is required")
	}
	if cfg.Decoder == nil || cfg.Encoder == nil {
		return nil, errors.New("decoder and encoder factories are required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MinFeeds <= 0 {
		cfg.MinFeeds = DefaultMinFeeds
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	if len(cfg.Layout.Regions) == 0 {
		slots := make([]int, 0, len(cfg.Feeds))
		for _, f := range cfg.Feeds {
			slots = append(slots, f.Slot)
		}
		cfg.Layout = compose.DefaultGrid(slots, 3, 640, 360)
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}

	return &Controller{
		cfg: cfg,
		log: log.With("component", "pipeline"),
	}, nil
}

// State returns the current pipeline state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Err returns the most recent fatal pipeline error, if any.
func (c *Controller) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// Start brings the pipeline from Idle to Starting: it opens the encoder,
// initializes the layout engine, connects the configured feed adapters,
// and launches the composite loop. The transition to Running happens
// asynchronously once the minimum number of feeds is streaming.
// Configuration failures are returned synchronously and leave the
// pipeline Idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.state.Load()) != StateIdle {
		return fmt.Errorf("%w: %s", ErrNotIdle, c.State())
	}
	c.state.Store(int32(StateStarting))

	if err := c.buildLocked(ctx); err != nil {
		c.state.Store(int32(StateIdle))
		return err
	}

	c.log.Info("pipeline starting",
		"feeds", len(c.cfg.Feeds),
		"tick", c.cfg.TickInterval,
		"min_feeds", c.cfg.MinFeeds,
	)
	return nil
}

// buildLocked constructs the engine, bridge, negotiator, and adapters and
// launches the run loop. Called with c.mu held and state Starting.
func (c *Controller) buildLocked(ctx context.Context) error {
	engine, err := compose.NewEngine(c.cfg.Layout, c.cfg.TickInterval, c.log)
	if err != nil {
		return err
	}

	fps := int(time.Second / c.cfg.TickInterval)
	if fps < 1 {
		fps = 1
	}
	enc, err := c.cfg.Encoder(c.cfg.Layout.Canvas.X, c.cfg.Layout.Canvas.Y, fps)
	if err != nil {
		return fmt.Errorf("encoder: %w", err)
	}

	c.engine = engine
	c.syncBuf = compose.NewSyncBuffer(c.cfg.SkewTolerance, c.cfg.StalenessWindow)
	c.bridge = egress.NewBridge(enc, c.cfg.TickInterval, c.cfg.EncodeFailureThreshold, c.fail, c.log)
	c.neg = egress.NewNegotiator(egress.NegotiatorConfig{
		STUNServer: c.cfg.STUNServer,
		Timeout:    c.cfg.NegotiationTimeout,
		Log:        c.log,
	}, c.bridge)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.runCtx = runCtx
	c.cancel = cancel
	c.done = make(chan struct{})
	c.startedAt = time.Now()
	c.errMu.Lock()
	c.lastErr = nil
	c.errMu.Unlock()
	c.ticks.Store(0)
	c.feedErrorsSeen = 0

	feeds := make(map[int]*feed.Adapter, len(c.cfg.Feeds))
	for _, spec := range c.cfg.Feeds {
		a, err := c.newAdapter(spec)
		if err != nil {
			cancel()
			for _, started := range feeds {
				started.Stop()
			}
			c.bridge.Close()
			return err
		}
		a.Start(runCtx)
		feeds[spec.Slot] = a
	}
	c.feedsMu.Lock()
	c.feeds = feeds
	c.feedsMu.Unlock()

	go c.run(runCtx, engine, c.syncBuf, c.bridge)
	return nil
}

func (c *Controller) newAdapter(spec FeedSpec) (*feed.Adapter, error) {
	return feed.New(feed.Config{
		Slot:           spec.Slot,
		Name:           spec.Name,
		URL:            spec.URL,
		Decoder:        c.cfg.Decoder,
		ErrorThreshold: c.cfg.FeedErrorThreshold,
		Log:            c.log,
	})
}

// run waits for the minimum feed threshold, then drives the composite
// tick loop at the configured cadence until cancelled. It never blocks on
// another component without a bound: feed reads are ring lookups, render
// degrades past its budget, and sample writes go to pion's buffered track.
// The components arrive as arguments rather than through the controller
// fields: a tick still in flight when Stop abandons an overdue teardown
// must keep its own references, because Stop clears the fields on the
// way to Idle.
func (c *Controller) run(ctx context.Context, engine *compose.Engine, syncBuf *compose.SyncBuffer, bridge *egress.Bridge) {
	defer close(c.done)

	if !c.awaitMinFeeds(ctx) {
		return
	}
	if c.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		c.log.Info("pipeline running", "startup", time.Since(c.startedAt))
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(now, engine, syncBuf, bridge)
		}
	}
}

// awaitMinFeeds polls feed states until enough are streaming. It returns
// false when cancelled first.
func (c *Controller) awaitMinFeeds(ctx context.Context) bool {
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		if c.streamingFeeds() >= c.cfg.MinFeeds {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-poll.C:
		}
	}
}

func (c *Controller) streamingFeeds() int {
	c.feedsMu.RLock()
	defer c.feedsMu.RUnlock()
	n := 0
	for _, a := range c.feeds {
		if a.State() == feed.StateStreaming {
			n++
		}
	}
	return n
}

// tick performs one composite cycle: align, render, submit. One layout
// snapshot is taken per tick and used for both slot selection and the
// render, so an update landing mid-tick never splits the two. The aligned
// set is recomputed from scratch each tick against a single reference
// time; a feed that produced nothing recent simply contributes its last
// good picture downstream in the engine.
func (c *Controller) tick(now time.Time, engine *compose.Engine, syncBuf *compose.SyncBuffer, bridge *egress.Bridge) {
	layout := engine.Layout()
	set := syncBuf.Align(now, c.ringsSnapshot(), layout.Slots())
	frame := engine.Render(layout, set, now)
	_ = bridge.Submit(frame)

	c.ticks.Add(1)
	if m := c.cfg.Metrics; m != nil {
		m.TickObserved(frame.Degraded)
		m.SetStreamingFeeds(c.streamingFeeds())
		c.recordFeedErrors(m)
	}
}

// recordFeedErrors feeds the delta of accumulated decode errors into the
// metrics registry.
func (c *Controller) recordFeedErrors(m *metrics.Metrics) {
	var total int64
	c.feedsMu.RLock()
	for _, a := range c.feeds {
		total += a.Stats().DecodeErrors
	}
	c.feedsMu.RUnlock()
	for delta := total - c.feedErrorsSeen; delta > 0; delta-- {
		m.FeedError()
	}
	if total > c.feedErrorsSeen {
		c.feedErrorsSeen = total
	}
}

// ringsSnapshot copies the slot-to-ring mapping for one tick.
func (c *Controller) ringsSnapshot() map[int]*media.Ring {
	c.feedsMu.RLock()
	defer c.feedsMu.RUnlock()
	rings := make(map[int]*media.Ring, len(c.feeds))
	for slot, a := range c.feeds {
		rings[slot] = a.Ring()
	}
	return rings
}

// fail drives the pipeline to Failed on an unrecoverable error. It is
// called from the composite loop and from the egress escalation hook, so
// it must not take the control mutex.
func (c *Controller) fail(err error) {
	for {
		s := State(c.state.Load())
		if s != StateStarting && s != StateRunning {
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateFailed)) {
			break
		}
	}
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
	c.log.Error("pipeline failed", "error", err)
	if c.cancel != nil {
		c.cancel()
	}
}

// Stop tears the pipeline down and drives it to Idle. It is idempotent,
// safe to call from any state, and bounded: if the composite loop or a
// feed adapter does not exit within the teardown timeout, resources are
// abandoned to the runtime and the state becomes Idle regardless.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch State(c.state.Load()) {
	case StateIdle:
		return nil
	case StateStopping:
		// Another caller is mid-teardown behind this mutex; by the time
		// we hold it, teardown has finished.
		c.state.Store(int32(StateIdle))
		return nil
	}
	c.state.Store(int32(StateStopping))
	c.log.Info("pipeline stopping")

	deadline := time.Now().Add(c.cfg.TeardownTimeout)

	if c.neg != nil {
		c.neg.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}

	loopDone := true
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(time.Until(deadline)):
			loopDone = false
			c.log.Warn("composite loop did not exit before teardown timeout")
		case <-ctx.Done():
			loopDone = false
		}
	}

	c.feedsMu.Lock()
	feeds := c.feeds
	c.feeds = nil
	c.feedsMu.Unlock()

	stopped := make(chan struct{})
	go func() {
		for _, a := range feeds {
			a.Stop()
		}
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Until(deadline)):
		c.log.Warn("feed adapters did not exit before teardown timeout")
	}

	if loopDone && c.bridge != nil {
		c.bridge.Close()
	}
	c.bridge = nil
	c.neg = nil
	c.engine = nil
	c.syncBuf = nil
	c.cancel = nil
	c.done = nil
	c.runCtx = nil

	c.state.Store(int32(StateIdle))
	c.log.Info("pipeline stopped")
	return nil
}

// UpdateLayout atomically replaces the composite layout without touching
// pipeline state or the active session. Invalid descriptors are rejected
// synchronously and leave the prior layout in place. Calls are serialized,
// so the render loop observes updates in commit order.
func (c *Controller) UpdateLayout(l compose.Layout) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch State(c.state.Load()) {
	case StateRunning, StateStarting:
	default:
		return fmt.Errorf("%w: %s", ErrNotRunning, c.State())
	}
	return c.engine.SetLayout(l)
}

// UpdateFeeds reconciles the running adapters against the new set of
// specs: removed slots are stopped and forgotten, new slots are started,
// and slots whose URL changed are restarted. The pipeline keeps running
// throughout; no session teardown is involved.
func (c *Controller) UpdateFeeds(ctx context.Context, specs []FeedSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch State(c.state.Load()) {
	case StateRunning, StateStarting:
	default:
		return fmt.Errorf("%w: %s", ErrNotRunning, c.State())
	}

	want := make(map[int]FeedSpec, len(specs))
	for _, spec := range specs {
		if _, dup := want[spec.Slot]; dup {
			return fmt.Errorf("slot %d specified twice", spec.Slot)
		}
		want[spec.Slot] = spec
	}

	// Validate everything before mutating anything.
	adds := make([]FeedSpec, 0)
	c.feedsMu.RLock()
	for slot, spec := range want {
		existing, ok := c.feeds[slot]
		if !ok || existing.Stats().URL != spec.URL {
			adds = append(adds, spec)
		}
	}
	c.feedsMu.RUnlock()
	newAdapters := make(map[int]*feed.Adapter, len(adds))
	for _, spec := range adds {
		a, err := c.newAdapter(spec)
		if err != nil {
			return err
		}
		newAdapters[spec.Slot] = a
	}

	c.feedsMu.Lock()
	var stop []*feed.Adapter
	for slot, a := range c.feeds {
		if spec, keep := want[slot]; !keep || a.Stats().URL != spec.URL {
			stop = append(stop, a)
			delete(c.feeds, slot)
			if _, replaced := want[slot]; !replaced {
				c.engine.ForgetSlot(slot)
			}
		}
	}
	for slot, a := range newAdapters {
		a.Start(c.runCtx)
		c.feeds[slot] = a
	}
	c.feedsMu.Unlock()

	// An adapter stuck mid-dial blocks its Stop until the transport
	// timeout; that must not hold the control surface, so the stops get
	// the same teardown bound Stop uses.
	if len(stop) > 0 {
		stopped := make(chan struct{})
		go func() {
			for _, a := range stop {
				a.Stop()
			}
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(c.cfg.TeardownTimeout):
			c.log.Warn("replaced feed adapters did not exit before teardown timeout")
		case <-ctx.Done():
		}
	}
	c.cfg.Feeds = specs
	c.log.Info("feeds updated", "active", len(want), "stopped", len(stop), "started", len(newAdapters))
	return nil
}

// ReconnectFeed revives a slot that has been marked Failed.
func (c *Controller) ReconnectFeed(slot int) error {
	c.feedsMu.RLock()
	a := c.feeds[slot]
	c.feedsMu.RUnlock()
	if a == nil {
		return fmt.Errorf("%w: %d", ErrNoSuchSlot, slot)
	}
	a.Reconnect()
	return nil
}

// HandleOffer forwards a session offer to the negotiator. Only permitted
// while the pipeline is starting or running; a failed negotiation
// terminates the session, never the pipeline.
func (c *Controller) HandleOffer(offer egress.Offer) (egress.Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch State(c.state.Load()) {
	case StateRunning, StateStarting:
	default:
		return egress.Answer{}, fmt.Errorf("%w: %s", ErrNotRunning, c.State())
	}
	answer, err := c.neg.HandleOffer(offer)
	if err == nil && c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionNegotiated()
	}
	return answer, err
}

// AddCandidate forwards a remote ICE candidate to the in-flight session.
func (c *Controller) AddCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.neg == nil {
		return ErrNotRunning
	}
	return c.neg.AddCandidate(cand)
}

// Candidates exposes the outbound ICE candidates of the current session.
// Returns nil when the pipeline is idle.
func (c *Controller) Candidates() <-chan webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.neg == nil {
		return nil
	}
	return c.neg.Candidates()
}
