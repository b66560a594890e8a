package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/pion/rtp"

	"github.com/zsiec/mosaic/codec"
	"github.com/zsiec/mosaic/media"
)

// errDecodeThreshold terminates a session after too many consecutive
// decode failures; the loop maps it to the Failed state.
var errDecodeThreshold = errors.New("consecutive decode error threshold reached")

// Config describes one feed adapter.
type Config struct {
	Slot    int
	Name    string
	URL     string
	Decoder codec.DecoderFactory

	// Zero values fall back to the package defaults.
	ErrorThreshold int
	MaxRedials     int
	DialTimeout    time.Duration
	RedialMin      time.Duration
	RedialMax      time.Duration

	Log *slog.Logger
}

// Adapter connects one RTSP source, depacketizes and decodes its H.264
// video, and publishes raw frames to its ring. Create with New, start
// with Start, and stop with Stop; Reconnect revives a Failed adapter.
type Adapter struct {
	cfg  Config
	log  *slog.Logger
	ring *media.Ring

	state         atomic.Int32
	framesDecoded atomic.Int64
	decodeErrors  atomic.Int64
	reconnects    atomic.Int64
	lastFrame     atomic.Int64

	reconnectCh chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}

	// session is swapped in tests to exercise the retry loop without a
	// live RTSP server.
	session func(ctx context.Context) error
}

// New creates an Adapter. It does not connect until Start is called.
func New(cfg Config) (*Adapter, error) {
	if cfg.Slot < media.MinSlot || cfg.Slot > media.MaxSlot {
		return nil, fmt.Errorf("slot %d outside valid range %d..%d", cfg.Slot, media.MinSlot, media.MaxSlot)
	}
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("decoder factory is required")
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}
	if cfg.MaxRedials <= 0 {
		cfg.MaxRedials = DefaultMaxRedials
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.RedialMin <= 0 {
		cfg.RedialMin = DefaultRedialMin
	}
	if cfg.RedialMax <= 0 {
		cfg.RedialMax = DefaultRedialMax
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		cfg:         cfg,
		log:         log.With("component", "feed", "slot", cfg.Slot),
		ring:        media.NewRing(media.RingSize),
		reconnectCh: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	a.session = a.rtspSession
	return a, nil
}

// Ring returns the latest-frame ring this adapter publishes into.
func (a *Adapter) Ring() *media.Ring { return a.ring }

// Slot returns the adapter's slot id.
func (a *Adapter) Slot() int { return a.cfg.Slot }

// State returns the current transport state.
func (a *Adapter) State() State { return State(a.state.Load()) }

func (a *Adapter) setState(s State) {
	if a.state.Swap(int32(s)) != int32(s) {
		a.log.Info("feed state", "state", s.String())
	}
}

// Stats returns a snapshot of the feed's health counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Slot:          a.cfg.Slot,
		Name:          a.cfg.Name,
		URL:           a.cfg.URL,
		State:         a.State().String(),
		FramesDecoded: a.framesDecoded.Load(),
		DecodeErrors:  a.decodeErrors.Load(),
		Reconnects:    a.reconnects.Load(),
		LastFrameMs:   a.lastFrame.Load(),
	}
}

// Start launches the connect/decode loop. It returns immediately; the
// loop runs until Stop or the context is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.loop(ctx)
}

// Stop cancels the decode loop and waits for it to release its resources.
// Calling Stop on a never-started adapter is a no-op.
func (a *Adapter) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

// Reconnect revives a Failed adapter, clearing its ring so no stale
// pictures from the dead connection reach the composite. It is a no-op
// in any other state.
func (a *Adapter) Reconnect() {
	if a.State() != StateFailed {
		return
	}
	select {
	case a.reconnectCh <- struct{}{}:
	default:
	}
}

// loop dials, streams, and redials with exponential backoff. Sustained
// failure (either too many consecutive decode errors inside a session or
// too many consecutive failed dials) parks the feed in Failed until
// Reconnect; other feeds and the composite loop are unaffected.
func (a *Adapter) loop(ctx context.Context) {
	defer close(a.done)
	defer a.setState(StateDisconnected)

	backoff := a.cfg.RedialMin
	dialFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}
		a.setState(StateConnecting)

		err := a.session(ctx)
		if ctx.Err() != nil {
			return
		}

		failed := false
		if errors.Is(err, errDecodeThreshold) {
			a.log.Warn("feed failed", "error", err)
			failed = true
		} else {
			dialFailures++
			a.log.Warn("feed session ended", "error", err, "consecutive_failures", dialFailures)
			if dialFailures >= a.cfg.MaxRedials {
				failed = true
			}
		}

		if failed {
			a.setState(StateFailed)
			select {
			case <-ctx.Done():
				return
			case <-a.reconnectCh:
				a.log.Info("explicit reconnect requested")
				a.ring.Reset()
				a.reconnects.Add(1)
				backoff = a.cfg.RedialMin
				dialFailures = 0
			}
			continue
		}

		a.setState(StateDisconnected)
		a.reconnects.Add(1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.cfg.RedialMax {
			backoff = a.cfg.RedialMax
		}
	}
}

// rtspSession runs one RTSP connection to completion: describe, set up
// the first H.264 media, decode access units into the ring. It returns
// when the server drops the connection, the context is cancelled, or the
// decode error threshold trips.
func (a *Adapter) rtspSession(ctx context.Context) error {
	dec, err := a.cfg.Decoder()
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	defer dec.Close()

	u, err := base.ParseURL(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	transport := gortsplib.TransportTCP
	c := &gortsplib.Client{
		Transport:    &transport,
		ReadTimeout:  a.cfg.DialTimeout,
		WriteTimeout: a.cfg.DialTimeout,
	}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	desc, _, err := c.Describe(u)
	if err != nil {
		return fmt.Errorf("describe: %w", err)
	}

	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		return errors.New("no h264 media found")
	}

	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		return fmt.Errorf("create rtp decoder: %w", err)
	}

	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	fatal := make(chan error, 1)
	consecutive := 0
	sawKeyframe := false

	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		pts, ok := c.PacketPTS2(medi, pkt)
		if !ok {
			return
		}
		au, err := rtpDec.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) &&
				!errors.Is(err, rtph264.ErrMorePacketsNeeded) {
				a.log.Debug("rtp decode", "error", err)
			}
			return
		}

		// Decode cannot start mid-GOP; wait for the first recovery point.
		if !sawKeyframe {
			if !codec.IsRandomAccess(au) {
				return
			}
			sawKeyframe = true
		}

		au = codec.WithParameterSets(au, forma.SPS, forma.PPS)
		img, err := dec.Decode(codec.MarshalAnnexB(au), durationFromPTS(pts))
		if err != nil {
			a.decodeErrors.Add(1)
			consecutive++
			a.log.Warn("decode error", "error", err, "consecutive", consecutive)
			if consecutive >= a.cfg.ErrorThreshold {
				select {
				case fatal <- fmt.Errorf("%w after %d errors", errDecodeThreshold, consecutive):
				default:
				}
			}
			return
		}
		consecutive = 0
		if img == nil {
			return // decoder still buffering
		}

		now := time.Now()
		a.ring.Push(&media.Frame{
			Slot:     a.cfg.Slot,
			Image:    img,
			PTS:      durationFromPTS(pts),
			Received: now,
		})
		a.framesDecoded.Add(1)
		a.lastFrame.Store(now.UnixMilli())
		a.setState(StateStreaming)
	})

	if _, err := c.Play(nil); err != nil {
		return fmt.Errorf("play: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- c.Wait() }()

	select {
	case <-ctx.Done():
		c.Close()
		<-waitErr
		return ctx.Err()
	case err := <-fatal:
		return err
	case err := <-waitErr:
		return fmt.Errorf("session: %w", err)
	}
}

// durationFromPTS converts a 90 kHz RTP timestamp to a duration.
func durationFromPTS(pts int64) time.Duration {
	return time.Duration(pts) * time.Second / 90000
}
