// Package egress encodes composite frames into H.264 samples and delivers
// them over a negotiated WebRTC peer connection. The Bridge owns the
// encoder and the binding to the current session's track; the Negotiator
// owns the signaling state machine that creates and destroys sessions.
package egress

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/zsiec/mosaic/codec"
	"github.com/zsiec/mosaic/media"
)

// DefaultEncodeFailureThreshold is the number of consecutive encode or
// write failures tolerated before the bridge escalates a fatal error.
// One dropped frame is invisible; a second of them means the encoder is
// gone for good.
const DefaultEncodeFailureThreshold = 30

// Sink receives encoded samples; *webrtc.TrackLocalStaticSample satisfies it.
type Sink interface {
	WriteSample(s pionmedia.Sample) error
}

// BridgeStats is a point-in-time snapshot of encode and delivery counters.
type BridgeStats struct {
	FramesEncoded   int64 `json:"framesEncoded"`
	EncodeErrors    int64 `json:"encodeErrors"`
	SamplesWritten  int64 `json:"samplesWritten"`
	BytesWritten    int64 `json:"bytesWritten"`
	Bound           bool  `json:"bound"`
	DegradedSkipped int64 `json:"degradedSkipped"`
}

// Bridge encodes composite frames and forwards the samples to the bound
// session's track. Frames are encoded even while no session is bound so
// the encoder state stays warm; the samples are simply discarded until a
// viewer connects.
type Bridge struct {
	log       *slog.Logger
	enc       codec.VideoEncoder
	interval  time.Duration
	threshold int
	onFatal   func(error)

	mu          sync.Mutex
	sink        Sink
	consecutive int
	fatalSent   bool

	framesEncoded  atomic.Int64
	encodeErrors   atomic.Int64
	samplesWritten atomic.Int64
	bytesWritten   atomic.Int64
	degradedSkip   atomic.Int64
}

// NewBridge creates a Bridge. onFatal is invoked at most once per bound
// period when the consecutive failure threshold trips; pass the pipeline
// controller's escalation hook. A non-positive threshold uses the default.
func NewBridge(enc codec.VideoEncoder, frameInterval time.Duration, threshold int, onFatal func(error), log *slog.Logger) *Bridge {
	if threshold <= 0 {
		threshold = DefaultEncodeFailureThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		log:       log.With("component", "egress-bridge"),
		enc:       enc,
		interval:  frameInterval,
		threshold: threshold,
		onFatal:   onFatal,
	}
}

// Bind attaches the bridge's output to a session's track.
func (b *Bridge) Bind(sink Sink) {
	b.mu.Lock()
	b.sink = sink
	b.consecutive = 0
	b.fatalSent = false
	b.mu.Unlock()
	b.log.Info("bound to session track")
}

// Unbind detaches the bridge from the current session, discarding
// subsequent samples. Safe to call when not bound.
func (b *Bridge) Unbind() {
	b.mu.Lock()
	wasBound := b.sink != nil
	b.sink = nil
	b.mu.Unlock()
	if wasBound {
		b.log.Info("unbound from session track")
	}
}

// Bound reports whether a session track is currently attached.
func (b *Bridge) Bound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink != nil
}

// Submit encodes one composite frame and writes the resulting sample to
// the bound track, if any. A degraded frame re-emits the previous
// picture, which the encoder can compress cheaply, so it is submitted
// like any other. Per-frame failures are tolerated up to the threshold
// and then escalated once through onFatal; any submit that completes
// without a failure resets the streak, so only genuinely consecutive
// failures count as sustained.
func (b *Bridge) Submit(f *media.CompositeFrame) error {
	if f.Degraded {
		b.degradedSkip.Add(1)
	}

	au, err := b.enc.Encode(f.Image, f.PTS)
	if err != nil {
		b.fail(fmt.Errorf("encode: %w", err))
		return nil
	}
	b.framesEncoded.Add(1)
	if au == nil {
		b.resetStreak() // encoder buffering
		return nil
	}

	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink == nil {
		b.resetStreak()
		return nil
	}

	if err := sink.WriteSample(pionmedia.Sample{Data: au, Duration: b.interval}); err != nil {
		b.fail(fmt.Errorf("write sample: %w", err))
		return nil
	}
	b.samplesWritten.Add(1)
	b.bytesWritten.Add(int64(len(au)))

	b.resetStreak()
	return nil
}

func (b *Bridge) resetStreak() {
	b.mu.Lock()
	b.consecutive = 0
	b.mu.Unlock()
}

// fail records a non-fatal frame failure and escalates when the
// consecutive count crosses the threshold.
func (b *Bridge) fail(err error) {
	b.encodeErrors.Add(1)

	b.mu.Lock()
	b.consecutive++
	n := b.consecutive
	escalate := n >= b.threshold && !b.fatalSent
	if escalate {
		b.fatalSent = true
	}
	b.mu.Unlock()

	b.log.Warn("frame delivery failed", "error", err, "consecutive", n)
	if escalate && b.onFatal != nil {
		b.onFatal(fmt.Errorf("sustained egress failure (%d consecutive): %w", n, err))
	}
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		FramesEncoded:   b.framesEncoded.Load(),
		EncodeErrors:    b.encodeErrors.Load(),
		SamplesWritten:  b.samplesWritten.Load(),
		BytesWritten:    b.bytesWritten.Load(),
		Bound:           b.Bound(),
		DegradedSkipped: b.degradedSkip.Load(),
	}
}

// Close releases the encoder.
func (b *Bridge) Close() {
	b.Unbind()
	b.enc.Close()
}
