package feed

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/mosaic/codec"
	"github.com/zsiec/mosaic/media"
)

type nopDecoder struct{}

func (nopDecoder) Decode([]byte, time.Duration) (image.Image, error) { return nil, nil }
func (nopDecoder) Close()                                            {}

func nopFactory() (codec.VideoDecoder, error) { return nopDecoder{}, nil }

func testConfig(slot int) Config {
	return Config{
		Slot:      slot,
		Name:      fmt.Sprintf("cam%d", slot),
		URL:       fmt.Sprintf("rtsp://127.0.0.1:8554/cam%d", slot),
		Decoder:   nopFactory,
		RedialMin: time.Millisecond,
		RedialMax: 4 * time.Millisecond,
	}
}

func waitForState(t *testing.T, a *Adapter, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state: got %s, want %s", a.State(), want)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"slot too low", func(c *Config) { c.Slot = 0 }},
		{"slot too high", func(c *Config) { c.Slot = 7 }},
		{"missing url", func(c *Config) { c.URL = "" }},
		{"missing decoder", func(c *Config) { c.Decoder = nil }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(1)
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected config rejection")
			}
		})
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(1))
	if err != nil {
		t.Fatal(err)
	}
	a.Stop() // must not block
	if got := a.State(); got != StateDisconnected {
		t.Errorf("state: got %s, want %s", got, StateDisconnected)
	}
}

func TestLoopRedialsWithBackoff(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(1))
	if err != nil {
		t.Fatal(err)
	}
	var dials atomic.Int64
	a.session = func(ctx context.Context) error {
		dials.Add(1)
		return errors.New("connection refused")
	}

	a.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for dials.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	a.Stop()

	if got := dials.Load(); got < 3 {
		t.Errorf("dial attempts: got %d, want at least 3", got)
	}
	if got := a.State(); got != StateDisconnected {
		t.Errorf("state after stop: got %s, want %s", got, StateDisconnected)
	}
}

func TestMaxRedialsParksInFailed(t *testing.T) {
	t.Parallel()

	cfg := testConfig(2)
	cfg.MaxRedials = 2
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var dials atomic.Int64
	a.session = func(ctx context.Context) error {
		dials.Add(1)
		return errors.New("connection refused")
	}

	a.Start(context.Background())
	waitForState(t, a, StateFailed)
	before := dials.Load()

	// Failed is sticky: no further dials without an explicit reconnect.
	time.Sleep(20 * time.Millisecond)
	if got := dials.Load(); got != before {
		t.Errorf("dials while parked: got %d, want %d", got, before)
	}
	a.Stop()
}

func TestDecodeThresholdFailsImmediately(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	var dials atomic.Int64
	a.session = func(ctx context.Context) error {
		dials.Add(1)
		return fmt.Errorf("%w after 5 errors", errDecodeThreshold)
	}

	a.Start(context.Background())
	waitForState(t, a, StateFailed)
	if got := dials.Load(); got != 1 {
		t.Errorf("dials before Failed: got %d, want 1", got)
	}
	a.Stop()
}

func TestReconnectRevivesFailedFeed(t *testing.T) {
	t.Parallel()

	cfg := testConfig(4)
	cfg.MaxRedials = 1
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var dials atomic.Int64
	a.session = func(ctx context.Context) error {
		dials.Add(1)
		return errors.New("connection refused")
	}

	a.Start(context.Background())
	waitForState(t, a, StateFailed)

	// A stale picture from the dead connection must not survive the revive.
	a.Ring().Push(&media.Frame{Slot: 4, Image: image.NewRGBA(image.Rect(0, 0, 1, 1)), Received: time.Now()})

	before := dials.Load()
	a.Reconnect()
	deadline := time.Now().Add(2 * time.Second)
	for dials.Load() == before && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := dials.Load(); got == before {
		t.Fatal("reconnect did not restart dialing")
	}
	if got := a.Ring().Len(); got != 0 {
		t.Errorf("ring after reconnect: got %d frames, want 0", got)
	}
	if got := a.Stats().Reconnects; got < 1 {
		t.Errorf("reconnect counter: got %d, want at least 1", got)
	}
	a.Stop()
}

func TestReconnectIgnoredWhileHealthy(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(5))
	if err != nil {
		t.Fatal(err)
	}
	streaming := make(chan struct{})
	a.session = func(ctx context.Context) error {
		a.setState(StateStreaming)
		close(streaming)
		<-ctx.Done()
		return ctx.Err()
	}

	a.Start(context.Background())
	<-streaming
	a.Reconnect()
	if got := a.State(); got != StateStreaming {
		t.Errorf("state after reconnect on healthy feed: got %s, want %s", got, StateStreaming)
	}
	a.Stop()
}

func TestStatsSnapshot(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(6))
	if err != nil {
		t.Fatal(err)
	}
	a.framesDecoded.Store(42)
	a.decodeErrors.Store(3)

	got := a.Stats()
	if got.Slot != 6 || got.Name != "cam6" {
		t.Errorf("identity: got slot %d name %q", got.Slot, got.Name)
	}
	if got.FramesDecoded != 42 || got.DecodeErrors != 3 {
		t.Errorf("counters: got %d/%d, want 42/3", got.FramesDecoded, got.DecodeErrors)
	}
	if got.State != StateDisconnected.String() {
		t.Errorf("state: got %q, want %q", got.State, StateDisconnected)
	}
}

func TestDurationFromPTS(t *testing.T) {
	t.Parallel()

	if got, want := durationFromPTS(90000), time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := durationFromPTS(3000), 33333333*time.Nanosecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
