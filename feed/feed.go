// Package feed ingests one RTSP source per configured slot, decoding its
// video into timestamped raw frames for the composite loop. Each adapter
// runs an independent decode goroutine and hands frames to the composite
// loop only through its latest-frame ring, so a slow or dead source can
// never stall a tick.
package feed

import (
	"time"
)

// State is the transport state of one feed.
type State int32

// Feed transport states. Failed is sticky: the adapter stops dialing and
// decoding until an explicit Reconnect, so a broken camera cannot burn
// CPU retrying forever on the hot path.
const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Retry and failure defaults.
const (
	DefaultErrorThreshold = 5 // consecutive decode errors before Failed
	DefaultMaxRedials     = 5 // consecutive failed dials before Failed
	DefaultDialTimeout    = 10 * time.Second
	DefaultRedialMin      = 2 * time.Second
	DefaultRedialMax      = 30 * time.Second
)

// Stats is a point-in-time snapshot of one feed's health, serialized as
// JSON in the pipeline status report.
type Stats struct {
	Slot          int    `json:"slot"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	State         string `json:"state"`
	FramesDecoded int64  `json:"framesDecoded"`
	DecodeErrors  int64  `json:"decodeErrors"`
	Reconnects    int64  `json:"reconnects"`
	LastFrameMs   int64  `json:"lastFrameMs,omitempty"`
}
