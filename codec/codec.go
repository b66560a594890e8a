// Package codec wraps H.264 decoding and encoding behind small interfaces
// so the feed and egress layers stay independent of the ffmpeg binding.
package codec

import (
	"image"
	"time"
)

// VideoDecoder turns Annex-B H.264 access units into raw pictures.
// Decode may return (nil, nil) while the decoder is buffering reference
// frames and has no picture to emit yet.
type VideoDecoder interface {
	Decode(annexB []byte, pts time.Duration) (image.Image, error)
	Close()
}

// VideoEncoder turns raw pictures into Annex-B H.264 access units.
// Encode may return (nil, nil) while the encoder is buffering.
type VideoEncoder interface {
	Encode(img image.Image, pts time.Duration) ([]byte, error)
	Close()
}

// DecoderFactory produces one decoder per feed connection; each feed
// adapter owns its decoder for the lifetime of a single RTSP session.
type DecoderFactory func() (VideoDecoder, error)

// EncoderFactory produces the egress encoder for the configured output
// resolution and frame rate.
type EncoderFactory func(width, height, fps int) (VideoEncoder, error)
