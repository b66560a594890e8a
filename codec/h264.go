package codec

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/asticode/go-astiav"
)

// ptsClock is the 90 kHz clock both codec contexts run on, matching the
// RTP video timestamp rate.
const ptsClock = 90000

// H264Decoder decodes Annex-B H.264 access units to raw pictures using
// ffmpeg via go-astiav. Not safe for concurrent use; each feed adapter
// owns one.
type H264Decoder struct {
	cc  *astiav.CodecContext
	pkt *astiav.Packet
	fr  *astiav.Frame
}

// NewH264Decoder opens an ffmpeg H.264 decoder context.
func NewH264Decoder() (VideoDecoder, error) {
	c := astiav.FindDecoder(astiav.CodecIDH264)
	if c == nil {
		return nil, errors.New("h264 decoder not found")
	}
	cc := astiav.AllocCodecContext(c)
	if cc == nil {
		return nil, errors.New("alloc codec context failed")
	}
	if err := cc.Open(c, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("open decoder: %w", err)
	}
	return &H264Decoder{
		cc:  cc,
		pkt: astiav.AllocPacket(),
		fr:  astiav.AllocFrame(),
	}, nil
}

// Decode feeds one access unit to the decoder and returns the newest
// decoded picture, or (nil, nil) when the decoder has nothing to emit yet.
func (d *H264Decoder) Decode(annexB []byte, pts time.Duration) (image.Image, error) {
	if err := d.pkt.FromData(annexB); err != nil {
		return nil, fmt.Errorf("packet from data: %w", err)
	}
	d.pkt.SetPts(int64(pts.Seconds() * ptsClock))
	if err := d.cc.SendPacket(d.pkt); err != nil {
		return nil, fmt.Errorf("send packet: %w", err)
	}

	var img image.Image
	for {
		if err := d.cc.ReceiveFrame(d.fr); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				break
			}
			return nil, fmt.Errorf("receive frame: %w", err)
		}
		out, err := d.fr.Data().GuessImageFormat()
		if err != nil {
			d.fr.Unref()
			return nil, fmt.Errorf("guess image format: %w", err)
		}
		if err := d.fr.Data().ToImage(out); err != nil {
			d.fr.Unref()
			return nil, fmt.Errorf("frame to image: %w", err)
		}
		d.fr.Unref()
		img = out
	}
	return img, nil
}

// Close releases the decoder's ffmpeg resources.
func (d *H264Decoder) Close() {
	d.fr.Free()
	d.pkt.Free()
	d.cc.Free()
}

// H264Encoder encodes raw pictures to Annex-B H.264 using ffmpeg's x264
// with zero-latency tuning, mirroring the low-latency settings a live
// compositor needs (no lookahead, no B-frame delay). Not safe for
// concurrent use; the egress bridge owns one.
type H264Encoder struct {
	cc     *astiav.CodecContext
	pkt    *astiav.Packet
	src    *astiav.Frame
	dst    *astiav.Frame
	ssc    *astiav.SoftwareScaleContext
	width  int
	height int
	srcW   int
	srcH   int
}

// NewH264Encoder opens an x264 encoder context for the given output
// resolution and frame rate.
func NewH264Encoder(width, height, fps int) (VideoEncoder, error) {
	c := astiav.FindEncoderByName("libx264")
	if c == nil {
		c = astiav.FindEncoder(astiav.CodecIDH264)
	}
	if c == nil {
		return nil, errors.New("h264 encoder not found")
	}

	cc := astiav.AllocCodecContext(c)
	if cc == nil {
		return nil, errors.New("alloc codec context failed")
	}
	cc.SetWidth(width)
	cc.SetHeight(height)
	cc.SetPixelFormat(astiav.PixelFormatYuv420P)
	cc.SetTimeBase(astiav.NewRational(1, ptsClock))
	cc.SetFramerate(astiav.NewRational(fps, 1))
	cc.SetGopSize(fps * 2)
	cc.SetBitRate(2048 * 1000)

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("preset", "ultrafast", astiav.NewDictionaryFlags())
	_ = opts.Set("tune", "zerolatency", astiav.NewDictionaryFlags())

	if err := cc.Open(c, opts); err != nil {
		cc.Free()
		return nil, fmt.Errorf("open encoder: %w", err)
	}

	dst := astiav.AllocFrame()
	dst.SetWidth(width)
	dst.SetHeight(height)
	dst.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		cc.Free()
		return nil, fmt.Errorf("alloc frame buffer: %w", err)
	}

	return &H264Encoder{
		cc:     cc,
		pkt:    astiav.AllocPacket(),
		dst:    dst,
		width:  width,
		height: height,
	}, nil
}

// ensureSrc (re)creates the RGBA staging frame and scale context when the
// input picture size changes, e.g. after a layout update with a new canvas.
func (e *H264Encoder) ensureSrc(w, h int) error {
	if e.src != nil && w == e.srcW && h == e.srcH {
		return nil
	}
	if e.src != nil {
		e.src.Free()
		e.src = nil
	}
	if e.ssc != nil {
		e.ssc.Free()
		e.ssc = nil
	}

	src := astiav.AllocFrame()
	src.SetWidth(w)
	src.SetHeight(h)
	src.SetPixelFormat(astiav.PixelFormatRgba)
	if err := src.AllocBuffer(1); err != nil {
		src.Free()
		return fmt.Errorf("alloc source buffer: %w", err)
	}

	ssc, err := astiav.CreateSoftwareScaleContext(
		w, h, astiav.PixelFormatRgba,
		e.width, e.height, astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		src.Free()
		return fmt.Errorf("create scale context: %w", err)
	}

	e.src = src
	e.ssc = ssc
	e.srcW = w
	e.srcH = h
	return nil
}

// Encode converts the picture to YUV 4:2:0, runs one encode step, and
// returns the resulting Annex-B access unit, or (nil, nil) while the
// encoder is buffering.
func (e *H264Encoder) Encode(img image.Image, pts time.Duration) ([]byte, error) {
	b := img.Bounds()
	if err := e.ensureSrc(b.Dx(), b.Dy()); err != nil {
		return nil, err
	}
	if err := e.src.Data().FromImage(img); err != nil {
		return nil, fmt.Errorf("frame from image: %w", err)
	}
	if err := e.ssc.ScaleFrame(e.src, e.dst); err != nil {
		return nil, fmt.Errorf("scale frame: %w", err)
	}
	e.dst.SetPts(int64(pts.Seconds() * ptsClock))

	if err := e.cc.SendFrame(e.dst); err != nil {
		return nil, fmt.Errorf("send frame: %w", err)
	}

	var out []byte
	for {
		if err := e.cc.ReceivePacket(e.pkt); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				break
			}
			return nil, fmt.Errorf("receive packet: %w", err)
		}
		out = append(out, e.pkt.Data()...)
		e.pkt.Unref()
	}
	return out, nil
}

// Close releases the encoder's ffmpeg resources.
func (e *H264Encoder) Close() {
	if e.ssc != nil {
		e.ssc.Free()
	}
	if e.src != nil {
		e.src.Free()
	}
	e.dst.Free()
	e.pkt.Free()
	e.cc.Free()
}
