package codec

import (
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

var startCode = []byte{0, 0, 0, 1}

// MarshalAnnexB serializes the NAL units of one access unit into a single
// Annex-B byte stream, the form ffmpeg's H.264 decoder consumes.
func MarshalAnnexB(au [][]byte) []byte {
	size := 0
	for _, nalu := range au {
		size += len(startCode) + len(nalu)
	}
	buf := make([]byte, 0, size)
	for _, nalu := range au {
		buf = append(buf, startCode...)
		buf = append(buf, nalu...)
	}
	return buf
}

// IsRandomAccess reports whether the access unit contains an IDR slice,
// meaning decode can start or restart from it.
func IsRandomAccess(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// WithParameterSets returns the access unit with sps and pps prepended
// when the unit contains an IDR and does not already carry its own
// parameter sets. Decoders joining mid-stream need them on every
// recovery point.
func WithParameterSets(au [][]byte, sps, pps []byte) [][]byte {
	if !IsRandomAccess(au) {
		return au
	}
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		typ := h264.NALUType(nalu[0] & 0x1F)
		if typ == h264.NALUTypeSPS || typ == h264.NALUTypePPS {
			return au
		}
	}
	out := make([][]byte, 0, len(au)+2)
	if len(sps) > 0 {
		out = append(out, sps)
	}
	if len(pps) > 0 {
		out = append(out, pps)
	}
	return append(out, au...)
}
