package codec

import (
	"bytes"
	"testing"
)

// NAL headers: low 5 bits carry the type. 0x65 = IDR, 0x41 = non-IDR
// slice, 0x67 = SPS, 0x68 = PPS.
var (
	idrNALU   = []byte{0x65, 0x88, 0x84}
	sliceNALU = []byte{0x41, 0x9a, 0x02}
	testSPS   = []byte{0x67, 0x42, 0x00, 0x1e}
	testPPS   = []byte{0x68, 0xce, 0x38, 0x80}
)

func TestMarshalAnnexB(t *testing.T) {
	t.Parallel()

	got := MarshalAnnexB([][]byte{testSPS, idrNALU})
	want := append(append(append(append([]byte{},
		0, 0, 0, 1), testSPS...),
		0, 0, 0, 1), idrNALU...)
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestMarshalAnnexBEmpty(t *testing.T) {
	t.Parallel()

	if got := MarshalAnnexB(nil); len(got) != 0 {
		t.Errorf("empty access unit: got % x, want empty", got)
	}
}

func TestIsRandomAccess(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		au   [][]byte
		want bool
	}{
		{"idr only", [][]byte{idrNALU}, true},
		{"idr after parameter sets", [][]byte{testSPS, testPPS, idrNALU}, true},
		{"non-idr slice", [][]byte{sliceNALU}, false},
		{"empty nalu ignored", [][]byte{{}, sliceNALU}, false},
		{"empty unit", nil, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRandomAccess(tc.au); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWithParameterSetsPrependsOnIDR(t *testing.T) {
	t.Parallel()

	au := [][]byte{idrNALU}
	got := WithParameterSets(au, testSPS, testPPS)
	if len(got) != 3 {
		t.Fatalf("got %d NALUs, want 3", len(got))
	}
	if !bytes.Equal(got[0], testSPS) || !bytes.Equal(got[1], testPPS) || !bytes.Equal(got[2], idrNALU) {
		t.Errorf("got % x, want sps, pps, idr", got)
	}
}

func TestWithParameterSetsLeavesNonIDRAlone(t *testing.T) {
	t.Parallel()

	au := [][]byte{sliceNALU}
	got := WithParameterSets(au, testSPS, testPPS)
	if len(got) != 1 || !bytes.Equal(got[0], sliceNALU) {
		t.Errorf("got % x, want unchanged % x", got, au)
	}
}

func TestWithParameterSetsSkipsWhenAlreadyPresent(t *testing.T) {
	t.Parallel()

	au := [][]byte{testSPS, testPPS, idrNALU}
	got := WithParameterSets(au, testSPS, testPPS)
	if len(got) != 3 {
		t.Errorf("got %d NALUs, want unchanged 3", len(got))
	}
}
