package avc

import (
	"errors"
	"testing"
)

// spsHigh720p is an x264 high-profile SPS from a real 1280x720 stream.
var spsHigh720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

// spsMain256x192 is a main-profile SPS with frame cropping, 256x192.
var spsMain256x192 = []byte{
	0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
	0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
	0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
	0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
	0x3a, 0x8e, 0x18, 0xc9,
}

func TestParseSPSHighProfile(t *testing.T) {
	t.Parallel()
	info, err := ParseSPS(spsHigh720p)
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}

	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("resolution: got %dx%d, want 1280x720", info.Width, info.Height)
	}
	if info.ProfileIDC != 100 {
		t.Errorf("profile: got %d, want 100", info.ProfileIDC)
	}
	if info.ConstraintFlags != 0x00 {
		t.Errorf("constraint flags: got 0x%02X, want 0x00", info.ConstraintFlags)
	}
	if info.LevelIDC != 31 {
		t.Errorf("level: got %d, want 31", info.LevelIDC)
	}
	if info.ChromaFormatIDC != 1 {
		t.Errorf("chroma_format_idc: got %d, want 1", info.ChromaFormatIDC)
	}
	if info.BitDepthLuma != 8 || info.BitDepthChroma != 8 {
		t.Errorf("bit depths: got %d/%d, want 8/8", info.BitDepthLuma, info.BitDepthChroma)
	}
	if !info.HighProfile() {
		t.Error("HighProfile returned false for profile 100")
	}
	if got := info.CodecString(); got != "avc1.64001F" {
		t.Errorf("codec string: got %q, want %q", got, "avc1.64001F")
	}
}

func TestParseSPSMainProfile(t *testing.T) {
	t.Parallel()
	info, err := ParseSPS(spsMain256x192)
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}

	if info.Width != 256 || info.Height != 192 {
		t.Errorf("resolution: got %dx%d, want 256x192", info.Width, info.Height)
	}
	if info.ProfileIDC != 77 {
		t.Errorf("profile: got %d, want 77", info.ProfileIDC)
	}
	// Main profile carries no explicit chroma fields; 4:2:0 8-bit implied.
	if info.ChromaFormatIDC != 1 || info.BitDepthLuma != 8 {
		t.Errorf("implied chroma/depth: got %d/%d", info.ChromaFormatIDC, info.BitDepthLuma)
	}
	if info.HighProfile() {
		t.Error("HighProfile returned true for profile 77")
	}
	if got := info.CodecString(); got != "avc1.4D401F" {
		t.Errorf("codec string: got %q, want %q", got, "avc1.4D401F")
	}
}

func TestParseSPSRejectsWrongNALType(t *testing.T) {
	t.Parallel()
	if _, err := ParseSPS([]byte{0x68, 0xCE, 0x38, 0x80}); err == nil {
		t.Error("expected error for PPS input")
	}
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()
	cases := [][]byte{nil, {0x67}, {0x67, 0x64}, {0x67, 0x64, 0x00}}
	for _, data := range cases {
		if _, err := ParseSPS(data); !errors.Is(err, errSPSTooShort) {
			t.Errorf("%x: got %v, want errSPSTooShort", data, err)
		}
	}
}

func TestParseSPSTruncated(t *testing.T) {
	t.Parallel()
	full, err := ParseSPS(spsHigh720p)
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}

	// The parser stops before the VUI, so long truncations still succeed.
	// Every truncation must either fail cleanly or agree with the full
	// parse; it must never panic or return different dimensions.
	for i := 4; i < len(spsHigh720p); i++ {
		info, err := ParseSPS(spsHigh720p[:i])
		if err != nil {
			continue
		}
		if info != full {
			t.Errorf("truncation at %d bytes: got %+v, want %+v", i, info, full)
		}
	}
}
