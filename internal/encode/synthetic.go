package encode

import (
	"github.com/zsiec/aperture/internal/aac"
	"github.com/zsiec/aperture/internal/avc"
	"github.com/zsiec/aperture/media"
)

// syntheticSPS and syntheticPPS are real x264 high-profile parameter
// sets from a 1280x720 stream. Embedding genuine parameter sets keeps
// the decoder configuration record honest end to end: SPS parsing,
// avcC construction, and the start-code safety check all run against
// bytes a real encoder produced.
var syntheticSPS = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var syntheticPPS = []byte{0x68, 0xCE, 0x38, 0x80}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Synthetic payload sizes, roughly shaped like a 4 Mbps 30 fps stream.
const (
	defaultKeyframeBytes = 24 * 1024
	defaultDeltaBytes    = 4 * 1024
	defaultGOPSeconds    = 2
)

// SyntheticVideoConfig configures the synthetic H.264 encoder.
type SyntheticVideoConfig struct {
	FrameRate     int
	GOPSeconds    int // keyframe interval, default 2
	KeyframeBytes int // IDR slice payload size
	DeltaBytes    int // non-IDR slice payload size
}

// SyntheticVideo emits Annex-B access units: AUD+SPS+PPS+IDR on GOP
// boundaries, AUD+non-IDR otherwise. Slice payloads are pseudo-random
// bytes with the high bit forced, so no start-code or emulation
// sequence can occur inside a NAL unit.
type SyntheticVideo struct {
	config  SyntheticVideoConfig
	gopSize int64
	frames  int64
	flushed bool
}

var _ VideoEncoder = (*SyntheticVideo)(nil)

// NewSyntheticVideo creates a synthetic H.264 encoder.
func NewSyntheticVideo(config SyntheticVideoConfig) *SyntheticVideo {
	if config.GOPSeconds <= 0 {
		config.GOPSeconds = defaultGOPSeconds
	}
	if config.KeyframeBytes <= 0 {
		config.KeyframeBytes = defaultKeyframeBytes
	}
	if config.DeltaBytes <= 0 {
		config.DeltaBytes = defaultDeltaBytes
	}
	return &SyntheticVideo{
		config:  config,
		gopSize: int64(config.GOPSeconds) * int64(config.FrameRate),
	}
}

// DecoderConfig returns the avcC record for the embedded parameter
// sets, usable as encoder side data.
func (e *SyntheticVideo) DecoderConfig() ([]byte, error) {
	return avc.BuildDecoderConfig(syntheticSPS, syntheticPPS)
}

// Encode produces one access unit per frame; synthetic encoding has no
// delay and never buffers.
func (e *SyntheticVideo) Encode(frame media.PixelFrame) ([]media.EncodedPacket, error) {
	if e.flushed {
		return nil, ErrFlushed
	}
	n := e.frames
	e.frames++

	keyframe := n%e.gopSize == 0
	var au []byte
	if keyframe {
		au = appendNAL(au, []byte{0x09, 0x10}) // AUD, I-slice-only
		au = appendNAL(au, syntheticSPS)
		au = appendNAL(au, syntheticPPS)
		au = appendNAL(au, slicePayload(0x65, n, e.config.KeyframeBytes))
	} else {
		au = appendNAL(au, []byte{0x09, 0x30}) // AUD
		au = appendNAL(au, slicePayload(0x41, n, e.config.DeltaBytes))
	}

	return []media.EncodedPacket{{Data: au, Keyframe: keyframe}}, nil
}

// Flush terminates the encoder. The synthetic encoder holds no delayed
// frames, so flush output is always empty.
func (e *SyntheticVideo) Flush() ([]media.EncodedPacket, error) {
	if e.flushed {
		return nil, ErrFlushed
	}
	e.flushed = true
	return nil, nil
}

func appendNAL(au, nal []byte) []byte {
	au = append(au, startCode...)
	return append(au, nal...)
}

// slicePayload builds a pseudo slice NAL: header byte, then xorshift
// filler with the high bit forced so the payload cannot contain a zero
// byte, let alone a start code.
func slicePayload(header byte, seed int64, size int) []byte {
	out := make([]byte, size)
	out[0] = header
	x := uint64(seed)*0x9E3779B97F4A7C15 + 1
	for i := 1; i < size; i++ {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		out[i] = byte(x) | 0x80
	}
	return out
}

// SyntheticAudioConfig configures the synthetic AAC encoder.
type SyntheticAudioConfig struct {
	SampleRate int
	Channels   int
	FrameBytes int // raw payload size per frame, default 384 (~144 kbps)
}

const defaultAudioFrameBytes = 384

// SyntheticAudio emits one ADTS-framed pseudo-AAC packet per PCM
// block. The ADTS header is genuine; the payload is filler shaped by
// the block's timing.
type SyntheticAudio struct {
	config  SyntheticAudioConfig
	frames  int64
	flushed bool
}

var _ AudioEncoder = (*SyntheticAudio)(nil)

// NewSyntheticAudio creates a synthetic AAC encoder.
func NewSyntheticAudio(config SyntheticAudioConfig) *SyntheticAudio {
	if config.FrameBytes <= 0 {
		config.FrameBytes = defaultAudioFrameBytes
	}
	return &SyntheticAudio{config: config}
}

// Encode wraps one pseudo-AAC frame per block in an ADTS header.
func (e *SyntheticAudio) Encode(block media.PCMBlock) ([]media.EncodedPacket, error) {
	if e.flushed {
		return nil, ErrFlushed
	}
	n := e.frames
	e.frames++

	payload := make([]byte, e.config.FrameBytes)
	x := uint64(n)*0xD1342543DE82EF95 + 1
	for i := range payload {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		payload[i] = byte(x)
	}

	framed, err := aac.BuildADTS(payload, e.config.SampleRate, e.config.Channels)
	if err != nil {
		return nil, err
	}
	return []media.EncodedPacket{{Data: framed, Keyframe: true}}, nil
}

// Flush terminates the encoder; no delayed output.
func (e *SyntheticAudio) Flush() ([]media.EncodedPacket, error) {
	if e.flushed {
		return nil, ErrFlushed
	}
	e.flushed = true
	return nil, nil
}
