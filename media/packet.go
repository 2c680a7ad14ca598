// Package media defines the value types that flow through the Aperture
// pipeline, from capture through mixing, encoding, muxing, and egress.
package media

// PacketKind distinguishes elementary streams where a decision depends on
// the stream class rather than the stream index (drop policy, gating).
type PacketKind int

const (
	KindVideo PacketKind = iota
	KindAudio
)

func (k PacketKind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// PCMBlock is one mixed block of interleaved float32 audio handed to the
// audio encoder. PTSFrames counts samples per channel since the engine
// started (time base 1/sampleRate); it is the audio clock, independent of
// wall time. FrameCount always equals the encoder block size by the time a
// block leaves the engine; short mixes are silence-padded, never delivered
// short.
type PCMBlock struct {
	Samples    []float32
	FrameCount int
	Channels   int
	PTSFrames  int64
}

// PixelFrame is one captured RGBA frame. FrameIndex counts produced frames
// on the constant-frame-rate schedule (time base 1/fps); capture wall time
// never reaches the encoder.
type PixelFrame struct {
	Pixels     []byte
	Width      int
	Height     int
	FrameIndex int64
}

// EncodedPacket is opaque encoder output: compressed bytes plus a keyframe
// flag. It deliberately carries no timestamp. Encoders may reorder, batch,
// or delay internally; only the muxer assigns time, from its own clocks.
type EncodedPacket struct {
	Data     []byte
	Keyframe bool
}

// QueuedPacket is a container-ready packet between the muxer and egress:
// framed payload, container timestamps in the stream's time base, and a
// derived microsecond DTS used only for cross-stream ordering, latency
// accounting, and real-time pacing (never written to the container).
// Ownership moves muxer -> StreamBuffer -> egress; it is never shared.
type QueuedPacket struct {
	StreamIndex int
	Kind        PacketKind
	Keyframe    bool
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	DTSMicros   int64
}

// CodecID identifies the elementary stream codec. The pipeline models
// H.264 video and AAC audio; the sink contract (AVCC framing, 2-byte
// AudioSpecificConfig) is specific to this pair.
type CodecID int

const (
	CodecH264 CodecID = iota
	CodecAAC
)

func (c CodecID) String() string {
	if c == CodecAAC {
		return "aac"
	}
	return "h264"
}

// StreamDescriptor is the per-stream metadata a container needs before any
// frame data: index, time base, codec, and the decoder configuration record
// (AVCDecoderConfigurationRecord for video, AudioSpecificConfig for audio).
// It is built at setup and amended at most once, when real parameter sets
// first become available; the muxer treats it as immutable afterwards.
type StreamDescriptor struct {
	Index         int
	Kind          PacketKind
	Codec         CodecID
	TimeBase      Rational
	DecoderConfig []byte

	// Video
	Width     int
	Height    int
	FrameRate int

	// Audio
	SampleRate int
	Channels   int
}
