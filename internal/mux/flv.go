package mux

import (
	"fmt"
	"io"

	"github.com/zsiec/aperture/internal/amf0"
	"github.com/zsiec/aperture/media"
)

// FLV tag types.
const (
	FLVTagAudio  = 0x08
	FLVTagVideo  = 0x09
	FLVTagScript = 0x12
)

// FLV video tag body prefixes. FrameType in the high nibble (1 = key,
// 2 = inter), CodecID 7 (AVC) in the low nibble.
const (
	flvVideoKeyframe   = 0x17
	flvVideoInterframe = 0x27
)

// AVCPacketType / AACPacketType values inside tag bodies.
const (
	flvAVCSequenceHeader = 0
	flvAVCNALU           = 1
	flvAVCEndOfSequence  = 2
	flvAACSequenceHeader = 0
	flvAACRaw            = 1
)

// flvAudioHeader is the audio tag header byte for AAC: SoundFormat 10,
// SoundRate 3, SoundSize 1, SoundType 1. For AAC the rate/size/type bits
// are fixed by the FLV spec regardless of the actual stream parameters.
const flvAudioHeader = 0xAF

// TagSink consumes FLV tag bodies with millisecond timestamps. The three
// container destinations differ only in how a body is framed: a file
// sink wraps it in an FLV tag, the RTMP client sends it as a message on
// the media chunk stream, and the fanout relay caches framed tags for
// live viewers.
type TagSink interface {
	WriteMetaData(body []byte) error
	WriteVideoTag(body []byte, timestampMS uint32, keyframe bool) error
	WriteAudioTag(body []byte, timestampMS uint32) error
	Close() error
}

// FLVWriter translates container packets into FLV tag bodies. Video
// packets arrive with millisecond timestamps already (video time base
// 1/1000); audio stays on the sample clock until the tag is cut, so the
// rounding happens exactly once per packet.
type FLVWriter struct {
	sink       TagSink
	sampleRate int
	audioTB    media.Rational
}

var _ ContainerWriter = (*FLVWriter)(nil)

// NewFLVWriter creates a writer cutting FLV tags into sink.
func NewFLVWriter(sink TagSink, sampleRate int) *FLVWriter {
	return &FLVWriter{
		sink:       sink,
		sampleRate: sampleRate,
		audioTB:    media.Rational{Num: 1, Den: int64(sampleRate)},
	}
}

// VideoTimeBase is milliseconds, FLV's native tag clock.
func (w *FLVWriter) VideoTimeBase() media.Rational { return media.Millis }

// AudioTimeBase keeps audio in sample units to avoid millisecond
// rounding jitter accumulating upstream of the tag cut.
func (w *FLVWriter) AudioTimeBase() media.Rational { return w.audioTB }

// WriteHeader emits the onMetaData script tag and both sequence headers.
// Decoder configurations must be present on the descriptors; the muxer
// guarantees that by deferring the header until they exist.
func (w *FLVWriter) WriteHeader(video, audio *media.StreamDescriptor) error {
	if len(video.DecoderConfig) == 0 || len(audio.DecoderConfig) == 0 {
		return fmt.Errorf("flv: missing decoder config (video=%d audio=%d bytes)",
			len(video.DecoderConfig), len(audio.DecoderConfig))
	}

	if err := w.sink.WriteMetaData(OnMetaData(video, audio)); err != nil {
		return err
	}

	// AVC sequence header: packet type 0, zero composition time, avcC.
	vbody := make([]byte, 0, 5+len(video.DecoderConfig))
	vbody = append(vbody, flvVideoKeyframe, flvAVCSequenceHeader, 0, 0, 0)
	vbody = append(vbody, video.DecoderConfig...)
	if err := w.sink.WriteVideoTag(vbody, 0, true); err != nil {
		return err
	}

	// AAC sequence header: packet type 0, AudioSpecificConfig.
	abody := make([]byte, 0, 2+len(audio.DecoderConfig))
	abody = append(abody, flvAudioHeader, flvAACSequenceHeader)
	abody = append(abody, audio.DecoderConfig...)
	return w.sink.WriteAudioTag(abody, 0)
}

// WritePacket cuts one FLV tag from a container packet.
func (w *FLVWriter) WritePacket(pkt *media.QueuedPacket) error {
	if pkt.Kind == media.KindAudio {
		body := make([]byte, 0, 2+len(pkt.Data))
		body = append(body, flvAudioHeader, flvAACRaw)
		body = append(body, pkt.Data...)
		ms := media.RescaleRounded(pkt.DTS, w.audioTB, media.Millis)
		return w.sink.WriteAudioTag(body, uint32(ms))
	}

	frameType := byte(flvVideoInterframe)
	if pkt.Keyframe {
		frameType = flvVideoKeyframe
	}
	cts := pkt.PTS - pkt.DTS // composition offset, ms
	body := make([]byte, 0, 5+len(pkt.Data))
	body = append(body, frameType, flvAVCNALU,
		byte(cts>>16), byte(cts>>8), byte(cts))
	body = append(body, pkt.Data...)
	return w.sink.WriteVideoTag(body, uint32(pkt.DTS), pkt.Keyframe)
}

// WriteTrailer emits the AVC end-of-sequence tag and closes the sink.
func (w *FLVWriter) WriteTrailer() error {
	body := []byte{flvVideoKeyframe, flvAVCEndOfSequence, 0, 0, 0}
	if err := w.sink.WriteVideoTag(body, 0, true); err != nil {
		return err
	}
	return w.sink.Close()
}

// OnMetaData builds the AMF0 payload of the onMetaData script tag.
func OnMetaData(video, audio *media.StreamDescriptor) []byte {
	body := amf0.AppendString(nil, "onMetaData")
	return amf0.AppendECMAArray(body, map[string]any{
		"duration":        0.0,
		"width":           float64(video.Width),
		"height":          float64(video.Height),
		"framerate":       float64(video.FrameRate),
		"videocodecid":    7.0, // AVC
		"audiocodecid":    10.0, // AAC
		"audiosamplerate": float64(audio.SampleRate),
		"audiosamplesize": 16.0,
		"stereo":          audio.Channels == 2,
		"encoder":         "aperture",
	})
}

// FLVFileHeader is the 9-byte file signature plus the zero
// PreviousTagSize0 field that precedes the first tag.
var FLVFileHeader = []byte{
	'F', 'L', 'V', 0x01,
	0x05, // audio + video present
	0x00, 0x00, 0x00, 0x09,
	0x00, 0x00, 0x00, 0x00,
}

// FrameTag wraps a tag body in the 11-byte FLV tag header (type, 24-bit
// size, 24-bit timestamp plus extension byte, zero stream ID) and the
// trailing PreviousTagSize field.
func FrameTag(tagType byte, timestampMS uint32, body []byte) []byte {
	n := len(body)
	out := make([]byte, 0, 11+n+4)
	out = append(out,
		tagType,
		byte(n>>16), byte(n>>8), byte(n),
		byte(timestampMS>>16), byte(timestampMS>>8), byte(timestampMS),
		byte(timestampMS>>24),
		0x00, 0x00, 0x00,
	)
	out = append(out, body...)
	prev := uint32(11 + n)
	return append(out,
		byte(prev>>24), byte(prev>>16), byte(prev>>8), byte(prev))
}

// FileTagSink frames tag bodies into a progressive FLV byte stream: the
// file header once, then one framed tag per body. Suitable for plain
// files and for any io.Writer carrying a complete FLV stream.
type FileTagSink struct {
	w             io.Writer
	headerWritten bool
	closer        io.Closer
}

var _ TagSink = (*FileTagSink)(nil)

// NewFileTagSink creates a sink writing a complete FLV stream to w. If w
// also implements io.Closer it is closed by Close.
func NewFileTagSink(w io.Writer) *FileTagSink {
	s := &FileTagSink{w: w}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *FileTagSink) writeTag(tagType byte, timestampMS uint32, body []byte) error {
	if !s.headerWritten {
		if _, err := s.w.Write(FLVFileHeader); err != nil {
			return err
		}
		s.headerWritten = true
	}
	_, err := s.w.Write(FrameTag(tagType, timestampMS, body))
	return err
}

func (s *FileTagSink) WriteMetaData(body []byte) error {
	return s.writeTag(FLVTagScript, 0, body)
}

func (s *FileTagSink) WriteVideoTag(body []byte, timestampMS uint32, _ bool) error {
	return s.writeTag(FLVTagVideo, timestampMS, body)
}

func (s *FileTagSink) WriteAudioTag(body []byte, timestampMS uint32) error {
	return s.writeTag(FLVTagAudio, timestampMS, body)
}

func (s *FileTagSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
