package mux

import (
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/aperture/internal/aac"
	"github.com/zsiec/aperture/internal/avc"
	"github.com/zsiec/aperture/media"
)

// fmp4VideoTimescale is the video track timescale. 90 kHz divides every
// common frame rate, so frame durations stay integral.
const fmp4VideoTimescale = 90000

// fmp4 track IDs.
const (
	fmp4VideoTrackID = 1
	fmp4AudioTrackID = 2
)

// fmp4AudioPartCap flushes a part on audio volume alone, so an
// audio-only stretch (video stalled before its first keyframe) still
// reaches the sink (~1.4 s at 1024-sample frames).
const fmp4AudioPartCap = 64

// FMP4Writer writes a fragmented MP4 stream: one init segment built from
// the decoder configurations, then moof/mdat parts cut on video
// keyframes. Box serialization is delegated to mediacommon; all
// normalization, timing, and ordering authority stays with the muxer.
type FMP4Writer struct {
	w          io.Writer
	audioTB    media.Rational
	seq        uint32
	pendVideo  []*fmp4.Sample
	pendAudio  []*fmp4.Sample
	videoBase  uint64
	audioBase  uint64
	haveHeader bool
}

var _ ContainerWriter = (*FMP4Writer)(nil)

// NewFMP4Writer creates a writer emitting a fragmented MP4 stream to w.
func NewFMP4Writer(w io.Writer, sampleRate int) *FMP4Writer {
	return &FMP4Writer{
		w:       w,
		audioTB: media.Rational{Num: 1, Den: int64(sampleRate)},
		seq:     1,
	}
}

// VideoTimeBase is 1/90000, the video track timescale.
func (f *FMP4Writer) VideoTimeBase() media.Rational {
	return media.Rational{Num: 1, Den: fmp4VideoTimescale}
}

// AudioTimeBase equals 1/sampleRate, so audio sample durations are
// exact in track units.
func (f *FMP4Writer) AudioTimeBase() media.Rational { return f.audioTB }

// WriteHeader marshals the init segment from the decoder configurations.
func (f *FMP4Writer) WriteHeader(video, audio *media.StreamDescriptor) error {
	vcfg, err := avc.ParseDecoderConfig(video.DecoderConfig)
	if err != nil {
		return fmt.Errorf("fmp4: video decoder config: %w", err)
	}
	if len(vcfg.SPS) == 0 || len(vcfg.PPS) == 0 {
		return fmt.Errorf("fmp4: decoder config carries no parameter sets")
	}
	acfg, err := aac.ParseAudioSpecificConfig(audio.DecoderConfig)
	if err != nil {
		return fmt.Errorf("fmp4: audio decoder config: %w", err)
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        fmp4VideoTrackID,
				TimeScale: fmp4VideoTimescale,
				Codec: &mp4.CodecH264{
					SPS: vcfg.SPS[0],
					PPS: vcfg.PPS[0],
				},
			},
			{
				ID:        fmp4AudioTrackID,
				TimeScale: uint32(audio.SampleRate),
				Codec: &mp4.CodecMPEG4Audio{
					Config: mpeg4audio.AudioSpecificConfig{
						Type:         mpeg4audio.ObjectTypeAACLC,
						SampleRate:   acfg.SampleRate,
						ChannelCount: acfg.Channels,
					},
				},
			},
		},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("fmp4: marshal init: %w", err)
	}
	if _, err := f.w.Write(buf.Bytes()); err != nil {
		return err
	}
	f.haveHeader = true
	return nil
}

// WritePacket accumulates samples and cuts a part on every video
// keyframe, so each fragment starts at a sync sample.
func (f *FMP4Writer) WritePacket(pkt *media.QueuedPacket) error {
	if !f.haveHeader {
		return fmt.Errorf("fmp4: packet before init segment")
	}

	sample := &fmp4.Sample{
		Duration:        uint32(pkt.Duration),
		PTSOffset:       int32(pkt.PTS - pkt.DTS),
		IsNonSyncSample: pkt.Kind == media.KindVideo && !pkt.Keyframe,
		Payload:         pkt.Data,
	}

	if pkt.Kind == media.KindVideo {
		if pkt.Keyframe {
			if err := f.flushPart(); err != nil {
				return err
			}
		}
		if len(f.pendVideo) == 0 {
			f.videoBase = uint64(pkt.DTS)
		}
		f.pendVideo = append(f.pendVideo, sample)
		return nil
	}

	if len(f.pendAudio) == 0 {
		f.audioBase = uint64(pkt.DTS)
	}
	f.pendAudio = append(f.pendAudio, sample)
	if len(f.pendVideo) == 0 && len(f.pendAudio) >= fmp4AudioPartCap {
		return f.flushPart()
	}
	return nil
}

// WriteTrailer flushes the final part. Fragmented MP4 needs no trailer
// boxes beyond the last fragment.
func (f *FMP4Writer) WriteTrailer() error {
	return f.flushPart()
}

func (f *FMP4Writer) flushPart() error {
	if len(f.pendVideo) == 0 && len(f.pendAudio) == 0 {
		return nil
	}

	part := &fmp4.Part{SequenceNumber: f.seq}
	if len(f.pendVideo) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       fmp4VideoTrackID,
			BaseTime: f.videoBase,
			Samples:  f.pendVideo,
		})
	}
	if len(f.pendAudio) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       fmp4AudioTrackID,
			BaseTime: f.audioBase,
			Samples:  f.pendAudio,
		})
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("fmp4: marshal part %d: %w", f.seq, err)
	}
	if _, err := f.w.Write(buf.Bytes()); err != nil {
		return err
	}

	f.seq++
	f.pendVideo = nil
	f.pendAudio = nil
	return nil
}
