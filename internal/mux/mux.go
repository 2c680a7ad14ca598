// Package mux is the binary-format and timing authority of the pipeline.
// It turns opaque encoder output into container packets: normalizes H.264
// framing to AVCC, defers the container header until real parameter sets
// exist, converts each stream's origin clock (frame index, cumulative
// samples) into the container time base with rounded rescaling, gates
// video on the first keyframe, enforces strictly increasing DTS per
// stream, and either writes packets straight to a container or queues
// them for paced egress.
package mux

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/aperture/internal/aac"
	"github.com/zsiec/aperture/internal/avc"
	"github.com/zsiec/aperture/internal/buffer"
	"github.com/zsiec/aperture/media"
)

var (
	// ErrNonMonotonicDTS marks a packet whose DTS does not exceed the
	// last DTS written to the same stream. The packet is rejected; the
	// stream continues.
	ErrNonMonotonicDTS = errors.New("mux: non-monotonic DTS")
	// ErrAwaitingKeyframe marks a non-keyframe video packet arriving
	// before the stream's first keyframe.
	ErrAwaitingKeyframe = errors.New("mux: awaiting first keyframe")
	// ErrMuxerFailed is returned once a structural violation has stopped
	// the muxer for good.
	ErrMuxerFailed = errors.New("mux: muxer stopped after fatal error")
	// ErrSinkDisconnected marks writes attempted after the sink failed.
	ErrSinkDisconnected = errors.New("mux: sink disconnected")
)

// ContainerWriter is one container flavor: it declares the time bases it
// wants packets in, then receives the header once, packets in order, and
// a trailer. Implementations are not safe for concurrent use; the muxer
// or the egress loop is the single writer.
type ContainerWriter interface {
	VideoTimeBase() media.Rational
	AudioTimeBase() media.Rational
	WriteHeader(video, audio *media.StreamDescriptor) error
	WritePacket(pkt *media.QueuedPacket) error
	WriteTrailer() error
}

// Stream indexes within the container. Fixed: one video, one audio.
const (
	StreamVideo = 0
	StreamAudio = 1
)

// pendingAudioCap bounds the audio packets held back while the container
// header is still deferred (~1.4 s at 1024-sample blocks).
const pendingAudioCap = 64

type headerState int

const (
	awaitingParams headerState = iota
	headerWritten
)

// Config describes the two elementary streams the muxer will carry. SPS
// and PPS are optional encoder side data; when absent they are mined
// from the first keyframe. Buffer is optional: with a buffer, packets
// are queued for an egress loop; without one they are written directly.
type Config struct {
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
	Channels   int

	SPS []byte
	PPS []byte

	Buffer *buffer.StreamBuffer
}

// Stats is a point-in-time snapshot of the muxer's counters.
type Stats struct {
	VideoPackets  int64   `json:"videoPackets"`
	AudioPackets  int64   `json:"audioPackets"`
	VideoDropped  int64   `json:"videoDropped"`
	AudioDropped  int64   `json:"audioDropped"`
	DTSViolations int64   `json:"dtsViolations"`
	TotalBytes    int64   `json:"totalBytes"`
	CurrentPTS    float64 `json:"currentPtsSeconds"`
}

// Muxer assigns time and container framing to encoder output. Write
// methods are safe to call from the audio and video loops concurrently;
// a single mutex serializes the header state machine and the sink.
type Muxer struct {
	log *slog.Logger
	w   ContainerWriter
	cfg Config
	buf *buffer.StreamBuffer

	mu    sync.Mutex
	state headerState
	video media.StreamDescriptor
	audio media.StreamDescriptor
	sps   []byte
	pps   []byte

	// held while awaitingParams, flushed after the header
	pendingAudio []*media.QueuedPacket

	sentFirstVideoKeyframe bool
	lastVideoDTS           int64
	lastAudioDTS           int64
	audioSamplesWritten    int64

	failed       atomic.Bool
	failErr      error
	disconnected atomic.Bool

	videoPackets  atomic.Int64
	audioPackets  atomic.Int64
	videoDropped  atomic.Int64
	audioDropped  atomic.Int64
	dtsViolations atomic.Int64
	totalBytes    atomic.Int64
	lastPTSMicros atomic.Int64
}

// New creates a muxer writing to w. The audio decoder configuration is
// built immediately from the sample rate and channel count; the video
// configuration comes from cfg.SPS/PPS side data when present, otherwise
// the header stays deferred until the first keyframe carries them.
func New(w ContainerWriter, cfg Config) (*Muxer, error) {
	if cfg.FrameRate <= 0 || cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("mux: invalid config fps=%d rate=%d ch=%d",
			cfg.FrameRate, cfg.SampleRate, cfg.Channels)
	}

	asc, err := aac.BuildAudioSpecificConfig(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("mux: audio config: %w", err)
	}

	m := &Muxer{
		log: slog.With("component", "mux"),
		w:   w,
		cfg: cfg,
		buf: cfg.Buffer,
		video: media.StreamDescriptor{
			Index:     StreamVideo,
			Kind:      media.KindVideo,
			Codec:     media.CodecH264,
			TimeBase:  w.VideoTimeBase(),
			Width:     cfg.Width,
			Height:    cfg.Height,
			FrameRate: cfg.FrameRate,
		},
		audio: media.StreamDescriptor{
			Index:         StreamAudio,
			Kind:          media.KindAudio,
			Codec:         media.CodecAAC,
			TimeBase:      w.AudioTimeBase(),
			DecoderConfig: asc,
			SampleRate:    cfg.SampleRate,
			Channels:      cfg.Channels,
		},
		state:        awaitingParams,
		lastVideoDTS: -1,
		lastAudioDTS: -1,
	}

	if cfg.SPS != nil && cfg.PPS != nil {
		m.sps, m.pps = cfg.SPS, cfg.PPS
		m.mu.Lock()
		err := m.tryWriteHeaderLocked()
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Err returns the fatal error that stopped the muxer, or nil.
func (m *Muxer) Err() error {
	if !m.failed.Load() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}

// HeaderWritten reports whether the container header has been emitted.
func (m *Muxer) HeaderWritten() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == headerWritten
}

// VideoDescriptor returns a copy of the video stream descriptor. The
// decoder configuration is non-nil only after the header state machine
// has accepted parameter sets.
func (m *Muxer) VideoDescriptor() media.StreamDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

// AudioDescriptor returns a copy of the audio stream descriptor.
func (m *Muxer) AudioDescriptor() media.StreamDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

// WriteVideoPacket normalizes one encoded video access unit and hands it
// to the container, stamped from the frame-index clock (time base
// 1/fps). Returns false when the packet was rejected or dropped; all
// rejections are counted, none propagate.
func (m *Muxer) WriteVideoPacket(pkt media.EncodedPacket, frameIndex int64) bool {
	if m.failed.Load() || m.disconnected.Load() || len(pkt.Data) == 0 {
		return false
	}

	units, err := splitNALUnits(pkt.Data)
	if err != nil || len(units) == 0 {
		m.videoDropped.Add(1)
		return false
	}
	payload := avc.NALUnitsToAVCC(units)

	m.mu.Lock()
	if m.state == awaitingParams {
		if pkt.Keyframe {
			m.mineParameterSetsLocked(units)
		}
		if err := m.tryWriteHeaderLocked(); err != nil {
			m.mu.Unlock()
			return false
		}
		if m.state == awaitingParams {
			// Nothing may be written against an unwritten header.
			m.mu.Unlock()
			m.videoDropped.Add(1)
			return false
		}
	}

	// Keyframe gate: a non-keyframe before the stream's first keyframe
	// would be undecodable.
	if !m.sentFirstVideoKeyframe && !pkt.Keyframe {
		m.mu.Unlock()
		m.videoDropped.Add(1)
		m.log.Debug("rejecting pre-keyframe video packet", "err", ErrAwaitingKeyframe)
		return false
	}

	srcTB := media.Rational{Num: 1, Den: int64(m.cfg.FrameRate)}
	dstTB := m.video.TimeBase
	pts := media.RescaleRounded(frameIndex, srcTB, dstTB)
	nextPTS := media.RescaleRounded(frameIndex+1, srcTB, dstTB)
	if nextPTS <= pts {
		nextPTS = pts + 1
	}

	if pts <= m.lastVideoDTS {
		m.mu.Unlock()
		m.dtsViolations.Add(1)
		m.videoDropped.Add(1)
		m.log.Warn("video DTS violation, packet rejected",
			"dts", pts, "last_dts", m.lastVideoDTS, "err", ErrNonMonotonicDTS)
		return false
	}
	m.lastVideoDTS = pts
	if pkt.Keyframe {
		m.sentFirstVideoKeyframe = true
	}

	qp := &media.QueuedPacket{
		StreamIndex: StreamVideo,
		Kind:        media.KindVideo,
		Keyframe:    pkt.Keyframe,
		Data:        payload,
		PTS:         pts,
		DTS:         pts, // no B-frames: decode order is presentation order
		Duration:    nextPTS - pts,
	}
	ok := m.deliverLocked(qp, dstTB)
	m.mu.Unlock()

	if !ok {
		m.videoDropped.Add(1)
		return false
	}
	m.videoPackets.Add(1)
	m.totalBytes.Add(int64(len(payload)))
	m.storePTSMicros(pts, dstTB)
	return true
}

// WriteAudioPacket hands one encoded audio frame to the container,
// stamped from the cumulative-sample clock (time base 1/sampleRate).
// Audio is never gated on the video keyframe; while the header is still
// deferred the packet is held and flushed right after the header.
func (m *Muxer) WriteAudioPacket(pkt media.EncodedPacket, numSamples int) bool {
	if m.failed.Load() || m.disconnected.Load() || len(pkt.Data) == 0 || numSamples <= 0 {
		return false
	}

	data := pkt.Data
	if aac.IsADTS(data) {
		raw, err := aac.StripADTS(data)
		if err != nil {
			m.audioDropped.Add(1)
			return false
		}
		data = raw
	}

	srcTB := media.Rational{Num: 1, Den: int64(m.cfg.SampleRate)}

	m.mu.Lock()
	dstTB := m.audio.TimeBase

	cur := m.audioSamplesWritten
	next := cur + int64(numSamples)
	pts := media.RescaleRounded(cur, srcTB, dstTB)
	nextPTS := media.RescaleRounded(next, srcTB, dstTB)
	if nextPTS <= pts {
		nextPTS = pts + 1
	}
	m.audioSamplesWritten = next

	if pts <= m.lastAudioDTS {
		m.mu.Unlock()
		m.dtsViolations.Add(1)
		m.audioDropped.Add(1)
		m.log.Warn("audio DTS violation, packet rejected",
			"dts", pts, "last_dts", m.lastAudioDTS, "err", ErrNonMonotonicDTS)
		return false
	}
	m.lastAudioDTS = pts

	qp := &media.QueuedPacket{
		StreamIndex: StreamAudio,
		Kind:        media.KindAudio,
		Keyframe:    true, // every AAC frame is independently decodable
		Data:        data,
		PTS:         pts,
		DTS:         pts,
		Duration:    nextPTS - pts,
	}

	if m.state == awaitingParams {
		// Hold until the header exists; drop the oldest when the hold
		// queue is full so a video stall cannot grow memory.
		if len(m.pendingAudio) >= pendingAudioCap {
			m.pendingAudio = m.pendingAudio[1:]
			m.audioDropped.Add(1)
		}
		m.pendingAudio = append(m.pendingAudio, qp)
		m.mu.Unlock()
		return true
	}

	ok := m.deliverLocked(qp, dstTB)
	m.mu.Unlock()

	if !ok {
		m.audioDropped.Add(1)
		return false
	}
	m.audioPackets.Add(1)
	m.totalBytes.Add(int64(len(data)))
	m.storePTSMicros(pts, dstTB)
	return true
}

// Finalize writes the container trailer. In buffered mode the caller
// must stop and drain the egress loop first.
func (m *Muxer) Finalize() error {
	if m.failed.Load() {
		return ErrMuxerFailed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != headerWritten {
		return nil // nothing was ever written; no trailer against no header
	}
	return m.w.WriteTrailer()
}

// Stats returns a snapshot of the muxer's counters.
func (m *Muxer) Stats() Stats {
	return Stats{
		VideoPackets:  m.videoPackets.Load(),
		AudioPackets:  m.audioPackets.Load(),
		VideoDropped:  m.videoDropped.Load(),
		AudioDropped:  m.audioDropped.Load(),
		DTSViolations: m.dtsViolations.Load(),
		TotalBytes:    m.totalBytes.Load(),
		CurrentPTS:    float64(m.lastPTSMicros.Load()) / 1e6,
	}
}

// mineParameterSetsLocked keeps the first SPS and PPS seen in a keyframe.
func (m *Muxer) mineParameterSetsLocked(units []avc.NALUnit) {
	sps, pps := avc.ExtractParameterSets(units)
	if m.sps == nil && sps != nil {
		m.sps = append([]byte(nil), sps...)
	}
	if m.pps == nil && pps != nil {
		m.pps = append([]byte(nil), pps...)
	}
}

// tryWriteHeaderLocked builds the video decoder configuration and writes
// the container header exactly once, when both parameter sets exist. A
// start code inside the finished record is a structural violation and
// stops the muxer for good: every downstream decoder would be corrupted.
func (m *Muxer) tryWriteHeaderLocked() error {
	if m.state == headerWritten || m.sps == nil || m.pps == nil {
		return nil
	}

	record, err := avc.BuildDecoderConfig(m.sps, m.pps)
	if err != nil {
		if errors.Is(err, avc.ErrStartCodeInConfig) {
			m.failErr = err
			m.failed.Store(true)
			m.log.Error("start code inside decoder configuration, muxer stopped", "error", err)
			return err
		}
		m.log.Warn("decoder configuration rejected", "error", err)
		m.sps, m.pps = nil, nil
		return nil
	}
	m.video.DecoderConfig = record

	if info, err := avc.ParseSPS(m.sps); err == nil {
		if m.video.Width == 0 {
			m.video.Width = info.Width
		}
		if m.video.Height == 0 {
			m.video.Height = info.Height
		}
	}

	if err := m.w.WriteHeader(&m.video, &m.audio); err != nil {
		m.disconnected.Store(true)
		m.log.Error("container header write failed, sink disconnected", "error", err)
		return fmt.Errorf("mux: write header: %w", err)
	}
	m.state = headerWritten
	m.log.Info("container header written",
		"width", m.video.Width, "height", m.video.Height,
		"sample_rate", m.audio.SampleRate, "channels", m.audio.Channels)

	held := m.pendingAudio
	m.pendingAudio = nil
	for _, qp := range held {
		if m.deliverLocked(qp, m.audio.TimeBase) {
			m.audioPackets.Add(1)
			m.totalBytes.Add(int64(len(qp.Data)))
		} else {
			m.audioDropped.Add(1)
		}
	}
	return nil
}

// deliverLocked moves a finished packet to the buffer or the sink.
func (m *Muxer) deliverLocked(qp *media.QueuedPacket, tb media.Rational) bool {
	if m.buf != nil {
		return m.buf.AddPacket(qp, tb)
	}
	if err := m.w.WritePacket(qp); err != nil {
		m.disconnected.Store(true)
		m.log.Error("packet write failed, sink disconnected", "error", err)
		return false
	}
	return true
}

func (m *Muxer) storePTSMicros(pts int64, tb media.Rational) {
	us := media.ToMicros(pts, tb)
	if us > m.lastPTSMicros.Load() {
		m.lastPTSMicros.Store(us)
	}
}

// splitNALUnits accepts either Annex B or AVCC framing from the encoder.
func splitNALUnits(data []byte) ([]avc.NALUnit, error) {
	if avc.IsAnnexB(data) {
		return avc.ParseAnnexB(data), nil
	}
	if avc.IsAVCC(data) {
		return avc.SplitAVCC(data)
	}
	// A single raw NAL unit with neither framing.
	return []avc.NALUnit{{Type: avc.NALType(data[0]), Data: data}}, nil
}
