// Package captions monitors the encoded video stream for CEA-708
// closed captions carried in SEI NAL units. Decoded caption frames are
// published on a channel for delivery alongside the media; the monitor
// never blocks the video path.
package captions

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/ccx"

	"github.com/zsiec/aperture/internal/avc"
)

// captionBufferSize bounds the frame channel. Caption text is sparse,
// so a small buffer absorbs any consumer hiccup.
const captionBufferSize = 64

// dtvccServices is the number of CEA-708 services decoded. Services
// beyond 6 are rare in practice.
const dtvccServices = 6

// Stats is a point-in-time snapshot of the monitor counters.
type Stats struct {
	SEIPayloads   int64 `json:"sei_payloads"`
	CaptionFrames int64 `json:"caption_frames"`
	Dropped       int64 `json:"dropped"`
}

// Monitor extracts DTVCC packets from caption SEI payloads and decodes
// them through per-service CEA-708 state machines. Not safe for
// concurrent Inspect calls; the pipeline calls it from the video loop.
type Monitor struct {
	log      *slog.Logger
	services map[int]*ccx.CEA708Service
	dtvccBuf []byte
	frameCh  chan *ccx.CaptionFrame

	seiPayloads atomic.Int64
	frames      atomic.Int64
	dropped     atomic.Int64
}

// NewMonitor creates a caption monitor.
func NewMonitor() *Monitor {
	m := &Monitor{
		log:      slog.With("component", "captions"),
		services: make(map[int]*ccx.CEA708Service, dtvccServices),
		frameCh:  make(chan *ccx.CaptionFrame, captionBufferSize),
	}
	for i := 1; i <= dtvccServices; i++ {
		m.services[i] = ccx.NewCEA708Service()
	}
	return m
}

// Frames returns the channel decoded captions are published on.
func (m *Monitor) Frames() <-chan *ccx.CaptionFrame { return m.frameCh }

// Inspect scans the access unit's NAL units for caption SEI payloads.
// ptsMillis is the presentation time stamped onto emitted frames.
func (m *Monitor) Inspect(units []avc.NALUnit, ptsMillis int64) {
	for _, u := range units {
		if u.Type != avc.NALTypeSEI {
			continue
		}
		cd := ccx.ExtractCaptions(u.Data)
		if cd == nil {
			continue
		}
		m.seiPayloads.Add(1)

		for _, t := range cd.DTVCC {
			if t.Start {
				m.drainDTVCC(ptsMillis)
				m.dtvccBuf = m.dtvccBuf[:0]
			}
			m.dtvccBuf = append(m.dtvccBuf, t.Data[0], t.Data[1])
		}
	}
}

// Flush decodes whatever is left in the DTVCC reassembly buffer, used
// at shutdown so a trailing caption is not lost.
func (m *Monitor) Flush(ptsMillis int64) {
	m.drainDTVCC(ptsMillis)
	m.dtvccBuf = m.dtvccBuf[:0]
}

// Stats returns a snapshot of the monitor counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		SEIPayloads:   m.seiPayloads.Load(),
		CaptionFrames: m.frames.Load(),
		Dropped:       m.dropped.Load(),
	}
}

func (m *Monitor) drainDTVCC(pts int64) {
	if len(m.dtvccBuf) < 1 {
		return
	}
	packetSize := ccx.DTVCCPacketSize(m.dtvccBuf[0])
	if len(m.dtvccBuf) < packetSize {
		return
	}

	for _, block := range ccx.ParseDTVCCPacket(m.dtvccBuf[:packetSize]) {
		svc := m.services[block.ServiceNum]
		if svc == nil {
			continue
		}
		if !svc.ProcessBlock(block.Data) {
			continue
		}
		text := svc.DisplayText()
		if text == "" {
			continue
		}
		frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: block.ServiceNum}
		frame.Regions = svc.StyledRegions()
		select {
		case m.frameCh <- frame:
			m.frames.Add(1)
		default:
			m.dropped.Add(1)
		}
	}
	m.dtvccBuf = m.dtvccBuf[packetSize:]
}
