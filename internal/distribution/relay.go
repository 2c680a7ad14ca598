// Package distribution fans the muxed stream out to live viewers over
// QUIC. The relay caches the container header and the current GOP so a
// late joiner starts decoding at the most recent keyframe instead of
// waiting for the next one.
package distribution

import (
	"log/slog"
	"sync"

	"github.com/zsiec/ccx"

	"github.com/zsiec/aperture/internal/mux"
)

// Viewer is one connected consumer of the relayed stream. SendTag and
// SendCaption must not block; a viewer that cannot keep up reports
// failure and is evicted by the relay.
type Viewer interface {
	ID() string
	SendTag(tag []byte) bool
	SendCaption(frame *ccx.CaptionFrame)
	Stats() ViewerStats
}

// ViewerStats is the delivery snapshot for one viewer.
type ViewerStats struct {
	ID        string `json:"id"`
	TagsSent  int64  `json:"tags_sent"`
	BytesSent int64  `json:"bytes_sent"`
	Dropped   int64  `json:"dropped"`
}

// RelayStats is a point-in-time snapshot of the relay counters.
type RelayStats struct {
	Viewers     int   `json:"viewers"`
	TagsRelayed int64 `json:"tags_relayed"`
	Evicted     int64 `json:"evicted"`
	GOPTags     int   `json:"gop_tags"`
}

// Relay is the fan-out hub. It sits behind the muxer as a container tag
// sink: header tags (metadata and the two sequence headers) are cached
// for the lifetime of the stream, live tags go to every viewer and into
// the GOP cache. All tags are framed as complete FLV tags so viewers
// receive a byte stream any FLV-aware player can consume.
type Relay struct {
	log *slog.Logger

	mu      sync.RWMutex
	viewers map[string]Viewer
	header  [][]byte
	gop     [][]byte
	closed  bool

	tagsRelayed int64
	evicted     int64
}

var _ mux.TagSink = (*Relay)(nil)

// NewRelay creates a relay with no viewers.
func NewRelay() *Relay {
	return &Relay{
		log:     slog.With("component", "relay"),
		viewers: make(map[string]Viewer),
	}
}

// AddViewer replays the cached header and GOP to the viewer, then
// registers it for live delivery. Replay happens under the relay lock
// so live tags cannot interleave ahead of the replay.
func (r *Relay) AddViewer(v Viewer) {
	r.mu.Lock()
	for _, tag := range r.header {
		v.SendTag(tag)
	}
	for _, tag := range r.gop {
		v.SendTag(tag)
	}
	r.viewers[v.ID()] = v
	n := len(r.viewers)
	r.mu.Unlock()

	r.log.Info("viewer added", "viewer", v.ID(), "viewers", n)
}

// RemoveViewer unregisters a viewer by ID.
func (r *Relay) RemoveViewer(id string) {
	r.mu.Lock()
	delete(r.viewers, id)
	n := len(r.viewers)
	r.mu.Unlock()

	r.log.Info("viewer removed", "viewer", id, "viewers", n)
}

// ViewerCount returns the number of connected viewers.
func (r *Relay) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// HeaderTags returns the cached header tags. Exposed for tests and the
// stats surface.
func (r *Relay) HeaderTags() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.header)
}

// WriteMetaData caches the framed onMetaData script tag as part of the
// stream header.
func (r *Relay) WriteMetaData(body []byte) error {
	tag := mux.FrameTag(mux.FLVTagScript, 0, body)
	r.mu.Lock()
	r.header = append(r.header, tag)
	r.mu.Unlock()
	return nil
}

// WriteVideoTag relays a video tag. Sequence headers join the header
// cache; keyframes reset the GOP cache.
func (r *Relay) WriteVideoTag(body []byte, timestampMS uint32, keyframe bool) error {
	tag := mux.FrameTag(mux.FLVTagVideo, timestampMS, body)

	r.mu.Lock()
	if isVideoSeqHeader(body) {
		r.header = append(r.header, tag)
		r.mu.Unlock()
		return nil
	}
	if keyframe {
		r.gop = r.gop[:0]
	}
	r.gop = append(r.gop, tag)
	r.broadcastLocked(tag)
	r.mu.Unlock()
	return nil
}

// WriteAudioTag relays an audio tag. The AAC sequence header joins the
// header cache; live audio joins the GOP cache so replayed GOPs carry
// their sound.
func (r *Relay) WriteAudioTag(body []byte, timestampMS uint32) error {
	tag := mux.FrameTag(mux.FLVTagAudio, timestampMS, body)

	r.mu.Lock()
	if isAudioSeqHeader(body) {
		r.header = append(r.header, tag)
		r.mu.Unlock()
		return nil
	}
	r.gop = append(r.gop, tag)
	r.broadcastLocked(tag)
	r.mu.Unlock()
	return nil
}

// Close marks the stream ended. Viewer connections are owned by the
// server; the relay only stops accepting tags.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// BroadcastCaption sends a caption frame to every viewer.
func (r *Relay) BroadcastCaption(frame *ccx.CaptionFrame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.viewers {
		v.SendCaption(frame)
	}
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() RelayStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RelayStats{
		Viewers:     len(r.viewers),
		TagsRelayed: r.tagsRelayed,
		Evicted:     r.evicted,
		GOPTags:     len(r.gop),
	}
}

// ViewerStatsAll returns delivery metrics for every connected viewer.
func (r *Relay) ViewerStatsAll() []ViewerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]ViewerStats, 0, len(r.viewers))
	for _, v := range r.viewers {
		stats = append(stats, v.Stats())
	}
	return stats
}

// broadcastLocked delivers a live tag to every viewer, evicting any
// whose queue is full. Caller holds r.mu.
func (r *Relay) broadcastLocked(tag []byte) {
	if r.closed {
		return
	}
	r.tagsRelayed++
	for id, v := range r.viewers {
		if !v.SendTag(tag) {
			delete(r.viewers, id)
			r.evicted++
			r.log.Warn("viewer evicted, queue full", "viewer", id)
		}
	}
}

// isVideoSeqHeader reports whether an AVC video tag body is a sequence
// header (AVCPacketType 0).
func isVideoSeqHeader(body []byte) bool {
	return len(body) >= 2 && body[0]&0x0F == 7 && body[1] == 0
}

// isAudioSeqHeader reports whether an AAC audio tag body is a sequence
// header (AACPacketType 0).
func isAudioSeqHeader(body []byte) bool {
	return len(body) >= 2 && body[0]>>4 == 10 && body[1] == 0
}
