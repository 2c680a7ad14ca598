// Package buffer holds multiplexed packets between the muxer and a
// possibly slow egress sink. The queue is bounded twice over, by packet
// count and by the time span it covers, so a stalled sink can never grow
// memory or latency without bound. When room must be made, the oldest
// non-keyframe video packet goes first; audio packets and keyframes are
// never dropped, because audio gaps are audible and a lost keyframe
// corrupts the whole group of pictures.
package buffer

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/aperture/media"
)

// Defaults sized for a couple of seconds of typical stream output.
const (
	DefaultMaxPackets = 100
	DefaultMaxLatency = 2 * time.Second
)

// StreamBuffer is a bounded queue ordered by each packet's derived
// microsecond DTS, which makes audio and video comparable on one scale.
// All methods are safe for concurrent use.
type StreamBuffer struct {
	log *slog.Logger

	mu       sync.Mutex
	queue    []*media.QueuedPacket
	capacity int
	maxSpan  int64 // microseconds

	added        atomic.Int64
	popped       atomic.Int64
	videoDropped atomic.Int64
	rejected     atomic.Int64
}

// Stats is a point-in-time snapshot of the buffer's counters.
type Stats struct {
	Added        int64
	Popped       int64
	VideoDropped int64
	Rejected     int64
	Queued       int
}

// New creates a buffer bounded by maxPackets and maxLatency. Zero values
// take the defaults.
func New(maxPackets int, maxLatency time.Duration) *StreamBuffer {
	if maxPackets <= 0 {
		maxPackets = DefaultMaxPackets
	}
	if maxLatency <= 0 {
		maxLatency = DefaultMaxLatency
	}
	return &StreamBuffer{
		log:      slog.With("component", "buffer"),
		capacity: maxPackets,
		maxSpan:  maxLatency.Microseconds(),
	}
}

// AddPacket derives the packet's microsecond DTS from its stream time
// base, then inserts it in DTS order. If the queue is full, or the
// insert would stretch the queued time span past the latency bound, the
// oldest non-keyframe video packet is evicted and the insert retried.
// With no evictable packet left the incoming packet is rejected and
// counted. The buffer takes ownership of accepted packets.
func (b *StreamBuffer) AddPacket(pkt *media.QueuedPacket, timeBase media.Rational) bool {
	pkt.DTSMicros = media.RescaleRounded(pkt.DTS, timeBase, media.Micros)

	b.mu.Lock()
	for {
		if len(b.queue) < b.capacity && b.spanWithLocked(pkt) <= b.maxSpan {
			b.insertLocked(pkt)
			b.mu.Unlock()
			b.added.Add(1)
			return true
		}

		idx := b.dropCandidateLocked()
		if idx < 0 {
			b.mu.Unlock()
			if b.rejected.Add(1)%100 == 1 {
				b.log.Warn("queue saturated with undroppable packets, rejecting",
					"kind", pkt.Kind.String(),
					"dts_micros", pkt.DTSMicros,
					"rejected_total", b.rejected.Load())
			}
			return false
		}
		b.removeLocked(idx)
		b.videoDropped.Add(1)
	}
}

// spanWithLocked returns the queued time span in microseconds as it
// would be after inserting pkt.
func (b *StreamBuffer) spanWithLocked(pkt *media.QueuedPacket) int64 {
	if len(b.queue) == 0 {
		return 0
	}
	oldest := b.queue[0].DTSMicros
	newest := b.queue[len(b.queue)-1].DTSMicros
	if pkt.DTSMicros < oldest {
		oldest = pkt.DTSMicros
	}
	if pkt.DTSMicros > newest {
		newest = pkt.DTSMicros
	}
	return newest - oldest
}

// insertLocked places pkt in sorted position, after any packets with an
// equal DTS so ties keep arrival order.
func (b *StreamBuffer) insertLocked(pkt *media.QueuedPacket) {
	idx := sort.Search(len(b.queue), func(i int) bool {
		return b.queue[i].DTSMicros > pkt.DTSMicros
	})
	b.queue = append(b.queue, nil)
	copy(b.queue[idx+1:], b.queue[idx:])
	b.queue[idx] = pkt
}

// dropCandidateLocked returns the index of the oldest non-keyframe video
// packet, or -1 when only audio and keyframes remain.
func (b *StreamBuffer) dropCandidateLocked() int {
	for i, pkt := range b.queue {
		if pkt.Kind == media.KindVideo && !pkt.Keyframe {
			return i
		}
	}
	return -1
}

func (b *StreamBuffer) removeLocked(idx int) {
	copy(b.queue[idx:], b.queue[idx+1:])
	b.queue[len(b.queue)-1] = nil
	b.queue = b.queue[:len(b.queue)-1]
}

// GetNextPacket moves the packet with the smallest derived DTS out of
// the buffer, or returns false when empty.
func (b *StreamBuffer) GetNextPacket() (*media.QueuedPacket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	pkt := b.queue[0]
	b.removeLocked(0)
	b.popped.Add(1)
	return pkt, true
}

// IsBackpressure reports whether the queue is at capacity or over its
// latency bound, signaling the caller to mitigate (for example by
// skipping a capture frame) instead of letting memory grow.
func (b *StreamBuffer) IsBackpressure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.capacity {
		return true
	}
	if len(b.queue) < 2 {
		return false
	}
	return b.queue[len(b.queue)-1].DTSMicros-b.queue[0].DTSMicros > b.maxSpan
}

// Len returns the number of queued packets.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns a snapshot of the buffer's counters.
func (b *StreamBuffer) Stats() Stats {
	b.mu.Lock()
	queued := len(b.queue)
	b.mu.Unlock()
	return Stats{
		Added:        b.added.Load(),
		Popped:       b.popped.Load(),
		VideoDropped: b.videoDropped.Load(),
		Rejected:     b.rejected.Load(),
		Queued:       queued,
	}
}
