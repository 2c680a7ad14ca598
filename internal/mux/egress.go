package mux

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/aperture/internal/buffer"
)

// Egress pacing constants, matching the streaming path's behavior: a
// small tolerance avoids micro-sleeps, and the cap bounds how long one
// stalled packet can block the loop.
const (
	paceTolerance = 2 * time.Millisecond
	paceMaxSleep  = 250 * time.Millisecond
	idleWait      = time.Millisecond
)

// Egress drains a StreamBuffer into a container sink. For network sinks
// it paces delivery to wall time: the first packet anchors the clock,
// and every later packet waits until its DTS offset from that anchor has
// elapsed. Draining faster than real time would make the stream's
// internal clock advance faster than wall clock, which viewers perceive
// as playback speeding up.
type Egress struct {
	log  *slog.Logger
	buf  *buffer.StreamBuffer
	w    ContainerWriter
	pace bool

	anchored    bool
	startTime   time.Time
	firstMicros int64

	written      atomic.Int64
	bytes        atomic.Int64
	disconnected atomic.Bool
}

// EgressStats is a point-in-time snapshot of the egress counters.
type EgressStats struct {
	Written      int64 `json:"written"`
	Bytes        int64 `json:"bytes"`
	Disconnected bool  `json:"disconnected"`
}

// NewEgress creates an egress loop over buf writing to w. pace enables
// real-time delivery pacing; file sinks pass false and write as fast as
// packets arrive.
func NewEgress(buf *buffer.StreamBuffer, w ContainerWriter, pace bool) *Egress {
	return &Egress{
		log:  slog.With("component", "egress"),
		buf:  buf,
		w:    w,
		pace: pace,
	}
}

// Run drains the buffer until ctx is cancelled or the sink fails. A sink
// failure stops writes but returns nil: upstream keeps producing into
// the bounded buffer until backpressure engages, per the failure policy.
func (e *Egress) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		pkt, ok := e.buf.GetNextPacket()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idleWait):
			}
			continue
		}

		e.sleepUntilDue(ctx, pkt.DTSMicros)

		if err := e.w.WritePacket(pkt); err != nil {
			e.disconnected.Store(true)
			e.log.Error("sink write failed, egress stopped", "error", err)
			return nil
		}
		e.written.Add(1)
		e.bytes.Add(int64(len(pkt.Data)))
	}
}

// DrainRemaining writes everything left in the buffer without pacing,
// used at shutdown after producers have stopped.
func (e *Egress) DrainRemaining() {
	if e.disconnected.Load() {
		return
	}
	for {
		pkt, ok := e.buf.GetNextPacket()
		if !ok {
			return
		}
		if err := e.w.WritePacket(pkt); err != nil {
			e.disconnected.Store(true)
			e.log.Error("sink write failed during final drain", "error", err)
			return
		}
		e.written.Add(1)
		e.bytes.Add(int64(len(pkt.Data)))
	}
}

// Disconnected reports whether the sink has failed.
func (e *Egress) Disconnected() bool { return e.disconnected.Load() }

// Stats returns a snapshot of the egress counters.
func (e *Egress) Stats() EgressStats {
	return EgressStats{
		Written:      e.written.Load(),
		Bytes:        e.bytes.Load(),
		Disconnected: e.disconnected.Load(),
	}
}

// sleepUntilDue blocks until the packet's wall-clock deadline. The first
// packet anchors the clock and is sent immediately.
func (e *Egress) sleepUntilDue(ctx context.Context, dtsMicros int64) {
	if !e.pace {
		return
	}
	if !e.anchored {
		e.anchored = true
		e.startTime = time.Now()
		e.firstMicros = dtsMicros
		return
	}

	target := time.Duration(dtsMicros-e.firstMicros) * time.Microsecond
	elapsed := time.Since(e.startTime)
	if target <= elapsed+paceTolerance {
		return
	}
	sleep := target - elapsed
	if sleep > paceMaxSleep {
		sleep = paceMaxSleep
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
