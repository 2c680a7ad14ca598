// Package video paces best-effort screen capture onto a constant frame
// rate. Capture pushes frames whenever the OS delivers them; the encode
// loop pulls against an elapsed-time schedule and receives a fresh frame,
// a duplicate of the last one, or a blank, but always exactly one frame
// per schedule slot. The produced-frame counter advances unconditionally,
// which is what keeps output timestamps locked to wall time when capture
// stalls.
package video

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/aperture/media"
)

// Config sets the pacer's geometry and schedule. Zero RingSize takes the
// default of 3 (triple buffering).
type Config struct {
	Width     int
	Height    int
	FrameRate int
	RingSize  int
}

// Pacer converts irregular frame arrival into a strict CFR frame supply.
// All methods are safe for concurrent use.
type Pacer struct {
	log    *slog.Logger
	width  int
	height int
	fps    int

	mu    sync.Mutex
	ring  [][]byte
	rd    int
	wr    int
	count int
	last  []byte

	started   bool
	startTime time.Time
	now       func() time.Time

	produced   atomic.Int64
	pushed     atomic.Int64
	dropped    atomic.Int64
	duplicated atomic.Int64
	blanks     atomic.Int64
}

// Stats is a point-in-time snapshot of the pacer's counters.
type Stats struct {
	Pushed     int64
	Dropped    int64
	Produced   int64
	Duplicated int64
	Blanks     int64
}

// NewPacer creates a pacer for width x height RGBA frames at the given
// rate. The schedule clock starts on the first Start call.
func NewPacer(cfg Config) (*Pacer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("video: invalid geometry %dx%d@%d", cfg.Width, cfg.Height, cfg.FrameRate)
	}
	if cfg.RingSize == 0 {
		cfg.RingSize = 3
	}
	if cfg.RingSize < 2 {
		return nil, fmt.Errorf("video: ring size %d below double buffering", cfg.RingSize)
	}

	return &Pacer{
		log:    slog.With("component", "video"),
		width:  cfg.Width,
		height: cfg.Height,
		fps:    cfg.FrameRate,
		ring:   make([][]byte, cfg.RingSize),
		now:    time.Now,
	}, nil
}

// Width returns the frame width in pixels.
func (p *Pacer) Width() int { return p.width }

// Height returns the frame height in pixels.
func (p *Pacer) Height() int { return p.height }

// FrameRate returns the schedule rate in frames per second.
func (p *Pacer) FrameRate() int { return p.fps }

func (p *Pacer) frameBytes() int { return p.width * p.height * 4 }

// Start anchors the CFR schedule at the current instant. Subsequent
// calls are no-ops; the schedule origin never moves.
func (p *Pacer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.started = true
		p.startTime = p.now()
	}
}

// PushFrame copies an RGBA frame into the ring without blocking. When
// the ring is full the frame is dropped and counted; capture simply
// tries again with the next one. A pushed frame also becomes the
// retained frame for duplication. Returns false on drop or wrong size.
func (p *Pacer) PushFrame(pixels []byte) bool {
	if len(pixels) != p.frameBytes() {
		return false
	}

	p.mu.Lock()
	if p.count == len(p.ring) {
		p.mu.Unlock()
		p.dropped.Add(1)
		return false
	}
	if p.ring[p.wr] == nil {
		p.ring[p.wr] = make([]byte, len(pixels))
	}
	copy(p.ring[p.wr], pixels)
	p.wr = (p.wr + 1) % len(p.ring)
	p.count++

	if p.last == nil {
		p.last = make([]byte, len(pixels))
	}
	copy(p.last, pixels)
	p.mu.Unlock()

	p.pushed.Add(1)
	return true
}

// ExpectedFrameNumber returns how many frames a strict CFR schedule
// should have produced since Start, truncated to an integer. Before
// Start it is always zero.
func (p *Pacer) ExpectedFrameNumber() int64 {
	p.mu.Lock()
	started, origin := p.started, p.startTime
	p.mu.Unlock()
	if !started {
		return 0
	}
	elapsed := p.now().Sub(origin)
	return elapsed.Nanoseconds() * int64(p.fps) / int64(time.Second)
}

// PopFrame moves the oldest captured frame out of the ring. The returned
// buffer is owned by the caller; the ring slot is reallocated on the
// next push.
func (p *Pacer) PopFrame() (media.PixelFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 {
		return media.PixelFrame{}, false
	}
	pixels := p.ring[p.rd]
	p.ring[p.rd] = nil
	p.rd = (p.rd + 1) % len(p.ring)
	p.count--

	return media.PixelFrame{Pixels: pixels, Width: p.width, Height: p.height}, true
}

// LastFrame returns a copy of the most recently pushed frame, or false
// if nothing has ever been pushed.
func (p *Pacer) LastFrame() (media.PixelFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return media.PixelFrame{}, false
	}
	pixels := make([]byte, len(p.last))
	copy(pixels, p.last)
	return media.PixelFrame{Pixels: pixels, Width: p.width, Height: p.height}, true
}

// NextFrame produces the frame for the next schedule slot: a fresh
// captured frame when one is queued, else a duplicate of the last frame,
// else a blank. The produced counter advances by exactly one on every
// call, with no path that skips it, so the supply stays strictly CFR
// under any capture behavior.
func (p *Pacer) NextFrame() media.PixelFrame {
	idx := p.produced.Add(1) - 1

	if frame, ok := p.PopFrame(); ok {
		frame.FrameIndex = idx
		return frame
	}
	if frame, ok := p.LastFrame(); ok {
		p.duplicated.Add(1)
		frame.FrameIndex = idx
		return frame
	}

	if p.blanks.Add(1) == 1 {
		p.log.Warn("no captured frame available, synthesizing blank")
	}
	return media.PixelFrame{
		Pixels:     make([]byte, p.frameBytes()),
		Width:      p.width,
		Height:     p.height,
		FrameIndex: idx,
	}
}

// ProducedFrames returns how many frames NextFrame has handed out.
func (p *Pacer) ProducedFrames() int64 { return p.produced.Load() }

// Behind returns how many schedule slots the consumer still owes,
// negative when it is ahead of the clock.
func (p *Pacer) Behind() int64 {
	return p.ExpectedFrameNumber() - p.produced.Load()
}

// Stats returns a snapshot of the pacer's counters.
func (p *Pacer) Stats() Stats {
	return Stats{
		Pushed:     p.pushed.Load(),
		Dropped:    p.dropped.Load(),
		Produced:   p.produced.Load(),
		Duplicated: p.duplicated.Load(),
		Blanks:     p.blanks.Load(),
	}
}
