// Package audio merges asynchronously arriving PCM sources onto a single
// sample-counting clock. Capture threads feed named sources at their own
// rate; the engine emits fixed-size mixed blocks whose presentation time
// is a pure function of how many samples have been emitted, never of wall
// time. Short sources are padded with silence inside the block so the
// encoder always sees exactly one block length.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/aperture/media"
)

// Well-known source names. The engine accepts arbitrary names; these two
// are the ones the capture layer produces and the mix modes refer to.
const (
	SourceDesktop = "desktop"
	SourceMic     = "mic"
)

// Default per-source gains. Desktop loopback capture tends to arrive
// quiet relative to microphones, so it gets the larger boost; the mixed
// sum is attenuated and clipped when both run at once.
const (
	DefaultDesktopGain = 1.8
	DefaultMicGain     = 1.2
)

// bothSourcesAttenuation scales the summed signal when two or more
// sources contribute to the same block (about -6 dB).
const bothSourcesAttenuation = 0.5

// MixMode selects which sources TryPopMixedBlock requires and consumes.
type MixMode int

const (
	// MixDesktopOnly emits once the desktop source holds a full block.
	MixDesktopOnly MixMode = iota
	// MixMicOnly emits once the mic source holds a full block.
	MixMicOnly
	// MixBoth waits until both sources hold a full block, so neither is
	// ever padded with mid-stream silence.
	MixBoth
)

func (m MixMode) String() string {
	switch m {
	case MixDesktopOnly:
		return "desktop"
	case MixMicOnly:
		return "mic"
	case MixBoth:
		return "both"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m MixMode) sources() []string {
	switch m {
	case MixDesktopOnly:
		return []string{SourceDesktop}
	case MixMicOnly:
		return []string{SourceMic}
	case MixBoth:
		return []string{SourceDesktop, SourceMic}
	default:
		return nil
	}
}

// Config sets the engine's clock and sizing. Zero fields take defaults.
type Config struct {
	SampleRate int // PCM rate in Hz, default 48000
	Channels   int // interleaved channel count, default 2
	BlockSize  int // frames per emitted block, default 1024
	RingBlocks int // per-source ring capacity in blocks, default 10
}

func (c *Config) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.Channels == 0 {
		c.Channels = 2
	}
	if c.BlockSize == 0 {
		c.BlockSize = 1024
	}
	if c.RingBlocks == 0 {
		c.RingBlocks = 10
	}
}

type source struct {
	gain float32
	ring *pcmRing
}

// Engine owns one ring buffer per source and the sample clock. All
// methods are safe for concurrent use; feeds and mixes contend only on a
// short-lived mutex with no I/O inside.
type Engine struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	sources map[string]*source
	order   []string
	scratch []float32

	running    atomic.Bool
	framesSent atomic.Int64

	blocksMixed    atomic.Int64
	silentBlocks   atomic.Int64
	framesDropped  atomic.Int64
	rejectedWrites atomic.Int64
}

// Stats is a point-in-time snapshot of the engine's counters.
type Stats struct {
	BlocksMixed    int64
	SilentBlocks   int64
	FramesSent     int64
	FramesDropped  int64
	RejectedWrites int64
}

// NewEngine creates an engine with no sources registered. Callers add
// sources before Start; feeding an unregistered name is a no-op.
func NewEngine(cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	if cfg.SampleRate < 0 || cfg.Channels < 0 || cfg.BlockSize < 0 || cfg.RingBlocks < 0 {
		return nil, fmt.Errorf("audio: negative config value: %+v", cfg)
	}

	return &Engine{
		log:     slog.With("component", "audio"),
		cfg:     cfg,
		sources: make(map[string]*source),
		scratch: make([]float32, cfg.BlockSize*cfg.Channels),
	}, nil
}

// AddSource registers a named source with its gain. Re-adding a name
// replaces its gain and clears its buffer.
func (e *Engine) AddSource(name string, gain float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.sources[name]; !exists {
		e.order = append(e.order, name)
	}
	e.sources[name] = &source{
		gain: gain,
		ring: newPCMRing(e.cfg.RingBlocks * e.cfg.BlockSize * e.cfg.Channels),
	}
}

// Start enables mixing and feeding. The sample clock continues from
// wherever it stopped; it never rewinds.
func (e *Engine) Start() { e.running.Store(true) }

// Stop disables mixing and feeding. Buffered samples are retained.
func (e *Engine) Stop() { e.running.Store(false) }

// Running reports whether the engine accepts feeds and emits blocks.
func (e *Engine) Running() bool { return e.running.Load() }

// SampleRate returns the configured PCM rate.
func (e *Engine) SampleRate() int { return e.cfg.SampleRate }

// Channels returns the configured channel count.
func (e *Engine) Channels() int { return e.cfg.Channels }

// BlockSize returns the frames per emitted block.
func (e *Engine) BlockSize() int { return e.cfg.BlockSize }

// FramesSent returns the sample clock: total frames emitted so far.
func (e *Engine) FramesSent() int64 { return e.framesSent.Load() }

// FeedAudioData appends frameCount frames of interleaved samples to the
// named source. Unknown names and stopped engines are no-ops. A feed
// that would overflow the source's ring is rejected whole and counted;
// the capture thread is never blocked and the ring never grows.
func (e *Engine) FeedAudioData(name string, samples []float32, frameCount int) {
	if !e.running.Load() || frameCount <= 0 {
		return
	}
	want := frameCount * e.cfg.Channels
	if len(samples) < want {
		return
	}

	e.mu.Lock()
	src, ok := e.sources[name]
	if !ok {
		e.mu.Unlock()
		return
	}
	pushed := src.ring.push(samples[:want])
	e.mu.Unlock()

	if !pushed {
		e.framesDropped.Add(int64(frameCount))
		if e.rejectedWrites.Add(1)%100 == 1 {
			e.log.Warn("source ring overflow, rejecting write",
				"source", name,
				"frames", frameCount,
				"dropped_total", e.framesDropped.Load())
		}
	}
}

// Tick mixes and emits exactly one block on the engine's fixed cadence.
// Every registered source contributes what it has; missing samples are
// silence. The block is emitted even when every source is empty, so the
// output cadence never develops gaps. Returns false only when the engine
// is not running.
func (e *Engine) Tick() (media.PCMBlock, bool) {
	if !e.running.Load() {
		return media.PCMBlock{}, false
	}

	e.mu.Lock()
	block := e.mixLocked(e.order)
	e.mu.Unlock()
	return block, true
}

// TryPopMixedBlock emits a block only when every source the mode names
// holds at least one full block, consuming exactly one block from each.
// It performs no consumption and returns false otherwise. This is the
// event-driven alternative to Tick: it trades emit latency for never
// injecting silence into a live source.
func (e *Engine) TryPopMixedBlock(mode MixMode) (media.PCMBlock, bool) {
	if !e.running.Load() {
		return media.PCMBlock{}, false
	}
	required := mode.sources()
	if required == nil {
		return media.PCMBlock{}, false
	}

	want := e.cfg.BlockSize * e.cfg.Channels

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range required {
		src, ok := e.sources[name]
		if !ok || src.ring.len() < want {
			return media.PCMBlock{}, false
		}
	}
	return e.mixLocked(required), true
}

// mixLocked pops up to one block from each named source, sums with
// per-source gain, attenuates when two or more sources contributed, and
// hard-clips to [-1, 1]. Callers hold e.mu.
func (e *Engine) mixLocked(names []string) media.PCMBlock {
	want := e.cfg.BlockSize * e.cfg.Channels
	out := make([]float32, want)

	active := 0
	for _, name := range names {
		src, ok := e.sources[name]
		if !ok {
			continue
		}
		got := src.ring.pop(e.scratch[:want])
		if got == 0 {
			continue
		}
		active++
		gain := src.gain
		for i := 0; i < got; i++ {
			out[i] += e.scratch[i] * gain
		}
	}

	if active >= 2 {
		for i := range out {
			out[i] = clamp(out[i] * bothSourcesAttenuation)
		}
	} else if active == 1 {
		for i := range out {
			out[i] = clamp(out[i])
		}
	} else {
		e.silentBlocks.Add(1)
	}

	pts := e.framesSent.Load()
	e.framesSent.Add(int64(e.cfg.BlockSize))
	e.blocksMixed.Add(1)

	return media.PCMBlock{
		Samples:    out,
		FrameCount: e.cfg.BlockSize,
		Channels:   e.cfg.Channels,
		PTSFrames:  pts,
	}
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		BlocksMixed:    e.blocksMixed.Load(),
		SilentBlocks:   e.silentBlocks.Load(),
		FramesSent:     e.framesSent.Load(),
		FramesDropped:  e.framesDropped.Load(),
		RejectedWrites: e.rejectedWrites.Load(),
	}
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
