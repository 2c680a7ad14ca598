// Package pipeline orchestrates the capture-to-delivery data flow:
// capture sources feed the audio mixer and the frame pacer, tick loops
// pull mixed blocks and paced frames through the encoders into the
// muxer, and the egress loop drains the packet buffer into the
// container sink. Shutdown is ordered so every accepted sample reaches
// the sink before the trailer is written.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/aperture/internal/audio"
	"github.com/zsiec/aperture/internal/avc"
	"github.com/zsiec/aperture/internal/buffer"
	"github.com/zsiec/aperture/internal/captions"
	"github.com/zsiec/aperture/internal/encode"
	"github.com/zsiec/aperture/internal/mux"
	"github.com/zsiec/aperture/internal/video"
	"github.com/zsiec/aperture/media"
)

// maxAudioCatchUp bounds how many extra blocks one audio tick may mix
// when the loop falls behind its deadline. Beyond this the clock is
// resynchronized instead of bursting.
const maxAudioCatchUp = 5

// videoPollInterval is the video loop's wake cadence. It only bounds
// reaction latency; frame timing comes from the pacer's schedule.
const videoPollInterval = 5 * time.Millisecond

// Runner is a capture source: it produces into the mixer or the pacer
// until its context is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// CaptionBroadcaster receives decoded caption frames for fan-out.
type CaptionBroadcaster interface {
	BroadcastCaption(frame *ccx.CaptionFrame)
}

// Options wires a pipeline together. Engine, Pacer, VideoEncoder,
// AudioEncoder, and Muxer are required. Egress and Buffer go together;
// without them the muxer writes straight to its sink. Captions and
// CaptionSink are optional.
type Options struct {
	Engine *audio.Engine
	Pacer  *video.Pacer

	VideoEncoder encode.VideoEncoder
	AudioEncoder encode.AudioEncoder

	Muxer  *mux.Muxer
	Buffer *buffer.StreamBuffer
	Egress *mux.Egress

	Captions    *captions.Monitor
	CaptionSink CaptionBroadcaster

	Sources []Runner
}

// Snapshot aggregates the counters of every stage, polled by the stats
// reporter and serialized as JSON.
type Snapshot struct {
	UptimeMs        int64            `json:"uptimeMs"`
	FramesEncoded   int64            `json:"framesEncoded"`
	FramesDiscarded int64            `json:"framesDiscarded"`
	BlocksEncoded   int64            `json:"blocksEncoded"`
	Audio           audio.Stats      `json:"audio"`
	Video           video.Stats      `json:"video"`
	Muxer           mux.Stats        `json:"muxer"`
	Buffer          *buffer.Stats    `json:"buffer,omitempty"`
	Egress          *mux.EgressStats `json:"egress,omitempty"`
	Captions        *captions.Stats  `json:"captions,omitempty"`
}

// Pipeline drives one capture-mix-encode-mux-deliver run.
type Pipeline struct {
	log  *slog.Logger
	opts Options

	stopped   atomic.Bool
	startTime time.Time

	framesEncoded   atomic.Int64
	framesDiscarded atomic.Int64
	blocksEncoded   atomic.Int64
}

// New creates a pipeline from pre-wired components.
func New(opts Options) *Pipeline {
	return &Pipeline{
		log:  slog.With("component", "pipeline"),
		opts: opts,
	}
}

// Snapshot returns a point-in-time view of the whole pipeline.
func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{
		UptimeMs:        time.Since(p.startTime).Milliseconds(),
		FramesEncoded:   p.framesEncoded.Load(),
		FramesDiscarded: p.framesDiscarded.Load(),
		BlocksEncoded:   p.blocksEncoded.Load(),
		Audio:           p.opts.Engine.Stats(),
		Video:           p.opts.Pacer.Stats(),
		Muxer:           p.opts.Muxer.Stats(),
	}
	if p.opts.Buffer != nil {
		bs := p.opts.Buffer.Stats()
		s.Buffer = &bs
	}
	if p.opts.Egress != nil {
		es := p.opts.Egress.Stats()
		s.Egress = &es
	}
	if p.opts.Captions != nil {
		cs := p.opts.Captions.Stats()
		s.Captions = &cs
	}
	return s
}

// Run starts every goroutine and blocks until ctx is cancelled, then
// shuts down in order: capture sources first, then the tick loops, one
// encoder flush, the egress drain, and finally the container trailer.
func (p *Pipeline) Run(ctx context.Context) error {
	p.startTime = time.Now()
	p.opts.Engine.Start()
	p.opts.Pacer.Start()

	captureCtx, cancelCapture := context.WithCancel(context.Background())
	defer cancelCapture()
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	egressCtx, cancelEgress := context.WithCancel(context.Background())
	defer cancelEgress()

	var sources errgroup.Group
	for _, s := range p.opts.Sources {
		sources.Go(func() error { return s.Run(captureCtx) })
	}

	var loops errgroup.Group
	loops.Go(func() error { return p.audioLoop(loopCtx) })
	loops.Go(func() error { return p.videoLoop(loopCtx) })
	if p.opts.Captions != nil && p.opts.CaptionSink != nil {
		loops.Go(func() error { return p.captionLoop(loopCtx) })
	}

	var egress errgroup.Group
	if p.opts.Egress != nil {
		egress.Go(func() error { return p.opts.Egress.Run(egressCtx) })
	}

	<-ctx.Done()
	p.log.Info("shutting down")

	// Capture stops first so the mixer and pacer stop filling.
	cancelCapture()
	if err := sources.Wait(); err != nil {
		p.log.Warn("capture source ended with error", "error", err)
	}

	// Tick loops observe the stop flag at their loop tops.
	p.stopped.Store(true)
	cancelLoops()
	if err := loops.Wait(); err != nil {
		p.log.Warn("tick loop ended with error", "error", err)
	}
	p.opts.Engine.Stop()

	p.flushEncoders()

	// Stop the paced drain, then push the remainder out unpaced.
	cancelEgress()
	_ = egress.Wait()
	if p.opts.Egress != nil {
		p.opts.Egress.DrainRemaining()
	}

	err := p.opts.Muxer.Finalize()
	p.log.Info("pipeline stopped",
		"frames_encoded", p.framesEncoded.Load(),
		"blocks_encoded", p.blocksEncoded.Load(),
		"frames_discarded", p.framesDiscarded.Load())
	return err
}

// audioLoop mixes one block per cadence interval on an absolute
// monotonic deadline, catching up a bounded number of blocks when the
// scheduler leaves it behind.
func (p *Pipeline) audioLoop(ctx context.Context) error {
	engine := p.opts.Engine
	blockDur := time.Duration(engine.BlockSize()) * time.Second /
		time.Duration(engine.SampleRate())

	next := time.Now().Add(blockDur)
	for {
		if p.stopped.Load() {
			return nil
		}

		wait := time.Until(next)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}

		for n := 0; n < maxAudioCatchUp; n++ {
			p.tickAudio()
			next = next.Add(blockDur)
			if time.Until(next) > 0 {
				break
			}
		}
		if time.Until(next) <= 0 {
			// Still behind after the catch-up cap; resynchronize.
			next = time.Now().Add(blockDur)
		}
	}
}

func (p *Pipeline) tickAudio() {
	block, ok := p.opts.Engine.Tick()
	if !ok {
		return
	}
	pkts, err := p.opts.AudioEncoder.Encode(block)
	if err != nil {
		p.log.Warn("audio encode failed", "error", err)
		return
	}
	for _, pkt := range pkts {
		p.opts.Muxer.WriteAudioPacket(pkt, block.FrameCount)
	}
	p.blocksEncoded.Add(1)
}

// videoLoop produces frames against the pacer's schedule: every wake it
// encodes until the produced count has caught up with the expected
// frame number. Under backpressure frames are discarded before the
// encoder, keeping the schedule intact at the cost of content.
func (p *Pipeline) videoLoop(ctx context.Context) error {
	ticker := time.NewTicker(videoPollInterval)
	defer ticker.Stop()

	for {
		if p.stopped.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for p.opts.Pacer.ProducedFrames() < p.opts.Pacer.ExpectedFrameNumber() {
			frame := p.opts.Pacer.NextFrame()

			if p.opts.Buffer != nil && p.opts.Buffer.IsBackpressure() {
				p.framesDiscarded.Add(1)
				continue
			}

			pkts, err := p.opts.VideoEncoder.Encode(frame)
			if err != nil {
				p.log.Warn("video encode failed", "error", err)
				continue
			}
			for _, pkt := range pkts {
				p.emitVideoPacket(pkt, frame.FrameIndex)
			}
			p.framesEncoded.Add(1)
		}
	}
}

func (p *Pipeline) emitVideoPacket(pkt media.EncodedPacket, frameIndex int64) {
	p.opts.Muxer.WriteVideoPacket(pkt, frameIndex)

	if p.opts.Captions != nil && avc.IsAnnexB(pkt.Data) {
		ptsMillis := frameIndex * 1000 / int64(p.opts.Pacer.FrameRate())
		p.opts.Captions.Inspect(avc.ParseAnnexB(pkt.Data), ptsMillis)
	}
}

// captionLoop forwards decoded caption frames to the broadcaster.
func (p *Pipeline) captionLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-p.opts.Captions.Frames():
			p.opts.CaptionSink.BroadcastCaption(frame)
		case <-ctx.Done():
			return nil
		}
	}
}

// flushEncoders runs each encoder's flush exactly once and writes any
// delayed output through the muxer.
func (p *Pipeline) flushEncoders() {
	if pkts, err := p.opts.VideoEncoder.Flush(); err == nil {
		base := p.opts.Pacer.ProducedFrames()
		for i, pkt := range pkts {
			p.opts.Muxer.WriteVideoPacket(pkt, base+int64(i))
		}
	} else {
		p.log.Warn("video encoder flush failed", "error", err)
	}

	if pkts, err := p.opts.AudioEncoder.Flush(); err == nil {
		for _, pkt := range pkts {
			p.opts.Muxer.WriteAudioPacket(pkt, p.opts.Engine.BlockSize())
		}
	} else {
		p.log.Warn("audio encoder flush failed", "error", err)
	}
}
