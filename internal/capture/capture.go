// Package capture provides the synthetic capture sources: a sine-tone
// audio generator and a moving-pattern video generator. They stand in
// for the OS capture devices and produce deterministic content at
// real-time rates, which makes the full pipeline runnable anywhere.
package capture

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/zsiec/aperture/internal/audio"
	"github.com/zsiec/aperture/internal/video"
)

// audioChunkFrames is how many frames each generator push carries.
// 480 frames at 48 kHz is 10 ms, small enough that the mixer ring never
// sees a burst.
const audioChunkFrames = 480

// Default tone frequencies. Two distinct pitches make it audible in the
// mix which source is live.
const (
	DefaultDesktopToneHz = 440.0
	DefaultMicToneHz     = 660.0
)

// AudioSourceConfig configures one synthetic audio source.
type AudioSourceConfig struct {
	Name       string // mixer source name
	SampleRate int
	Channels   int
	ToneHz     float64
	Amplitude  float64 // peak sample value, 0..1
}

// AudioSource feeds a continuous sine tone into the mixer at real-time
// cadence.
type AudioSource struct {
	log    *slog.Logger
	config AudioSourceConfig
	engine *audio.Engine

	pushed atomic.Int64
}

// NewAudioSource creates a tone generator feeding engine.
func NewAudioSource(config AudioSourceConfig, engine *audio.Engine) *AudioSource {
	if config.ToneHz == 0 {
		config.ToneHz = DefaultDesktopToneHz
	}
	if config.Amplitude == 0 {
		config.Amplitude = 0.3
	}
	return &AudioSource{
		log:    slog.With("component", "capture-audio", "source", config.Name),
		config: config,
		engine: engine,
	}
}

// PushedFrames returns the number of sample frames generated so far.
func (s *AudioSource) PushedFrames() int64 { return s.pushed.Load() }

// Run generates tone chunks until ctx is cancelled. Deadlines are
// absolute so generation cannot drift behind real time.
func (s *AudioSource) Run(ctx context.Context) error {
	chunk := make([]float32, audioChunkFrames*s.config.Channels)
	step := 2 * math.Pi * s.config.ToneHz / float64(s.config.SampleRate)
	chunkDur := time.Duration(audioChunkFrames) * time.Second / time.Duration(s.config.SampleRate)

	var phase float64
	next := time.Now()
	for {
		for i := 0; i < audioChunkFrames; i++ {
			v := float32(s.config.Amplitude * math.Sin(phase))
			phase += step
			if phase >= 2*math.Pi {
				phase -= 2 * math.Pi
			}
			for ch := 0; ch < s.config.Channels; ch++ {
				chunk[i*s.config.Channels+ch] = v
			}
		}
		s.engine.FeedAudioData(s.config.Name, chunk, audioChunkFrames)
		s.pushed.Add(audioChunkFrames)

		next = next.Add(chunkDur)
		wait := time.Until(next)
		if wait <= 0 {
			// Fell behind; resynchronize rather than bursting.
			next = time.Now()
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// VideoSourceConfig configures the synthetic video source.
type VideoSourceConfig struct {
	Width     int
	Height    int
	FrameRate int
}

// VideoSource renders a moving vertical bar over a static gradient and
// pushes frames into the pacer at the configured rate. Frame content is
// a pure function of the frame counter, so output is reproducible.
type VideoSource struct {
	log    *slog.Logger
	config VideoSourceConfig
	pacer  *video.Pacer

	frame  []byte
	pushed atomic.Int64
}

// NewVideoSource creates a pattern generator feeding pacer.
func NewVideoSource(config VideoSourceConfig, pacer *video.Pacer) *VideoSource {
	return &VideoSource{
		log:    slog.With("component", "capture-video"),
		config: config,
		pacer:  pacer,
		frame:  make([]byte, config.Width*config.Height*4),
	}
}

// PushedFrames returns the number of frames generated so far.
func (s *VideoSource) PushedFrames() int64 { return s.pushed.Load() }

// Run renders and pushes frames until ctx is cancelled.
func (s *VideoSource) Run(ctx context.Context) error {
	frameDur := time.Second / time.Duration(s.config.FrameRate)
	var n int64
	next := time.Now()
	for {
		s.render(n)
		s.pacer.PushFrame(s.frame)
		s.pushed.Add(1)
		n++

		next = next.Add(frameDur)
		wait := time.Until(next)
		if wait <= 0 {
			next = time.Now()
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// render fills the RGBA buffer for frame n: a horizontal color gradient
// with a white bar sweeping left to right once every two seconds.
func (s *VideoSource) render(n int64) {
	w, h := s.config.Width, s.config.Height
	barPeriod := int64(2 * s.config.FrameRate)
	barX := int(n % barPeriod * int64(w) / barPeriod)
	barW := w / 32
	if barW < 2 {
		barW = 2
	}

	for y := 0; y < h; y++ {
		row := s.frame[y*w*4:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4 : x*4+4]
			if x >= barX && x < barX+barW {
				px[0], px[1], px[2], px[3] = 0xFF, 0xFF, 0xFF, 0xFF
				continue
			}
			px[0] = byte(x * 255 / w)
			px[1] = byte(y * 255 / h)
			px[2] = byte(255 - x*255/w)
			px[3] = 0xFF
		}
	}
}
