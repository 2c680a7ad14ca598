package pipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/zsiec/aperture/internal/audio"
	"github.com/zsiec/aperture/internal/buffer"
	"github.com/zsiec/aperture/internal/capture"
	"github.com/zsiec/aperture/internal/encode"
	"github.com/zsiec/aperture/internal/mux"
	"github.com/zsiec/aperture/internal/video"
)

// buildPipeline wires a complete pipeline recording fragmented MP4 into
// out, with synthetic sources at a low resolution to keep the test fast.
func buildPipeline(t *testing.T, out *bytes.Buffer) *Pipeline {
	t.Helper()
	const width, height, fps = 320, 180, 30

	engine, err := audio.NewEngine(audio.Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.AddSource(audio.SourceDesktop, audio.DefaultDesktopGain)

	pacer, err := video.NewPacer(video.Config{Width: width, Height: height, FrameRate: fps})
	if err != nil {
		t.Fatalf("NewPacer: %v", err)
	}

	buf := buffer.New(0, 0)
	writer := mux.NewFMP4Writer(out, engine.SampleRate())
	muxer, err := mux.New(writer, mux.Config{
		Width: width, Height: height, FrameRate: fps,
		SampleRate: engine.SampleRate(), Channels: engine.Channels(),
		Buffer: buf,
	})
	if err != nil {
		t.Fatalf("mux.New: %v", err)
	}

	return New(Options{
		Engine:       engine,
		Pacer:        pacer,
		VideoEncoder: encode.NewSyntheticVideo(encode.SyntheticVideoConfig{FrameRate: fps}),
		AudioEncoder: encode.NewSyntheticAudio(encode.SyntheticAudioConfig{
			SampleRate: engine.SampleRate(),
			Channels:   engine.Channels(),
		}),
		Muxer:  muxer,
		Buffer: buf,
		Egress: mux.NewEgress(buf, writer, false),
		Sources: []Runner{
			capture.NewAudioSource(capture.AudioSourceConfig{
				Name:       audio.SourceDesktop,
				SampleRate: engine.SampleRate(),
				Channels:   engine.Channels(),
			}, engine),
			capture.NewVideoSource(capture.VideoSourceConfig{
				Width: width, Height: height, FrameRate: fps,
			}, pacer),
		},
	})
}

func TestPipelineEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the full pipeline for several hundred milliseconds")
	}
	t.Parallel()

	var out bytes.Buffer
	p := buildPipeline(t, &out)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := p.Snapshot()
	if stats.FramesEncoded == 0 {
		t.Error("no video frames encoded")
	}
	if stats.BlocksEncoded == 0 {
		t.Error("no audio blocks encoded")
	}
	if stats.Muxer.VideoPackets == 0 || stats.Muxer.AudioPackets == 0 {
		t.Errorf("muxer packets: video=%d audio=%d",
			stats.Muxer.VideoPackets, stats.Muxer.AudioPackets)
	}
	if stats.Egress == nil || stats.Egress.Written == 0 {
		t.Error("egress delivered nothing")
	}

	// Everything accepted upstream reached the sink before the trailer.
	if stats.Buffer != nil && stats.Buffer.Queued != 0 {
		t.Errorf("%d packets stranded in the buffer", stats.Buffer.Queued)
	}

	data := out.Bytes()
	for _, box := range []string{"ftyp", "moov", "moof", "mdat"} {
		if !bytes.Contains(data, []byte(box)) {
			t.Errorf("output missing %q box", box)
		}
	}
}

func TestPipelineSnapshotBeforeRun(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	p := buildPipeline(t, &out)

	stats := p.Snapshot()
	if stats.FramesEncoded != 0 || stats.BlocksEncoded != 0 {
		t.Errorf("counters before run: %+v", stats)
	}
	if stats.Buffer == nil || stats.Egress == nil {
		t.Error("optional stage stats missing from snapshot")
	}
}
