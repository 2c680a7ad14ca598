// Command aperture captures synthetic desktop audio and video, mixes
// and encodes them, and delivers the muxed stream to a file, an RTMP
// ingest, or live QUIC viewers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/aperture/internal/audio"
	"github.com/zsiec/aperture/internal/buffer"
	"github.com/zsiec/aperture/internal/capture"
	"github.com/zsiec/aperture/internal/captions"
	"github.com/zsiec/aperture/internal/certs"
	"github.com/zsiec/aperture/internal/distribution"
	"github.com/zsiec/aperture/internal/encode"
	"github.com/zsiec/aperture/internal/mux"
	"github.com/zsiec/aperture/internal/pipeline"
	"github.com/zsiec/aperture/internal/rtmp"
	"github.com/zsiec/aperture/internal/video"
)

var version = "dev"

const statsInterval = 10 * time.Second

func main() {
	mode := flag.String("mode", envOr("MODE", "record"), "record | stream | serve")
	out := flag.String("out", envOr("OUT", "capture.mp4"), "output file (record mode)")
	url := flag.String("url", envOr("RTMP_URL", ""), "rtmp://host/app/key (stream mode)")
	addr := flag.String("addr", envOr("FANOUT_ADDR", ":4443"), "QUIC listen address (serve mode)")
	width := flag.Int("width", envOrInt("WIDTH", 1280), "capture width")
	height := flag.Int("height", envOrInt("HEIGHT", 720), "capture height")
	fps := flag.Int("fps", envOrInt("FPS", 30), "capture frame rate")
	mixFlag := flag.String("mix", envOr("MIX", "both"), "audio mix: desktop | mic | both")
	duration := flag.Duration("duration", 0, "stop after this long (0 = run until signal)")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	mixMode, err := parseMixMode(*mixFlag)
	if err != nil {
		slog.Error("bad -mix value", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("aperture starting",
		"version", version,
		"mode", *mode,
		"geometry", fmt.Sprintf("%dx%d@%d", *width, *height, *fps))

	if err := run(ctx, runConfig{
		mode:    *mode,
		out:     *out,
		url:     *url,
		addr:    *addr,
		width:   *width,
		height:  *height,
		fps:     *fps,
		mixMode: mixMode,
	}); err != nil {
		slog.Error("aperture failed", "error", err)
		os.Exit(1)
	}
}

type runConfig struct {
	mode    string
	out     string
	url     string
	addr    string
	width   int
	height  int
	fps     int
	mixMode audio.MixMode
}

func run(ctx context.Context, cfg runConfig) error {
	engine, err := audio.NewEngine(audio.Config{})
	if err != nil {
		return fmt.Errorf("audio engine: %w", err)
	}

	pacer, err := video.NewPacer(video.Config{
		Width:     cfg.width,
		Height:    cfg.height,
		FrameRate: cfg.fps,
	})
	if err != nil {
		return fmt.Errorf("video pacer: %w", err)
	}

	// The mix mode decides which audio sources exist at all; the engine
	// mixes every registered source each tick.
	var sources []pipeline.Runner
	if cfg.mixMode == audio.MixDesktopOnly || cfg.mixMode == audio.MixBoth {
		engine.AddSource(audio.SourceDesktop, audio.DefaultDesktopGain)
		sources = append(sources, capture.NewAudioSource(capture.AudioSourceConfig{
			Name:       audio.SourceDesktop,
			SampleRate: engine.SampleRate(),
			Channels:   engine.Channels(),
			ToneHz:     capture.DefaultDesktopToneHz,
		}, engine))
	}
	if cfg.mixMode == audio.MixMicOnly || cfg.mixMode == audio.MixBoth {
		engine.AddSource(audio.SourceMic, audio.DefaultMicGain)
		sources = append(sources, capture.NewAudioSource(capture.AudioSourceConfig{
			Name:       audio.SourceMic,
			SampleRate: engine.SampleRate(),
			Channels:   engine.Channels(),
			ToneHz:     capture.DefaultMicToneHz,
		}, engine))
	}
	sources = append(sources, capture.NewVideoSource(capture.VideoSourceConfig{
		Width:     cfg.width,
		Height:    cfg.height,
		FrameRate: cfg.fps,
	}, pacer))

	venc := encode.NewSyntheticVideo(encode.SyntheticVideoConfig{FrameRate: cfg.fps})
	aenc := encode.NewSyntheticAudio(encode.SyntheticAudioConfig{
		SampleRate: engine.SampleRate(),
		Channels:   engine.Channels(),
	})

	buf := buffer.New(0, 0) // defaults

	opts := pipeline.Options{
		Engine:       engine,
		Pacer:        pacer,
		VideoEncoder: venc,
		AudioEncoder: aenc,
		Buffer:       buf,
		Sources:      sources,
	}

	g, ctx := errgroup.WithContext(ctx)

	var writer mux.ContainerWriter
	pace := false

	switch cfg.mode {
	case "record":
		f, err := os.Create(cfg.out)
		if err != nil {
			return fmt.Errorf("create %s: %w", cfg.out, err)
		}
		defer f.Close()
		writer = mux.NewFMP4Writer(f, engine.SampleRate())
		slog.Info("recording", "file", cfg.out)

	case "stream":
		if cfg.url == "" {
			return fmt.Errorf("stream mode requires -url")
		}
		dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
		client, err := rtmp.Dial(dialCtx, cfg.url)
		dialCancel()
		if err != nil {
			return err
		}
		writer = mux.NewFLVWriter(client, engine.SampleRate())
		pace = true

	case "serve":
		cert, err := certs.Generate(14 * 24 * time.Hour)
		if err != nil {
			return fmt.Errorf("certificate: %w", err)
		}
		relay := distribution.NewRelay()
		server, err := distribution.NewServer(distribution.ServerConfig{
			Addr:  cfg.addr,
			Cert:  cert,
			Relay: relay,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return server.Start(ctx) })

		writer = mux.NewFLVWriter(relay, engine.SampleRate())
		pace = true
		opts.Captions = captions.NewMonitor()
		opts.CaptionSink = relay

	default:
		return fmt.Errorf("unknown mode %q", cfg.mode)
	}

	muxer, err := mux.New(writer, mux.Config{
		Width:      cfg.width,
		Height:     cfg.height,
		FrameRate:  cfg.fps,
		SampleRate: engine.SampleRate(),
		Channels:   engine.Channels(),
		Buffer:     buf,
	})
	if err != nil {
		return err
	}
	opts.Muxer = muxer
	opts.Egress = mux.NewEgress(buf, writer, pace)

	p := pipeline.New(opts)

	g.Go(func() error {
		reportStats(ctx, p)
		return nil
	})
	g.Go(func() error { return p.Run(ctx) })

	return g.Wait()
}

func reportStats(ctx context.Context, p *pipeline.Pipeline) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := p.Snapshot()
			slog.Info("stats",
				"uptime_ms", s.UptimeMs,
				"frames_encoded", s.FramesEncoded,
				"frames_discarded", s.FramesDiscarded,
				"blocks_encoded", s.BlocksEncoded,
				"video_packets", s.Muxer.VideoPackets,
				"audio_packets", s.Muxer.AudioPackets,
				"bytes", s.Muxer.TotalBytes,
				"pts_seconds", fmt.Sprintf("%.1f", s.Muxer.CurrentPTS))
		case <-ctx.Done():
			return
		}
	}
}

func parseMixMode(s string) (audio.MixMode, error) {
	switch s {
	case "desktop":
		return audio.MixDesktopOnly, nil
	case "mic":
		return audio.MixMicOnly, nil
	case "both":
		return audio.MixBoth, nil
	}
	return 0, fmt.Errorf("unknown mix mode %q", s)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
