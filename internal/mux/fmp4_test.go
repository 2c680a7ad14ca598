package mux

import (
	"bytes"
	"testing"

	"github.com/zsiec/aperture/internal/aac"
	"github.com/zsiec/aperture/internal/avc"
	"github.com/zsiec/aperture/media"
)

func fmp4Descriptors(t *testing.T) (*media.StreamDescriptor, *media.StreamDescriptor) {
	t.Helper()
	avcc, err := avc.BuildDecoderConfig(testSPS, testPPS)
	if err != nil {
		t.Fatalf("BuildDecoderConfig: %v", err)
	}
	video := &media.StreamDescriptor{
		Width: 1280, Height: 720, FrameRate: 30,
		DecoderConfig: avcc,
	}
	asc, err := aac.BuildAudioSpecificConfig(48000, 2)
	if err != nil {
		t.Fatalf("BuildAudioSpecificConfig: %v", err)
	}
	audio := &media.StreamDescriptor{
		SampleRate: 48000, Channels: 2,
		DecoderConfig: asc,
	}
	return video, audio
}

func avccSample(payload ...byte) []byte {
	out := []byte{0x00, 0x00, 0x00, byte(len(payload))}
	return append(out, payload...)
}

func TestFMP4InitSegment(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	w := NewFMP4Writer(&out, 48000)
	video, audio := fmp4Descriptors(t)

	if err := w.WriteHeader(video, audio); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	data := out.Bytes()
	for _, box := range []string{"ftyp", "moov", "trak", "mvex"} {
		if !bytes.Contains(data, []byte(box)) {
			t.Errorf("init segment missing %q box", box)
		}
	}
	if bytes.Contains(data, []byte("moof")) {
		t.Error("init segment contains a fragment")
	}
}

func TestFMP4PacketBeforeHeader(t *testing.T) {
	t.Parallel()
	w := NewFMP4Writer(&bytes.Buffer{}, 48000)
	err := w.WritePacket(&media.QueuedPacket{
		Kind: media.KindAudio,
		Data: []byte{0x21, 0x10},
	})
	if err == nil {
		t.Error("packet accepted before the init segment")
	}
}

func TestFMP4PartsCutOnKeyframes(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	w := NewFMP4Writer(&out, 48000)
	video, audio := fmp4Descriptors(t)
	if err := w.WriteHeader(video, audio); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	initLen := out.Len()

	// First GOP: keyframe + two deltas, with interleaved audio.
	write := func(kind media.PacketKind, keyframe bool, dts, dur int64) {
		t.Helper()
		pkt := &media.QueuedPacket{
			Kind: kind, Keyframe: keyframe,
			Data: avccSample(0x65, 0x88), PTS: dts, DTS: dts, Duration: dur,
		}
		if kind == media.KindAudio {
			pkt.Data = []byte{0x21, 0x10, 0x04}
			pkt.Keyframe = true
		}
		if err := w.WritePacket(pkt); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}

	write(media.KindVideo, true, 0, 3000)
	write(media.KindAudio, false, 0, 1024)
	write(media.KindVideo, false, 3000, 3000)
	write(media.KindVideo, false, 6000, 3000)
	if out.Len() != initLen {
		t.Fatal("part flushed before the next keyframe")
	}

	// The next keyframe flushes everything accumulated so far.
	write(media.KindVideo, true, 9000, 3000)
	afterFirstPart := out.Len()
	if afterFirstPart == initLen {
		t.Fatal("keyframe did not cut a part")
	}
	part := out.Bytes()[initLen:]
	if !bytes.Contains(part, []byte("moof")) || !bytes.Contains(part, []byte("mdat")) {
		t.Error("flushed part missing moof/mdat")
	}

	if err := w.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}
	if out.Len() == afterFirstPart {
		t.Error("trailer did not flush the pending keyframe")
	}
}

func TestFMP4AudioOnlyPartCap(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	w := NewFMP4Writer(&out, 48000)
	video, audio := fmp4Descriptors(t)
	if err := w.WriteHeader(video, audio); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	initLen := out.Len()

	// With video stalled, audio alone must still reach the sink.
	for i := 0; i < fmp4AudioPartCap; i++ {
		err := w.WritePacket(&media.QueuedPacket{
			Kind: media.KindAudio, Keyframe: true,
			Data: []byte{0x21, 0x10, 0x04},
			PTS:  int64(i) * 1024, DTS: int64(i) * 1024, Duration: 1024,
		})
		if err != nil {
			t.Fatalf("WritePacket %d: %v", i, err)
		}
	}
	if out.Len() == initLen {
		t.Errorf("no part flushed after %d audio-only samples", fmp4AudioPartCap)
	}
}
