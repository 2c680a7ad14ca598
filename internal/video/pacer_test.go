package video

import (
	"testing"
	"time"
)

func newTestPacer(t *testing.T) *Pacer {
	t.Helper()
	p, err := NewPacer(Config{Width: 4, Height: 2, FrameRate: 30, RingSize: 3})
	if err != nil {
		t.Fatalf("NewPacer: %v", err)
	}
	return p
}

// solidFrame fills a 4x2 RGBA frame with one byte value.
func solidFrame(value byte) []byte {
	f := make([]byte, 4*2*4)
	for i := range f {
		f[i] = value
	}
	return f
}

func TestNewPacerValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewPacer(Config{Width: 0, Height: 720, FrameRate: 30}); err == nil {
		t.Error("zero width accepted")
	}
	if _, err := NewPacer(Config{Width: 1280, Height: 720, FrameRate: 0}); err == nil {
		t.Error("zero frame rate accepted")
	}
	if _, err := NewPacer(Config{Width: 1280, Height: 720, FrameRate: 30, RingSize: 1}); err == nil {
		t.Error("single buffering accepted")
	}
}

func TestExpectedFrameNumber(t *testing.T) {
	t.Parallel()
	p := newTestPacer(t)

	base := time.Now()
	p.now = func() time.Time { return base }

	if got := p.ExpectedFrameNumber(); got != 0 {
		t.Errorf("before Start: got %d, want 0", got)
	}

	p.Start()
	cases := []struct {
		elapsed time.Duration
		want    int64
	}{
		{0, 0},
		{33 * time.Millisecond, 0},   // 0.99 frames, truncated
		{34 * time.Millisecond, 1},   // 1.02 frames
		{100 * time.Millisecond, 3},  // 3.0 frames
		{time.Second, 30},
		{10*time.Second + 500*time.Millisecond, 315},
	}
	for _, tc := range cases {
		p.now = func() time.Time { return base.Add(tc.elapsed) }
		if got := p.ExpectedFrameNumber(); got != tc.want {
			t.Errorf("elapsed %v: got %d, want %d", tc.elapsed, got, tc.want)
		}
	}
}

func TestStartAnchorsOnce(t *testing.T) {
	t.Parallel()
	p := newTestPacer(t)

	base := time.Now()
	p.now = func() time.Time { return base }
	p.Start()

	// A second Start later must not move the origin.
	p.now = func() time.Time { return base.Add(time.Second) }
	p.Start()
	if got := p.ExpectedFrameNumber(); got != 30 {
		t.Errorf("after re-Start: got %d, want 30", got)
	}
}

func TestPushPopFIFO(t *testing.T) {
	t.Parallel()
	p := newTestPacer(t)

	for v := byte(1); v <= 3; v++ {
		if !p.PushFrame(solidFrame(v)) {
			t.Fatalf("push %d rejected", v)
		}
	}
	for v := byte(1); v <= 3; v++ {
		frame, ok := p.PopFrame()
		if !ok {
			t.Fatalf("pop %d: no frame", v)
		}
		if frame.Pixels[0] != v {
			t.Errorf("pop %d: got value %d", v, frame.Pixels[0])
		}
	}
	if _, ok := p.PopFrame(); ok {
		t.Error("pop from empty ring returned a frame")
	}
}

func TestPushDropsWhenFull(t *testing.T) {
	t.Parallel()
	p := newTestPacer(t)

	for v := byte(1); v <= 3; v++ {
		p.PushFrame(solidFrame(v))
	}
	if p.PushFrame(solidFrame(4)) {
		t.Fatal("push into full ring accepted")
	}
	if got := p.Stats().Dropped; got != 1 {
		t.Errorf("dropped: got %d, want 1", got)
	}

	// The queued frames are unaffected by the dropped push.
	frame, _ := p.PopFrame()
	if frame.Pixels[0] != 1 {
		t.Errorf("head frame: got value %d, want 1", frame.Pixels[0])
	}
}

func TestPushRejectsWrongSize(t *testing.T) {
	t.Parallel()
	p := newTestPacer(t)
	if p.PushFrame(make([]byte, 7)) {
		t.Error("wrong-sized frame accepted")
	}
}

func TestNextFrameFreshThenDuplicateThenCounts(t *testing.T) {
	t.Parallel()
	p := newTestPacer(t)

	p.PushFrame(solidFrame(9))

	fresh := p.NextFrame()
	if fresh.Pixels[0] != 9 || fresh.FrameIndex != 0 {
		t.Errorf("fresh frame: value %d index %d", fresh.Pixels[0], fresh.FrameIndex)
	}

	// Ring is now empty; the last frame is duplicated.
	dup := p.NextFrame()
	if dup.Pixels[0] != 9 {
		t.Errorf("duplicate frame: value %d, want 9", dup.Pixels[0])
	}
	if dup.FrameIndex != 1 {
		t.Errorf("duplicate index: got %d, want 1", dup.FrameIndex)
	}

	stats := p.Stats()
	if stats.Duplicated != 1 {
		t.Errorf("duplicated: got %d, want 1", stats.Duplicated)
	}
	if stats.Produced != 2 {
		t.Errorf("produced: got %d, want 2", stats.Produced)
	}
}

func TestNextFrameSynthesizesBlank(t *testing.T) {
	t.Parallel()
	p := newTestPacer(t)

	frame := p.NextFrame()
	if len(frame.Pixels) != 4*2*4 {
		t.Fatalf("blank size: got %d, want %d", len(frame.Pixels), 4*2*4)
	}
	for i, b := range frame.Pixels {
		if b != 0 {
			t.Fatalf("blank pixel %d: got %d, want 0", i, b)
		}
	}
	if got := p.Stats().Blanks; got != 1 {
		t.Errorf("blanks: got %d, want 1", got)
	}
}

func TestNextFrameAlwaysAdvancesCounter(t *testing.T) {
	t.Parallel()
	p := newTestPacer(t)

	// Mixed supply: some captured, some duplicated, some blank. The
	// index sequence must be gapless regardless.
	p.PushFrame(solidFrame(1))
	for want := int64(0); want < 6; want++ {
		frame := p.NextFrame()
		if frame.FrameIndex != want {
			t.Fatalf("frame index: got %d, want %d", frame.FrameIndex, want)
		}
		if want == 3 {
			p.PushFrame(solidFrame(2))
		}
	}
	if got := p.ProducedFrames(); got != 6 {
		t.Errorf("produced: got %d, want 6", got)
	}
}

func TestDuplicateIsACopy(t *testing.T) {
	t.Parallel()
	p := newTestPacer(t)

	p.PushFrame(solidFrame(5))
	first, _ := p.LastFrame()
	first.Pixels[0] = 0xEE

	second, _ := p.LastFrame()
	if second.Pixels[0] != 5 {
		t.Errorf("retained frame mutated through a returned copy: %d", second.Pixels[0])
	}
}

func TestBehind(t *testing.T) {
	t.Parallel()
	p := newTestPacer(t)

	base := time.Now()
	p.now = func() time.Time { return base }
	p.Start()
	p.now = func() time.Time { return base.Add(100 * time.Millisecond) }

	if got := p.Behind(); got != 3 {
		t.Fatalf("behind: got %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		p.NextFrame()
	}
	if got := p.Behind(); got != 0 {
		t.Errorf("behind after catch-up: got %d, want 0", got)
	}
}
