package media

import "testing"

func TestRescaleRoundedExact(t *testing.T) {
	t.Parallel()
	// 48000 samples at 1/48000 is exactly 1000 ms
	got := RescaleRounded(48000, Rational{1, 48000}, Millis)
	if got != 1000 {
		t.Errorf("48000 samples to ms: got %d, want 1000", got)
	}
}

func TestRescaleRoundedHalfAwayFromZero(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		v        int64
		from, to Rational
		want     int64
	}{
		// 1024/48000 s = 21.333 ms
		{"aac block to ms", 1024, Rational{1, 48000}, Millis, 21},
		// 3 blocks = 64 ms exactly
		{"three blocks to ms", 3072, Rational{1, 48000}, Millis, 64},
		// 1.5 ticks rounds up, not down
		{"half rounds up", 3, Rational{1, 2}, Rational{1, 1}, 2},
		// negative half rounds away from zero
		{"negative half rounds down", -3, Rational{1, 2}, Rational{1, 1}, -2},
		// frame 1 at 30fps = 33.333 ms
		{"frame to ms", 1, Rational{1, 30}, Millis, 33},
		{"frame to us", 1, Rational{1, 30}, Micros, 33333},
		{"identity", 12345, Millis, Millis, 12345},
	}
	for _, tc := range cases {
		if got := RescaleRounded(tc.v, tc.from, tc.to); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestRescaleRoundedNoCumulativeDrift(t *testing.T) {
	t.Parallel()
	// Rescaling absolute positions (not deltas) must stay within one tick
	// of the exact value no matter how far the clock has advanced.
	tb := Rational{1, 48000}
	for _, samples := range []int64{1024, 48000, 48000 * 60, 48000 * 3600} {
		ms := RescaleRounded(samples, tb, Millis)
		exact := float64(samples) * 1000.0 / 48000.0
		diff := float64(ms) - exact
		if diff > 0.5 || diff < -0.5 {
			t.Errorf("samples=%d: rescaled %d ms, exact %.3f ms", samples, ms, exact)
		}
	}
}

func TestToMicros(t *testing.T) {
	t.Parallel()
	if got := ToMicros(1024, Rational{1, 48000}); got != 21333 {
		t.Errorf("1024 samples: got %d us, want 21333", got)
	}
	if got := ToMicros(500, Millis); got != 500000 {
		t.Errorf("500 ms: got %d us, want 500000", got)
	}
	if got := ToMicros(2, Rational{1, 30}); got != 66667 {
		t.Errorf("frame 2 at 30fps: got %d us, want 66667", got)
	}
}

func TestPacketKindString(t *testing.T) {
	t.Parallel()
	if KindVideo.String() != "video" || KindAudio.String() != "audio" {
		t.Error("PacketKind string mismatch")
	}
}
