package audio

import "testing"

func TestPCMRingPushPop(t *testing.T) {
	t.Parallel()
	r := newPCMRing(8)

	if !r.push([]float32{1, 2, 3}) {
		t.Fatal("push rejected with free space")
	}
	if r.len() != 3 || r.free() != 5 {
		t.Fatalf("len/free: got %d/%d, want 3/5", r.len(), r.free())
	}

	dst := make([]float32, 2)
	if got := r.pop(dst); got != 2 {
		t.Fatalf("pop: got %d, want 2", got)
	}
	if dst[0] != 1 || dst[1] != 2 {
		t.Errorf("popped %v, want [1 2]", dst)
	}
}

func TestPCMRingWraparound(t *testing.T) {
	t.Parallel()
	r := newPCMRing(4)

	r.push([]float32{1, 2, 3})
	r.pop(make([]float32, 2)) // head now at index 2

	if !r.push([]float32{4, 5, 6}) {
		t.Fatal("wrapped push rejected")
	}

	dst := make([]float32, 4)
	if got := r.pop(dst); got != 4 {
		t.Fatalf("pop: got %d, want 4", got)
	}
	want := []float32{3, 4, 5, 6}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestPCMRingRejectsOverflowWhole(t *testing.T) {
	t.Parallel()
	r := newPCMRing(4)
	r.push([]float32{1, 2, 3})

	if r.push([]float32{4, 5}) {
		t.Fatal("overflowing push accepted")
	}
	// The rejected write must leave the ring untouched.
	if r.len() != 3 {
		t.Errorf("len after rejected push: got %d, want 3", r.len())
	}
}

func TestPCMRingPopBeyondAvailable(t *testing.T) {
	t.Parallel()
	r := newPCMRing(4)
	r.push([]float32{7})

	dst := []float32{-1, -1, -1}
	if got := r.pop(dst); got != 1 {
		t.Fatalf("pop: got %d, want 1", got)
	}
	if dst[0] != 7 || dst[1] != -1 {
		t.Errorf("dst after short pop: %v", dst)
	}
	if got := r.pop(dst); got != 0 {
		t.Errorf("pop from empty: got %d, want 0", got)
	}
}
