package audio

// pcmRing is a fixed-capacity ring of interleaved float32 samples. It is
// not safe for concurrent use; the Engine guards it with its own mutex.
type pcmRing struct {
	data []float32
	head int
	size int
}

func newPCMRing(capacity int) *pcmRing {
	return &pcmRing{data: make([]float32, capacity)}
}

func (r *pcmRing) len() int { return r.size }

func (r *pcmRing) free() int { return len(r.data) - r.size }

// push appends samples if they all fit. A write that would overflow is
// rejected whole rather than partially applied, so a block boundary never
// lands mid-write.
func (r *pcmRing) push(samples []float32) bool {
	if len(samples) > r.free() {
		return false
	}
	tail := (r.head + r.size) % len(r.data)
	n := copy(r.data[tail:], samples)
	copy(r.data, samples[n:])
	r.size += len(samples)
	return true
}

// pop fills dst with up to len(dst) samples, consuming them, and returns
// how many were written.
func (r *pcmRing) pop(dst []float32) int {
	n := len(dst)
	if n > r.size {
		n = r.size
	}
	first := len(r.data) - r.head
	if first > n {
		first = n
	}
	copy(dst[:first], r.data[r.head:r.head+first])
	copy(dst[first:n], r.data[:n-first])
	r.head = (r.head + n) % len(r.data)
	r.size -= n
	return n
}
