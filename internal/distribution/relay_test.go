package distribution

import (
	"testing"

	"github.com/zsiec/ccx"
)

// mockViewer collects delivered tags; accept controls SendTag's verdict.
type mockViewer struct {
	id       string
	tags     [][]byte
	captions []*ccx.CaptionFrame
	accept   bool
}

func newMockViewer(id string) *mockViewer {
	return &mockViewer{id: id, accept: true}
}

func (v *mockViewer) ID() string { return v.id }

func (v *mockViewer) SendTag(tag []byte) bool {
	if !v.accept {
		return false
	}
	v.tags = append(v.tags, tag)
	return true
}

func (v *mockViewer) SendCaption(frame *ccx.CaptionFrame) {
	v.captions = append(v.captions, frame)
}

func (v *mockViewer) Stats() ViewerStats {
	return ViewerStats{ID: v.id, TagsSent: int64(len(v.tags))}
}

// Tag bodies as the FLV writer cuts them.
var (
	metaBody     = []byte{0x02, 0x00, 0x0A}
	videoSeqHdr  = []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x64}
	audioSeqHdr  = []byte{0xAF, 0x00, 0x11, 0x90}
	keyframeBody = []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0x65}
	deltaBody    = []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0x41}
	audioBody    = []byte{0xAF, 0x01, 0x21, 0x10}
)

func writeHeader(t *testing.T, r *Relay) {
	t.Helper()
	if err := r.WriteMetaData(metaBody); err != nil {
		t.Fatalf("WriteMetaData: %v", err)
	}
	if err := r.WriteVideoTag(videoSeqHdr, 0, true); err != nil {
		t.Fatalf("video seq header: %v", err)
	}
	if err := r.WriteAudioTag(audioSeqHdr, 0); err != nil {
		t.Fatalf("audio seq header: %v", err)
	}
}

func TestRelayCachesHeaderTags(t *testing.T) {
	t.Parallel()
	r := NewRelay()
	writeHeader(t, r)

	if got := r.HeaderTags(); got != 3 {
		t.Errorf("header tags: got %d, want metadata + 2 sequence headers", got)
	}
	// Sequence headers never count as live traffic.
	if got := r.Stats().TagsRelayed; got != 0 {
		t.Errorf("tags relayed: got %d, want 0", got)
	}
}

func TestRelayLateJoinerReplay(t *testing.T) {
	t.Parallel()
	r := NewRelay()
	writeHeader(t, r)

	// One full GOP, then a new keyframe starting the current one.
	r.WriteVideoTag(keyframeBody, 0, true)
	r.WriteAudioTag(audioBody, 10)
	r.WriteVideoTag(deltaBody, 33, false)
	r.WriteVideoTag(keyframeBody, 2000, true)
	r.WriteVideoTag(deltaBody, 2033, false)

	v := newMockViewer("late")
	r.AddViewer(v)

	// Header (3 tags) + current GOP (keyframe at 2000 + delta).
	if len(v.tags) != 5 {
		t.Fatalf("replayed %d tags, want 5", len(v.tags))
	}
	// First replayed media tag after the header is the GOP keyframe.
	gopFirst := v.tags[3]
	ts := uint32(gopFirst[4])<<16 | uint32(gopFirst[5])<<8 | uint32(gopFirst[6])
	if ts != 2000 {
		t.Errorf("GOP replay starts at %d ms, want 2000", ts)
	}

	// Live tags flow after the replay.
	r.WriteVideoTag(deltaBody, 2066, false)
	if len(v.tags) != 6 {
		t.Errorf("live tag not delivered, have %d", len(v.tags))
	}
}

func TestRelayKeyframeResetsGOP(t *testing.T) {
	t.Parallel()
	r := NewRelay()
	writeHeader(t, r)

	r.WriteVideoTag(keyframeBody, 0, true)
	for i := 1; i <= 5; i++ {
		r.WriteVideoTag(deltaBody, uint32(i)*33, false)
	}
	if got := r.Stats().GOPTags; got != 6 {
		t.Fatalf("GOP tags: got %d, want 6", got)
	}

	r.WriteVideoTag(keyframeBody, 2000, true)
	if got := r.Stats().GOPTags; got != 1 {
		t.Errorf("GOP tags after keyframe: got %d, want 1", got)
	}
}

func TestRelayEvictsSlowViewer(t *testing.T) {
	t.Parallel()
	r := NewRelay()
	writeHeader(t, r)

	slow := newMockViewer("slow")
	fast := newMockViewer("fast")
	r.AddViewer(slow)
	r.AddViewer(fast)

	slow.accept = false
	r.WriteVideoTag(keyframeBody, 0, true)

	if got := r.ViewerCount(); got != 1 {
		t.Errorf("viewers after eviction: got %d, want 1", got)
	}
	if got := r.Stats().Evicted; got != 1 {
		t.Errorf("evicted: got %d, want 1", got)
	}
	if len(fast.tags) != 4 { // header replay + live keyframe
		t.Errorf("fast viewer tags: got %d, want 4", len(fast.tags))
	}
}

func TestRelayBroadcastCaption(t *testing.T) {
	t.Parallel()
	r := NewRelay()
	a := newMockViewer("a")
	b := newMockViewer("b")
	r.AddViewer(a)
	r.AddViewer(b)

	frame := &ccx.CaptionFrame{PTS: 1234, Text: "hello", Channel: 1}
	r.BroadcastCaption(frame)

	if len(a.captions) != 1 || len(b.captions) != 1 {
		t.Errorf("caption delivery: a=%d b=%d, want 1 each", len(a.captions), len(b.captions))
	}
	if a.captions[0].Text != "hello" {
		t.Errorf("caption text: %q", a.captions[0].Text)
	}
}

func TestRelayClosedDropsLiveTags(t *testing.T) {
	t.Parallel()
	r := NewRelay()
	writeHeader(t, r)
	v := newMockViewer("v")
	r.AddViewer(v)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r.WriteVideoTag(keyframeBody, 0, true)
	if len(v.tags) != 3 { // header replay only
		t.Errorf("tags after close: got %d, want 3", len(v.tags))
	}
}

func TestRelayViewerStats(t *testing.T) {
	t.Parallel()
	r := NewRelay()
	r.AddViewer(newMockViewer("a"))
	r.AddViewer(newMockViewer("b"))

	stats := r.ViewerStatsAll()
	if len(stats) != 2 {
		t.Fatalf("got %d viewer stats, want 2", len(stats))
	}
}
