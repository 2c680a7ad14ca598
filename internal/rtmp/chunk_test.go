package rtmp

import (
	"bytes"
	"errors"
	"testing"
)

func roundTrip(t *testing.T, csid uint32, m *message) *message {
	t.Helper()
	var wire bytes.Buffer
	cw := newChunkWriter(&wire)
	if err := cw.writeMessage(csid, m); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	cr := newChunkReader(&wire)
	cr.setChunkSize(outboundChunkSize)
	got, err := cr.readMessage()
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	return got
}

func TestChunkRoundTripSmallMessage(t *testing.T) {
	t.Parallel()
	want := &message{
		typeID:    msgCommandAMF0,
		streamID:  0,
		timestamp: 0,
		body:      []byte("connect"),
	}
	got := roundTrip(t, csidCommand, want)
	if got.typeID != want.typeID || got.streamID != want.streamID ||
		got.timestamp != want.timestamp || !bytes.Equal(got.body, want.body) {
		t.Errorf("round trip: got %+v, want %+v", got, want)
	}
}

func TestChunkRoundTripLargeMessage(t *testing.T) {
	t.Parallel()
	// Three full chunks plus a remainder forces type 3 continuations.
	body := make([]byte, outboundChunkSize*3+100)
	for i := range body {
		body[i] = byte(i)
	}
	want := &message{
		typeID:    msgVideo,
		streamID:  1,
		timestamp: 33,
		body:      body,
	}
	got := roundTrip(t, csidVideo, want)
	if !bytes.Equal(got.body, want.body) {
		t.Fatal("large body corrupted across chunk boundaries")
	}
	if got.timestamp != 33 || got.streamID != 1 {
		t.Errorf("header fields: ts=%d streamID=%d", got.timestamp, got.streamID)
	}
}

func TestChunkRoundTripExtendedTimestamp(t *testing.T) {
	t.Parallel()
	// Past ~4.6 hours the 24-bit field overflows into the extension.
	body := make([]byte, outboundChunkSize+10)
	want := &message{
		typeID:    msgAudio,
		streamID:  1,
		timestamp: 0x01234567,
		body:      body,
	}
	got := roundTrip(t, csidAudio, want)
	if got.timestamp != want.timestamp {
		t.Errorf("extended timestamp: got 0x%08x, want 0x%08x",
			got.timestamp, want.timestamp)
	}
	if len(got.body) != len(want.body) {
		t.Errorf("body length: got %d, want %d", len(got.body), len(want.body))
	}
}

func TestChunkReaderSequentialMessages(t *testing.T) {
	t.Parallel()
	var wire bytes.Buffer
	cw := newChunkWriter(&wire)
	for i := 0; i < 3; i++ {
		m := &message{
			typeID:    msgAudio,
			streamID:  1,
			timestamp: uint32(i) * 21,
			body:      []byte{byte(i), 0xAF},
		}
		if err := cw.writeMessage(csidAudio, m); err != nil {
			t.Fatalf("writeMessage %d: %v", i, err)
		}
	}

	cr := newChunkReader(&wire)
	cr.setChunkSize(outboundChunkSize)
	for i := 0; i < 3; i++ {
		m, err := cr.readMessage()
		if err != nil {
			t.Fatalf("readMessage %d: %v", i, err)
		}
		if m.timestamp != uint32(i)*21 || m.body[0] != byte(i) {
			t.Errorf("message %d: ts=%d body[0]=%d", i, m.timestamp, m.body[0])
		}
	}
}

func TestChunkReaderRejectsContinuationOnUnknownStream(t *testing.T) {
	t.Parallel()
	cr := newChunkReader(bytes.NewReader([]byte{0xC3}))
	if _, err := cr.readMessage(); err == nil {
		t.Error("type 3 chunk on an unseen stream accepted")
	}
}

func TestParseURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in                    string
		app, key, host, tcURL string
		wantErr               bool
	}{
		{
			in:  "rtmp://live.example.com/live/abc123",
			app: "live", key: "abc123",
			host: "live.example.com:1935", tcURL: "rtmp://live.example.com/live",
		},
		{
			in:  "rtmp://ingest:1936/app/nested/streamkey",
			app: "app/nested", key: "streamkey",
			host: "ingest:1936", tcURL: "rtmp://ingest:1936/app/nested",
		},
		{in: "https://example.com/live/key", wantErr: true},
		{in: "rtmp://example.com/onlyapp", wantErr: true},
		{in: "rtmp://example.com/", wantErr: true},
	}
	for _, c := range cases {
		app, key, host, tcURL, err := parseURL(c.in)
		if c.wantErr {
			if !errors.Is(err, ErrBadURL) {
				t.Errorf("parseURL(%q): got %v, want ErrBadURL", c.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseURL(%q): %v", c.in, err)
			continue
		}
		if app != c.app || key != c.key || host != c.host || tcURL != c.tcURL {
			t.Errorf("parseURL(%q) = %q %q %q %q, want %q %q %q %q",
				c.in, app, key, host, tcURL, c.app, c.key, c.host, c.tcURL)
		}
	}
}
