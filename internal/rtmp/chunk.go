package rtmp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// RTMP message type IDs.
const (
	msgSetChunkSize     = 1
	msgAbort            = 2
	msgAcknowledgement  = 3
	msgUserControl      = 4
	msgWindowAckSize    = 5
	msgSetPeerBandwidth = 6
	msgAudio            = 8
	msgVideo            = 9
	msgDataAMF0         = 18
	msgCommandAMF0      = 20
)

// Chunk stream IDs used by the client. 2 is reserved for protocol
// control; command and media traffic get their own streams so a long
// media chunk never delays a command.
const (
	csidProtocol = 2
	csidCommand  = 3
	csidAudio    = 4
	csidVideo    = 6
)

const (
	defaultChunkSize  = 128
	outboundChunkSize = 4096

	// extendedTimestamp marks a 24-bit timestamp field that overflowed
	// into the 4-byte extension.
	extendedTimestamp = 0xFFFFFF
)

// message is one assembled RTMP message.
type message struct {
	typeID    uint8
	streamID  uint32
	timestamp uint32
	body      []byte
}

// chunkWriter serializes messages into RTMP chunks. Every message is
// written with a type 0 chunk header followed by type 3 continuations,
// which keeps the writer stateless at the cost of a few header bytes.
type chunkWriter struct {
	w         *bufio.Writer
	chunkSize int
}

func newChunkWriter(w io.Writer) *chunkWriter {
	return &chunkWriter{
		w:         bufio.NewWriterSize(w, 32*1024),
		chunkSize: outboundChunkSize,
	}
}

func (cw *chunkWriter) writeMessage(csid uint32, m *message) error {
	ts := m.timestamp
	hdrTS := ts
	if ts >= extendedTimestamp {
		hdrTS = extendedTimestamp
	}

	// Type 0 chunk header for the first chunk.
	var hdr [16]byte
	n := 0
	hdr[n] = byte(csid) // fmt 0 in the top bits
	n++
	hdr[n] = byte(hdrTS >> 16)
	hdr[n+1] = byte(hdrTS >> 8)
	hdr[n+2] = byte(hdrTS)
	n += 3
	l := len(m.body)
	hdr[n] = byte(l >> 16)
	hdr[n+1] = byte(l >> 8)
	hdr[n+2] = byte(l)
	n += 3
	hdr[n] = m.typeID
	n++
	binary.LittleEndian.PutUint32(hdr[n:], m.streamID)
	n += 4
	if ts >= extendedTimestamp {
		binary.BigEndian.PutUint32(hdr[n:], ts)
		n += 4
	}
	if _, err := cw.w.Write(hdr[:n]); err != nil {
		return err
	}

	body := m.body
	first := cw.chunkSize
	if first > len(body) {
		first = len(body)
	}
	if _, err := cw.w.Write(body[:first]); err != nil {
		return err
	}
	body = body[first:]

	// Type 3 continuations carry no header fields beyond the csid.
	cont := []byte{0xC0 | byte(csid)}
	for len(body) > 0 {
		if _, err := cw.w.Write(cont); err != nil {
			return err
		}
		if ts >= extendedTimestamp {
			var ext [4]byte
			binary.BigEndian.PutUint32(ext[:], ts)
			if _, err := cw.w.Write(ext[:]); err != nil {
				return err
			}
		}
		n := cw.chunkSize
		if n > len(body) {
			n = len(body)
		}
		if _, err := cw.w.Write(body[:n]); err != nil {
			return err
		}
		body = body[n:]
	}
	return cw.w.Flush()
}

// csState is the per-chunk-stream header state the reader carries
// between chunks, so type 1-3 headers can inherit omitted fields.
type csState struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint8
	streamID  uint32
	extended  bool
	body      []byte
}

// chunkReader assembles inbound chunks into messages.
type chunkReader struct {
	r         *bufio.Reader
	chunkSize int
	streams   map[uint32]*csState
}

func newChunkReader(r io.Reader) *chunkReader {
	return &chunkReader{
		r:         bufio.NewReaderSize(r, 32*1024),
		chunkSize: defaultChunkSize,
		streams:   make(map[uint32]*csState),
	}
}

// setChunkSize applies the peer's Set Chunk Size message.
func (cr *chunkReader) setChunkSize(n int) {
	if n > 0 {
		cr.chunkSize = n
	}
}

// readMessage reads chunks until a full message is assembled.
func (cr *chunkReader) readMessage() (*message, error) {
	for {
		m, err := cr.readChunk()
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
	}
}

func (cr *chunkReader) readChunk() (*message, error) {
	b, err := cr.r.ReadByte()
	if err != nil {
		return nil, err
	}
	format := b >> 6
	csid := uint32(b & 0x3F)
	switch csid {
	case 0:
		b2, err := cr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		csid = uint32(b2) + 64
	case 1:
		var b2 [2]byte
		if _, err := io.ReadFull(cr.r, b2[:]); err != nil {
			return nil, err
		}
		csid = uint32(b2[0]) + uint32(b2[1])<<8 + 64
	}

	st := cr.streams[csid]
	if st == nil {
		if format != 0 {
			return nil, fmt.Errorf("rtmp: chunk type %d on unknown stream %d", format, csid)
		}
		st = &csState{}
		cr.streams[csid] = st
	}

	switch format {
	case 0:
		var h [11]byte
		if _, err := io.ReadFull(cr.r, h[:]); err != nil {
			return nil, err
		}
		st.timestamp = uint32(h[0])<<16 | uint32(h[1])<<8 | uint32(h[2])
		st.length = uint32(h[3])<<16 | uint32(h[4])<<8 | uint32(h[5])
		st.typeID = h[6]
		st.streamID = binary.LittleEndian.Uint32(h[7:])
		st.delta = 0
		st.extended = st.timestamp == extendedTimestamp
		if st.extended {
			var ext [4]byte
			if _, err := io.ReadFull(cr.r, ext[:]); err != nil {
				return nil, err
			}
			st.timestamp = binary.BigEndian.Uint32(ext[:])
		}
	case 1:
		var h [7]byte
		if _, err := io.ReadFull(cr.r, h[:]); err != nil {
			return nil, err
		}
		st.delta = uint32(h[0])<<16 | uint32(h[1])<<8 | uint32(h[2])
		st.length = uint32(h[3])<<16 | uint32(h[4])<<8 | uint32(h[5])
		st.typeID = h[6]
		st.extended = st.delta == extendedTimestamp
		if st.extended {
			var ext [4]byte
			if _, err := io.ReadFull(cr.r, ext[:]); err != nil {
				return nil, err
			}
			st.delta = binary.BigEndian.Uint32(ext[:])
		}
		st.timestamp += st.delta
	case 2:
		var h [3]byte
		if _, err := io.ReadFull(cr.r, h[:]); err != nil {
			return nil, err
		}
		st.delta = uint32(h[0])<<16 | uint32(h[1])<<8 | uint32(h[2])
		st.extended = st.delta == extendedTimestamp
		if st.extended {
			var ext [4]byte
			if _, err := io.ReadFull(cr.r, ext[:]); err != nil {
				return nil, err
			}
			st.delta = binary.BigEndian.Uint32(ext[:])
		}
		st.timestamp += st.delta
	case 3:
		if len(st.body) == 0 {
			// Start of a new message inheriting the full header.
			if st.extended {
				var ext [4]byte
				if _, err := io.ReadFull(cr.r, ext[:]); err != nil {
					return nil, err
				}
				st.delta = binary.BigEndian.Uint32(ext[:])
			}
			st.timestamp += st.delta
		} else if st.extended {
			var ext [4]byte
			if _, err := io.ReadFull(cr.r, ext[:]); err != nil {
				return nil, err
			}
		}
	}

	if len(st.body) == 0 {
		st.body = make([]byte, 0, st.length)
	}
	want := int(st.length) - len(st.body)
	if want > cr.chunkSize {
		want = cr.chunkSize
	}
	buf := make([]byte, want)
	if _, err := io.ReadFull(cr.r, buf); err != nil {
		return nil, err
	}
	st.body = append(st.body, buf...)

	if len(st.body) < int(st.length) {
		return nil, nil
	}
	m := &message{
		typeID:    st.typeID,
		streamID:  st.streamID,
		timestamp: st.timestamp,
		body:      st.body,
	}
	st.body = nil
	return m, nil
}
