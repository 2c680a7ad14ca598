package aac

// Frame is one AAC frame extracted from an ADTS stream, without the
// transport header.
type Frame struct {
	Payload    []byte
	SampleRate int
	Channels   int
}

// IsADTS reports whether data begins with an ADTS sync word.
func IsADTS(data []byte) bool {
	return len(data) >= 7 && data[0] == 0xFF && data[1]&0xF0 == 0xF0
}

// adtsHeaderSize returns the header length for the frame at data, 7 or 9
// bytes depending on the CRC flag.
func adtsHeaderSize(data []byte) int {
	if data[1]&0x01 == 0 {
		return 9
	}
	return 7
}

// StripADTS removes the ADTS header from a single-frame packet, which is
// what encoders hand the muxer. Input without a sync word passes through
// unchanged; a sync word with a malformed header is an error.
func StripADTS(data []byte) ([]byte, error) {
	if !IsADTS(data) {
		return data, nil
	}

	headerSize := adtsHeaderSize(data)
	frameLen := int(data[3]&0x03)<<11 |
		int(data[4])<<3 |
		int(data[5]>>5)
	if frameLen < headerSize || frameLen > len(data) {
		return nil, ErrInvalidADTS
	}
	return data[headerSize:frameLen], nil
}

// ParseADTS parses an ADTS byte stream into individual AAC frames,
// resynchronizing past garbage between frames. A truncated trailing
// frame ends the parse without error.
func ParseADTS(data []byte) ([]Frame, error) {
	var frames []Frame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < 7 {
			break
		}

		// Sync word: 0xFFF
		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		headerSize := adtsHeaderSize(data[offset:])

		sampleRateIdx := (data[offset+2] >> 2) & 0x0F
		if int(sampleRateIdx) >= len(sampleRates) {
			return frames, ErrInvalidADTS
		}

		channelCfg := ((data[offset+2] & 0x01) << 2) | ((data[offset+3] >> 6) & 0x03)

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize || offset+frameLen > len(data) {
			break // truncated
		}

		frames = append(frames, Frame{
			Payload:    data[offset+headerSize : offset+frameLen],
			SampleRate: sampleRates[sampleRateIdx],
			Channels:   int(channelCfg),
		})

		offset += frameLen
	}

	return frames, nil
}

// BuildADTS prepends a 7-byte ADTS header (no CRC) to a raw AAC-LC
// frame. Inspection tools use this to make muxer output playable by
// decoders that only accept transport streams of frames.
func BuildADTS(raw []byte, sampleRate, channels int) ([]byte, error) {
	idx, ok := SampleRateIndex(sampleRate)
	if !ok {
		return nil, ErrUnsupportedSampleRate
	}
	if channels < 1 || channels > 7 {
		return nil, ErrInvalidADTS
	}

	frameLen := len(raw) + 7
	if frameLen > 0x1FFF {
		return nil, ErrInvalidADTS
	}

	out := make([]byte, 0, frameLen)
	out = append(out,
		0xFF,
		0xF1, // MPEG-4, layer 0, no CRC
		byte((ObjectTypeAACLC-1)<<6|idx<<2|channels>>2),
		byte((channels&0x03)<<6|frameLen>>11),
		byte(frameLen>>3),
		byte((frameLen&0x07)<<5|0x1F),
		0xFC,
	)
	return append(out, raw...), nil
}
