// Package avc handles H.264 elementary-stream framing: Annex B start-code
// scanning, AVCC length-prefixed rewriting, SPS parsing, and the
// AVCDecoderConfigurationRecord the container sinks require. Encoders are
// free to emit either framing; everything downstream of the muxer sees
// strict 4-byte big-endian length prefixes with no start codes anywhere.
package avc

import (
	"encoding/binary"
	"errors"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// Sentinel errors for bitstream handling, distinguishable via errors.Is.
var (
	// ErrStartCodeInConfig means a start-code sequence was found inside a
	// decoder configuration record. A corrupt parameter set poisons every
	// downstream decoder, so callers must treat this as fatal, not as a
	// per-packet reject.
	ErrStartCodeInConfig = errors.New("avc: start code inside decoder config")
	ErrMalformedAVCC     = errors.New("avc: malformed length-prefixed data")
	ErrNoParameterSets   = errors.New("avc: missing SPS or PPS")
)

// NALUnit is one parsed NAL unit: the 5-bit type plus the raw data
// including the NAL header byte, without any start code or length prefix.
type NALUnit struct {
	Type byte
	Data []byte
}

// NALType extracts the 5-bit NAL unit type from a NAL header byte.
func NALType(header byte) byte {
	return header & 0x1F
}

// IsKeyframe reports whether the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// ParseAnnexB splits an Annex B byte stream into NAL units. Both 3-byte
// (0x000001) and 4-byte (0x00000001) start codes are recognized.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}

		nalData := data[pos.dataStart:end]
		units = append(units, NALUnit{
			Type: NALType(nalData[0]),
			Data: nalData,
		})
	}

	return units
}

// IsAnnexB reports whether data begins with an Annex B start code.
func IsAnnexB(data []byte) bool {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1
}

// IsAVCC reports whether data is a well-formed sequence of 4-byte
// big-endian length-prefixed NAL units covering the buffer exactly.
func IsAVCC(data []byte) bool {
	_, err := SplitAVCC(data)
	return err == nil
}

// SplitAVCC splits 4-byte length-prefixed data into NAL units. The
// prefixes must tile the buffer exactly; anything else is malformed.
func SplitAVCC(data []byte) ([]NALUnit, error) {
	if len(data) < 5 {
		return nil, ErrMalformedAVCC
	}
	var units []NALUnit
	i := 0
	for i < len(data) {
		if i+4 > len(data) {
			return nil, ErrMalformedAVCC
		}
		n := int(binary.BigEndian.Uint32(data[i : i+4]))
		i += 4
		if n == 0 || i+n > len(data) {
			return nil, ErrMalformedAVCC
		}
		units = append(units, NALUnit{
			Type: NALType(data[i]),
			Data: data[i : i+n],
		})
		i += n
	}
	return units, nil
}

// NALUnitsToAVCC serializes NAL units as 4-byte big-endian length-prefixed
// data, the framing MP4 and FLV require.
func NALUnitsToAVCC(units []NALUnit) []byte {
	var total int
	for _, u := range units {
		total += 4 + len(u.Data)
	}

	out := make([]byte, 0, total)
	for _, u := range units {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u.Data)))
		out = append(out, lenBuf[:]...)
		out = append(out, u.Data...)
	}
	return out
}

// ContainsStartCode reports whether a 3-byte start code (which every
// 4-byte start code also contains) appears anywhere in data. Used to
// verify decoder configs and AVCC payloads before they reach a sink.
func ContainsStartCode(data []byte) bool {
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			return true
		}
	}
	return false
}

// ForEachSEIPayload walks the payloads of an SEI NAL unit (raw data
// including the header byte, no start code) and invokes fn with each
// payload type and its emulation-free bytes. Malformed payloads end the
// walk silently; SEI content is advisory and never worth failing a frame.
func ForEachSEIPayload(nalu []byte, fn func(payloadType int, payload []byte)) {
	if len(nalu) < 2 || NALType(nalu[0]) != NALTypeSEI {
		return
	}

	rbsp := removeEmulationPrevention(nalu[1:])
	i := 0
	for i < len(rbsp) {
		if rbsp[i] == 0x80 { // rbsp_trailing_bits
			return
		}

		payloadType := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			return
		}
		payloadType += int(rbsp[i])
		i++

		payloadSize := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadSize += 255
			i++
		}
		if i >= len(rbsp) {
			return
		}
		payloadSize += int(rbsp[i])
		i++

		if i+payloadSize > len(rbsp) {
			return
		}
		fn(payloadType, rbsp[i:i+payloadSize])
		i += payloadSize
	}
}

func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
