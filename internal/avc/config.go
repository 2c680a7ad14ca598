package avc

import (
	"encoding/binary"
	"fmt"
)

// DecoderConfig is the parsed form of an AVCDecoderConfigurationRecord,
// used to verify a built record round-trips and by the container sinks
// that need the raw parameter sets back out of the record.
type DecoderConfig struct {
	Version              byte
	ProfileIndication    byte
	ProfileCompatibility byte
	LevelIndication      byte
	LengthSize           int
	SPS                  [][]byte
	PPS                  [][]byte
}

// BuildDecoderConfig assembles an AVCDecoderConfigurationRecord
// (ISO 14496-15 5.3.3.1) from raw SPS and PPS NAL data without start
// codes; the SPS must include its NAL header byte. For high-profile
// streams the record carries the chroma-format/bit-depth trailer parsed
// from the SPS. The finished record is scanned for start codes and
// ErrStartCodeInConfig is returned if any is found; that error is fatal
// to the stream, never a per-packet reject.
func BuildDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, ErrNoParameterSets
	}

	buf := make([]byte, 0, 15+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	info, err := ParseSPS(sps)
	if err != nil {
		// An unparseable SPS still yields a valid baseline record; assume
		// 4:2:0 8-bit for the trailer decision.
		info = SPSInfo{ProfileIDC: sps[1], ChromaFormatIDC: 1, BitDepthLuma: 8, BitDepthChroma: 8}
	}
	if info.HighProfile() {
		buf = append(buf, 0xFC|(info.ChromaFormatIDC&0x03))
		buf = append(buf, 0xF8|((info.BitDepthLuma-8)&0x07))
		buf = append(buf, 0xF8|((info.BitDepthChroma-8)&0x07))
		buf = append(buf, 0) // numOfSequenceParameterSetExt
	}

	if ContainsStartCode(buf) {
		return nil, ErrStartCodeInConfig
	}
	return buf, nil
}

// ParseDecoderConfig parses an AVCDecoderConfigurationRecord back into its
// parameter sets and header fields.
func ParseDecoderConfig(data []byte) (DecoderConfig, error) {
	var cfg DecoderConfig
	if len(data) < 7 {
		return cfg, fmt.Errorf("avc: decoder config too short (%d bytes)", len(data))
	}
	if data[0] != 1 {
		return cfg, fmt.Errorf("avc: unsupported configurationVersion %d", data[0])
	}

	cfg.Version = data[0]
	cfg.ProfileIndication = data[1]
	cfg.ProfileCompatibility = data[2]
	cfg.LevelIndication = data[3]
	cfg.LengthSize = int(data[4]&0x03) + 1

	i := 5
	numSPS := int(data[i] & 0x1F)
	i++
	for n := 0; n < numSPS; n++ {
		if i+2 > len(data) {
			return cfg, fmt.Errorf("avc: truncated SPS length at offset %d", i)
		}
		l := int(binary.BigEndian.Uint16(data[i : i+2]))
		i += 2
		if i+l > len(data) {
			return cfg, fmt.Errorf("avc: truncated SPS data at offset %d", i)
		}
		cfg.SPS = append(cfg.SPS, data[i:i+l])
		i += l
	}

	if i >= len(data) {
		return cfg, fmt.Errorf("avc: missing PPS count at offset %d", i)
	}
	numPPS := int(data[i])
	i++
	for n := 0; n < numPPS; n++ {
		if i+2 > len(data) {
			return cfg, fmt.Errorf("avc: truncated PPS length at offset %d", i)
		}
		l := int(binary.BigEndian.Uint16(data[i : i+2]))
		i += 2
		if i+l > len(data) {
			return cfg, fmt.Errorf("avc: truncated PPS data at offset %d", i)
		}
		cfg.PPS = append(cfg.PPS, data[i:i+l])
		i += l
	}

	return cfg, nil
}

// ExtractParameterSets returns the first SPS and first PPS found in units,
// or nil for whichever is absent. The muxer mines keyframes with this
// while its header is still deferred.
func ExtractParameterSets(units []NALUnit) (sps, pps []byte) {
	for _, u := range units {
		switch u.Type {
		case NALTypeSPS:
			if sps == nil {
				sps = u.Data
			}
		case NALTypePPS:
			if pps == nil {
				pps = u.Data
			}
		}
		if sps != nil && pps != nil {
			break
		}
	}
	return sps, pps
}
