// Package aac handles AAC-LC audio framing: the two-byte
// AudioSpecificConfig record carried in container headers, and ADTS
// transport headers, which encoders may prepend and the muxer strips so
// containers always receive raw frames.
package aac

import "errors"

// SamplesPerFrame is the number of PCM frames one AAC-LC frame encodes.
const SamplesPerFrame = 1024

// ObjectTypeAACLC is the MPEG-4 audio object type for AAC low complexity.
const ObjectTypeAACLC = 2

var (
	ErrInvalidADTS           = errors.New("aac: invalid ADTS header")
	ErrInvalidConfig         = errors.New("aac: invalid audio specific config")
	ErrUnsupportedSampleRate = errors.New("aac: unsupported sample rate")
)

// AAC sample rate index table (ISO 14496-3).
var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// SampleRateIndex returns the ISO 14496-3 index for a sample rate, or
// false if the rate has no index.
func SampleRateIndex(rate int) (int, bool) {
	for i, r := range sampleRates {
		if r == rate {
			return i, true
		}
	}
	return 0, false
}

// Config holds the fields of a parsed AudioSpecificConfig.
type Config struct {
	ObjectType int
	SampleRate int
	Channels   int
}

// BuildAudioSpecificConfig assembles the two-byte AAC-LC
// AudioSpecificConfig (ISO 14496-3 1.6.2.1) containers carry in their
// audio headers: 5 bits object type, 4 bits sample rate index, 4 bits
// channel configuration.
func BuildAudioSpecificConfig(sampleRate, channels int) ([]byte, error) {
	idx, ok := SampleRateIndex(sampleRate)
	if !ok {
		return nil, ErrUnsupportedSampleRate
	}
	if channels < 1 || channels > 7 {
		return nil, ErrInvalidConfig
	}
	return []byte{
		byte(ObjectTypeAACLC<<3 | idx>>1),
		byte((idx&0x01)<<7 | channels<<3),
	}, nil
}

// ParseAudioSpecificConfig parses a two-byte AudioSpecificConfig back
// into its fields. Extended object types and explicit sample rates are
// not in the encode path and are rejected.
func ParseAudioSpecificConfig(data []byte) (Config, error) {
	if len(data) < 2 {
		return Config{}, ErrInvalidConfig
	}

	objType := int(data[0] >> 3)
	if objType == 0 || objType == 31 {
		return Config{}, ErrInvalidConfig
	}

	srIdx := int(data[0]&0x07)<<1 | int(data[1]>>7)
	if srIdx >= len(sampleRates) {
		return Config{}, ErrUnsupportedSampleRate
	}

	channels := int(data[1]>>3) & 0x0F
	if channels == 0 {
		return Config{}, ErrInvalidConfig
	}

	return Config{
		ObjectType: objType,
		SampleRate: sampleRates[srIdx],
		Channels:   channels,
	}, nil
}
