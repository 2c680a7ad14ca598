// Package amf0 implements the subset of Action Message Format 0 the FLV
// container and the RTMP command flow need: numbers, booleans, strings,
// objects, ECMA arrays, and null. AMF0 values concatenate with no outer
// framing, so encoding is plain byte appends and decoding walks the
// buffer left to right.
package amf0

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// AMF0 type markers.
const (
	markerNumber    = 0x00
	markerBoolean   = 0x01
	markerString    = 0x02
	markerObject    = 0x03
	markerNull      = 0x05
	markerUndefined = 0x06
	markerECMAArray = 0x08
	markerObjectEnd = 0x09
)

var (
	ErrTruncated       = errors.New("amf0: truncated value")
	ErrUnsupportedType = errors.New("amf0: unsupported type marker")
)

// AppendNumber appends v as an AMF0 number (big-endian float64).
func AppendNumber(buf []byte, v float64) []byte {
	buf = append(buf, markerNumber)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	return append(buf, b[:]...)
}

// AppendBoolean appends v as an AMF0 boolean.
func AppendBoolean(buf []byte, v bool) []byte {
	buf = append(buf, markerBoolean)
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// AppendString appends v as an AMF0 short string (16-bit length).
func AppendString(buf []byte, v string) []byte {
	buf = append(buf, markerString)
	return appendUTF8(buf, v)
}

// AppendNull appends the AMF0 null marker.
func AppendNull(buf []byte) []byte {
	return append(buf, markerNull)
}

// AppendObject appends the properties as an anonymous AMF0 object. Keys
// are written in sorted order so output bytes are deterministic.
func AppendObject(buf []byte, props map[string]any) []byte {
	buf = append(buf, markerObject)
	buf = appendProps(buf, props)
	return append(buf, 0x00, 0x00, markerObjectEnd)
}

// AppendECMAArray appends the properties as an AMF0 ECMA array, the form
// FLV onMetaData payloads conventionally use.
func AppendECMAArray(buf []byte, props map[string]any) []byte {
	buf = append(buf, markerECMAArray)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(props)))
	buf = append(buf, n[:]...)
	buf = appendProps(buf, props)
	return append(buf, 0x00, 0x00, markerObjectEnd)
}

// AppendValue appends a Go value using the matching AMF0 type. Supported:
// float64, int, int64, bool, string, map[string]any, nil.
func AppendValue(buf []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return AppendNull(buf)
	case float64:
		return AppendNumber(buf, t)
	case int:
		return AppendNumber(buf, float64(t))
	case int64:
		return AppendNumber(buf, float64(t))
	case bool:
		return AppendBoolean(buf, t)
	case string:
		return AppendString(buf, t)
	case map[string]any:
		return AppendObject(buf, t)
	default:
		panic(fmt.Sprintf("amf0: cannot encode %T", v))
	}
}

func appendProps(buf []byte, props map[string]any) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf = appendUTF8(buf, k)
		buf = AppendValue(buf, props[k])
	}
	return buf
}

func appendUTF8(buf []byte, v string) []byte {
	buf = append(buf, byte(len(v)>>8), byte(len(v)))
	return append(buf, v...)
}

// Decode reads one AMF0 value from data, returning the value and the
// number of bytes consumed. Objects and ECMA arrays decode to
// map[string]any, numbers to float64.
func Decode(data []byte) (any, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrTruncated
	}
	switch data[0] {
	case markerNumber:
		if len(data) < 9 {
			return nil, 0, ErrTruncated
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data[1:9])), 9, nil
	case markerBoolean:
		if len(data) < 2 {
			return nil, 0, ErrTruncated
		}
		return data[1] != 0, 2, nil
	case markerString:
		s, n, err := decodeUTF8(data[1:])
		if err != nil {
			return nil, 0, err
		}
		return s, 1 + n, nil
	case markerNull, markerUndefined:
		return nil, 1, nil
	case markerObject:
		props, n, err := decodeProps(data[1:])
		if err != nil {
			return nil, 0, err
		}
		return props, 1 + n, nil
	case markerECMAArray:
		if len(data) < 5 {
			return nil, 0, ErrTruncated
		}
		props, n, err := decodeProps(data[5:])
		if err != nil {
			return nil, 0, err
		}
		return props, 5 + n, nil
	default:
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, data[0])
	}
}

// DecodeAll reads AMF0 values until data is exhausted. Used for command
// message bodies, which are a flat sequence of values.
func DecodeAll(data []byte) ([]any, error) {
	var out []any
	for len(data) > 0 {
		v, n, err := Decode(data)
		if err != nil {
			return out, err
		}
		out = append(out, v)
		data = data[n:]
	}
	return out, nil
}

func decodeProps(data []byte) (map[string]any, int, error) {
	props := make(map[string]any)
	off := 0
	for {
		if off+3 <= len(data) && data[off] == 0 && data[off+1] == 0 && data[off+2] == markerObjectEnd {
			return props, off + 3, nil
		}
		key, n, err := decodeUTF8(data[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		v, n, err := Decode(data[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		props[key] = v
	}
}

func decodeUTF8(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, ErrTruncated
	}
	l := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+l {
		return "", 0, ErrTruncated
	}
	return string(data[2 : 2+l]), 2 + l, nil
}
