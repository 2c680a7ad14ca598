// Package encode defines the codec boundary. The pipeline drives
// encoders through two small interfaces; the synthetic implementations
// here emit structurally valid H.264 and AAC elementary streams with
// pseudo payload, so every downstream stage handles bytes shaped
// exactly like real encoder output.
package encode

import (
	"errors"

	"github.com/zsiec/aperture/media"
)

// ErrFlushed is returned by Encode after Flush has been called.
// Encoders flush at most once, at shutdown.
var ErrFlushed = errors.New("encode: encoder already flushed")

// VideoEncoder turns pixel frames into encoded access units. An Encode
// call may return zero packets (encoder delay) or several (delayed
// output flushing through).
type VideoEncoder interface {
	Encode(frame media.PixelFrame) ([]media.EncodedPacket, error)
	Flush() ([]media.EncodedPacket, error)
}

// AudioEncoder turns fixed-size PCM blocks into encoded audio packets.
type AudioEncoder interface {
	Encode(block media.PCMBlock) ([]media.EncodedPacket, error)
	Flush() ([]media.EncodedPacket, error)
}
