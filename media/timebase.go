package media

// Rational is an exact time base: one tick lasts Num/Den seconds. Audio
// streams use 1/sampleRate, video streams 1/fps, FLV tags 1/1000.
type Rational struct {
	Num int64
	Den int64
}

// Common time bases.
var (
	Millis = Rational{1, 1000}
	Micros = Rational{1, 1000000}
)

// RescaleRounded converts v from one time base to another, rounding half
// away from zero. Truncating here instead would lose a fraction of a tick
// on nearly every packet and the error compounds over a long session into
// audible drift, so the rounding mode is load-bearing.
func RescaleRounded(v int64, from, to Rational) int64 {
	b := from.Num * to.Den
	c := from.Den * to.Num
	return roundedDiv(v*b, c)
}

// ToMicros converts v ticks of tb into microseconds, the stream-agnostic
// scale used to order audio against video in the egress queue.
func ToMicros(v int64, tb Rational) int64 {
	return RescaleRounded(v, tb, Micros)
}

func roundedDiv(n, d int64) int64 {
	if d < 0 {
		n, d = -n, -d
	}
	if n >= 0 {
		return (n + d/2) / d
	}
	return -((-n + d/2) / d)
}
