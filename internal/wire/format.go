// Package wire defines the format and buffer-descriptor shapes exchanged
// between ports during negotiation. It owns no marshaling to an external
// byte protocol — that is explicitly out of scope (spec §1) — only the
// in-process shapes a Port and a Link negotiate over.
package wire

// Direction is the data direction of a Port.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionOutput {
		return "output"
	}
	return "input"
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionOutput {
		return DirectionInput
	}
	return DirectionOutput
}

// MediaType distinguishes the coarse payload kind a Format describes.
type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
)

// Format is a negotiable media format. Ports expose a restartable,
// lazy sequence of these via EnumFormats; a Link intersects an output
// port's sequence against an input port's to find a common candidate.
type Format struct {
	MediaType MediaType
	// Encoding is the format-specific subtype, e.g. "f32le", "i420".
	Encoding string
	// RateNum/RateDenom give the clock rate as a rational (e.g. 48000/1
	// for audio sample rate, 30000/1001 for 29.97fps video).
	RateNum   uint32
	RateDenom uint32
	Channels  uint32 // audio channel count; 0 for video
	Width     uint32 // video frame width; 0 for audio
	Height    uint32 // video frame height; 0 for audio
}

// Equal reports whether two formats describe the same negotiated shape.
func (f Format) Equal(o Format) bool {
	return f == o
}

// FilterFunc narrows a pair of candidate formats from the two sides of a
// link down to a single common format, or reports no match.
type FilterFunc func(out, in Format) (Format, bool)

// DefaultFilter accepts the pair only if the formats are identical.
// Drivers needing resampling/scaling install a richer FilterFunc on
// their Link.
func DefaultFilter(out, in Format) (Format, bool) {
	if out.Equal(in) {
		return out, true
	}
	return Format{}, false
}
