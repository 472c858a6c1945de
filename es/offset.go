// Package es scans elementary streams into start-code delimited units,
// reading either from a raw byte stream or from the video PES packets of
// a program or transport stream.
package es

// Offset locates a byte of ES data in its input. For raw ES input,
// Infile is the absolute byte position and Inpacket is zero. For ES
// carried in PES packets, Infile is the position of the PES packet
// holding the byte and Inpacket is the byte's offset within that
// packet's ES data.
type Offset struct {
	Infile   int64
	Inpacket int
}

// Compare orders two offsets, returning -1, 0 or 1 as a is before, at
// or after b.
func (a Offset) Compare(b Offset) int {
	switch {
	case a.Infile < b.Infile:
		return -1
	case a.Infile > b.Infile:
		return 1
	case a.Inpacket < b.Inpacket:
		return -1
	case a.Inpacket > b.Inpacket:
		return 1
	default:
		return 0
	}
}

// Before reports whether a locates a byte earlier in the stream than b.
func (a Offset) Before(b Offset) bool { return a.Compare(b) < 0 }

// After reports whether a locates a byte later in the stream than b.
func (a Offset) After(b Offset) bool { return a.Compare(b) > 0 }
