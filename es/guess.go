package es

import (
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/tsforge/pes"
)

// guessUnits is how many leading ES units GuessVideoType will inspect
// before giving up.
const guessUnits = 500

// GuessVideoType inspects the leading units of an elementary stream to
// decide whether it is H.262, H.264 or AVS. It consumes the units it
// looks at. Start codes at and above 0xB9 are rejected outright, since
// they mean the data is PES (and hence PS or TS) rather than ES.
//
// It is easier to prove a stream is H.262 or AVS than H.264, so the
// result is a best guess, not a guarantee.
func GuessVideoType(r *Reader) (pes.VideoType, error) {
	maybeH262 := true
	maybeH264 := true
	maybeAVS := true

	for i := 0; i < guessUnits; i++ {
		unit, err := r.NextUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pes.VideoUnknown, err
		}
		if err := narrowVideoType(unit.StartCode, &maybeH264, &maybeH262, &maybeAVS); err != nil {
			return pes.VideoUnknown, err
		}
		switch {
		case maybeH264 && !maybeH262 && !maybeAVS:
			return pes.VideoH264, nil
		case !maybeH264 && maybeH262 && !maybeAVS:
			return pes.VideoH262, nil
		case !maybeH264 && !maybeH262 && maybeAVS:
			return pes.VideoAVS, nil
		}
	}
	return pes.VideoUnknown, nil
}

// narrowVideoType eliminates video types that could not have produced
// the given start code.
//
// Reserved start codes per standard:
//   - AVS:   B4, B8 and B9..FF
//   - H.262: B0, B1, B6 and B9..FF
//   - H.264: anything with the top bit set
func narrowVideoType(startCode byte, maybeH264, maybeH262, maybeAVS *bool) error {
	if startCode == 0xBA {
		return fmt.Errorf("es: start code 0xBA looks like a PS pack header; data may be PS")
	}
	if startCode >= 0xB9 {
		return fmt.Errorf("es: start code %02X is a system start code; data may be PS or TS", startCode)
	}

	if startCode&0x80 != 0 {
		*maybeH264 = false
		switch startCode {
		case 0xB0, 0xB1, 0xB6:
			*maybeH262 = false
		case 0xB4, 0xB8:
			*maybeAVS = false
		}
		return nil
	}

	if !*maybeH264 {
		return nil
	}
	refIDC := (startCode & 0x60) >> 5
	nalType := startCode & 0x1F
	switch {
	case nalType > 12 && nalType < 24:
		// Reserved.
		*maybeH264 = false
	case nalType > 23:
		// Unspecified.
		*maybeH264 = false
	case refIDC == 0:
		// IDR slices and parameter sets must be marked as reference.
		if nalType == 5 || nalType == 7 || nalType == 8 {
			*maybeH264 = false
		}
	default:
		// SEI, delimiters and fillers must not be marked as reference.
		if nalType == 6 || nalType >= 9 && nalType <= 12 {
			*maybeH264 = false
		}
	}
	return nil
}
