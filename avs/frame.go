// Package avs assembles AVS (GB/T 20090.2) elementary streams into
// frames, sequence headers and sequence ends.
package avs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsforge/es"
)

// AVS start codes.
const (
	StartCodeSequenceHeader byte = 0xB0
	StartCodeSequenceEnd    byte = 0xB1
	StartCodeUserData       byte = 0xB2
	StartCodeIFrame         byte = 0xB3
	StartCodeExtension      byte = 0xB5
	StartCodePBFrame        byte = 0xB6
	StartCodeVideoEdit      byte = 0xB7
)

// Picture coding types. I frames have no coding type field of their own
// (they have their own start code), so one is assigned.
const (
	PictureCodingP byte = 1
	PictureCodingB byte = 2
	PictureCodingI byte = 3
)

// StartCodeStr names an AVS start code for reporting.
func StartCodeStr(code byte) string {
	if code < 0xB0 {
		return "Slice"
	}
	switch code {
	case StartCodeSequenceHeader:
		return "Video sequence start"
	case StartCodeSequenceEnd:
		return "Video sequence end"
	case StartCodeUserData:
		return "User data"
	case StartCodeIFrame:
		return "I frame"
	case StartCodeExtension:
		return "Extension start"
	case StartCodePBFrame:
		return "P/B frame"
	case StartCodeVideoEdit:
		return "Video edit"
	default:
		return "Reserved"
	}
}

// PictureCodingStr names a picture coding type.
func PictureCodingStr(codingType byte) string {
	switch codingType {
	case PictureCodingI:
		return "I"
	case PictureCodingP:
		return "P"
	case PictureCodingB:
		return "B"
	default:
		return fmt.Sprintf("?%d?", codingType)
	}
}

// frameRates maps frame_rate_code 1..8 to frames per second.
var frameRates = [9]float64{0, 24000.0 / 1001, 24, 25, 30000.0 / 1001, 30, 50, 60000.0 / 1001, 60}

// FrameRate returns the frame rate for a sequence header
// frame_rate_code, defaulting to 25 for out-of-range codes.
func FrameRate(code byte) float64 {
	if int(code) < len(frameRates) && frameRates[code] != 0 {
		return frameRates[code]
	}
	return 25
}

func isFrameUnit(u *es.Unit) bool {
	return u.StartCode == StartCodeIFrame || u.StartCode == StartCodePBFrame
}

func isSliceUnit(u *es.Unit) bool { return u.StartCode < 0xB0 }

// PictureCodingType determines the coding type of a frame-starting ES
// unit, or 0 if it has none.
func PictureCodingType(u *es.Unit) byte {
	switch u.StartCode {
	case StartCodeIFrame:
		return PictureCodingI
	case StartCodePBFrame:
		if len(u.Data) < 7 {
			return 0
		}
		codingType := (u.Data[6] & 0xC0) >> 6
		if codingType == PictureCodingP || codingType == PictureCodingB {
			return codingType
		}
		return 0
	default:
		return 0
	}
}

// Frame is an AVS "frame": an I/P/B frame with its slices, a sequence
// header with its extensions and user data, or a lone sequence end.
type Frame struct {
	Units []es.Unit

	StartCode        byte
	IsFrame          bool
	IsSequenceHeader bool

	// Frame fields.
	PictureCodingType byte
	PictureDistance   int

	// Sequence header fields.
	AspectRatio   byte
	FrameRateCode byte
}

// IsSequenceEnd reports whether the frame is a lone sequence end.
func (f *Frame) IsSequenceEnd() bool { return !f.IsFrame && !f.IsSequenceHeader }

// Bounds returns the start position of the frame's first unit and the
// total byte length of all its units.
func (f *Frame) Bounds() (es.Offset, int) {
	if len(f.Units) == 0 {
		return es.Offset{}, 0
	}
	total := 0
	for i := range f.Units {
		total += len(f.Units[i].Data)
	}
	return f.Units[0].StartPosn, total
}

// Write writes the frame's units, in order, to w.
func (f *Frame) Write(w io.Writer) error {
	for i := range f.Units {
		if _, err := w.Write(f.Units[i].Data); err != nil {
			return fmt.Errorf("avs: writing frame: %w", err)
		}
	}
	return nil
}

// Context reads AVS frames from an elementary stream, remembering the
// item that ended the previous frame.
type Context struct {
	r   *es.Reader
	log *slog.Logger

	lastUnit   *es.Unit
	frameIndex int
}

// NewContext creates a frame reading context over r. If log is nil,
// slog.Default() is used.
func NewContext(r *es.Reader, log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{r: r, log: log.With("component", "avs")}
}

// ES returns the underlying elementary stream reader.
func (c *Context) ES() *es.Reader { return c.r }

// FrameIndex returns the number of frames read so far.
func (c *Context) FrameIndex() int { return c.frameIndex }

// Rewind repositions the context at the start of the stream.
func (c *Context) Rewind() error {
	c.lastUnit = nil
	c.frameIndex = 0
	return c.r.Seek(es.Offset{})
}

// NextFrame returns the next frame, sequence header or sequence end.
// A frame ends at the first non-slice unit after its slices; a sequence
// header collects its extensions and user data; a sequence end stands
// alone. End of stream ends a frame cleanly; io.EOF is returned once
// nothing is left.
func (c *Context) NextFrame() (*Frame, error) {
	unit := c.lastUnit
	c.lastUnit = nil

	for {
		if unit == nil {
			var err error
			unit, err = c.r.NextUnit()
			if err != nil {
				return nil, err
			}
		}
		if isFrameUnit(unit) || unit.StartCode == StartCodeSequenceHeader ||
			unit.StartCode == StartCodeSequenceEnd {
			break
		}
		unit = nil
	}

	frame := c.startFrame(unit)
	if frame.IsSequenceEnd() {
		return frame, nil
	}

	lastWasSlice := false
	for {
		unit, err := c.r.NextUnit()
		if errors.Is(err, io.EOF) {
			// End of stream ends the frame.
			c.finishFrame(frame)
			return frame, nil
		}
		if err != nil {
			return nil, err
		}

		if frame.IsFrame {
			if lastWasSlice && !isSliceUnit(unit) {
				c.lastUnit = unit
				break
			}
			lastWasSlice = isSliceUnit(unit)
		} else if unit.StartCode != StartCodeExtension && unit.StartCode != StartCodeUserData {
			c.lastUnit = unit
			break
		}

		frame.Units = append(frame.Units, *unit)
	}

	c.finishFrame(frame)
	return frame, nil
}

func (c *Context) startFrame(unit *es.Unit) *Frame {
	data := unit.Data
	frame := &Frame{StartCode: unit.StartCode}
	switch {
	case isFrameUnit(unit):
		frame.IsFrame = true
		frame.PictureCodingType = PictureCodingType(unit)
		if frame.PictureCodingType == 0 {
			c.log.Warn("bad AVS picture coding type",
				"start_code", fmt.Sprintf("%02x", unit.StartCode))
		}
		if frame.PictureCodingType != PictureCodingI && len(data) >= 8 {
			frame.PictureDistance = int(data[6])<<2 | int(data[7]&0xC0)>>6
		}
	case unit.StartCode == StartCodeSequenceHeader:
		frame.IsSequenceHeader = true
		if len(data) >= 12 {
			frame.AspectRatio = (data[10] & 0x3C) >> 2
			frame.FrameRateCode = (data[10]&0x03)<<2 | (data[11]&0xC0)>>4
		}
	}
	frame.Units = append(frame.Units, *unit)
	return frame
}

func (c *Context) finishFrame(frame *Frame) {
	if frame.IsFrame {
		c.frameIndex++
	}
}
