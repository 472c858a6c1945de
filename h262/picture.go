package h262

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsforge/es"
)

// Picture is an H.262 "picture": a frame or field with its slices, a
// sequence header with its extensions and user data, or a lone sequence
// end. Units holds the constituent ES units in stream order.
type Picture struct {
	Units []es.Unit

	IsPicture        bool
	IsSequenceHeader bool

	// Picture fields.
	PictureCodingType byte
	TemporalReference int
	PictureStructure  byte // 1 top field, 2 bottom field, 3 frame
	WasTwoFields      bool
	AFD               byte
	IsRealAFD         bool

	// Sequence header fields.
	ProgressiveSequence byte
	AspectRatioInfo     byte
}

// IsSequenceEnd reports whether the picture is a lone sequence end.
func (p *Picture) IsSequenceEnd() bool { return !p.IsPicture && !p.IsSequenceHeader }

// Same reports whether two pictures contain byte-identical unit data.
func (p *Picture) Same(other *Picture) bool {
	if p == other {
		return true
	}
	if p == nil || other == nil {
		return false
	}
	if len(p.Units) != len(other.Units) {
		return false
	}
	for i := range p.Units {
		if !bytes.Equal(p.Units[i].Data, other.Units[i].Data) {
			return false
		}
	}
	return true
}

// IsField reports whether the picture is a single field rather than a
// whole frame.
func (p *Picture) IsField() bool { return p.IsPicture && p.PictureStructure != 3 }

// Bounds returns the start position of the picture's first unit and the
// total byte length of all its units, suitable for re-reading the
// picture later with es.Reader.ReadData.
func (p *Picture) Bounds() (es.Offset, int) {
	if len(p.Units) == 0 {
		return es.Offset{}, 0
	}
	total := 0
	for i := range p.Units {
		total += len(p.Units[i].Data)
	}
	return p.Units[0].StartPosn, total
}

// Write writes the picture's units, in order, to w.
func (p *Picture) Write(w io.Writer) error {
	for i := range p.Units {
		if _, err := w.Write(p.Units[i].Data); err != nil {
			return fmt.Errorf("h262: writing picture: %w", err)
		}
	}
	return nil
}

// appendItem adds an item to the picture, picking up sequence and
// picture coding extension fields as they pass.
func (p *Picture) appendItem(it *Item) {
	data := it.Unit.Data
	if it.IsExtension() && len(data) >= 7 {
		switch (data[4] & 0xF0) >> 4 {
		case 1: // sequence extension
			p.ProgressiveSequence = (data[5] & 0x08) >> 3
		case 8: // picture coding extension
			p.PictureStructure = data[6] & 0x03
		}
	}
	p.Units = append(p.Units, it.Unit)
}

// AppendFakeAFD appends a synthetic AFD user data unit to the picture
// and records afd as its (unreal) AFD.
func (p *Picture) AppendFakeAFD(afd byte) {
	unit := es.Unit{
		StartCode: StartCodeUserData,
		Data: []byte{0x00, 0x00, 0x01, 0xB2,
			0x44, 0x54, 0x47, 0x31, 0x41, afd},
	}
	p.Units = append(p.Units, unit)
	p.AFD = afd
	p.IsRealAFD = false
}

// extractAFD pulls the AFD byte out of an AFD user data item. The whole
// byte is returned, including the reserved 1111 bits. A malformed item
// yields the best-guess AFD and an error.
func extractAFD(it *Item) (byte, error) {
	data := it.Unit.Data
	switch {
	case data[8]&0x40 != 0:
		if len(data) < 10 {
			return UnsetAFD, fmt.Errorf("h262: AFD user data too short (%d bytes)", len(data))
		}
		if data[9]&0xF0 != 0xF0 {
			return data[9], fmt.Errorf("h262: bad AFD %02x (reserved bits not 1111)", data[9])
		}
		return data[9], nil
	case data[8] == 0x01:
		// No explicit AFD, use the default.
		return UnsetAFD, nil
	default:
		if len(data) < 10 {
			return UnsetAFD, fmt.Errorf("h262: AFD flag byte is %02x, not 0x41 or 0x01", data[8])
		}
		return data[9], fmt.Errorf("h262: AFD flag byte is %02x, not 0x41 or 0x01", data[8])
	}
}

// Context reads H.262 pictures from an elementary stream. It remembers
// the item that ended the previous picture (the first item of the next
// one) and the last AFD and aspect ratio seen.
type Context struct {
	r   *es.Reader
	log *slog.Logger

	// AddFakeAFD makes pictures without a real AFD carry a synthetic
	// AFD user data unit, inserted before their first slice.
	AddFakeAFD bool

	lastItem        *Item
	pictureIndex    int
	lastAFD         byte
	lastAspectRatio byte
}

// NewContext creates a picture reading context over r. If log is nil,
// slog.Default() is used.
func NewContext(r *es.Reader, log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		r:       r,
		log:     log.With("component", "h262"),
		lastAFD: UnsetAFD,
	}
}

// ES returns the underlying elementary stream reader.
func (c *Context) ES() *es.Reader { return c.r }

// PictureIndex returns the number of pictures read so far.
func (c *Context) PictureIndex() int { return c.pictureIndex }

// SetPictureIndex overrides the picture count, for callers that have
// repositioned the stream at a known picture.
func (c *Context) SetPictureIndex(n int) { c.pictureIndex = n }

// SetLastAFD sets the AFD that AddFakeAFD falls back on for pictures
// without one of their own.
func (c *Context) SetLastAFD(afd byte) { c.lastAFD = afd }

// Rewind repositions the context at the start of the stream.
func (c *Context) Rewind() error {
	c.lastItem = nil
	c.pictureIndex = 0
	return c.r.Seek(es.Offset{})
}

// Seek repositions the context at where, forgetting any item held over
// from the previous picture so the next one is built from scratch. The
// picture count is left alone.
func (c *Context) Seek(where es.Offset) error {
	c.lastItem = nil
	return c.r.Seek(where)
}

// NextSinglePicture returns the next picture, field, sequence header or
// sequence end. A picture ends at the first non-slice item after its
// slices; a sequence header collects its extensions and user data. End
// of stream ends a picture cleanly; io.EOF is returned once nothing is
// left.
func (c *Context) NextSinglePicture() (*Picture, error) {
	item := c.lastItem
	c.lastItem = nil

	// Find the first item of the next picture.
	for {
		if item == nil {
			var err error
			item, err = NextItem(c.r)
			if err != nil {
				return nil, err
			}
		}
		if item.IsPicture() || item.IsSeqHeader() || item.IsSeqEnd() {
			break
		}
		item = nil
	}

	pic := c.startPicture(item)
	if pic.IsSequenceEnd() {
		return pic, nil
	}

	lastWasSlice := false
	hadAFD := false
	for {
		item, err := NextItem(c.r)
		if errors.Is(err, io.EOF) {
			// End of stream ends the picture.
			c.finishPicture(pic)
			return pic, nil
		}
		if err != nil {
			return nil, err
		}

		if pic.IsPicture {
			if lastWasSlice && !item.IsSlice() {
				c.lastItem = item
				break
			}
			lastWasSlice = item.IsSlice()
		} else if !item.IsExtension() && !item.IsUserData() {
			// The sequence header's hangers-on have run out.
			c.lastItem = item
			break
		}

		if pic.IsPicture {
			if item.IsAFDUserData() {
				afd, err := extractAFD(item)
				if err != nil {
					c.log.Warn("assuming AFD", "afd", afd,
						"at", item.Unit.StartPosn.Infile, "err", err)
				}
				pic.AFD = afd
				pic.IsRealAFD = true
				c.lastAFD = afd
				hadAFD = true
			} else if c.AddFakeAFD && !hadAFD && item.IsSlice() {
				// First slice and no AFD seen: insert one now.
				pic.AppendFakeAFD(c.lastAFD)
				hadAFD = true
			}
		}

		pic.appendItem(item)
	}

	c.finishPicture(pic)
	return pic, nil
}

// startPicture builds a picture from its first item.
func (c *Context) startPicture(item *Item) *Picture {
	data := item.Unit.Data
	pic := &Picture{}
	switch {
	case item.IsPicture():
		pic.IsPicture = true
		pic.PictureCodingType = item.PictureCodingType
		if len(data) >= 6 {
			pic.TemporalReference = int(data[4])<<2 | int(data[5]&0xC0)>>6
		}
		// A frame until the picture coding extension says otherwise
		// (MPEG-1 data never will).
		pic.PictureStructure = 3
		pic.AFD = c.lastAFD
		pic.AspectRatioInfo = c.lastAspectRatio
	case item.IsSeqHeader():
		pic.IsSequenceHeader = true
		if len(data) >= 8 {
			pic.AspectRatioInfo = (data[7] & 0xF0) >> 4
		}
		// Progressive frames only, until the sequence extension says
		// otherwise.
		pic.ProgressiveSequence = 1
	case item.IsSeqEnd():
		// Nothing more to deduce.
	default:
		c.log.Warn("picture starts with unexpected item",
			"start_code", fmt.Sprintf("%02x", item.Unit.StartCode))
	}
	pic.appendItem(item)
	return pic
}

func (c *Context) finishPicture(pic *Picture) {
	if pic.IsPicture {
		c.pictureIndex++
	} else {
		c.lastAspectRatio = pic.AspectRatioInfo
	}
}

// NextFrame returns the next frame, sequence header or sequence end.
// A field picture is merged with its matching second field (same
// temporal reference). A field followed by a field of a different
// temporal reference loses sync: the first field is dropped and the
// second field's pair is tried instead. A field followed by a frame or
// sequence header is dropped in favour of what followed it.
func (c *Context) NextFrame() (*Picture, error) {
	pic, err := c.NextSinglePicture()
	if err != nil {
		return nil, err
	}
	if pic.IsField() {
		pic, err = c.matchFieldPair(pic, true)
		if err != nil {
			return nil, err
		}
	}
	return pic, nil
}

// matchFieldPair merges first with its second field. firstTime guards
// the one retry allowed when temporal references do not match.
func (c *Context) matchFieldPair(first *Picture, firstTime bool) (*Picture, error) {
	second, err := c.NextSinglePicture()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("h262: reading second field: %w", err)
		}
		return nil, err
	}

	switch {
	case !second.IsField():
		what := "sequence header"
		if second.IsPicture {
			what = "frame"
		}
		c.log.Warn("field followed by a "+what, "dropping", "field")
		return second, nil
	case first.TemporalReference == second.TemporalReference:
		first.Units = append(first.Units, second.Units...)
		first.WasTwoFields = true
		return first, nil
	case firstTime:
		c.log.Warn("fields with mismatched temporal references",
			"first", first.TemporalReference, "second", second.TemporalReference)
		return c.matchFieldPair(second, false)
	default:
		return nil, fmt.Errorf("h262: adjacent fields do not share temporal references")
	}
}
