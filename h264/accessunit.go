package h264

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsforge/es"
)

// AccessUnit is one coded picture: its NAL units in stream order, with
// the slice that started the primary picture (if any) noted.
type AccessUnit struct {
	Index int
	NALs  []*NALUnit

	PrimaryStart    *NALUnit
	FrameNum        uint
	FieldPicFlag    bool
	BottomFieldFlag bool

	IgnoredBrokenNALs int
}

// StartedPrimaryPicture reports whether the unit has its primary
// picture's first slice.
func (au *AccessUnit) StartedPrimaryPicture() bool { return au.PrimaryStart != nil }

// NumSlices returns the number of slice NAL units in the access unit.
func (au *AccessUnit) NumSlices() int {
	count := 0
	for _, nal := range au.NALs {
		if nal.IsSlice() {
			count++
		}
	}
	return count
}

// Bounds returns the start position of the access unit's first NAL
// unit and the total byte length of all its NAL units.
func (au *AccessUnit) Bounds() (es.Offset, int, error) {
	if au.PrimaryStart == nil || len(au.NALs) == 0 {
		return es.Offset{}, 0, errors.New("h264: access unit has no content")
	}
	total := 0
	for _, nal := range au.NALs {
		total += len(nal.Unit.Data)
	}
	return au.NALs[0].Unit.StartPosn, total, nil
}

// HasPTS reports whether any of the access unit's NAL units came from
// a PES packet carrying a PTS.
func (au *AccessUnit) HasPTS() bool {
	for _, nal := range au.NALs {
		if nal.Unit.PESHadPTS {
			return true
		}
	}
	return false
}

// Write writes the access unit's NAL units, in order, to w.
func (au *AccessUnit) Write(w io.Writer) error {
	for _, nal := range au.NALs {
		if _, err := w.Write(nal.Unit.Data); err != nil {
			return fmt.Errorf("h264: writing access unit %d: %w", au.Index, err)
		}
	}
	return nil
}

// allSlices reports whether every slice in the access unit has the
// given type. singleType and allType are the per-slice and
// all-slices-of-picture encodings of the same type.
func (au *AccessUnit) allSlices(singleType, allType uint) bool {
	if au.PrimaryStart == nil || au.PrimaryStart.Slice == nil {
		return false
	}
	if au.PrimaryStart.Slice.SliceType == allType {
		return true
	}
	if au.NumSlices() == 1 && au.PrimaryStart.Slice.SliceType == singleType {
		return true
	}
	for _, nal := range au.NALs {
		if nal.IsSlice() && nal.Slice != nil && nal.Slice.SliceType != singleType {
			return false
		}
	}
	return true
}

// AllSlicesI reports whether every slice in the access unit is an I
// slice.
func (au *AccessUnit) AllSlicesI() bool { return au.allSlices(SliceTypeI, AllSlicesI) }

// AllSlicesP reports whether every slice in the access unit is a P
// slice.
func (au *AccessUnit) AllSlicesP() bool { return au.allSlices(SliceTypeP, AllSlicesP) }

// AllSlicesB reports whether every slice in the access unit is a B
// slice.
func (au *AccessUnit) AllSlicesB() bool { return au.allSlices(SliceTypeB, AllSlicesB) }

// AllSlicesIOrP reports whether every slice in the access unit is an I
// or P slice.
func (au *AccessUnit) AllSlicesIOrP() bool {
	if au.PrimaryStart == nil || au.PrimaryStart.Slice == nil {
		return false
	}
	first := au.PrimaryStart.Slice.SliceType
	if first == AllSlicesI || first == AllSlicesP {
		return true
	}
	if au.NumSlices() == 1 && (first == SliceTypeI || first == SliceTypeP) {
		return true
	}
	for _, nal := range au.NALs {
		if nal.IsSlice() && nal.Slice != nil &&
			nal.Slice.SliceType != SliceTypeI && nal.Slice.SliceType != SliceTypeP {
			return false
		}
	}
	return true
}

// Classify returns a single character describing the access unit:
// 'D'/'d' for an IDR (all-I slices or not), 'I'/'P'/'B' for a
// reference picture whose slices are all of one type, 'i'/'p'/'b' for
// a non-reference picture likewise, 'X'/'x' for mixed slice types, and
// '_' for a unit with no primary picture.
func (au *AccessUnit) Classify() byte {
	switch {
	case au.PrimaryStart == nil:
		return '_'
	case au.PrimaryStart.RefIdc == 0:
		switch {
		case au.AllSlicesI():
			return 'i'
		case au.AllSlicesP():
			return 'p'
		case au.AllSlicesB():
			return 'b'
		default:
			return 'x'
		}
	case au.PrimaryStart.Type == NALTypeIDR:
		if au.AllSlicesI() {
			return 'D'
		}
		return 'd'
	default:
		switch {
		case au.AllSlicesI():
			return 'I'
		case au.AllSlicesP():
			return 'P'
		case au.AllSlicesB():
			return 'B'
		default:
			return 'X'
		}
	}
}

// IsRandomAccessPoint reports whether decoding may start at this
// access unit: a reference IDR, or a reference all-I picture. When
// recoveryRequired is true an all-I picture additionally needs an SEI
// recovery point among its NAL units.
func (au *AccessUnit) IsRandomAccessPoint(recoveryRequired bool) bool {
	if au.PrimaryStart == nil || au.PrimaryStart.RefIdc == 0 {
		return false
	}
	if au.PrimaryStart.Type == NALTypeIDR {
		return true
	}
	if !au.AllSlicesI() {
		return false
	}
	if !recoveryRequired {
		return true
	}
	for _, nal := range au.NALs {
		if nal.Type == NALTypeSEI && nal.Recovery != nil {
			return true
		}
	}
	return false
}

func (au *AccessUnit) append(nal *NALUnit, startsPrimary bool, pending []*NALUnit) {
	if startsPrimary {
		au.PrimaryStart = nal
		if nal.Slice != nil {
			au.FrameNum = nal.Slice.FrameNum
			au.FieldPicFlag = nal.Slice.FieldPicFlag
			au.BottomFieldFlag = nal.Slice.BottomFieldFlag
		}
	}
	au.NALs = append(au.NALs, pending...)
	if nal != nil {
		au.NALs = append(au.NALs, nal)
	}
}

// Context reads access units (and frames) from a NAL unit reader.
type Context struct {
	nals *Reader
	log  *slog.Logger

	pendingNAL     *NALUnit
	pendingList    []*NALUnit
	earlierPrimary *NALUnit

	endOfSequence *NALUnit
	endOfStream   *NALUnit
	noMoreData    bool
	index         int
}

// NewContext creates an access unit reading context over nals. If log
// is nil, slog.Default() is used.
func NewContext(nals *Reader, log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{nals: nals, log: log.With("component", "h264")}
}

// NALReader returns the underlying NAL unit reader.
func (c *Context) NALReader() *Reader { return c.nals }

// AccessUnitIndex returns the number of access units read so far.
func (c *Context) AccessUnitIndex() int { return c.index }

// SetAccessUnitIndex overrides the access unit count, for callers that
// have repositioned the stream at a known access unit.
func (c *Context) SetAccessUnitIndex(n int) { c.index = n }

// EndOfSequence returns the end-of-sequence NAL unit that ended the
// most recent access unit, if any.
func (c *Context) EndOfSequence() *NALUnit { return c.endOfSequence }

// EndOfStream returns the end-of-stream NAL unit, if one was seen.
func (c *Context) EndOfStream() *NALUnit { return c.endOfStream }

// Rewind repositions the context at the start of the stream. Parameter
// dictionaries are kept.
func (c *Context) Rewind() error {
	c.pendingNAL = nil
	c.pendingList = nil
	c.earlierPrimary = nil
	c.endOfSequence = nil
	c.endOfStream = nil
	c.noMoreData = false
	c.index = 0
	return c.nals.Rewind()
}

func (c *Context) rememberEarlierPrimary(nal *NALUnit) {
	c.earlierPrimary = nal
}

func (c *Context) dropPending(before string) {
	if len(c.pendingList) > 0 {
		c.log.Warn("ignoring NAL units after last VCL NAL",
			"before", before, "count", len(c.pendingList))
		c.pendingList = c.pendingList[:0]
	}
}

// NextAccessUnit returns the next access unit. Broken NAL units are
// skipped and counted in the returned unit. An access unit without a
// primary picture is possible (for instance between two end-of-sequence
// units); io.EOF signals end of input, either a true end of file or a
// previously seen end-of-stream NAL unit (see EndOfStream).
func (c *Context) NextAccessUnit() (*AccessUnit, error) {
	if c.noMoreData {
		return nil, io.EOF
	}

	c.endOfSequence = nil
	au := &AccessUnit{Index: c.index + 1}

	if c.pendingNAL != nil {
		au.append(c.pendingNAL, true, c.pendingList)
		c.pendingNAL = nil
		c.pendingList = c.pendingList[:0]
	}

loop:
	for {
		nal, err := c.nals.NextNAL()
		if errors.Is(err, io.EOF) {
			c.noMoreData = true
			break
		}
		if errors.Is(err, ErrMalformedNAL) {
			c.log.Warn("ignoring broken NAL unit", "err", err)
			au.IgnoredBrokenNALs++
			continue
		}
		if err != nil {
			return nil, err
		}

		switch {
		case nal.IsSlice():
			switch {
			case !au.StartedPrimaryPicture():
				// No slice yet in this access unit, so this one
				// starts its primary picture.
				nal.startReason = "first slice of new access unit"
				au.append(nal, true, c.pendingList)
				c.pendingList = c.pendingList[:0]
				c.rememberEarlierPrimary(nal)
			case nal.StartsNewPicture(c.earlierPrimary):
				c.rememberEarlierPrimary(nal)
				c.pendingNAL = nal
				break loop
			case nal.IsRedundant():
				// Redundant pictures are not supported; drop it.
			default:
				au.append(nal, false, c.pendingList)
				c.pendingList = c.pendingList[:0]
			}

		case nal.Type == NALTypeAUD:
			if au.StartedPrimaryPicture() {
				c.pendingList = append(c.pendingList, nal)
				break loop
			}
			if len(c.pendingList) > 0 || len(au.NALs) > 0 {
				c.log.Warn("ignoring incomplete access unit",
					"nal_units", len(au.NALs), "pending", len(c.pendingList))
				au.NALs = au.NALs[:0]
				c.pendingList = c.pendingList[:0]
			}
			au.append(nal, false, nil)

		case nal.Type == NALTypeSEI:
			// SEI units precede the primary coded picture, so one also
			// ends any access unit that has started its picture.
			c.pendingList = append(c.pendingList, nal)
			if au.StartedPrimaryPicture() {
				break loop
			}

		case nal.Type == NALTypeSPS, nal.Type == NALTypePPS,
			nal.Type >= 13 && nal.Type <= 18:
			// These start a new access unit only if they follow the
			// last VCL NAL of the previous one, which cannot be known
			// until the next access unit starts. Hold them in hand.
			c.pendingList = append(c.pendingList, nal)

		case nal.Type == NALTypeEndOfSeq:
			c.dropPending("end of sequence")
			c.endOfSequence = nal
			break loop

		case nal.Type == NALTypeEndOfStream:
			c.dropPending("end of stream")
			c.endOfStream = nal
			c.noMoreData = true
			break loop

		default:
			// Filler and other units are of no interest.
		}
	}

	if c.noMoreData && len(au.NALs) == 0 {
		return nil, io.EOF
	}
	c.index++
	return au, nil
}

// nextNonEmptyAccessUnit skips access units with no primary picture.
func (c *Context) nextNonEmptyAccessUnit() (*AccessUnit, error) {
	for {
		au, err := c.NextAccessUnit()
		if err != nil {
			return nil, err
		}
		if au.StartedPrimaryPicture() {
			return au, nil
		}
	}
}

// NextFrame returns the next frame. A field access unit is merged with
// the following access unit when that is its other field; a field
// followed by a frame is dropped in favour of the frame, and a field
// followed by a field with a different frame number is dropped with one
// retry on the second field.
func (c *Context) NextFrame() (*AccessUnit, error) {
	au, err := c.nextNonEmptyAccessUnit()
	if err != nil {
		return nil, err
	}
	if au.FieldPicFlag {
		au, err = c.secondFieldOfPair(au, true)
		if err != nil {
			return nil, err
		}
	}
	return au, nil
}

func (c *Context) secondFieldOfPair(first *AccessUnit, firstTime bool) (*AccessUnit, error) {
	second, err := c.nextNonEmptyAccessUnit()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("h264: reading second field: %w", err)
		}
		return nil, err
	}

	switch {
	case !second.FieldPicFlag:
		c.log.Warn("field followed by a frame, ignoring the field",
			"frame_num", first.FrameNum)
		return second, nil
	case first.FrameNum == second.FrameNum:
		// Matching fields; merge them into a frame.
		first.NALs = append(first.NALs, second.NALs...)
		first.IgnoredBrokenNALs += second.IgnoredBrokenNALs
		first.FieldPicFlag = false
		return first, nil
	case firstTime:
		c.log.Warn("adjacent fields do not share frame numbers, ignoring first field",
			"first", first.FrameNum, "second", second.FrameNum)
		return c.secondFieldOfPair(second, false)
	default:
		return nil, fmt.Errorf("h264: adjacent fields with frame numbers %d and %d"+
			" cannot be matched up", first.FrameNum, second.FrameNum)
	}
}
