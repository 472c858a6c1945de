// Package h264 reads H.264 elementary streams as NAL units and
// assembles them into access units, decoding the slice header and
// parameter set fields needed to find picture boundaries.
package h264

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/tsforge/es"
)

// NAL unit type constants, ITU-T H.264 Table 7-1.
const (
	NALTypeSlice       = 1
	NALTypeIDR         = 5
	NALTypeSEI         = 6
	NALTypeSPS         = 7
	NALTypePPS         = 8
	NALTypeAUD         = 9
	NALTypeEndOfSeq    = 10
	NALTypeEndOfStream = 11
	NALTypeFillerData  = 12
)

// Slice type values. Types 5..9 assert that all slices of the picture
// share the corresponding type.
const (
	SliceTypeP  = 0
	SliceTypeB  = 1
	SliceTypeI  = 2
	SliceTypeSP = 3
	SliceTypeSI = 4

	AllSlicesP  = 5
	AllSlicesB  = 6
	AllSlicesI  = 7
	AllSlicesSP = 8
	AllSlicesSI = 9
)

// ErrMalformedNAL marks a NAL unit whose innards could not be decoded.
// The unit is still returned alongside the error; callers may skip it
// and carry on reading.
var ErrMalformedNAL = errors.New("h264: malformed NAL unit")

// NALTypeStr names a NAL unit type for reporting.
func NALTypeStr(nalType byte) string {
	switch nalType {
	case NALTypeSlice:
		return "Coded slice, non-IDR"
	case 2:
		return "Coded slice data partition A"
	case 3:
		return "Coded slice data partition B"
	case 4:
		return "Coded slice data partition C"
	case NALTypeIDR:
		return "Coded slice, IDR"
	case NALTypeSEI:
		return "SEI"
	case NALTypeSPS:
		return "Sequence parameter set"
	case NALTypePPS:
		return "Picture parameter set"
	case NALTypeAUD:
		return "Access unit delimiter"
	case NALTypeEndOfSeq:
		return "End of sequence"
	case NALTypeEndOfStream:
		return "End of stream"
	case NALTypeFillerData:
		return "Filler"
	default:
		if nalType <= 23 {
			return "Reserved"
		}
		return "Unspecified"
	}
}

// SliceTypeStr names a slice type for reporting.
func SliceTypeStr(sliceType uint) string {
	switch sliceType {
	case SliceTypeP:
		return "P"
	case SliceTypeB:
		return "B"
	case SliceTypeI:
		return "I"
	case SliceTypeSP:
		return "SP"
	case SliceTypeSI:
		return "SI"
	case AllSlicesP:
		return "All P"
	case AllSlicesB:
		return "All B"
	case AllSlicesI:
		return "All I"
	case AllSlicesSP:
		return "All SP"
	case AllSlicesSI:
		return "All SI"
	default:
		return fmt.Sprintf("?%d?", sliceType)
	}
}

// SliceData holds the decoded leading fields of a slice header.
type SliceData struct {
	FirstMbInSlice uint
	SliceType      uint
	PPSID          uint

	FrameNum               uint
	FieldPicFlag           bool
	BottomFieldFlagPresent bool
	BottomFieldFlag        bool
	IDRPicID               uint

	// Remembered from the active SPS, so picture boundary decisions
	// need not look it up again.
	PicOrderCntType uint

	PicOrderCntLsb         uint
	DeltaPicOrderCntBottom int
	DeltaPicOrderCnt       [2]int
	RedundantPicCntPresent bool
	RedundantPicCnt        uint
}

// SEIRecovery holds the fields of an SEI recovery point payload.
type SEIRecovery struct {
	PayloadType           int
	RecoveryFrameCnt      uint
	ExactMatch            bool
	BrokenLink            bool
	ChangingSliceGroupIDC uint
}

// NALUnit is one NAL unit read from an elementary stream, with its
// innards decoded as far as its type allows.
type NALUnit struct {
	Unit es.Unit // ES unit, data includes the 00 00 01 prefix

	RefIdc byte
	Type   byte

	Slice    *SliceData
	SPS      *SPSData
	PPS      *PPSData
	Recovery *SEIRecovery

	startReason string
}

// Data returns the NAL unit bytes without the 00 00 01 prefix.
func (n *NALUnit) Data() []byte { return n.Unit.Data[3:] }

// IsSlice reports whether the unit is a coded slice (IDR or not).
func (n *NALUnit) IsSlice() bool {
	return n.Type == NALTypeSlice || n.Type == NALTypeIDR
}

// IsRedundant reports whether the unit is a slice of a redundant
// picture.
func (n *NALUnit) IsRedundant() bool {
	return n.IsSlice() && n.Slice != nil && n.Slice.RedundantPicCntPresent &&
		n.Slice.RedundantPicCnt != 0
}

// StartReason describes why this unit was deemed to start a new
// primary picture, if it was.
func (n *NALUnit) StartReason() string { return n.startReason }

// StartsNewPicture decides whether this VCL NAL unit begins a new
// primary coded picture, comparing against the slice that started the
// previous one (H.264 7.4.1.2.4). last may be nil, in which case any
// slice starts a picture.
func (n *NALUnit) StartsNewPicture(last *NALUnit) bool {
	if !n.IsSlice() || n.Slice == nil {
		return false
	}
	if last == nil || last.Slice == nil {
		n.startReason = "first slice in data stream"
		return true
	}

	this, that := n.Slice, last.Slice
	switch {
	case this.FrameNum != that.FrameNum:
		n.startReason = "frame number differs"
	case this.FieldPicFlag != that.FieldPicFlag:
		n.startReason = "one is field, the other frame"
	case this.BottomFieldFlagPresent && that.BottomFieldFlagPresent &&
		this.BottomFieldFlag != that.BottomFieldFlag:
		n.startReason = "one is bottom field, the other top"
	case n.RefIdc != last.RefIdc && (n.RefIdc == 0 || last.RefIdc == 0):
		n.startReason = "one is reference picture, the other is not"
	case this.PicOrderCntType == 0 && that.PicOrderCntType == 0 &&
		(this.PicOrderCntLsb != that.PicOrderCntLsb ||
			this.DeltaPicOrderCntBottom != that.DeltaPicOrderCntBottom):
		n.startReason = "picture order counts differ"
	case this.PicOrderCntType == 1 && that.PicOrderCntType == 1 &&
		(this.DeltaPicOrderCnt[0] != that.DeltaPicOrderCnt[0] ||
			this.DeltaPicOrderCnt[1] != that.DeltaPicOrderCnt[1]):
		n.startReason = "picture delta counts differ"
	case (n.Type == NALTypeIDR || last.Type == NALTypeIDR) && n.Type != last.Type:
		n.startReason = "one IDR, one not"
	case n.Type == NALTypeIDR && last.Type == NALTypeIDR &&
		this.IDRPicID != that.IDRPicID:
		n.startReason = "different IDRs"
	default:
		return false
	}
	return true
}

// Reader reads NAL units from an elementary stream, remembering
// sequence and picture parameter sets as they arrive so that later
// slice headers can be decoded.
type Reader struct {
	es  *es.Reader
	log *slog.Logger

	spsDict *ParamDict
	ppsDict *ParamDict
	count   int
}

// NewReader creates a NAL unit reader over r. If log is nil,
// slog.Default() is used.
func NewReader(r *es.Reader, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		es:      r,
		log:     log.With("component", "h264"),
		spsDict: NewParamDict(),
		ppsDict: NewParamDict(),
	}
}

// ES returns the underlying elementary stream reader.
func (r *Reader) ES() *es.Reader { return r.es }

// SPSDict returns the dictionary of sequence parameter sets seen so far.
func (r *Reader) SPSDict() *ParamDict { return r.spsDict }

// PPSDict returns the dictionary of picture parameter sets seen so far.
func (r *Reader) PPSDict() *ParamDict { return r.ppsDict }

// Count returns the number of NAL units read so far.
func (r *Reader) Count() int { return r.count }

// Rewind repositions the reader at the start of the stream. Parameter
// dictionaries are kept; they are assumed to still apply.
func (r *Reader) Rewind() error {
	r.count = 0
	return r.es.Seek(es.Offset{})
}

// NextNAL reads the next NAL unit. A unit whose innards cannot be
// decoded is returned together with an error wrapping ErrMalformedNAL;
// callers may skip such units. io.EOF signals a clean end of input.
func (r *Reader) NextNAL() (*NALUnit, error) {
	unit, err := r.es.NextUnit()
	if err != nil {
		return nil, err
	}
	r.count++

	nal := &NALUnit{Unit: *unit}
	data := nal.Data()
	if len(data) == 0 {
		return nal, fmt.Errorf("%w: empty unit at %v", ErrMalformedNAL, unit.StartPosn)
	}
	if data[0]&0x80 != 0 {
		if data[0] == 0xB3 {
			return nal, fmt.Errorf("%w: forbidden_zero_bit set at %v"+
				" (first byte B3 is an H.262 sequence header start code)",
				ErrMalformedNAL, unit.StartPosn)
		}
		return nal, fmt.Errorf("%w: forbidden_zero_bit set at %v",
			ErrMalformedNAL, unit.StartPosn)
	}
	nal.RefIdc = (data[0] & 0x60) >> 5
	nal.Type = data[0] & 0x1F

	if err := r.decode(nal, data); err != nil {
		return nal, fmt.Errorf("%w: %s at %v: %v",
			ErrMalformedNAL, NALTypeStr(nal.Type), unit.StartPosn, err)
	}
	return nal, nil
}

func (r *Reader) decode(nal *NALUnit, data []byte) error {
	switch nal.Type {
	case NALTypeSlice, NALTypeIDR:
		slice, err := r.decodeSliceHeader(nal, rbspFromNAL(data))
		if err != nil {
			return err
		}
		nal.Slice = slice
	case NALTypeSPS:
		sps, err := parseSPS(rbspFromNAL(data))
		if err != nil {
			return err
		}
		nal.SPS = sps
		r.spsDict.RememberSPS(sps, nal.Unit.StartPosn, len(nal.Unit.Data))
	case NALTypePPS:
		pps, err := parsePPS(rbspFromNAL(data))
		if err != nil {
			return err
		}
		nal.PPS = pps
		r.ppsDict.RememberPPS(pps, nal.Unit.StartPosn, len(nal.Unit.Data))
	case NALTypeSEI:
		// A truncated SEI is not worth rejecting the unit for.
		nal.Recovery = decodeSEIRecovery(rbspFromNAL(data))
	}
	return nil
}

func (r *Reader) decodeSliceHeader(nal *NALUnit, rbsp []byte) (*SliceData, error) {
	br := newBitReader(rbsp)
	slice := &SliceData{}

	var err error
	if slice.FirstMbInSlice, err = br.readUE(); err != nil {
		return nil, fmt.Errorf("reading first_mb_in_slice: %w", err)
	}
	if slice.SliceType, err = br.readUE(); err != nil {
		return nil, fmt.Errorf("reading slice_type: %w", err)
	}
	if slice.PPSID, err = br.readUE(); err != nil {
		return nil, fmt.Errorf("reading pic_parameter_set_id: %w", err)
	}

	// The frame number's width comes from the active SPS, found via
	// the PPS the slice names.
	pps, err := r.ppsDict.PPS(slice.PPSID)
	if err != nil {
		return nil, err
	}
	sps, err := r.spsDict.SPS(pps.SPSID)
	if err != nil {
		return nil, err
	}
	slice.PicOrderCntType = sps.PicOrderCntType

	frameNum, err := br.readBits(sps.Log2MaxFrameNum)
	if err != nil {
		return nil, fmt.Errorf("reading frame_num: %w", err)
	}
	slice.FrameNum = frameNum

	if !sps.FrameMbsOnly {
		fieldPic, err := br.readBits(1)
		if err != nil {
			return nil, fmt.Errorf("reading field_pic_flag: %w", err)
		}
		slice.FieldPicFlag = fieldPic == 1
		if slice.FieldPicFlag {
			slice.BottomFieldFlagPresent = true
			bottom, err := br.readBits(1)
			if err != nil {
				return nil, fmt.Errorf("reading bottom_field_flag: %w", err)
			}
			slice.BottomFieldFlag = bottom == 1
		}
	}

	if nal.Type == NALTypeIDR {
		if slice.IDRPicID, err = br.readUE(); err != nil {
			return nil, fmt.Errorf("reading idr_pic_id: %w", err)
		}
	}

	if sps.PicOrderCntType == 0 {
		pocLsb, err := br.readBits(sps.Log2MaxPicOrderCntLsb)
		if err != nil {
			return nil, fmt.Errorf("reading pic_order_cnt_lsb: %w", err)
		}
		slice.PicOrderCntLsb = pocLsb
		if pps.PicOrderPresent && !slice.FieldPicFlag {
			if slice.DeltaPicOrderCntBottom, err = br.readSE(); err != nil {
				return nil, fmt.Errorf("reading delta_pic_order_cnt_bottom: %w", err)
			}
		}
	} else if sps.PicOrderCntType == 1 && !sps.DeltaPicOrderAlwaysZero {
		if slice.DeltaPicOrderCnt[0], err = br.readSE(); err != nil {
			return nil, fmt.Errorf("reading delta_pic_order_cnt[0]: %w", err)
		}
		if pps.PicOrderPresent && !slice.FieldPicFlag {
			if slice.DeltaPicOrderCnt[1], err = br.readSE(); err != nil {
				return nil, fmt.Errorf("reading delta_pic_order_cnt[1]: %w", err)
			}
		}
	}

	if pps.RedundantPicCntPresent {
		slice.RedundantPicCntPresent = true
		if slice.RedundantPicCnt, err = br.readUE(); err != nil {
			return nil, fmt.Errorf("reading redundant_pic_cnt: %w", err)
		}
	}

	return slice, nil
}

// decodeSEIRecovery scans an SEI RBSP for a recovery point payload
// (type 6) and decodes it. Returns nil if there is none.
func decodeSEIRecovery(rbsp []byte) *SEIRecovery {
	i := 0
	for i < len(rbsp) && rbsp[i] != 0x80 {
		payloadType := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			return nil
		}
		payloadType += int(rbsp[i])
		i++

		payloadSize := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadSize += 255
			i++
		}
		if i >= len(rbsp) {
			return nil
		}
		payloadSize += int(rbsp[i])
		i++

		if i+payloadSize > len(rbsp) {
			return nil
		}
		if payloadType == 6 {
			br := newBitReader(rbsp[i : i+payloadSize])
			rec := &SEIRecovery{PayloadType: payloadType}
			var err error
			if rec.RecoveryFrameCnt, err = br.readUE(); err != nil {
				return nil
			}
			exact, err := br.readBits(1)
			if err != nil {
				return nil
			}
			rec.ExactMatch = exact == 1
			broken, err := br.readBits(1)
			if err != nil {
				return nil
			}
			rec.BrokenLink = broken == 1
			if rec.ChangingSliceGroupIDC, err = br.readBits(2); err != nil {
				return nil
			}
			return rec
		}
		i += payloadSize
	}
	return nil
}
