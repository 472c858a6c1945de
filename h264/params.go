package h264

import (
	"fmt"

	"github.com/zsiec/tsforge/es"
)

// SPSData holds the fields of a sequence parameter set that slice
// header decoding and reporting need.
type SPSData struct {
	ID              uint
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte

	Log2MaxFrameNum         int
	PicOrderCntType         uint
	Log2MaxPicOrderCntLsb   int
	DeltaPicOrderAlwaysZero bool
	FrameMbsOnly            bool

	Width  int
	Height int
}

// CodecString returns the RFC 6381 codec parameter string for this SPS
// (e.g. "avc1.42E01E").
func (s *SPSData) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// PPSData holds the fields of a picture parameter set that slice header
// decoding needs.
type PPSData struct {
	ID                     uint
	SPSID                  uint
	EntropyCoding          bool
	PicOrderPresent        bool
	RedundantPicCntPresent bool
}

func hasChromaInfo(profileIDC uint) bool {
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// parseSPS decodes a sequence parameter set RBSP (after the NAL header
// byte and emulation prevention removal).
func parseSPS(rbsp []byte) (*SPSData, error) {
	br := newBitReader(rbsp)
	sps := &SPSData{}

	profileIDC, err := br.readBits(8)
	if err != nil {
		return nil, err
	}
	sps.ProfileIDC = byte(profileIDC)
	constraintFlags, err := br.readBits(8)
	if err != nil {
		return nil, err
	}
	sps.ConstraintFlags = byte(constraintFlags)
	levelIDC, err := br.readBits(8)
	if err != nil {
		return nil, err
	}
	sps.LevelIDC = byte(levelIDC)

	sps.ID, err = br.readUE()
	if err != nil {
		return nil, err
	}

	chromaFormatIDC := uint(1)
	separateColourPlane := false
	if hasChromaInfo(profileIDC) {
		chromaFormatIDC, err = br.readUE()
		if err != nil {
			return nil, err
		}
		if chromaFormatIDC == 3 {
			val, err := br.readBits(1)
			if err != nil {
				return nil, err
			}
			separateColourPlane = val == 1
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return nil, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return nil, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return nil, err
		}
		scalingMatrix, err := br.readBits(1)
		if err != nil {
			return nil, err
		}
		if scalingMatrix == 1 {
			limit := 8
			if chromaFormatIDC == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.readBits(1)
				if err != nil {
					return nil, err
				}
				if flag == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.skipScalingList(size); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	log2MaxFrameNum, err := br.readUE()
	if err != nil {
		return nil, err
	}
	sps.Log2MaxFrameNum = int(log2MaxFrameNum) + 4

	sps.PicOrderCntType, err = br.readUE()
	if err != nil {
		return nil, err
	}
	switch sps.PicOrderCntType {
	case 0:
		log2MaxPOCLsb, err := br.readUE()
		if err != nil {
			return nil, err
		}
		sps.Log2MaxPicOrderCntLsb = int(log2MaxPOCLsb) + 4
	case 1:
		alwaysZero, err := br.readBits(1)
		if err != nil {
			return nil, err
		}
		sps.DeltaPicOrderAlwaysZero = alwaysZero == 1
		if _, err := br.readSE(); err != nil { // offset_for_non_ref_pic
			return nil, err
		}
		if _, err := br.readSE(); err != nil { // offset_for_top_to_bottom_field
			return nil, err
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return nil, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return nil, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // num_ref_frames
		return nil, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return nil, err
	}

	picWidthMbs, err := br.readUE()
	if err != nil {
		return nil, err
	}
	picHeightMapUnits, err := br.readUE()
	if err != nil {
		return nil, err
	}
	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return nil, err
	}
	sps.FrameMbsOnly = frameMbsOnly == 1
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field_flag
			return nil, err
		}
	}
	if _, err := br.readBits(1); err != nil { // direct_8x8_inference_flag
		return nil, err
	}

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	cropping, err := br.readBits(1)
	if err != nil {
		return nil, err
	}
	if cropping == 1 {
		if cropLeft, err = br.readUE(); err != nil {
			return nil, err
		}
		if cropRight, err = br.readUE(); err != nil {
			return nil, err
		}
		if cropTop, err = br.readUE(); err != nil {
			return nil, err
		}
		if cropBottom, err = br.readUE(); err != nil {
			return nil, err
		}
	}

	chromaArrayType := chromaFormatIDC
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 2, 2
	}
	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)
	sps.Width = int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	sps.Height = int((picHeightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom))

	return sps, nil
}

// parsePPS decodes the leading fields of a picture parameter set RBSP.
func parsePPS(rbsp []byte) (*PPSData, error) {
	br := newBitReader(rbsp)
	pps := &PPSData{}

	var err error
	if pps.ID, err = br.readUE(); err != nil {
		return nil, err
	}
	if pps.SPSID, err = br.readUE(); err != nil {
		return nil, err
	}
	entropy, err := br.readBits(1)
	if err != nil {
		return nil, err
	}
	pps.EntropyCoding = entropy == 1
	picOrderPresent, err := br.readBits(1)
	if err != nil {
		return nil, err
	}
	pps.PicOrderPresent = picOrderPresent == 1

	// The rest of the parameter set is skipped over only so that the
	// redundant_pic_cnt_present_flag at the end can be read.
	numSliceGroups, err := br.readUE()
	if err != nil {
		return nil, err
	}
	numSliceGroups++
	if numSliceGroups > 1 {
		mapType, err := br.readUE()
		if err != nil {
			return nil, err
		}
		switch mapType {
		case 0:
			for i := uint(0); i < numSliceGroups; i++ {
				if _, err := br.readUE(); err != nil { // run_length_minus1
					return nil, err
				}
			}
		case 2:
			for i := uint(0); i < numSliceGroups-1; i++ {
				if _, err := br.readUE(); err != nil { // top_left
					return nil, err
				}
				if _, err := br.readUE(); err != nil { // bottom_right
					return nil, err
				}
			}
		case 3, 4, 5:
			if _, err := br.readBits(1); err != nil { // change_direction_flag
				return nil, err
			}
			if _, err := br.readUE(); err != nil { // change_rate_minus1
				return nil, err
			}
		case 6:
			mapUnits, err := br.readUE()
			if err != nil {
				return nil, err
			}
			mapUnits++
			size := 0
			for 1<<size < int(numSliceGroups) {
				size++
			}
			for i := uint(0); i < mapUnits; i++ {
				if _, err := br.readBits(size); err != nil { // slice_group_id
					return nil, err
				}
			}
		}
	}
	if _, err := br.readUE(); err != nil { // num_ref_idx_l0_active_minus1
		return nil, err
	}
	if _, err := br.readUE(); err != nil { // num_ref_idx_l1_active_minus1
		return nil, err
	}
	if _, err := br.readBits(3); err != nil { // weighted_pred_flag + weighted_bipred_idc
		return nil, err
	}
	if _, err := br.readSE(); err != nil { // pic_init_qp_minus26
		return nil, err
	}
	if _, err := br.readSE(); err != nil { // pic_init_qs_minus26
		return nil, err
	}
	if _, err := br.readSE(); err != nil { // chroma_qp_index_offset
		return nil, err
	}
	if _, err := br.readBits(2); err != nil { // deblocking + constrained_intra
		return nil, err
	}
	redundant, err := br.readBits(1)
	if err != nil {
		return nil, err
	}
	pps.RedundantPicCntPresent = redundant == 1

	return pps, nil
}

// paramEntry is one remembered parameter set: its decoded fields plus
// where its NAL unit lives in the bitstream, so it can be re-read and
// re-emitted later.
type paramEntry struct {
	ID     uint
	SPS    *SPSData
	PPS    *PPSData
	Posn   es.Offset
	Length int
}

// ParamDict remembers SPS or PPS data by id, preserving the order in
// which ids were first seen so the sets can be re-emitted in that
// order. Redefining an id replaces its data in place.
type ParamDict struct {
	entries []paramEntry
}

// NewParamDict creates an empty parameter dictionary.
func NewParamDict() *ParamDict {
	return &ParamDict{}
}

func (d *ParamDict) remember(id uint, entry paramEntry) {
	for i := range d.entries {
		if d.entries[i].ID == id {
			d.entries[i] = entry
			return
		}
	}
	d.entries = append(d.entries, entry)
}

// RememberSPS records (or replaces) the SPS with the given id.
func (d *ParamDict) RememberSPS(sps *SPSData, posn es.Offset, length int) {
	d.remember(sps.ID, paramEntry{ID: sps.ID, SPS: sps, Posn: posn, Length: length})
}

// RememberPPS records (or replaces) the PPS with the given id.
func (d *ParamDict) RememberPPS(pps *PPSData, posn es.Offset, length int) {
	d.remember(pps.ID, paramEntry{ID: pps.ID, PPS: pps, Posn: posn, Length: length})
}

func (d *ParamDict) lookup(id uint) (*paramEntry, bool) {
	for i := range d.entries {
		if d.entries[i].ID == id {
			return &d.entries[i], true
		}
	}
	return nil, false
}

// SPS returns the SPS with the given id.
func (d *ParamDict) SPS(id uint) (*SPSData, error) {
	if e, ok := d.lookup(id); ok && e.SPS != nil {
		return e.SPS, nil
	}
	return nil, fmt.Errorf("h264: no sequence parameter set with id %d", id)
}

// PPS returns the PPS with the given id.
func (d *ParamDict) PPS(id uint) (*PPSData, error) {
	if e, ok := d.lookup(id); ok && e.PPS != nil {
		return e.PPS, nil
	}
	return nil, fmt.Errorf("h264: no picture parameter set with id %d", id)
}

// Len returns the number of remembered parameter sets.
func (d *ParamDict) Len() int { return len(d.entries) }

// Each calls fn for every remembered parameter set, in the order the
// ids were first seen.
func (d *ParamDict) Each(fn func(id uint, posn es.Offset, length int) error) error {
	for i := range d.entries {
		e := &d.entries[i]
		if err := fn(e.ID, e.Posn, e.Length); err != nil {
			return err
		}
	}
	return nil
}
