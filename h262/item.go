// Package h262 assembles MPEG-2 (H.262) elementary streams into items
// and pictures, including field merging and active format descriptor
// handling.
package h262

import (
	"bytes"
	"fmt"

	"github.com/zsiec/tsforge/es"
)

// H.262 start codes.
const (
	StartCodePicture        byte = 0x00
	StartCodeUserData       byte = 0xB2
	StartCodeSequenceHeader byte = 0xB3
	StartCodeSequenceError  byte = 0xB4
	StartCodeExtension      byte = 0xB5
	StartCodeSequenceEnd    byte = 0xB7
	StartCodeGroup          byte = 0xB8
)

// Picture coding types.
const (
	PictureCodingI byte = 1
	PictureCodingP byte = 2
	PictureCodingB byte = 3
	PictureCodingD byte = 4
)

// UnsetAFD is the AFD byte used when no active format descriptor has
// been seen: reserved bits 1111 plus active format 1000, "same as the
// coded frame".
const UnsetAFD byte = 0xF8

// PictureCodingStr names a picture coding type.
func PictureCodingStr(codingType byte) string {
	switch codingType {
	case PictureCodingI:
		return "I"
	case PictureCodingP:
		return "P"
	case PictureCodingB:
		return "B"
	case PictureCodingD:
		return "D"
	default:
		return fmt.Sprintf("?%d?", codingType)
	}
}

// StartCodeStr names an H.262 start code for reporting.
func StartCodeStr(code byte) string {
	switch code {
	case StartCodePicture:
		return "Picture"
	case StartCodeUserData:
		return "User data"
	case StartCodeSequenceHeader:
		return "Sequence header"
	case StartCodeSequenceError:
		return "Sequence error"
	case StartCodeExtension:
		return "Extension start"
	case StartCodeSequenceEnd:
		return "Sequence end"
	case StartCodeGroup:
		return "Group start"
	case 0xB0, 0xB1, 0xB6:
		return "Reserved"
	}
	switch {
	case code >= 0x01 && code <= 0xAF:
		return fmt.Sprintf("Slice %d", code)
	case code >= 0xB9:
		return fmt.Sprintf("System start code %02X", code)
	default:
		return fmt.Sprintf("Start code %02X", code)
	}
}

// Item is one H.262 ES unit, with the picture coding type pre-extracted
// for picture items.
type Item struct {
	Unit              es.Unit
	PictureCodingType byte
}

// afdPrefix is the 'DTG1' user data identifier that precedes an AFD.
var afdPrefix = []byte{0x44, 0x54, 0x47, 0x31}

func (it *Item) IsPicture() bool   { return it.Unit.StartCode == StartCodePicture }
func (it *Item) IsSlice() bool     { return it.Unit.StartCode >= 0x01 && it.Unit.StartCode <= 0xAF }
func (it *Item) IsSeqHeader() bool { return it.Unit.StartCode == StartCodeSequenceHeader }
func (it *Item) IsSeqEnd() bool    { return it.Unit.StartCode == StartCodeSequenceEnd }
func (it *Item) IsExtension() bool { return it.Unit.StartCode == StartCodeExtension }
func (it *Item) IsUserData() bool  { return it.Unit.StartCode == StartCodeUserData }

// IsAFDUserData reports whether the item is a user data unit carrying
// an active format descriptor.
func (it *Item) IsAFDUserData() bool {
	return it.IsUserData() && len(it.Unit.Data) >= 9 &&
		bytes.Equal(it.Unit.Data[4:8], afdPrefix)
}

// NextItem reads the next H.262 item from the elementary stream.
func NextItem(r *es.Reader) (*Item, error) {
	u, err := r.NextUnit()
	if err != nil {
		return nil, err
	}
	it := &Item{Unit: *u}
	if it.IsPicture() && len(u.Data) >= 6 {
		it.PictureCodingType = (u.Data[5] & 0x38) >> 3
	}
	return it, nil
}
