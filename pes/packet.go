// Package pes reads PES packets from MPEG-2 transport streams and
// program streams, presenting a single stream-agnostic reader that
// higher layers use to pull elementary stream data.
package pes

import (
	"fmt"

	"github.com/zsiec/tsforge/mpegts"
)

// VideoType identifies the kind of video carried in a stream.
type VideoType int

const (
	VideoUnknown VideoType = iota
	VideoH262
	VideoH264
	VideoAVS
)

func (t VideoType) String() string {
	switch t {
	case VideoH262:
		return "H.262"
	case VideoH264:
		return "H.264"
	case VideoAVS:
		return "AVS"
	default:
		return "unknown"
	}
}

// VideoTypeForStreamType maps a PMT stream type to a video type, or
// VideoUnknown if the stream type is not a video type we handle.
func VideoTypeForStreamType(streamType uint8) VideoType {
	switch streamType {
	case mpegts.StreamTypeMPEG1Video, mpegts.StreamTypeMPEG2Video:
		return VideoH262
	case mpegts.StreamTypeH264Video:
		return VideoH264
	case mpegts.StreamTypeAVSVideo:
		return VideoAVS
	default:
		return VideoUnknown
	}
}

// Packet is one complete PES packet. Data holds the whole packet,
// starting with the 00 00 01 prefix, and Posn is the byte offset in the
// input at which the packet started (for transport streams, the offset
// of the first TS packet contributing to it). A Posn may later be handed
// to Reader.Seek to reposition at this packet.
type Packet struct {
	Posn     int64
	StreamID byte
	IsVideo  bool
	Data     []byte
}

// isH222 reports whether the PES header uses H.222.0 layout, as opposed
// to MPEG-1.
func (p *Packet) isH222() bool {
	return len(p.Data) > 6 && p.Data[6]&0xC0 == 0x80
}

// mpeg1ESOffset finds the start of ES data in an MPEG-1 style PES
// packet: padding bytes, then optional buffer scale/size, then the
// timestamp bytes.
func (p *Packet) mpeg1ESOffset() int {
	posn := 6
	for posn < len(p.Data) && p.Data[posn] == 0xFF {
		posn++
	}
	if posn >= len(p.Data) {
		return posn
	}
	if p.Data[posn]&0xC0 == 0x40 {
		posn += 2
	}
	switch {
	case p.Data[posn]&0xF0 == 0x20:
		posn += 5
	case p.Data[posn]&0xF0 == 0x30:
		posn += 10
	default:
		posn++
	}
	return posn
}

// ES returns the elementary stream payload of the packet. Stream ids
// that carry no ES data (padding, program stream map and friends)
// return an empty slice.
func (p *Packet) ES() ([]byte, error) {
	if len(p.Data) < 6 {
		return nil, fmt.Errorf("pes: packet too short for a PES header (%d bytes)", len(p.Data))
	}
	switch p.StreamID {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return nil, nil
	}
	var offset int
	if p.isH222() {
		if len(p.Data) < 9 {
			return nil, fmt.Errorf("pes: packet too short for an H.222.0 header (%d bytes)", len(p.Data))
		}
		offset = 9 + int(p.Data[8])
	} else {
		offset = p.mpeg1ESOffset()
	}
	if offset > len(p.Data) {
		return nil, fmt.Errorf("pes: ES data offset %d beyond packet end %d", offset, len(p.Data))
	}
	return p.Data[offset:], nil
}

// Timing extracts the PTS and DTS, if present, from the PES header.
// Both H.222.0 and MPEG-1 headers are understood.
func (p *Packet) Timing() (hasPTS bool, pts uint64, hasDTS bool, dts uint64, err error) {
	if len(p.Data) < 7 {
		return false, 0, false, 0, nil
	}
	if p.isH222() {
		flags := p.Data[7] >> 6
		if flags&0x2 == 0 {
			return false, 0, false, 0, nil
		}
		if len(p.Data) < 14 {
			return false, 0, false, 0, fmt.Errorf("pes: PES header too short for PTS")
		}
		pts, err = mpegts.DecodeTimestamp(p.Data[9:14], 0)
		if err != nil {
			return false, 0, false, 0, err
		}
		hasPTS = true
		if flags&0x1 != 0 {
			if len(p.Data) < 19 {
				return false, 0, false, 0, fmt.Errorf("pes: PES header too short for DTS")
			}
			dts, err = mpegts.DecodeTimestamp(p.Data[14:19], 0)
			if err != nil {
				return false, 0, false, 0, err
			}
			hasDTS = true
		}
		return hasPTS, pts, hasDTS, dts, nil
	}

	// MPEG-1: skip padding and buffer fields, then look at the marker.
	posn := 6
	for posn < len(p.Data) && p.Data[posn] == 0xFF {
		posn++
	}
	if posn < len(p.Data) && p.Data[posn]&0xC0 == 0x40 {
		posn += 2
	}
	if posn >= len(p.Data) {
		return false, 0, false, 0, nil
	}
	switch {
	case p.Data[posn]&0xF0 == 0x20:
		if posn+5 > len(p.Data) {
			return false, 0, false, 0, fmt.Errorf("pes: MPEG-1 header too short for PTS")
		}
		pts, err = mpegts.DecodeTimestamp(p.Data[posn:posn+5], 0)
		if err != nil {
			return false, 0, false, 0, err
		}
		return true, pts, false, 0, nil
	case p.Data[posn]&0xF0 == 0x30:
		if posn+10 > len(p.Data) {
			return false, 0, false, 0, fmt.Errorf("pes: MPEG-1 header too short for PTS and DTS")
		}
		pts, err = mpegts.DecodeTimestamp(p.Data[posn:posn+5], 0)
		if err != nil {
			return false, 0, false, 0, err
		}
		dts, err = mpegts.DecodeTimestamp(p.Data[posn+5:posn+10], 0)
		if err != nil {
			return false, 0, false, 0, err
		}
		return true, pts, true, dts, nil
	}
	return false, 0, false, 0, nil
}
