package mpegts

import "fmt"

// IsPESPayload checks for the PES start code prefix (0x000001).
func IsPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// ParsePES parses a complete PES packet, returning the header fields and
// the elementary stream payload.
func ParsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !IsPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])

	pes := &PESData{
		Header: &PESHeader{
			StreamID:     streamID,
			PacketLength: packetLength,
		},
	}

	// Stream IDs that don't have an optional PES header:
	// padding_stream (0xBE), private_stream_2 (0xBF),
	// ECM (0xF0), EMM (0xF1), program_stream_directory (0xFF),
	// DSMCC (0xF2), ITU-T Rec. H.222.1 type E (0xF8)
	hasOptionalHeader := streamID != 0xBE && streamID != 0xBF &&
		streamID != 0xF0 && streamID != 0xF1 &&
		streamID != 0xF2 && streamID != 0xF8 && streamID != 0xFF

	if !hasOptionalHeader {
		if packetLength > 0 && 6+packetLength <= len(payload) {
			pes.Data = payload[6 : 6+packetLength]
		} else {
			pes.Data = payload[6:]
		}
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	// Optional header
	// payload[6]: marker(2) + scrambling(2) + priority(1) + alignment(1) + copyright(1) + original(1)
	// payload[7]: PTS_DTS_indicator(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) + additional_copy(1) + CRC(1) + extension(1)
	// payload[8]: PES_header_data_length
	ptsDTSIndicator := (payload[7] >> 6) & 0x03
	headerDataLength := int(payload[8])

	dataStart := 9 + headerDataLength
	if dataStart > len(payload) {
		dataStart = len(payload)
	}

	pes.Header.OptionalHeader = &PESOptionalHeader{}

	switch ptsDTSIndicator {
	case 2: // PTS only
		if len(payload) >= 14 {
			if v, err := DecodeTimestamp(payload[9:14], GuardPTSAlone); err == nil {
				pes.Header.OptionalHeader.PTS = &ClockReference{Base: int64(v)}
			}
		}
	case 3: // PTS + DTS
		if len(payload) >= 19 {
			if v, err := DecodeTimestamp(payload[9:14], GuardPTSUnited); err == nil {
				pes.Header.OptionalHeader.PTS = &ClockReference{Base: int64(v)}
			}
			if v, err := DecodeTimestamp(payload[14:19], GuardDTS); err == nil {
				pes.Header.OptionalHeader.DTS = &ClockReference{Base: int64(v)}
			}
		}
	}

	if packetLength > 0 {
		totalPES := 6 + packetLength
		if totalPES <= len(payload) {
			pes.Data = payload[dataStart:totalPES]
		} else {
			pes.Data = payload[dataStart:]
		}
	} else {
		// packetLength=0 means unbounded (video streams)
		pes.Data = payload[dataStart:]
	}

	return pes, nil
}

// BuildPESHeader constructs a PES packet header for dataLen bytes of
// elementary stream data, including PTS and DTS when requested. A DTS
// without a PTS is promoted to a PTS; a DTS equal to the PTS is dropped.
// If the resulting packet would not fit the 16-bit length field, the
// length is written as zero (only legal for video).
func BuildPESHeader(dataLen int, streamID uint8, hasPTS bool, pts uint64, hasDTS bool, dts uint64) []byte {
	if hasDTS && !hasPTS {
		hasPTS = true
		pts = dts
	}
	if hasDTS && pts == dts {
		hasDTS = false
	}

	hdr := make([]byte, 19)
	hdr[0] = 0x00
	hdr[1] = 0x00
	hdr[2] = 0x01
	hdr[3] = streamID

	// Audio data starts with its syncword, so set the data alignment
	// indicator; video gets no flags.
	if IsAudioStreamID(streamID) {
		hdr[6] = 0x84
	} else {
		hdr[6] = 0x80
	}

	var hdrLen, extraLen int
	switch {
	case hasPTS && hasDTS:
		hdr[7] = 0xC0
		hdr[8] = 0x0A
		_ = EncodeTimestamp(hdr[9:14], GuardPTSUnited, pts&MaxTimestamp)
		_ = EncodeTimestamp(hdr[14:19], GuardDTS, dts&MaxTimestamp)
		hdrLen = 9 + 10
		extraLen = 3 + 10
	case hasPTS:
		hdr[7] = 0x80
		hdr[8] = 0x05
		_ = EncodeTimestamp(hdr[9:14], GuardPTSAlone, pts&MaxTimestamp)
		hdrLen = 9 + 5
		extraLen = 3 + 5
	default:
		hdr[7] = 0x00
		hdr[8] = 0x00
		hdrLen = 9
		extraLen = 3
	}

	// The packet length excludes everything up to and including the length
	// field itself, but includes the rest of the header.
	if dataLen > 0xFFFF || dataLen+extraLen > 0xFFFF {
		hdr[4] = 0
		hdr[5] = 0
	} else {
		total := dataLen + extraLen
		hdr[4] = byte(total >> 8)
		hdr[5] = byte(total)
	}

	return hdr[:hdrLen]
}
