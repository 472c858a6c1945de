package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	maxSectionLength = 1021
)

func parsePSI(payload []byte, pid uint16, firstPacket *Packet) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}

	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var results []*DemuxerData

	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			break // stuffing bytes
		}
		if offset+3 > len(payload) {
			break
		}

		// section_syntax_indicator must be 1 for PAT/PMT.
		// Zero padding bytes will have this bit clear.
		if payload[offset+1]&0x80 == 0 {
			break
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}

		sectionData := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(sectionData)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{
				FirstPacket: firstPacket,
				PAT:         pat,
			})

		case tableIDPMT:
			pmt, err := parsePMTSection(sectionData)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{
				FirstPacket: firstPacket,
				PMT:         pmt,
			})
		}

		offset = sectionEnd
	}

	return results, nil
}

// ParsePATSection parses a complete PAT section starting at table_id,
// verifying its CRC.
func ParsePATSection(data []byte) (*PATData, error) {
	return parsePATSection(data)
}

// ParsePMTSection parses a complete PMT section starting at table_id,
// verifying its CRC.
func ParsePMTSection(data []byte) (*PMTData, error) {
	return parsePMTSection(data)
}

func parsePATSection(data []byte) (*PATData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}

	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  transport_stream_id
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8..N-4] program entries (4 bytes each)
	// [N-4..N] CRC32

	if len(data) < 12 { // minimum: 8 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	// Entry data starts at byte 8, ends 4 bytes before the section end.
	entryStart := 8
	entryEnd := 3 + sectionLength - 4 // subtract CRC32
	if entryEnd > len(data)-4 {
		entryEnd = len(data) - 4
	}

	pat := &PATData{
		TransportStreamID: uint16(data[3])<<8 | uint16(data[4]),
	}
	for i := entryStart; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])

		if programNumber == 0 {
			continue // NIT PID, skip
		}

		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}

	return pat, nil
}

func parsePMTSection(data []byte) (*PMTData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}

	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  program_number
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8-9]  reserved(3) + PCR_PID(13)
	// [10-11] reserved(4) + program_info_length(12)
	// [...] program descriptors
	// [...] elementary stream entries
	// [...] CRC32

	if len(data) < 16 { // minimum: 12 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	sectionEnd := 3 + sectionLength

	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength

	pmt := &PMTData{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}
	// Parse elementary stream entries until 4 bytes before section end (CRC).
	for offset+5 <= sectionEnd-4 {
		streamType := data[offset]
		elementaryPID := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])

		entry := &PMTElementaryStream{
			ElementaryPID: elementaryPID,
			StreamType:    streamType,
		}
		if esInfoLength > 0 && offset+5+esInfoLength <= sectionEnd-4 {
			entry.Descriptors = append([]byte(nil), data[offset+5:offset+5+esInfoLength]...)
		}
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, entry)

		offset += 5 + esInfoLength
	}

	return pmt, nil
}

// BuildPATSection serialises a single-section PAT announcing the given
// program number / PMT PID pairs, CRC included. The section always carries
// version 0 and current_next set.
func BuildPATSection(transportStreamID uint16, programs []*PATProgram) ([]byte, error) {
	sectionLength := 9 + len(programs)*4
	if sectionLength > maxSectionLength {
		return nil, fmt.Errorf("mpegts: PAT section length %d exceeds %d", sectionLength, maxSectionLength)
	}

	data := make([]byte, 0, 3+sectionLength)
	data = append(data,
		tableIDPAT,
		0xB0|byte(sectionLength>>8), byte(sectionLength),
		byte(transportStreamID>>8), byte(transportStreamID),
		0xC1, // version 0, current_next set
		0x00, // section number
		0x00, // last section number
	)
	for _, p := range programs {
		data = append(data,
			byte(p.ProgramNumber>>8), byte(p.ProgramNumber),
			0xE0|byte(p.ProgramMapID>>8), byte(p.ProgramMapID))
	}

	crc := ComputeCRC32(data)
	data = append(data, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))

	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT CRC does not self-cancel: %w", err)
	}
	return data, nil
}

// BuildPMTSection serialises a single-section PMT, CRC included.
func BuildPMTSection(pmt *PMTData) ([]byte, error) {
	sectionLength := 13
	for _, es := range pmt.ElementaryStreams {
		if len(es.Descriptors) > 0x0FFF {
			return nil, fmt.Errorf("mpegts: ES descriptors for PID 0x%03X are %d bytes",
				es.ElementaryPID, len(es.Descriptors))
		}
		sectionLength += 5 + len(es.Descriptors)
	}
	if sectionLength > maxSectionLength {
		return nil, fmt.Errorf("mpegts: PMT section length %d exceeds %d", sectionLength, maxSectionLength)
	}

	data := make([]byte, 0, 3+sectionLength)
	data = append(data,
		tableIDPMT,
		0xB0|byte(sectionLength>>8), byte(sectionLength),
		byte(pmt.ProgramNumber>>8), byte(pmt.ProgramNumber),
		0xC1, // version 0, current_next set
		0x00, // section number
		0x00, // last section number
		0xE0|byte(pmt.PCRPID>>8), byte(pmt.PCRPID),
		0xF0, 0x00, // no program descriptors
	)
	for _, es := range pmt.ElementaryStreams {
		data = append(data,
			es.StreamType,
			0xE0|byte(es.ElementaryPID>>8), byte(es.ElementaryPID),
			0xF0|byte(len(es.Descriptors)>>8), byte(len(es.Descriptors)))
		data = append(data, es.Descriptors...)
	}

	crc := ComputeCRC32(data)
	data = append(data, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))

	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT CRC does not self-cancel: %w", err)
	}
	return data, nil
}
