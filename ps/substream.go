package ps

import "fmt"

// SubstreamType classifies the contents of a private_stream_1 packet.
type SubstreamType int

const (
	SubstreamOther SubstreamType = iota
	SubstreamAC3
	SubstreamDTS
	SubstreamLPCM
	SubstreamSubpictures
	SubstreamError
)

func (t SubstreamType) String() string {
	switch t {
	case SubstreamAC3:
		return "AC3"
	case SubstreamDTS:
		return "DTS"
	case SubstreamLPCM:
		return "LPCM"
	case SubstreamSubpictures:
		return "subpictures"
	case SubstreamOther:
		return "other"
	default:
		return "error"
	}
}

// Substream describes what was found inside a private_stream_1 packet.
// For DVD data, Index is the substream index (0-7 for audio, 0-31 for
// subpictures), FrameCount and FirstFrameOffset come from the substream
// header, and for AC-3 BSMod and ACMod are decoded from the syncframe.
type Substream struct {
	Type             SubstreamType
	SubstreamID      byte
	Index            int
	FrameCount       int
	FirstFrameOffset int
	BSMod            byte
	ACMod            byte
}

// IdentifyPrivate1 inspects a private_stream_1 packet and classifies its
// contents. With isDVD set, the DVD substream header (substream id, frame
// count, first frame offset) is decoded and the claimed AC-3/DTS content
// checked against its syncword; otherwise the raw data is sniffed for
// AC-3 or DTS sync directly.
func IdentifyPrivate1(packet *Packet, isDVD bool) (*Substream, error) {
	if packet.StreamID != StreamIDPrivate1 {
		return nil, fmt.Errorf("ps: packet has stream id %02X, not private_stream_1", packet.StreamID)
	}
	if len(packet.Data) < 9 {
		return nil, fmt.Errorf("ps: private_stream_1 packet too short (%d bytes)", len(packet.Data))
	}

	headerDataLength := int(packet.Data[8])
	start := 6 + 3 + headerDataLength
	if start+4 > len(packet.Data) {
		return nil, fmt.Errorf("ps: private_stream_1 PES header overruns packet")
	}
	data := packet.Data[start:]

	sub := &Substream{Type: SubstreamOther}

	if !isDVD {
		switch {
		case data[0] == 0x0B && data[1] == 0x77:
			sub.Type = SubstreamAC3
			decodeAC3Details(data, sub)
		case len(data) >= 4 && data[0] == 0x7F && data[1] == 0xFE &&
			data[2] == 0x80 && data[3] == 0x01:
			sub.Type = SubstreamDTS
		}
		return sub, nil
	}

	substreamID := data[0]
	sub.SubstreamID = substreamID
	sub.FrameCount = int(data[1])
	sub.FirstFrameOffset = int(data[2])<<8 | int(data[3])

	switch {
	case substreamID >= 0x20 && substreamID <= 0x3F:
		sub.Type = SubstreamSubpictures
		sub.Index = int(substreamID) - 0x20
	case substreamID >= 0x80 && substreamID <= 0x87:
		sub.Type = SubstreamAC3
		sub.Index = int(substreamID) - 0x80
	case substreamID >= 0x88 && substreamID <= 0x8F:
		sub.Type = SubstreamDTS
		sub.Index = int(substreamID) - 0x88
	case substreamID >= 0xA0 && substreamID <= 0xA7:
		sub.Type = SubstreamLPCM
		sub.Index = int(substreamID) - 0xA0
	}

	// For AC-3 and DTS the syncword makes the claim easy to check.
	if sub.Type == SubstreamAC3 || sub.Type == SubstreamDTS {
		frameStart := start + 3 + sub.FirstFrameOffset
		if frameStart >= len(packet.Data) || frameStart+7 > len(packet.Data) {
			sub.Type = SubstreamError
			return sub, nil
		}
		frame := packet.Data[frameStart:]
		switch {
		case sub.Type == SubstreamAC3 && !(frame[0] == 0x0B && frame[1] == 0x77):
			sub.Type = SubstreamError
		case sub.Type == SubstreamDTS && !(frame[0] == 0x7F && frame[1] == 0xFE &&
			frame[2] == 0x80 && frame[3] == 0x01):
			sub.Type = SubstreamError
		case sub.Type == SubstreamAC3:
			decodeAC3Details(frame, sub)
		}
	}

	return sub, nil
}

// decodeAC3Details pulls bsmod and acmod out of an AC-3 syncframe.
func decodeAC3Details(frame []byte, sub *Substream) {
	if len(frame) < 7 {
		return
	}
	sub.BSMod = frame[5] & 0x07
	sub.ACMod = (frame[6] & 0xC0) >> 6
}
