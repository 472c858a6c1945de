package mpegts

import "fmt"

const (
	// PacketSize is the length of a transport stream packet.
	PacketSize = 188

	syncByte = 0x47

	maxPayloadSize = PacketSize - 4
)

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.ScramblingControl = buf[3] >> 6
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		af := &AdaptationField{Length: afLen}
		if afLen > 0 && offset+1 < PacketSize {
			flags := buf[offset+1]
			af.Discontinuity = flags&0x80 != 0
			af.RandomAccess = flags&0x40 != 0
			af.HasPCR = flags&0x10 != 0
			if af.HasPCR && offset+8 <= PacketSize {
				af.PCR = parsePCR(buf[offset+2 : offset+8])
			}
		}
		p.AdaptationField = af
		p.Header.DiscontinuityIndicator = af.Discontinuity
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}

	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = make([]byte, PacketSize-offset)
		copy(p.Payload, buf[offset:])
	}

	p.Raw = make([]byte, PacketSize)
	copy(p.Raw, buf)

	return p, nil
}

// parsePCR extracts a program clock reference from the 6 bytes following
// the adaptation field flags: 33 bits of base, 6 reserved bits, 9 bits of
// extension.
func parsePCR(bs []byte) ClockReference {
	base := int64(bs[0])<<25 |
		int64(bs[1])<<17 |
		int64(bs[2])<<9 |
		int64(bs[3])<<1 |
		int64(bs[4]>>7)
	extension := int64(bs[4]&0x01)<<8 | int64(bs[5])
	return ClockReference{Base: base, Extension: extension}
}

// Time27MHz returns the clock reference as 27 MHz ticks.
func (c ClockReference) Time27MHz() int64 {
	return c.Base*300 + c.Extension
}
