package mpegts

import "fmt"

// MaxTimestamp is the largest value a 33-bit PTS or DTS can hold.
const MaxTimestamp uint64 = 0x1FFFFFFFF

// Guard nibbles for the first byte of an encoded PTS/DTS, identifying which
// timestamp field follows.
const (
	GuardPTSAlone  byte = 2
	GuardPTSUnited byte = 3 // PTS when a DTS follows
	GuardDTS       byte = 1
)

// EncodeTimestamp writes a 33-bit PTS or DTS into the 5 bytes at data,
// using the given guard nibble. Values that do not fit in 33 bits are
// rejected.
func EncodeTimestamp(data []byte, guard byte, value uint64) error {
	if len(data) < 5 {
		return fmt.Errorf("mpegts: need 5 bytes to encode a timestamp, have %d", len(data))
	}
	if value > MaxTimestamp {
		return fmt.Errorf("mpegts: timestamp %d exceeds 33 bits", value)
	}

	t1 := byte((value >> 30) & 0x07)
	t2 := uint16((value >> 15) & 0x7FFF)
	t3 := uint16(value & 0x7FFF)

	data[0] = guard<<4 | t1<<1 | 0x01
	data[1] = byte(t2 >> 7)
	data[2] = byte(t2&0x7F)<<1 | 0x01
	data[3] = byte(t3 >> 7)
	data[4] = byte(t3&0x7F)<<1 | 0x01
	return nil
}

// DecodeTimestamp reads a 33-bit PTS or DTS from the 5 bytes at data. A
// wrong guard nibble is tolerated (some muxers get it wrong) but the three
// marker bits must be set.
func DecodeTimestamp(data []byte, guard byte) (uint64, error) {
	if len(data) < 5 {
		return 0, fmt.Errorf("mpegts: need 5 bytes to decode a timestamp, have %d", len(data))
	}
	_ = guard // accepted for symmetry with EncodeTimestamp; not enforced

	if data[0]&0x01 != 1 {
		return 0, fmt.Errorf("mpegts: first timestamp marker bit is not 1")
	}
	if data[2]&0x01 != 1 {
		return 0, fmt.Errorf("mpegts: second timestamp marker bit is not 1")
	}
	if data[4]&0x01 != 1 {
		return 0, fmt.Errorf("mpegts: third timestamp marker bit is not 1")
	}

	t1 := uint64(data[0]&0x0E) >> 1
	t2 := uint64(data[1])<<7 | uint64(data[2])>>1
	t3 := uint64(data[3])<<7 | uint64(data[4])>>1
	return t1<<30 | t2<<15 | t3, nil
}
