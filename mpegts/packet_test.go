package mpegts

import (
	"bytes"
	"io"
	"testing"
)

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F) // payload only
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

func makePacketWithAF(pid uint16, cc uint8, afLen int, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	if len(payload) > 0 {
		buf[3] = 0x30 | (cc & 0x0F) // adaptation + payload
	} else {
		buf[3] = 0x20 | (cc & 0x0F) // adaptation only
	}
	buf[4] = byte(afLen)
	// AF body is zeros (no flags set)
	offset := 5 + afLen
	if offset < PacketSize {
		copy(buf[offset:], payload)
	}
	return buf
}

func TestParsePacket_Normal(t *testing.T) {
	t.Parallel()
	payload := []byte{0x01, 0x02, 0x03}
	buf := makePacket(0x100, 5, false, payload)

	p, err := parsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}

	if p.Header.PID != 0x100 {
		t.Errorf("PID = %d, want %d", p.Header.PID, 0x100)
	}
	if p.Header.ContinuityCounter != 5 {
		t.Errorf("CC = %d, want 5", p.Header.ContinuityCounter)
	}
	if p.Header.PayloadUnitStartIndicator {
		t.Error("PUSI should be false")
	}
	if !p.Header.HasPayload {
		t.Error("HasPayload should be true")
	}
	if !bytes.Equal(p.Payload[:3], payload) {
		t.Errorf("payload = %v, want %v", p.Payload[:3], payload)
	}
	if len(p.Raw) != PacketSize {
		t.Errorf("raw length = %d, want %d", len(p.Raw), PacketSize)
	}
}

func TestParsePacket_BadSync(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x100, 0, false, nil)
	buf[0] = 0x48
	if _, err := parsePacket(buf); err == nil {
		t.Fatal("expected error for bad sync byte")
	}
}

func TestParsePacket_PCR(t *testing.T) {
	t.Parallel()
	buf := makePacketWithAF(0x68, 0, 7, []byte{0xAA})
	// PCR flag plus a known PCR value.
	base := int64(0x123456789) & 0x1FFFFFFFF
	ext := int64(0x101)
	buf[5] = 0x10
	buf[6] = byte(base >> 25)
	buf[7] = byte(base >> 17)
	buf[8] = byte(base >> 9)
	buf[9] = byte(base >> 1)
	buf[10] = byte(base&1)<<7 | 0x7E | byte(ext>>8)
	buf[11] = byte(ext)

	p, err := parsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if p.AdaptationField == nil || !p.AdaptationField.HasPCR {
		t.Fatal("expected a PCR in the adaptation field")
	}
	if got := p.AdaptationField.PCR.Base; got != base {
		t.Errorf("PCR base = %#x, want %#x", got, base)
	}
	if got := p.AdaptationField.PCR.Extension; got != ext {
		t.Errorf("PCR extension = %#x, want %#x", got, ext)
	}
}

func TestPacketReader_PositionsAndEOF(t *testing.T) {
	t.Parallel()
	var stream []byte
	for cc := uint8(0); cc < 3; cc++ {
		stream = append(stream, makePacket(0x68, cc, cc == 0, []byte{cc})...)
	}

	pr := NewPacketReader(bytes.NewReader(stream), nil)
	for i := 0; i < 3; i++ {
		pkt, pos, err := pr.Next()
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if want := int64(i * PacketSize); pos != want {
			t.Errorf("packet %d position = %d, want %d", i, pos, want)
		}
		if pkt.Header.PID != 0x68 {
			t.Errorf("packet %d PID = %#x, want 0x68", i, pkt.Header.PID)
		}
	}
	if _, _, err := pr.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestPacketReader_Resync(t *testing.T) {
	t.Parallel()
	good := makePacket(0x68, 0, true, []byte{1, 2, 3})
	// Three bytes of rubbish before a valid packet.
	stream := append([]byte{0x00, 0x11, 0x22}, good...)
	stream = append(stream, makePacket(0x68, 1, false, []byte{4})...)

	pr := NewPacketReader(bytes.NewReader(stream), nil)
	pkt, pos, err := pr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if pos != 3 {
		t.Errorf("resynced packet position = %d, want 3", pos)
	}
	if !pkt.Header.PayloadUnitStartIndicator {
		t.Error("expected PUSI on resynced packet")
	}
	if _, _, err := pr.Next(); err != nil {
		t.Fatalf("second packet after resync: %v", err)
	}
}

func TestPacketReader_SyncLost(t *testing.T) {
	t.Parallel()
	junk := make([]byte, resyncWindow+PacketSize)
	for i := range junk {
		junk[i] = 0xAB
	}
	pr := NewPacketReader(bytes.NewReader(junk), nil)
	_, _, err := pr.Next()
	if err == nil {
		t.Fatal("expected an error for unsyncable data")
	}
}
