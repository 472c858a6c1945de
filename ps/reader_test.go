package ps

import (
	"bytes"
	"io"
	"testing"
)

// makePacket builds a PS packet: 00 00 01 id, 16-bit length, payload.
func makePacket(streamID byte, payload []byte) []byte {
	pkt := []byte{0x00, 0x00, 0x01, streamID, byte(len(payload) >> 8), byte(len(payload))}
	return append(pkt, payload...)
}

// makePackHeader builds an H.222.0 pack header with the given SCR base,
// zero extension, and stuffing bytes.
func makePackHeader(scrBase int64, stuffing int) []byte {
	pkt := []byte{0x00, 0x00, 0x01, StreamIDPackHeader}
	var body [10]byte
	body[0] = 0x44 | byte((scrBase>>30)&0x07)<<3 | byte((scrBase>>28)&0x03)
	body[1] = byte(scrBase >> 20)
	body[2] = byte((scrBase>>15)&0x1F)<<3 | 0x04 | byte((scrBase>>13)&0x03)
	body[3] = byte(scrBase >> 5)
	body[4] = byte(scrBase&0x1F)<<3 | 0x04
	body[5] = 0x01 // extension 0, marker
	body[6] = 0x00
	body[7] = 0x01
	body[8] = 0x83
	body[9] = 0xF8 | byte(stuffing)
	pkt = append(pkt, body[:]...)
	for i := 0; i < stuffing; i++ {
		pkt = append(pkt, 0xFF)
	}
	return pkt
}

func TestReader_PacketSequence(t *testing.T) {
	t.Parallel()

	videoES := []byte{0x00, 0x00, 0x01, 0xB3, 0x12, 0x34}
	videoPES := append([]byte{0x80, 0x00, 0x00}, videoES...) // minimal PES flags + empty header

	var stream []byte
	stream = append(stream, makePackHeader(90000, 2)...)
	stream = append(stream, makePacket(0xE0, videoPES)...)
	// Stray zero bytes between packs happen in the wild.
	stream = append(stream, 0x00, 0x00, 0x00, 0x00)
	stream = append(stream, makePacket(0xC0, []byte{0x80, 0x00, 0x00, 0xFF, 0xFB})...)
	stream = append(stream, 0x00, 0x00, 0x01, StreamIDProgramEnd)

	r := NewReader(bytes.NewReader(stream), nil)

	pack, err := r.NextPacket()
	if err != nil {
		t.Fatal(err)
	}
	if pack.StreamID != StreamIDPackHeader || pack.Pack == nil {
		t.Fatalf("first packet = %+v, want a pack header", pack)
	}
	if pack.Pack.SCRBase != 90000 {
		t.Errorf("SCR base = %d, want 90000", pack.Pack.SCRBase)
	}

	video, err := r.NextPacket()
	if err != nil {
		t.Fatal(err)
	}
	if video.StreamID != 0xE0 {
		t.Fatalf("second packet stream id = %#x, want 0xE0", video.StreamID)
	}
	if !IsVideoStream(video.StreamID) {
		t.Error("IsVideoStream(0xE0) = false")
	}
	if video.PayloadLength() != len(videoPES) {
		t.Errorf("payload length = %d, want %d", video.PayloadLength(), len(videoPES))
	}
	if !bytes.Equal(video.Data[6:], videoPES) {
		t.Error("video packet data does not round-trip")
	}

	audio, err := r.NextPacket()
	if err != nil {
		t.Fatal(err)
	}
	if audio.StreamID != 0xC0 || !IsAudioStream(audio.StreamID) {
		t.Fatalf("third packet stream id = %#x, want 0xC0", audio.StreamID)
	}

	if _, err := r.NextPacket(); err != io.EOF {
		t.Fatalf("expected io.EOF at program end code, got %v", err)
	}
}

func TestReader_RepositionAndReread(t *testing.T) {
	t.Parallel()

	var stream []byte
	stream = append(stream, makePacket(0xE0, []byte{0x80, 0x00, 0x00, 0x01})...)
	stream = append(stream, makePacket(0xE0, []byte{0x80, 0x00, 0x00, 0x02})...)

	r := NewReader(bytes.NewReader(stream), nil)
	first, err := r.NextPacket()
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.NextPacket()
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Reposition(second.Posn); err != nil {
		t.Fatal(err)
	}
	again, err := r.NextPacket()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again.Data, second.Data) || again.Posn != second.Posn {
		t.Error("re-read after reposition differs from original packet")
	}

	if err := r.Rewind(); err != nil {
		t.Fatal(err)
	}
	again, err = r.NextPacket()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again.Data, first.Data) {
		t.Error("re-read after rewind differs from first packet")
	}
}

func TestReader_BadStart(t *testing.T) {
	t.Parallel()
	r := NewReader(bytes.NewReader([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x00}), nil)
	_, err := r.NextPacket()
	if err == nil {
		t.Fatal("expected an error for a bad packet start")
	}
}

// dvdPrivate1 builds a DVD private_stream_1 packet holding one AC-3 frame.
func dvdPrivate1(substreamID byte) []byte {
	// PES flags, no optional fields.
	payload := []byte{0x80, 0x00, 0x00}
	// Substream header: id, frame count 1, first frame offset 1.
	payload = append(payload, substreamID, 0x01, 0x00, 0x01)
	// AC-3 syncframe: syncword, crc, fscod/frmsizecod, bsid/bsmod, acmod.
	payload = append(payload, 0x0B, 0x77, 0x12, 0x34, 0x24, 0x43, 0x80, 0x00)
	return makePacket(StreamIDPrivate1, payload)
}

func TestIdentifyPrivate1_DVDAC3(t *testing.T) {
	t.Parallel()
	r := NewReader(bytes.NewReader(dvdPrivate1(0x83)), nil)
	pkt, err := r.NextPacket()
	if err != nil {
		t.Fatal(err)
	}
	sub, err := IdentifyPrivate1(pkt, true)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Type != SubstreamAC3 {
		t.Fatalf("substream type = %v, want AC3", sub.Type)
	}
	if sub.Index != 3 {
		t.Errorf("substream index = %d, want 3", sub.Index)
	}
	if sub.FrameCount != 1 {
		t.Errorf("frame count = %d, want 1", sub.FrameCount)
	}
	if sub.BSMod != 0x03 || sub.ACMod != 0x02 {
		t.Errorf("bsmod/acmod = %d/%d, want 3/2", sub.BSMod, sub.ACMod)
	}
}

func TestIdentifyPrivate1_DVDSubpictures(t *testing.T) {
	t.Parallel()
	payload := []byte{0x80, 0x00, 0x00, 0x21, 0x00, 0x00, 0x00, 0x00}
	r := NewReader(bytes.NewReader(makePacket(StreamIDPrivate1, payload)), nil)
	pkt, err := r.NextPacket()
	if err != nil {
		t.Fatal(err)
	}
	sub, err := IdentifyPrivate1(pkt, true)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Type != SubstreamSubpictures || sub.Index != 1 {
		t.Errorf("substream = %+v, want subpictures index 1", sub)
	}
}

func TestIdentifyPrivate1_NonDVDSniff(t *testing.T) {
	t.Parallel()
	payload := []byte{0x80, 0x00, 0x00, 0x0B, 0x77, 0x00, 0x00, 0x24, 0x43, 0x40}
	r := NewReader(bytes.NewReader(makePacket(StreamIDPrivate1, payload)), nil)
	pkt, err := r.NextPacket()
	if err != nil {
		t.Fatal(err)
	}
	sub, err := IdentifyPrivate1(pkt, false)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Type != SubstreamAC3 {
		t.Errorf("substream type = %v, want AC3 from sync sniff", sub.Type)
	}
}
