package mux

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/zsiec/tsforge/audio"
	"github.com/zsiec/tsforge/es"
	"github.com/zsiec/tsforge/h264"
	"github.com/zsiec/tsforge/mpegts"
	"github.com/zsiec/tsforge/pes"
	"github.com/zsiec/tsforge/ps"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// tsPackets splits transport stream output into its 188-byte packets.
func tsPackets(t *testing.T, data []byte) [][]byte {
	t.Helper()
	if len(data)%mpegts.PacketSize != 0 {
		t.Fatalf("output is %d bytes, not a whole number of packets", len(data))
	}
	var pkts [][]byte
	for i := 0; i < len(data); i += mpegts.PacketSize {
		pkt := data[i : i+mpegts.PacketSize]
		if pkt[0] != 0x47 {
			t.Fatalf("packet %d does not start with sync byte", i/mpegts.PacketSize)
		}
		pkts = append(pkts, pkt)
	}
	return pkts
}

func pidOf(pkt []byte) uint16 {
	return uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
}

func payloadOf(pkt []byte) []byte {
	if pkt[3]&0x10 == 0 {
		return nil
	}
	if pkt[3]&0x20 != 0 {
		return pkt[5+int(pkt[4]):]
	}
	return pkt[4:]
}

// pesPacketsOn reassembles the PES packets carried on one PID, split at
// payload unit start indicators.
func pesPacketsOn(t *testing.T, pkts [][]byte, pid uint16) [][]byte {
	t.Helper()
	var out [][]byte
	var current []byte
	for _, pkt := range pkts {
		if pidOf(pkt) != pid {
			continue
		}
		if pkt[1]&0x40 != 0 {
			if current != nil {
				out = append(out, current)
			}
			current = []byte{}
		}
		if current != nil {
			current = append(current, payloadOf(pkt)...)
		}
	}
	if current != nil {
		out = append(out, current)
	}
	return out
}

// pesES strips the H.222.0 PES header off a reassembled PES packet.
func pesES(t *testing.T, pkt []byte) []byte {
	t.Helper()
	if len(pkt) < 9 || pkt[0] != 0 || pkt[1] != 0 || pkt[2] != 1 {
		t.Fatalf("not a PES packet: % x", pkt[:min(len(pkt), 9)])
	}
	return pkt[9+int(pkt[8]):]
}

// sectionIn extracts the PSI section from a table packet.
func sectionIn(t *testing.T, pkt []byte) []byte {
	t.Helper()
	payload := payloadOf(pkt)
	pointer := int(payload[0])
	return payload[1+pointer:]
}

func TestESToTS(t *testing.T) {
	t.Parallel()

	units := [][]byte{
		{0x00, 0x00, 0x01, 0xB3, 0x16, 0x00, 0xF0, 0xC4},
		{0x00, 0x00, 0x01, 0x00, 0x00, 0x0A},
		{0x00, 0x00, 0x01, 0x01, 0x5A, 0x5A, 0x5A},
	}
	r := es.NewReader(bytes.NewReader(join(units...)), discard())

	var out bytes.Buffer
	w := mpegts.NewWriter(&out, mpegts.WriterOptLogger(discard()))
	count, err := ESToTS(r, w, ESToTSConfig{ProgramRepeat: 2}, discard())
	if err != nil {
		t.Fatalf("ESToTS: %v", err)
	}
	if count != 3 {
		t.Errorf("transferred %d units, want 3", count)
	}

	pkts := tsPackets(t, out.Bytes())
	if pidOf(pkts[0]) != mpegts.PIDPAT {
		t.Errorf("first packet PID %03X, want PAT", pidOf(pkts[0]))
	}
	if pidOf(pkts[1]) != mpegts.DefaultPMTPID {
		t.Errorf("second packet PID %03X, want PMT", pidOf(pkts[1]))
	}

	pats := 0
	for _, pkt := range pkts {
		if pidOf(pkt) == mpegts.PIDPAT {
			pats++
		}
	}
	if pats != 2 {
		t.Errorf("found %d PATs, want 2 (start plus one repeat)", pats)
	}

	pesPkts := pesPacketsOn(t, pkts, mpegts.DefaultVideoPID)
	if len(pesPkts) != 3 {
		t.Fatalf("found %d PES packets, want 3", len(pesPkts))
	}
	for i, pkt := range pesPkts {
		if got := pesES(t, pkt); !bytes.Equal(got, units[i]) {
			t.Errorf("unit %d came back as % x, want % x", i, got, units[i])
		}
	}
}

// packHeader is an H.222.0 pack header with SCR zero and no stuffing.
var packHeader = []byte{
	0x00, 0x00, 0x01, 0xBA,
	0x44, 0x00, 0x04, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0xF8,
}

// psPES builds an H.222.0 PES packet with no optional fields.
func psPES(streamID byte, esData []byte) []byte {
	length := 3 + len(esData)
	return join(
		[]byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, 0x00, 0x00},
		esData)
}

func TestPSToTS(t *testing.T) {
	t.Parallel()

	video1 := psPES(0xE0, []byte{0x00, 0x00, 0x01, 0xB3, 0x16, 0x00, 0xF0, 0xC4})
	video2 := psPES(0xE0, []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x0A})
	audio1 := psPES(0xC0, []byte{0xFF, 0xF9, 0x50, 0x00, 0x01, 0x00, 0x21, 0x42})
	stream := join(packHeader, video1, audio1, packHeader, video2)

	r := ps.NewReader(bytes.NewReader(stream), discard())
	var out bytes.Buffer
	w := mpegts.NewWriter(&out, mpegts.WriterOptLogger(discard()))

	stats, err := PSToTS(r, w, PSToTSConfig{
		VideoType:   pes.VideoH262,
		VideoStream: -1,
		AudioStream: -1,
		KeepAudio:   true,
		PadStart:    2,
	}, discard())
	if err != nil {
		t.Fatalf("PSToTS: %v", err)
	}
	if stats.Packs != 2 || stats.VideoWritten != 2 || stats.AudioWritten != 1 {
		t.Errorf("stats = %+v, want 2 packs, 2 video, 1 audio", stats)
	}

	pkts := tsPackets(t, out.Bytes())
	if pidOf(pkts[0]) != mpegts.PIDNull || pidOf(pkts[1]) != mpegts.PIDNull {
		t.Errorf("output does not start with the requested null padding")
	}

	videoPES := pesPacketsOn(t, pkts, mpegts.DefaultVideoPID)
	if len(videoPES) != 2 {
		t.Fatalf("found %d video PES packets, want 2", len(videoPES))
	}
	if !bytes.Equal(videoPES[0], video1) || !bytes.Equal(videoPES[1], video2) {
		t.Errorf("video PES packets were not carried over verbatim")
	}

	audioPES := pesPacketsOn(t, pkts, mpegts.DefaultAudioPID)
	if len(audioPES) != 1 || !bytes.Equal(audioPES[0], audio1) {
		t.Errorf("audio PES packet was not carried over verbatim")
	}

	// The video packets carry the pack header SCR as a PCR.
	for _, pkt := range pkts {
		if pidOf(pkt) != mpegts.DefaultVideoPID || pkt[1]&0x40 == 0 {
			continue
		}
		if pkt[3]&0x20 == 0 || pkt[5]&0x10 == 0 {
			t.Errorf("video packet start is missing its PCR")
		}
	}

	// The second PMT (written before the first audio packet) announces
	// both streams.
	var pmts [][]byte
	for _, pkt := range pkts {
		if pidOf(pkt) == mpegts.DefaultPMTPID {
			pmts = append(pmts, pkt)
		}
	}
	if len(pmts) < 2 {
		t.Fatalf("found %d PMTs, want at least 2", len(pmts))
	}
	pmt, err := mpegts.ParsePMTSection(sectionIn(t, pmts[1]))
	if err != nil {
		t.Fatalf("parsing PMT: %v", err)
	}
	if len(pmt.ElementaryStreams) != 2 {
		t.Fatalf("PMT announces %d streams, want 2", len(pmt.ElementaryStreams))
	}
	if pmt.ElementaryStreams[0].StreamType != mpegts.StreamTypeMPEG2Video ||
		pmt.ElementaryStreams[1].StreamType != mpegts.StreamTypeMPEG2Audio {
		t.Errorf("PMT stream types = %02X, %02X",
			pmt.ElementaryStreams[0].StreamType, pmt.ElementaryStreams[1].StreamType)
	}
}

func TestPSToTSDVDAC3Split(t *testing.T) {
	t.Parallel()

	// private_stream_1 packet: PTS, then a DVD substream header saying
	// one AC-3 frame starts at offset 5, with four bytes of the
	// previous frame before it.
	tail := []byte{0xAA, 0xAB, 0xAC, 0xAD} // end of the previous frame
	frame := []byte{0x0B, 0x77, 0x00, 0x00, 0x00, 0x12, 0x40}
	sub := join([]byte{0x80, 0x01, 0x00, 0x05}, tail, frame)
	length := 3 + 5 + len(sub)
	packet := join(
		[]byte{0x00, 0x00, 0x01, 0xBD, byte(length >> 8), byte(length),
			0x80, 0x80, 0x05,
			0x21, 0x00, 0x01, 0x00, 0x01}, // PTS 0
		sub)

	r := ps.NewReader(bytes.NewReader(join(packHeader, packet)), discard())
	var out bytes.Buffer
	w := mpegts.NewWriter(&out, mpegts.WriterOptLogger(discard()))

	stats, err := PSToTS(r, w, PSToTSConfig{
		VideoStream: -1,
		IsDVD:       true,
		WantAC3:     true,
		KeepAudio:   true,
	}, discard())
	if err != nil {
		t.Fatalf("PSToTS: %v", err)
	}
	if stats.AudioWritten != 1 {
		t.Errorf("stats = %+v, want 1 audio packet", stats)
	}

	pkts := tsPackets(t, out.Bytes())
	audioPES := pesPacketsOn(t, pkts, mpegts.DefaultAudioPID)
	if len(audioPES) != 2 {
		t.Fatalf("found %d audio PES packets, want 2 (split)", len(audioPES))
	}

	// First the bytes belonging to the previous frame, in a packet of
	// their own, then the frame the PTS applies to.
	if got := pesES(t, audioPES[0]); !bytes.Equal(got, tail) {
		t.Errorf("leading bytes = % x, want % x", got, tail)
	}
	second := audioPES[1]
	if !bytes.Equal(pesES(t, second), frame) {
		t.Errorf("frame payload = % x, want % x", pesES(t, second), frame)
	}
	if second[7]&0x80 == 0 {
		t.Errorf("split packet lost its PTS")
	}
	wantLen := len(second) - 6
	if got := int(second[4])<<8 | int(second[5]); got != wantLen {
		t.Errorf("PES_packet_length = %d, want %d", got, wantLen)
	}

	// The PMT announces ATSC AC-3 with its registration descriptor.
	var pmtPkt []byte
	for _, pkt := range pkts {
		if pidOf(pkt) == mpegts.DefaultPMTPID {
			pmtPkt = pkt
		}
	}
	pmt, err := mpegts.ParsePMTSection(sectionIn(t, pmtPkt))
	if err != nil {
		t.Fatalf("parsing PMT: %v", err)
	}
	if len(pmt.ElementaryStreams) != 1 ||
		pmt.ElementaryStreams[0].StreamType != mpegts.StreamTypeAC3 {
		t.Fatalf("PMT does not announce an AC-3 stream: %+v", pmt.ElementaryStreams)
	}
	if !bytes.Equal(pmt.ElementaryStreams[0].Descriptors, []byte{0x05, 0x04, 'A', 'C', '-', '3'}) {
		t.Errorf("AC-3 descriptors = % x", pmt.ElementaryStreams[0].Descriptors)
	}
}

var (
	sps264 = []byte{0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1E, 0xF4, 0x16, 0x27, 0x20}
	pps264 = []byte{0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80}
	aud264 = []byte{0x00, 0x00, 0x01, 0x09, 0x10}
)

func idrSlice(frameNum byte) []byte {
	return []byte{0x00, 0x00, 0x01, 0x65, 0x88, 0x80 | (frameNum&0x0F)<<3 | 0x04, 0x20}
}

func pSlice(frameNum byte) []byte {
	return []byte{0x00, 0x00, 0x01, 0x41, 0x9A | frameNum>>3&0x01, (frameNum&0x07)<<5 | 0x10}
}

// adtsFrame builds a one-payload-byte MPEG-2 ADTS frame at 44100 Hz.
func adtsFrame(payload byte) []byte {
	return []byte{0xFF, 0xF9, 0x50, 0x00, 0x00, 0xE0, payload}
}

func TestMergeH264(t *testing.T) {
	t.Parallel()

	au1 := join(aud264, sps264, pps264, idrSlice(0))
	au2 := join(aud264, pSlice(1))
	au3 := join(aud264, pSlice(2))
	videoES := join(au1, au2, au3)

	nals := h264.NewReader(es.NewReader(bytes.NewReader(videoES), discard()), discard())
	v := NewH264Source(h264.NewContext(nals, discard()))
	a := audio.NewFrameReader(bytes.NewReader(join(adtsFrame(0x11), adtsFrame(0x22))), 0, discard())

	var out bytes.Buffer
	w := mpegts.NewWriter(&out, mpegts.WriterOptLogger(discard()))
	stats, err := Merge(v, a, w, MergeConfig{}, discard())
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if stats.VideoFrames != 3 || stats.AudioFrames != 2 {
		t.Errorf("stats = %+v, want 3 video and 2 audio frames", stats)
	}

	pkts := tsPackets(t, out.Bytes())
	for i := 0; i < 8; i++ {
		if pidOf(pkts[i]) != mpegts.PIDNull {
			t.Fatalf("packet %d has PID %03X, want null padding", i, pidOf(pkts[i]))
		}
	}

	pmt, err := mpegts.ParsePMTSection(sectionIn(t, pkts[9]))
	if err != nil {
		t.Fatalf("parsing PMT: %v", err)
	}
	if len(pmt.ElementaryStreams) != 2 ||
		pmt.ElementaryStreams[0].StreamType != mpegts.StreamTypeH264Video ||
		pmt.ElementaryStreams[1].StreamType != mpegts.StreamTypeADTSAudio {
		t.Fatalf("PMT streams = %+v", pmt.ElementaryStreams)
	}

	videoPES := pesPacketsOn(t, pkts, mpegts.DefaultVideoPID)
	if len(videoPES) != 3 {
		t.Fatalf("found %d video PES packets, want 3", len(videoPES))
	}
	wantES := [][]byte{au1, au2, au3}
	for i, pkt := range videoPES {
		if got := pesES(t, pkt); !bytes.Equal(got, wantES[i]) {
			t.Errorf("video frame %d = % x, want % x", i, got, wantES[i])
		}
	}

	// The IDR carries a PTS and DTS: one frame in at 25fps, delayed by
	// the decode allowance.
	first := videoPES[0]
	if first[7]&0xC0 != 0xC0 {
		t.Fatalf("first video frame does not carry PTS and DTS")
	}
	pts, err := mpegts.DecodeTimestamp(first[9:14], 0)
	if err != nil {
		t.Fatalf("decoding PTS: %v", err)
	}
	if pts != 3600+h264KeyFrameDelay {
		t.Errorf("IDR PTS = %d, want %d", pts, 3600+h264KeyFrameDelay)
	}
	dts, err := mpegts.DecodeTimestamp(first[14:19], 0)
	if err != nil {
		t.Fatalf("decoding DTS: %v", err)
	}
	if dts != 3600 {
		t.Errorf("IDR DTS = %d, want 3600", dts)
	}

	// The other frames carry only a PCR.
	if videoPES[1][7]&0xC0 != 0 {
		t.Errorf("P frame unexpectedly carries a timestamp")
	}

	audioPES := pesPacketsOn(t, pkts, mpegts.DefaultAudioPID)
	if len(audioPES) != 2 {
		t.Fatalf("found %d audio PES packets, want 2", len(audioPES))
	}
	audioInc := uint64(90000*1024) / 44100
	for i, pkt := range audioPES {
		pts, err := mpegts.DecodeTimestamp(pkt[9:14], 0)
		if err != nil {
			t.Fatalf("decoding audio PTS: %v", err)
		}
		if want := audioInc * uint64(i+1); pts != want {
			t.Errorf("audio frame %d PTS = %d, want %d", i, pts, want)
		}
	}
}
