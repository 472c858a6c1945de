package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

// demuxFixture builds a single-program stream with one H.264 PES
// packet carrying esData, returning the raw transport packets.
func demuxFixture(t *testing.T, esData []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	cfg := ProgramConfig{
		TransportStreamID: 1,
		ProgramNumber:     1,
		PMTPID:            DefaultPMTPID,
		Streams:           []StreamEntry{{PID: DefaultVideoPID, StreamType: StreamTypeH264Video}},
	}
	if err := w.WriteProgramData(cfg); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteES(DefaultVideoPID, DefaultVideoStreamID, esData, Timing{}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func demuxAll(t *testing.T, stream []byte) (pat, pmt int, pes [][]byte) {
	t.Helper()
	d := NewDemuxer(context.Background(), bytes.NewReader(stream))
	for {
		data, err := d.NextData()
		if errors.Is(err, io.EOF) {
			return pat, pmt, pes
		}
		if err != nil {
			t.Fatalf("NextData: %v", err)
		}
		switch {
		case data.PAT != nil:
			pat++
		case data.PMT != nil:
			pmt++
		case data.PES != nil:
			pes = append(pes, data.PES.Data)
		}
	}
}

func TestDemuxer_ResyncAcrossGarbage(t *testing.T) {
	t.Parallel()

	esData := []byte{0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1E}
	stream := demuxFixture(t, esData)

	// Wedge junk between the first and second packets; the reader has
	// to regain alignment before the PMT and PES can come through.
	var corrupted []byte
	corrupted = append(corrupted, stream[:PacketSize]...)
	corrupted = append(corrupted, bytes.Repeat([]byte{0x00}, 10)...)
	corrupted = append(corrupted, stream[PacketSize:]...)

	pat, pmt, pes := demuxAll(t, corrupted)
	if pat != 1 || pmt != 1 || len(pes) != 1 {
		t.Fatalf("saw %d PAT, %d PMT, %d PES, want 1 of each", pat, pmt, len(pes))
	}
	if !bytes.Equal(pes[0], esData) {
		t.Errorf("PES payload = %v, want %v", pes[0], esData)
	}
}

func TestDemuxer_DropsDuplicatePacket(t *testing.T) {
	t.Parallel()

	// Enough ES data for the PES packet to span several transport
	// packets.
	esData := append([]byte{0x00, 0x00, 0x01, 0x65}, bytes.Repeat([]byte{0xAB}, 400)...)
	stream := demuxFixture(t, esData)
	if len(stream) < 5*PacketSize {
		t.Fatalf("fixture has %d packets, want at least 5", len(stream)/PacketSize)
	}

	// Repeat the middle video packet verbatim, as a link retransmission
	// would. Its unchanged continuity counter marks it as a duplicate.
	var dup []byte
	dup = append(dup, stream[:4*PacketSize]...)
	dup = append(dup, stream[3*PacketSize:4*PacketSize]...)
	dup = append(dup, stream[4*PacketSize:]...)

	_, _, pes := demuxAll(t, dup)
	if len(pes) != 1 {
		t.Fatalf("got %d PES packets, want 1", len(pes))
	}
	if !bytes.Equal(pes[0], esData) {
		t.Errorf("PES payload length %d, want %d (duplicate packet kept?)",
			len(pes[0]), len(esData))
	}
}

func TestDemuxer_DiscontinuityDiscardsPartialUnit(t *testing.T) {
	t.Parallel()

	esData := append([]byte{0x00, 0x00, 0x01, 0x65}, bytes.Repeat([]byte{0xAB}, 400)...)
	stream := demuxFixture(t, esData)

	// Skip a continuity counter mid-PES. The partial payload unit is
	// discarded, and what accumulates afterwards no longer starts with
	// a PES header, so no PES packet can come out.
	corrupted := bytes.Clone(stream)
	off := 4*PacketSize + 3
	corrupted[off] = corrupted[off]&0xF0 | (corrupted[off]+1)&0x0F

	pat, pmt, pes := demuxAll(t, corrupted)
	if pat != 1 || pmt != 1 {
		t.Fatalf("saw %d PAT and %d PMT, want 1 of each", pat, pmt)
	}
	if len(pes) != 0 {
		t.Errorf("got %d PES packets from a truncated unit, want none", len(pes))
	}
}
