package pes

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/tsforge/mpegts"
)

func testProgram() mpegts.ProgramConfig {
	return mpegts.ProgramConfig{
		TransportStreamID: 1,
		ProgramNumber:     1,
		PMTPID:            mpegts.DefaultPMTPID,
		Streams: []mpegts.StreamEntry{
			{PID: mpegts.DefaultVideoPID, StreamType: mpegts.StreamTypeH264Video},
			{PID: mpegts.DefaultAudioPID, StreamType: mpegts.StreamTypeADTSAudio},
		},
	}
}

// buildTS writes a PAT/PMT followed by the given ES payloads, video ones
// interleaved with audio ones, and returns the transport stream bytes.
func buildTS(t *testing.T, video, audio [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := mpegts.NewWriter(&buf)
	if err := w.WriteProgramData(testProgram()); err != nil {
		t.Fatalf("WriteProgramData: %v", err)
	}
	for i := 0; i < len(video) || i < len(audio); i++ {
		if i < len(video) {
			timing := mpegts.Timing{HasPTS: true, PTS: uint64(90000 * (i + 1))}
			if err := w.WriteES(mpegts.DefaultVideoPID, mpegts.DefaultVideoStreamID, video[i], timing); err != nil {
				t.Fatalf("WriteES video %d: %v", i, err)
			}
		}
		if i < len(audio) {
			timing := mpegts.Timing{HasPTS: true, PTS: uint64(90000*(i+1) + 3000)}
			if err := w.WriteES(mpegts.DefaultAudioPID, mpegts.DefaultAudioStreamID, audio[i], timing); err != nil {
				t.Fatalf("WriteES audio %d: %v", i, err)
			}
		}
	}
	return buf.Bytes()
}

func TestReaderTransportStream(t *testing.T) {
	t.Parallel()

	video := [][]byte{
		append([]byte{0x00, 0x00, 0x01, 0xB3}, bytes.Repeat([]byte{0xAA}, 400)...),
		append([]byte{0x00, 0x00, 0x01, 0x00}, bytes.Repeat([]byte{0xBB}, 50)...),
	}
	audio := [][]byte{
		{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x02, 0x03},
	}
	ts := buildTS(t, video, audio)

	r := NewTSReader(bytes.NewReader(ts), nil)
	var gotVideo, gotAudio [][]byte
	for {
		pkt, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		es, err := pkt.ES()
		if err != nil {
			t.Fatalf("ES: %v", err)
		}
		hasPTS, pts, _, _, err := pkt.Timing()
		if err != nil {
			t.Fatalf("Timing: %v", err)
		}
		if !hasPTS || pts == 0 {
			t.Errorf("packet at %d has no PTS", pkt.Posn)
		}
		if pkt.IsVideo {
			gotVideo = append(gotVideo, es)
		} else {
			gotAudio = append(gotAudio, es)
		}
	}

	if r.VideoType() != VideoH264 {
		t.Errorf("video type = %v, want H.264", r.VideoType())
	}
	if r.VideoPID() != mpegts.DefaultVideoPID || r.AudioPID() != mpegts.DefaultAudioPID {
		t.Errorf("pids = %04x/%04x", r.VideoPID(), r.AudioPID())
	}
	if len(gotVideo) != len(video) {
		t.Fatalf("got %d video packets, want %d", len(gotVideo), len(video))
	}
	for i := range video {
		if !bytes.Equal(gotVideo[i], video[i]) {
			t.Errorf("video packet %d: ES data differs", i)
		}
	}
	if len(gotAudio) != 1 || !bytes.Equal(gotAudio[0], audio[0]) {
		t.Errorf("audio packets wrong: %v", gotAudio)
	}
}

func TestReaderVideoOnly(t *testing.T) {
	t.Parallel()

	ts := buildTS(t,
		[][]byte{{0x00, 0x00, 0x01, 0xB3, 0x01}},
		[][]byte{{0xFF, 0xF1, 0x50}})

	r := NewTSReader(bytes.NewReader(ts), nil)
	r.SetVideoOnly(true)
	count := 0
	for {
		pkt, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !pkt.IsVideo {
			t.Errorf("got audio packet despite video only")
		}
		count++
	}
	if count != 1 {
		t.Errorf("got %d packets, want 1", count)
	}
}

func TestReaderReposition(t *testing.T) {
	t.Parallel()

	video := [][]byte{
		append([]byte{0x00, 0x00, 0x01, 0xB3}, bytes.Repeat([]byte{0x11}, 300)...),
		append([]byte{0x00, 0x00, 0x01, 0x00}, bytes.Repeat([]byte{0x22}, 300)...),
		append([]byte{0x00, 0x00, 0x01, 0x00}, bytes.Repeat([]byte{0x33}, 300)...),
	}
	ts := buildTS(t, video, nil)

	r := NewTSReader(bytes.NewReader(ts), nil)
	type rec struct {
		posn int64
		data []byte
	}
	var first []rec
	for {
		pkt, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		first = append(first, rec{pkt.Posn, pkt.Data})
	}
	if len(first) != 3 {
		t.Fatalf("got %d packets, want 3", len(first))
	}

	// Rewind to the second packet and expect the same packets again.
	if err := r.Reposition(first[1].posn); err != nil {
		t.Fatalf("Reposition: %v", err)
	}
	for i := 1; i < len(first); i++ {
		pkt, err := r.Next()
		if err != nil {
			t.Fatalf("Next after reposition: %v", err)
		}
		if pkt.Posn != first[i].posn {
			t.Errorf("packet %d: posn = %d, want %d", i, pkt.Posn, first[i].posn)
		}
		if !bytes.Equal(pkt.Data, first[i].data) {
			t.Errorf("packet %d: data differs after repositioning", i)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after last packet, got %v", err)
	}
}

// unboundedPES builds a video PES packet whose PES_packet_length is
// zero, so its end is only marked by the next packet start or EOF.
func unboundedPES(fill byte, n int) []byte {
	hdr := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x00, 0x00}
	return append(hdr, bytes.Repeat([]byte{fill}, n)...)
}

func TestReaderUnboundedVideo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := mpegts.NewWriter(&buf)
	if err := w.WriteProgramData(testProgram()); err != nil {
		t.Fatalf("WriteProgramData: %v", err)
	}
	pkts := [][]byte{
		unboundedPES(0x41, 500),
		unboundedPES(0x42, 40),
		unboundedPES(0x43, 200),
	}
	for _, p := range pkts {
		if err := w.WritePES(mpegts.DefaultVideoPID, p, mpegts.Timing{}); err != nil {
			t.Fatalf("WritePES: %v", err)
		}
	}

	r := NewTSReader(bytes.NewReader(buf.Bytes()), nil)
	for i, want := range pkts {
		pkt, err := r.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if !bytes.Equal(pkt.Data, want) {
			t.Errorf("packet %d: got %d bytes, want %d", i, len(pkt.Data), len(want))
		}
		if !pkt.IsVideo {
			t.Errorf("packet %d not marked video", i)
		}
	}
	// The last packet only comes out at EOF.
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestIsTransportStream(t *testing.T) {
	t.Parallel()

	ts := buildTS(t, [][]byte{{0x00, 0x00, 0x01, 0xB3, 0x01}}, nil)
	rs := bytes.NewReader(ts)
	isTS, err := IsTransportStream(rs)
	if err != nil || !isTS {
		t.Errorf("transport stream not recognised: %v %v", isTS, err)
	}
	if pos, _ := rs.Seek(0, io.SeekCurrent); pos != 0 {
		t.Errorf("probe did not rewind, at %d", pos)
	}

	notTS := append([]byte{0x00, 0x00, 0x01, 0xBA}, bytes.Repeat([]byte{0x00}, 400)...)
	isTS, err = IsTransportStream(bytes.NewReader(notTS))
	if err != nil || isTS {
		t.Errorf("program stream misrecognised as TS: %v %v", isTS, err)
	}
}

// psPacket builds a program stream packet with the given stream id and
// payload bytes after the length field.
func psPacket(streamID byte, payload []byte) []byte {
	pkt := []byte{0x00, 0x00, 0x01, streamID,
		byte(len(payload) >> 8), byte(len(payload))}
	return append(pkt, payload...)
}

func TestReaderProgramStream(t *testing.T) {
	t.Parallel()

	// An MPEG-2 pack header followed by one video and two audio packets
	// on different streams, then the program end code.
	pack := []byte{0x00, 0x00, 0x01, 0xBA,
		0x44, 0x00, 0x04, 0x00, 0x04, 0x01, 0x00, 0x00, 0x03, 0xF8}
	videoPayload := []byte{0x80, 0x00, 0x00, 0x00, 0x00, 0x01, 0xB3, 0x12}
	audio0 := []byte{0x80, 0x00, 0x00, 0x0A, 0x0B}
	audio1 := []byte{0x80, 0x00, 0x00, 0x0C, 0x0D}

	var stream []byte
	stream = append(stream, pack...)
	stream = append(stream, psPacket(0xE0, videoPayload)...)
	stream = append(stream, psPacket(0xC0, audio0)...)
	stream = append(stream, psPacket(0xC1, audio1)...)
	stream = append(stream, 0x00, 0x00, 0x01, 0xB9)

	r := NewPSReader(bytes.NewReader(stream), nil)
	var ids []byte
	for {
		pkt, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		ids = append(ids, pkt.StreamID)
		if pkt.StreamID == 0xE0 {
			if !pkt.IsVideo {
				t.Errorf("video packet not marked video")
			}
			es, err := pkt.ES()
			if err != nil {
				t.Fatalf("ES: %v", err)
			}
			if !bytes.Equal(es, videoPayload[3:]) {
				t.Errorf("video ES = % x", es)
			}
		}
	}

	// The second audio stream is ignored once 0xC0 has been selected.
	if !bytes.Equal(ids, []byte{0xE0, 0xC0}) {
		t.Errorf("stream ids = % x, want e0 c0", ids)
	}
}
