package mpegts

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

// extractFixture builds a TS carrying one video and one audio stream,
// with two PES packets each.
func extractFixture(t *testing.T) (ts []byte, video, audio [][]byte) {
	t.Helper()

	video = [][]byte{
		{0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1E},
		{0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00},
	}
	audio = [][]byte{
		{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x00},
		{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x01},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	cfg := ProgramConfig{
		TransportStreamID: 1,
		ProgramNumber:     1,
		PMTPID:            DefaultPMTPID,
		Streams: []StreamEntry{
			{PID: DefaultVideoPID, StreamType: StreamTypeH264Video},
			{PID: DefaultAudioPID, StreamType: StreamTypeADTSAudio},
		},
	}
	if err := w.WriteProgramData(cfg); err != nil {
		t.Fatal(err)
	}
	for i := range video {
		if err := w.WriteES(DefaultVideoPID, DefaultVideoStreamID, video[i], Timing{}); err != nil {
			t.Fatal(err)
		}
		if err := w.WriteES(DefaultAudioPID, DefaultAudioStreamID, audio[i], Timing{}); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes(), video, audio
}

func TestExtractES_VideoFromPMT(t *testing.T) {
	t.Parallel()

	ts, video, _ := extractFixture(t)
	var out bytes.Buffer
	stats, err := ExtractES(context.Background(), bytes.NewReader(ts), &out, ExtractConfig{}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	if stats.PID != DefaultVideoPID {
		t.Errorf("PID = %#x, want %#x", stats.PID, DefaultVideoPID)
	}
	if stats.PESPackets != len(video) {
		t.Errorf("PESPackets = %d, want %d", stats.PESPackets, len(video))
	}
	want := append(append([]byte(nil), video[0]...), video[1]...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("ES out = %v, want %v", out.Bytes(), want)
	}
}

func TestExtractES_AudioFromPMT(t *testing.T) {
	t.Parallel()

	ts, _, audio := extractFixture(t)
	var out bytes.Buffer
	stats, err := ExtractES(context.Background(), bytes.NewReader(ts), &out, ExtractConfig{Audio: true}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	if stats.PID != DefaultAudioPID {
		t.Errorf("PID = %#x, want %#x", stats.PID, DefaultAudioPID)
	}
	want := append(append([]byte(nil), audio[0]...), audio[1]...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("ES out = %v, want %v", out.Bytes(), want)
	}
}

func TestExtractES_ExplicitPID(t *testing.T) {
	t.Parallel()

	ts, _, audio := extractFixture(t)
	var out bytes.Buffer
	stats, err := ExtractES(context.Background(), bytes.NewReader(ts), &out,
		ExtractConfig{PID: DefaultAudioPID, MaxPES: 1}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	if stats.PESPackets != 1 {
		t.Errorf("PESPackets = %d, want 1", stats.PESPackets)
	}
	if !bytes.Equal(out.Bytes(), audio[0]) {
		t.Errorf("ES out = %v, want %v", out.Bytes(), audio[0])
	}
}

func TestExtractES_NoStream(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteNullPackets(3); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	_, err := ExtractES(context.Background(), bytes.NewReader(buf.Bytes()), &out, ExtractConfig{}, slog.New(slog.DiscardHandler))
	if err == nil {
		t.Fatal("expected an error for a stream with no PMT")
	}
}
