package output

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/tsforge/mpegts"
)

// buildTS writes a minimal single-program transport stream carrying one
// video PES packet per entry in pcrBases, each with a PCR.
func buildTS(t *testing.T, pcrBases []int64) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := mpegts.NewWriter(&buf, mpegts.WriterOptLogger(slog.New(slog.DiscardHandler)))
	err := w.WriteProgramData(mpegts.ProgramConfig{
		TransportStreamID: 1,
		ProgramNumber:     1,
		PMTPID:            0x66,
		PCRPID:            mpegts.DefaultVideoPID,
		Streams: []mpegts.StreamEntry{
			{PID: mpegts.DefaultVideoPID, StreamType: mpegts.StreamTypeMPEG2Video},
		},
	})
	if err != nil {
		t.Fatalf("writing program data: %v", err)
	}
	for _, base := range pcrBases {
		err := w.WriteES(mpegts.DefaultVideoPID, mpegts.StreamIDVideoMin,
			bytes.Repeat([]byte{0xAA}, 32), mpegts.Timing{
				HasPCR: true,
				PCR:    mpegts.ClockReference{Base: base},
			})
		if err != nil {
			t.Fatalf("writing ES data: %v", err)
		}
	}
	return buf.Bytes()
}

func TestOpenStdout(t *testing.T) {
	t.Parallel()

	wc, err := Open("-")
	if err != nil {
		t.Fatalf("Open(-) error: %v", err)
	}
	if err := wc.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if wc.(nopCloser).Writer != os.Stdout {
		t.Error("Open(-) did not wrap stdout")
	}
}

func TestOpenFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.ts")
	wc, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%s) error: %v", path, err)
	}
	if _, err := wc.Write([]byte("packets")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := wc.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if string(got) != "packets" {
		t.Errorf("file contents = %q, want %q", got, "packets")
	}
}

func TestOpenTCP(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	wc, err := Open("tcp://" + l.Addr().String())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := wc.Write([]byte("hello")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	wc.Close()

	if got := <-received; string(got) != "hello" {
		t.Errorf("received %q, want %q", got, "hello")
	}
}

func TestPlayMaxPackets(t *testing.T) {
	t.Parallel()

	ts := buildTS(t, []int64{0})
	var out bytes.Buffer
	stats, err := Play(context.Background(), bytes.NewReader(ts), &out,
		PlayConfig{MaxPackets: 2}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Play error: %v", err)
	}
	if stats.Packets != 2 {
		t.Errorf("Packets = %d, want 2", stats.Packets)
	}
	if out.Len() != 2*mpegts.PacketSize {
		t.Errorf("wrote %d bytes, want %d", out.Len(), 2*mpegts.PacketSize)
	}
}

func TestPlayPacing(t *testing.T) {
	t.Parallel()

	// Two PCRs 40ms apart: the second packet must not be written before
	// 40ms of wall clock have passed since the first.
	ts := buildTS(t, []int64{0, 40 * 90})
	var out bytes.Buffer

	begin := time.Now()
	stats, err := Play(context.Background(), bytes.NewReader(ts), &out,
		PlayConfig{}, slog.New(slog.DiscardHandler))
	elapsed := time.Since(begin)
	if err != nil {
		t.Fatalf("Play error: %v", err)
	}
	if elapsed < 30*time.Millisecond {
		t.Errorf("stream delivered in %v, want at least 30ms of pacing", elapsed)
	}
	want := int64(len(ts) / mpegts.PacketSize)
	if stats.Packets != want {
		t.Errorf("Packets = %d, want %d", stats.Packets, want)
	}
}

func TestPlayLoop(t *testing.T) {
	t.Parallel()

	ts := buildTS(t, nil)
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	stats, err := Play(ctx, bytes.NewReader(ts), &out,
		PlayConfig{Loop: true}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Play error: %v", err)
	}
	if stats.Loops < 2 {
		t.Errorf("Loops = %d, want at least 2", stats.Loops)
	}
}

func TestServerTCP(t *testing.T) {
	t.Parallel()

	ts := buildTS(t, nil)
	path := filepath.Join(t.TempDir(), "stream.ts")
	if err := os.WriteFile(path, ts, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	srv := NewServer(ServerConfig{
		TCPAddr: "127.0.0.1:0",
		Path:    path,
	}, slog.New(slog.DiscardHandler))
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	got, err := io.ReadAll(conn)
	conn.Close()
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if !bytes.Equal(got, ts) {
		t.Errorf("received %d bytes, want %d matching the served file", len(got), len(ts))
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v, want nil", err)
	}
}
