package es

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/zsiec/tsforge/mpegts"
	"github.com/zsiec/tsforge/pes"
)

// unit builds an ES unit: 00 00 01, the start code, and n filler bytes.
func unit(startCode byte, fill byte, n int) []byte {
	u := []byte{0x00, 0x00, 0x01, startCode}
	return append(u, bytes.Repeat([]byte{fill}, n)...)
}

func TestNextUnitRaw(t *testing.T) {
	t.Parallel()

	units := [][]byte{
		unit(0xB3, 0x10, 8),
		unit(0x00, 0x20, 5000), // spans several refills
		unit(0x01, 0x30, 3),
		unit(0xB7, 0x00, 0),
	}
	var stream []byte
	for _, u := range units {
		stream = append(stream, u...)
	}

	r := NewReader(bytes.NewReader(stream), nil)
	total := 0
	for i, want := range units {
		got, err := r.NextUnit()
		if err != nil {
			t.Fatalf("unit %d: %v", i, err)
		}
		if !bytes.Equal(got.Data, want) {
			t.Errorf("unit %d: got %d bytes, want %d", i, len(got.Data), len(want))
		}
		if got.StartCode != want[3] {
			t.Errorf("unit %d: start code %02X, want %02X", i, got.StartCode, want[3])
		}
		if got.StartPosn.Infile != int64(total) || got.StartPosn.Inpacket != 0 {
			t.Errorf("unit %d: start posn %v, want %d/0", i, got.StartPosn, total)
		}
		total += len(want)
	}
	if total != len(stream) {
		t.Errorf("units sum to %d bytes, stream is %d", total, len(stream))
	}
	if _, err := r.NextUnit(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestNextUnitLeadingGarbage(t *testing.T) {
	t.Parallel()

	stream := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, unit(0xB3, 0x11, 4)...)
	r := NewReader(bytes.NewReader(stream), nil)
	got, err := r.NextUnit()
	if err != nil {
		t.Fatalf("NextUnit: %v", err)
	}
	if got.StartPosn.Infile != 4 {
		t.Errorf("start posn %d, want 4", got.StartPosn.Infile)
	}
}

func TestNextUnitNoStartCode(t *testing.T) {
	t.Parallel()

	r := NewReader(bytes.NewReader(bytes.Repeat([]byte{0x42}, 100)), nil)
	if _, err := r.NextUnit(); !errors.Is(err, ErrNoStartCode) {
		t.Errorf("expected ErrNoStartCode, got %v", err)
	}

	// An empty stream is just EOF.
	r = NewReader(bytes.NewReader(nil), nil)
	if _, err := r.NextUnit(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF for empty stream, got %v", err)
	}
}

func TestSeekAndReadDataRaw(t *testing.T) {
	t.Parallel()

	units := [][]byte{
		unit(0xB3, 0x10, 10),
		unit(0x00, 0x20, 20),
		unit(0x01, 0x30, 30),
	}
	var stream []byte
	for _, u := range units {
		stream = append(stream, u...)
	}

	r := NewReader(bytes.NewReader(stream), nil)
	var posns []Offset
	for range units {
		u, err := r.NextUnit()
		if err != nil {
			t.Fatalf("NextUnit: %v", err)
		}
		posns = append(posns, u.StartPosn)
	}

	if err := r.Seek(posns[1]); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	u, err := r.NextUnit()
	if err != nil {
		t.Fatalf("NextUnit after seek: %v", err)
	}
	if !bytes.Equal(u.Data, units[1]) {
		t.Errorf("re-read unit differs")
	}

	// ReadData can pull back a run of units by length.
	n := len(units[1]) + len(units[2])
	data, err := r.ReadData(posns[1], n)
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if !bytes.Equal(data, stream[posns[1].Infile:]) {
		t.Errorf("ReadData returned wrong bytes")
	}
}

// buildPESStream wraps the given ES bytes in video PES packets of the
// given payload sizes and returns a transport stream carrying them.
func buildPESStream(t *testing.T, esBytes []byte, chunk int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := mpegts.NewWriter(&buf)
	err := w.WriteProgramData(mpegts.ProgramConfig{
		TransportStreamID: 1,
		ProgramNumber:     1,
		PMTPID:            mpegts.DefaultPMTPID,
		Streams: []mpegts.StreamEntry{
			{PID: mpegts.DefaultVideoPID, StreamType: mpegts.StreamTypeMPEG2Video},
		},
	})
	if err != nil {
		t.Fatalf("WriteProgramData: %v", err)
	}
	for off := 0; off < len(esBytes); off += chunk {
		end := off + chunk
		if end > len(esBytes) {
			end = len(esBytes)
		}
		timing := mpegts.Timing{HasPTS: true, PTS: uint64(90000 + off)}
		if err := w.WriteES(mpegts.DefaultVideoPID, mpegts.DefaultVideoStreamID, esBytes[off:end], timing); err != nil {
			t.Fatalf("WriteES: %v", err)
		}
	}
	return buf.Bytes()
}

func TestNextUnitOverPES(t *testing.T) {
	t.Parallel()

	units := [][]byte{
		unit(0xB3, 0x10, 30),
		unit(0x00, 0x20, 40),
		unit(0x01, 0x30, 500),
		unit(0xB7, 0x00, 0),
	}
	var esBytes []byte
	for _, u := range units {
		esBytes = append(esBytes, u...)
	}

	// A chunk size of 37 forces start code prefixes to straddle PES
	// packet boundaries.
	ts := buildPESStream(t, esBytes, 37)
	pr := pes.NewTSReader(bytes.NewReader(ts), nil)
	r := NewPESReader(pr, nil)

	var got []*Unit
	for {
		u, err := r.NextUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextUnit: %v", err)
		}
		got = append(got, u)
	}
	if len(got) != len(units) {
		t.Fatalf("got %d units, want %d", len(got), len(units))
	}
	for i := range units {
		if !bytes.Equal(got[i].Data, units[i]) {
			t.Errorf("unit %d differs over PES", i)
		}
		if !got[i].PESHadPTS {
			t.Errorf("unit %d: PESHadPTS not set", i)
		}
	}
}

func TestSeekOverPES(t *testing.T) {
	t.Parallel()

	units := [][]byte{
		unit(0xB3, 0x10, 30),
		unit(0x00, 0x20, 300),
		unit(0x01, 0x30, 40),
	}
	var esBytes []byte
	for _, u := range units {
		esBytes = append(esBytes, u...)
	}
	ts := buildPESStream(t, esBytes, 64)

	pr := pes.NewTSReader(bytes.NewReader(ts), nil)
	r := NewPESReader(pr, nil)

	var posns []Offset
	var datas [][]byte
	for range units {
		u, err := r.NextUnit()
		if err != nil {
			t.Fatalf("NextUnit: %v", err)
		}
		posns = append(posns, u.StartPosn)
		datas = append(datas, u.Data)
	}

	for i := len(posns) - 1; i >= 0; i-- {
		if err := r.Seek(posns[i]); err != nil {
			t.Fatalf("Seek to unit %d: %v", i, err)
		}
		u, err := r.NextUnit()
		if err != nil {
			t.Fatalf("NextUnit after seek to %d: %v", i, err)
		}
		if !bytes.Equal(u.Data, datas[i]) {
			t.Errorf("unit %d differs after reseek", i)
		}
	}

	// ReadData across PES packet boundaries.
	data, err := r.ReadData(posns[1], len(units[1]))
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if !bytes.Equal(data, units[1]) {
		t.Errorf("ReadData over PES returned wrong bytes")
	}
}

func TestOpenFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	parts := [][]byte{
		unit(0xB3, 0x10, 10),
		unit(0x00, 0x20, 10),
	}
	var paths []string
	var whole []byte
	for i, part := range parts {
		path := filepath.Join(dir, "part"+string(rune('a'+i))+".es")
		if err := os.WriteFile(path, part, 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
		whole = append(whole, part...)
	}

	f, err := OpenFiles(paths...)
	if err != nil {
		t.Fatalf("OpenFiles: %v", err)
	}
	defer f.Close()
	if f.Size() != int64(len(whole)) {
		t.Errorf("size %d, want %d", f.Size(), len(whole))
	}

	r := NewReader(f, nil)
	for i, want := range parts {
		u, err := r.NextUnit()
		if err != nil {
			t.Fatalf("NextUnit %d: %v", i, err)
		}
		if !bytes.Equal(u.Data, want) {
			t.Errorf("unit %d differs across file boundary", i)
		}
	}

	// Seeking in the logical concatenation works across the boundary.
	if err := r.Seek(Offset{Infile: int64(len(parts[0]))}); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	u, err := r.NextUnit()
	if err != nil {
		t.Fatalf("NextUnit after seek: %v", err)
	}
	if !bytes.Equal(u.Data, parts[1]) {
		t.Errorf("unit after seek differs")
	}
}
