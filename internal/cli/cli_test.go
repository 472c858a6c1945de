package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zsiec/tsforge/h262"
	"github.com/zsiec/tsforge/mpegts"
)

// H.262 fixture bytes: a sequence header, pictures with one slice each.

func seqHeader262() []byte {
	return []byte{0x00, 0x00, 0x01, 0xB3,
		0x2D, 0x01, 0xE0, 0x20, 0x00, 0x00, 0x00, 0x00}
}

func picture262(temporalRef int, codingType byte) []byte {
	b4 := byte(temporalRef >> 2)
	b5 := byte(temporalRef&0x3)<<6 | codingType<<3
	pic := []byte{0x00, 0x00, 0x01, 0x00, b4, b5, 0xFF, 0xF8}
	return append(pic, 0x00, 0x00, 0x01, 0x01, 0x5A, 0x5A, 0x5A, 0x5A)
}

func h262Fixture(t *testing.T) string {
	t.Helper()
	var stream []byte
	stream = append(stream, seqHeader262()...)
	// A GOP header both makes the stream realistic and lets the video
	// type sniffer settle on H.262.
	stream = append(stream, 0x00, 0x00, 0x01, 0xB8, 0x00, 0x08, 0x00, 0x40)
	stream = append(stream, picture262(0, h262.PictureCodingI)...)
	stream = append(stream, picture262(1, h262.PictureCodingP)...)
	stream = append(stream, picture262(2, h262.PictureCodingB)...)
	stream = append(stream, picture262(3, h262.PictureCodingI)...)
	stream = append(stream, picture262(4, h262.PictureCodingP)...)
	stream = append(stream, 0x00, 0x00, 0x01, 0xB7)

	path := filepath.Join(t.TempDir(), "in.es")
	if err := os.WriteFile(path, stream, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes the command tree with args, returning its stdout text.
func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--quiet"))
	if err := root.Execute(); err != nil {
		t.Fatalf("tsforge %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestES2TSAndBack(t *testing.T) {
	in := h262Fixture(t)
	dir := t.TempDir()
	ts := filepath.Join(dir, "out.ts")
	back := filepath.Join(dir, "back.es")

	out := run(t, "es2ts", in, ts)
	if !strings.Contains(out, "H.262") {
		t.Errorf("es2ts output = %q, want the video type named", out)
	}

	data, err := os.ReadFile(ts)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 || len(data)%mpegts.PacketSize != 0 {
		t.Fatalf("TS output is %d bytes, want a positive multiple of %d",
			len(data), mpegts.PacketSize)
	}

	run(t, "ts2es", ts, back)
	got, err := os.ReadFile(back)
	if err != nil {
		t.Fatal(err)
	}
	want, err := os.ReadFile(in)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("round-tripped ES differs: got %d bytes, want %d", len(got), len(want))
	}
}

func TestESFilterStrip(t *testing.T) {
	in := h262Fixture(t)
	outPath := filepath.Join(t.TempDir(), "out.es")

	out := run(t, "esfilter", in, outPath)
	if !strings.Contains(out, "Kept 2 of 5 frames") {
		t.Errorf("esfilter output = %q, want 2 of 5 kept", out)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	// Both kept frames are I pictures; only the first carries the
	// sequence header.
	if n := bytes.Count(data, []byte{0x00, 0x00, 0x01, 0xB3}); n != 1 {
		t.Errorf("output has %d sequence headers, want 1", n)
	}
	if n := bytes.Count(data, []byte{0x00, 0x00, 0x01, 0x00}); n != 2 {
		t.Errorf("output has %d picture headers, want 2", n)
	}
}

func TestESFilterAllRef(t *testing.T) {
	in := h262Fixture(t)
	outPath := filepath.Join(t.TempDir(), "out.es")

	out := run(t, "esfilter", "--allref", in, outPath)
	if !strings.Contains(out, "Kept 4 of 5 frames") {
		t.Errorf("esfilter --allref output = %q, want 4 of 5 kept", out)
	}
}

func TestESReverse(t *testing.T) {
	in := h262Fixture(t)
	outPath := filepath.Join(t.TempDir(), "out.es")

	out := run(t, "esreverse", in, outPath)
	if !strings.Contains(out, "Remembered 2 of 5 frames, wrote 2 in reverse") {
		t.Errorf("esreverse output = %q", out)
	}
}

func TestESReport(t *testing.T) {
	in := h262Fixture(t)
	out := run(t, "esreport", in)
	if !strings.Contains(out, "Found 5 MPEG-2 pictures") {
		t.Errorf("esreport output = %q", out)
	}
	if !strings.Contains(out, "2 I, 2 P, 1 B") {
		t.Errorf("esreport output = %q, want the coding type counts", out)
	}
}

func TestESReportUnits(t *testing.T) {
	in := h262Fixture(t)
	out := run(t, "esreport", "--units", in)
	// Sequence header, GOP header, 5 pictures of 2 units each,
	// sequence end.
	if !strings.Contains(out, "Found 13 ES units") {
		t.Errorf("esreport --units output = %q", out)
	}
}

func TestESDots(t *testing.T) {
	in := h262Fixture(t)
	out := run(t, "esdots", in)
	if !strings.Contains(out, "[>ipbip]") {
		t.Errorf("esdots output = %q, want the dot rendering", out)
	}
}

func TestTSInfo(t *testing.T) {
	in := h262Fixture(t)
	dir := t.TempDir()
	ts := filepath.Join(dir, "out.ts")
	run(t, "es2ts", in, ts)

	out := run(t, "tsinfo", ts)
	if !strings.Contains(out, "PAT:") {
		t.Errorf("tsinfo output = %q, want a PAT report", out)
	}
	if !strings.Contains(out, "MPEG-2 video") {
		t.Errorf("tsinfo output = %q, want the stream type named", out)
	}
}

func TestTSPlay(t *testing.T) {
	in := h262Fixture(t)
	dir := t.TempDir()
	ts := filepath.Join(dir, "out.ts")
	run(t, "es2ts", in, ts)

	played := filepath.Join(dir, "played.ts")
	out := run(t, "tsplay", ts, played)
	if !strings.Contains(out, "Played ") {
		t.Errorf("tsplay output = %q", out)
	}

	got, err := os.ReadFile(played)
	if err != nil {
		t.Fatal(err)
	}
	want, err := os.ReadFile(ts)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("played stream differs from the input: %d bytes vs %d", len(got), len(want))
	}
}
