package pes

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/zsiec/tsforge/ps"
)

func psVideoPacket(esData []byte) []byte {
	pes := append([]byte{0x80, 0x00, 0x00}, esData...)
	pkt := []byte{0x00, 0x00, 0x01, 0xE0, byte(len(pes) >> 8), byte(len(pes))}
	return append(pkt, pes...)
}

func TestDeterminePSVideoType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		es   []byte
		want VideoType
	}{
		{"h262 sequence header", []byte{0x00, 0x00, 0x01, 0xB3, 0x12, 0x34}, VideoH262},
		{"avs sequence header", []byte{0x00, 0x00, 0x01, 0xB0, 0x12, 0x34}, VideoAVS},
		{"h264 sps", []byte{0x00, 0x00, 0x01, 0x67, 0x42, 0x00}, VideoH264},
		{"no start code", []byte{0xDE, 0xAD, 0xBE, 0xEF}, VideoUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stream []byte
			// An audio packet first, which must be skipped over.
			stream = append(stream, 0x00, 0x00, 0x01, 0xC0, 0x00, 0x02, 0xFF, 0xFB)
			stream = append(stream, psVideoPacket(tc.es)...)

			r := ps.NewReader(bytes.NewReader(stream), slog.New(slog.DiscardHandler))
			got, err := DeterminePSVideoType(r)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("type = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDeterminePSVideoTypeNoVideo(t *testing.T) {
	t.Parallel()

	stream := []byte{0x00, 0x00, 0x01, 0xC0, 0x00, 0x02, 0xFF, 0xFB}
	r := ps.NewReader(bytes.NewReader(stream), slog.New(slog.DiscardHandler))
	got, err := DeterminePSVideoType(r)
	if err != nil {
		t.Fatal(err)
	}
	if got != VideoUnknown {
		t.Errorf("type = %v, want VideoUnknown", got)
	}
}
