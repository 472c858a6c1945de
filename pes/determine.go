package pes

import (
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/tsforge/mpegts"
	"github.com/zsiec/tsforge/ps"
)

// determinePackets is how many PS packets DeterminePSVideoType reads
// looking for a video packet before giving up.
const determinePackets = 100

// DeterminePSVideoType reads program stream packets from r until it
// finds a video packet, then decides the video type from the first
// start code in its payload: a sequence header 0xB3 means H.262, 0xB0
// means AVS, and a forbidden-zero NAL header byte means H.264. The
// reader is left mid-stream; Rewind before real use.
func DeterminePSVideoType(r *ps.Reader) (VideoType, error) {
	for i := 0; i < determinePackets; i++ {
		p, err := r.NextPacket()
		if errors.Is(err, io.EOF) {
			return VideoUnknown, nil
		}
		if err != nil {
			return VideoUnknown, fmt.Errorf("pes: determining video type: %w", err)
		}
		if !ps.IsVideoStream(p.StreamID) {
			continue
		}

		pes, err := mpegts.ParsePES(p.Data)
		if err != nil {
			return VideoUnknown, fmt.Errorf("pes: determining video type: %w", err)
		}
		data := pes.Data
		for j := 0; j+3 < len(data); j++ {
			if data[j] != 0x00 || data[j+1] != 0x00 || data[j+2] != 0x01 {
				continue
			}
			switch code := data[j+3]; {
			case code == 0xB3:
				return VideoH262, nil
			case code == 0xB0:
				return VideoAVS, nil
			case code&0x80 == 0:
				return VideoH264, nil
			}
			j += 3
		}
		return VideoUnknown, nil
	}
	return VideoUnknown, nil
}
