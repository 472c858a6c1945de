// Package audio reads ADTS (AAC) audio streams frame by frame, for
// interleaving with video into transport streams.
package audio

import (
	"fmt"
	"io"
	"log/slog"
)

// Flags adjusting how ADTS headers are interpreted. MPEG-4 (ID 0)
// streams carry an emphasis field that MPEG-2 AAC streams do not;
// these override the deduction from the ID bit.
const (
	FlagNoEmphasis uint = 1 << iota
	FlagForceEmphasis
)

// adtsHeaderLen is just enough of the header to find the frame length.
const adtsHeaderLen = 6

// sampleRates maps the sampling_frequency_index to Hertz.
var sampleRates = [13]int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// Frame is one ADTS frame, header included.
type Frame struct {
	Posn int64
	Data []byte
}

// IsMPEG2 reports whether the frame's ID bit marks it as MPEG-2 AAC
// (as opposed to MPEG-4).
func (f *Frame) IsMPEG2() bool { return f.Data[1]&0x08 != 0 }

// Profile returns the 2-bit profile field.
func (f *Frame) Profile() byte { return (f.Data[2] & 0xC0) >> 6 }

// SampleRate returns the sampling rate in Hertz, or 0 if the
// sampling_frequency_index is reserved.
func (f *Frame) SampleRate() int {
	idx := (f.Data[2] & 0x3C) >> 2
	if int(idx) >= len(sampleRates) {
		return 0
	}
	return sampleRates[idx]
}

// ChannelConfig returns the 3-bit channel configuration field.
func (f *Frame) ChannelConfig() byte {
	return (f.Data[2]&0x01)<<2 | (f.Data[3]&0xC0)>>6
}

// FrameReader reads successive ADTS frames from a stream.
type FrameReader struct {
	r     io.Reader
	log   *slog.Logger
	flags uint
	posn  int64
}

// NewFrameReader creates an ADTS frame reader over r. If log is nil,
// slog.Default() is used.
func NewFrameReader(r io.Reader, flags uint, log *slog.Logger) *FrameReader {
	if log == nil {
		log = slog.Default()
	}
	return &FrameReader{r: r, log: log.With("component", "adts"), flags: flags}
}

func (fr *FrameReader) hasEmphasis(id int) bool {
	if fr.flags&FlagNoEmphasis != 0 {
		return false
	}
	return fr.flags&FlagForceEmphasis != 0 || id == 0
}

// Next reads the next ADTS frame. io.EOF signals a clean end of input;
// a frame cut short by end of file is an error.
func (fr *FrameReader) Next() (*Frame, error) {
	posn := fr.posn
	header := make([]byte, adtsHeaderLen)
	if _, err := io.ReadFull(fr.r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("audio: reading ADTS header at %d: %w", posn, err)
	}

	if header[0] != 0xFF || header[1]&0xF0 != 0xF0 {
		return nil, fmt.Errorf("audio: no ADTS syncword at %d, found %02x %02x"+
			" - lost synchronisation?", posn, header[0], header[1])
	}

	id := int(header[1]&0x08) >> 3
	layer := (header[1] & 0x06) >> 1
	if layer != 0 {
		fr.log.Warn("ADTS layer is not 0", "layer", layer, "posn", posn)
	}

	// MPEG-4 streams carry an emphasis field before the frame length,
	// shifting it two bits along.
	var frameLength int
	if fr.hasEmphasis(id) {
		frameLength = int(header[4])<<5 | int(header[5]&0xF8)>>3
	} else {
		frameLength = int(header[3]&0x03)<<11 | int(header[4])<<3 |
			int(header[5]&0xE0)>>5
	}
	if frameLength < adtsHeaderLen {
		return nil, fmt.Errorf("audio: ADTS frame at %d claims length %d",
			posn, frameLength)
	}

	data := make([]byte, frameLength)
	copy(data, header)
	if _, err := io.ReadFull(fr.r, data[adtsHeaderLen:]); err != nil {
		return nil, fmt.Errorf("audio: reading rest of ADTS frame at %d: %w",
			posn, err)
	}
	fr.posn += int64(frameLength)

	return &Frame{Posn: posn, Data: data}, nil
}
