// Package ps implements MPEG-2 program stream reading: pack headers,
// system headers, PES-framed stream packets, and identification of the
// DVD substreams multiplexed into private_stream_1.
package ps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Program stream start codes (the byte after the 00 00 01 prefix).
const (
	StreamIDProgramEnd   byte = 0xB9
	StreamIDPackHeader   byte = 0xBA
	StreamIDSystemHeader byte = 0xBB
	StreamIDMap          byte = 0xBC
	StreamIDPrivate1     byte = 0xBD
	StreamIDPadding      byte = 0xBE
	StreamIDPrivate2     byte = 0xBF
	StreamIDDirectory    byte = 0xFF
)

// ErrBadPacketStart reports bytes that are not a 00 00 01 packet prefix.
var ErrBadPacketStart = errors.New("ps: packet does not start 00 00 01")

// PackHeader holds the timing fields of a pack header. MPEG-1 pack headers
// have their SCR fudged into H.222.0 base/extension form.
type PackHeader struct {
	SCRBase int64
	SCRExt  int64
	MuxRate uint32
	IsMPEG1 bool
}

// SCR returns the system clock reference in 27 MHz ticks.
func (h *PackHeader) SCR() int64 {
	return h.SCRBase*300 + h.SCRExt
}

// Packet is one program stream packet. For pack headers, Pack is set and
// Data is empty; for every other stream id, Data holds the entire packet
// including the 6 header bytes.
type Packet struct {
	StreamID byte
	Posn     int64
	Data     []byte
	Pack     *PackHeader
}

// PayloadLength returns the packet_length field.
func (p *Packet) PayloadLength() int {
	if len(p.Data) < 6 {
		return 0
	}
	return int(p.Data[4])<<8 | int(p.Data[5])
}

// Reader reads program stream packets sequentially, skipping stray zero
// bytes between packs and stopping cleanly at an MPEG_program_end_code.
type Reader struct {
	rs  io.ReadSeeker
	br  *bufio.Reader
	log *slog.Logger
	pos int64
}

// NewReader creates a program stream reader over rs. If log is nil,
// slog.Default() is used.
func NewReader(rs io.ReadSeeker, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		rs:  rs,
		br:  bufio.NewReaderSize(rs, 64*1024),
		log: log.With("component", "ps-reader"),
	}
}

// Reposition moves the reader to an absolute byte offset.
func (r *Reader) Reposition(posn int64) error {
	if _, err := r.rs.Seek(posn, io.SeekStart); err != nil {
		return fmt.Errorf("ps: seek to %d: %w", posn, err)
	}
	r.br.Reset(r.rs)
	r.pos = posn
	return nil
}

// Rewind returns the reader to the start of the stream.
func (r *Reader) Rewind() error {
	return r.Reposition(0)
}

func (r *Reader) readBytes(buf []byte) error {
	n, err := io.ReadFull(r.br, buf)
	r.pos += int64(n)
	return err
}

// NextPacket reads the next program stream packet. Pack headers are
// returned with their timing fields parsed and any stuffing consumed;
// an MPEG_program_end_code (or physical end of file) yields io.EOF.
func (r *Reader) NextPacket() (*Packet, error) {
	var buf [4]byte
	posn := r.pos
	if err := r.readBytes(buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ps: reading packet start: %w", err)
	}

	// Runs of 00 bytes between packs are common (after audio packs in
	// particular); skip them quietly.
	if buf[0] == 0 && buf[1] == 0 && buf[2] == 0 {
		skipped := 0
		for buf[2] == 0 {
			buf[2] = buf[3]
			if err := r.readBytes(buf[3:4]); err != nil {
				if errors.Is(err, io.EOF) {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("ps: skipping 00 bytes before packet: %w", err)
			}
			skipped++
			posn++
		}
		if skipped > 0 {
			r.log.Debug("skipped zero bytes before packet", "at", posn, "count", skipped)
		}
	}

	if buf[0] != 0 || buf[1] != 0 || buf[2] != 1 {
		return nil, fmt.Errorf("%w at offset %d (found %02X %02X %02X)",
			ErrBadPacketStart, posn, buf[0], buf[1], buf[2])
	}

	streamID := buf[3]
	switch streamID {
	case StreamIDProgramEnd:
		r.log.Debug("stopping at MPEG_program_end_code", "at", posn)
		return nil, io.EOF
	case StreamIDPackHeader:
		hdr, err := r.readPackHeaderBody()
		if err != nil {
			return nil, err
		}
		return &Packet{StreamID: streamID, Posn: posn, Pack: hdr}, nil
	default:
		return r.readPacketBody(streamID, posn)
	}
}

// readPacketBody reads the packet length and payload, reconstructing the
// leading six bytes so Data can be written back out verbatim.
func (r *Reader) readPacketBody(streamID byte, posn int64) (*Packet, error) {
	var lenBuf [2]byte
	if err := r.readBytes(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("ps: reading packet length: %w", errUnexpectedEOF(err))
	}
	packetLength := int(lenBuf[0])<<8 | int(lenBuf[1])

	// A zero length is only allowed within a transport stream.
	if packetLength == 0 {
		return nil, fmt.Errorf("ps: packet at %d has length 0", posn)
	}

	data := make([]byte, packetLength+6)
	data[0], data[1], data[2] = 0, 0, 1
	data[3] = streamID
	data[4], data[5] = lenBuf[0], lenBuf[1]
	if err := r.readBytes(data[6:]); err != nil {
		return nil, fmt.Errorf("ps: reading packet data: %w", errUnexpectedEOF(err))
	}

	return &Packet{StreamID: streamID, Posn: posn, Data: data}, nil
}

// readPackHeaderBody reads the body of a pack header, handling both the
// MPEG-1 (8-byte) and H.222.0 (10-byte plus stuffing) layouts.
func (r *Reader) readPackHeaderBody() (*PackHeader, error) {
	var data [10]byte
	if err := r.readBytes(data[:8]); err != nil {
		return nil, fmt.Errorf("ps: reading pack header body: %w", errUnexpectedEOF(err))
	}

	hdr := &PackHeader{}
	if data[0]&0xF0 == 0x20 {
		// ISO/IEC 11172-1 (MPEG-1) layout: a 90 kHz SCR, scaled up so
		// later consumers can treat it as H.222.0.
		hdr.IsMPEG1 = true
		scr := int64(data[0]&0x09)<<29 |
			int64(data[1])<<22 |
			int64(data[2]&0xFE)<<14 |
			int64(data[3])<<7 |
			int64(data[4]&0xFE)>>1
		hdr.SCRBase = scr
		hdr.SCRExt = 0
		hdr.MuxRate = uint32(data[5]&0x7F)<<15 |
			uint32(data[6])<<7 |
			uint32(data[7]&0xFE)>>1
		return hdr, nil
	}

	if err := r.readBytes(data[8:10]); err != nil {
		return nil, fmt.Errorf("ps: reading pack header tail: %w", errUnexpectedEOF(err))
	}
	hdr.SCRBase = int64(data[0]&0x38)<<27 |
		int64(data[0]&0x03)<<28 |
		int64(data[1])<<20 |
		int64(data[2]&0xF8)<<12 |
		int64(data[2]&0x03)<<13 |
		int64(data[3])<<5 |
		int64(data[4]&0xF8)>>3
	hdr.SCRExt = int64(data[4]&0x03)<<7 | int64(data[5])>>1
	hdr.MuxRate = uint32(data[6])<<14 | uint32(data[7])<<6 | uint32(data[8])>>2

	if stuffing := int(data[9] & 0x07); stuffing > 0 {
		var dummy [7]byte
		if err := r.readBytes(dummy[:stuffing]); err != nil {
			return nil, fmt.Errorf("ps: reading pack header stuffing: %w", errUnexpectedEOF(err))
		}
	}
	return hdr, nil
}

func errUnexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// IsVideoStream reports whether the stream id is in the video range.
func IsVideoStream(id byte) bool {
	return id >= 0xE0 && id <= 0xEF
}

// IsAudioStream reports whether the stream id is an MPEG audio stream.
func IsAudioStream(id byte) bool {
	return id >= 0xC0 && id <= 0xDF
}
