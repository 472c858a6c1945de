package es

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsforge/pes"
)

// ErrNoStartCode reports that a stream contained data but no 00 00 01
// start code prefix was ever found in it.
var ErrNoStartCode = errors.New("es: no start code prefix found")

// readAheadSize is how much raw ES data is pulled in per read.
const readAheadSize = 4096

// Unit is one ES unit: a 00 00 01 start code prefix, the start code
// byte, and everything up to (but excluding) the next prefix. Data
// includes the prefix itself, so the sum of unit lengths over a stream
// equals the bytes between the first prefix and the end of the stream.
type Unit struct {
	StartPosn Offset
	StartCode byte
	Data      []byte

	// PESHadPTS is set when reading over PES and any PES packet the
	// unit was carried in had a PTS.
	PESHadPTS bool
}

// Reader scans an elementary stream into units. It reads either a raw
// byte stream or the video ES data of a PES reader, carrying the last
// two bytes seen across buffer and packet boundaries so that start code
// prefixes split across them are still found.
type Reader struct {
	log *slog.Logger

	// Raw mode.
	file    io.ReadSeeker
	readBuf []byte
	bufPosn int64 // file position of buf[0]

	// PES mode.
	pes       *pes.Reader
	curPosn   int64 // position of the current PES packet
	curHasPTS bool
	lastPosn  int64 // previous packet, for prefixes spanning packets
	lastLen   int

	buf []byte
	idx int

	prev2, prev1, cur byte
	next              Offset

	sawUnit bool
	scanned bool
}

// NewReader creates a Reader over raw elementary stream bytes. If log
// is nil, slog.Default() is used.
func NewReader(rs io.ReadSeeker, log *slog.Logger) *Reader {
	r := newReader(log)
	r.file = rs
	r.readBuf = make([]byte, readAheadSize)
	return r
}

// NewPESReader creates a Reader over the video ES data carried in pr's
// PES packets. Non-video packets are skipped.
func NewPESReader(pr *pes.Reader, log *slog.Logger) *Reader {
	r := newReader(log)
	r.pes = pr
	return r
}

func newReader(log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		log:   log.With("component", "es-reader"),
		prev2: 0xFF,
		prev1: 0xFF,
		cur:   0xFF,
	}
}

// PES returns the underlying PES reader, or nil for raw input.
func (r *Reader) PES() *pes.Reader { return r.pes }

// PosnOfNextByte returns the position of the next ES byte to be read.
func (r *Reader) PosnOfNextByte() Offset { return r.next }

// refill replaces the scan buffer with the next chunk of ES data,
// returning io.EOF when there is none.
func (r *Reader) refill() error {
	if r.pes == nil {
		n, err := r.file.Read(r.readBuf)
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("es: reading stream: %w", err)
		}
		r.bufPosn += int64(len(r.buf))
		r.buf = r.readBuf[:n]
		r.idx = 0
		return nil
	}
	return r.nextPESPacket()
}

// nextPESPacket advances to the next video PES packet with ES data.
func (r *Reader) nextPESPacket() error {
	if r.buf != nil {
		r.lastPosn = r.curPosn
		r.lastLen = len(r.buf)
	}
	for {
		pkt, err := r.pes.Next()
		if err != nil {
			return err
		}
		if !pkt.IsVideo {
			continue
		}
		data, err := pkt.ES()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		hasPTS, _, _, _, err := pkt.Timing()
		if err != nil {
			r.log.Warn("bad PES timing info", "at", pkt.Posn, "err", err)
			hasPTS = false
		}
		r.curPosn = pkt.Posn
		r.curHasPTS = hasPTS
		r.buf = data
		r.idx = 0
		r.next = Offset{Infile: pkt.Posn}
		return nil
	}
}

// findStart scans for the next 00 00 01 prefix, recording where the
// unit began.
func (r *Reader) findStart(u *Unit) error {
	prev2, prev1 := r.prev2, r.prev1
	for {
		for r.idx < len(r.buf) {
			b := r.buf[r.idx]
			r.scanned = true
			if prev2 == 0x00 && prev1 == 0x00 && b == 0x01 {
				r.prev2, r.prev1, r.cur = 0x00, 0x00, 0x01
				if r.pes == nil {
					u.StartPosn = Offset{Infile: r.bufPosn + int64(r.idx) - 2}
				} else {
					u.StartPosn = Offset{Infile: r.curPosn, Inpacket: r.idx - 2}
					if u.StartPosn.Inpacket < 0 {
						// The prefix began in the previous packet.
						u.StartPosn.Infile = r.lastPosn
						u.StartPosn.Inpacket += r.lastLen
					}
					u.PESHadPTS = r.curHasPTS
				}
				r.idx++
				u.Data = append(u.Data[:0], 0x00, 0x00, 0x01)
				return nil
			}
			prev2, prev1 = prev1, b
			r.idx++
		}
		if err := r.refill(); err != nil {
			if errors.Is(err, io.EOF) && !r.sawUnit && r.scanned {
				return fmt.Errorf("%w", ErrNoStartCode)
			}
			return err
		}
	}
}

// findEnd reads unit data up to, but excluding, the next start code
// prefix. End of stream ends the unit cleanly.
func (r *Reader) findEnd(u *Unit) error {
	prev1 := r.cur
	prev2 := r.prev1
	for {
		for r.idx < len(r.buf) {
			b := r.buf[r.idx]
			if prev2 == 0x00 && prev1 == 0x00 && b == 0x01 {
				// Leave idx on the 01 so findStart sees it next.
				r.prev2 = 0x00
				r.cur = 0x01
				u.Data = u.Data[:len(u.Data)-2]
				if r.pes == nil {
					r.next = Offset{Infile: r.bufPosn + int64(r.idx) - 2}
				} else {
					r.next = Offset{Infile: r.curPosn, Inpacket: r.idx - 2}
				}
				return nil
			}
			u.Data = append(u.Data, b)
			prev2, prev1 = prev1, b
			r.idx++
		}
		err := r.refill()
		if errors.Is(err, io.EOF) {
			r.prev2, r.prev1, r.cur = prev2, prev1, 0xFF
			if r.pes == nil {
				r.next = Offset{Infile: r.bufPosn + int64(len(r.buf))}
			} else {
				r.next.Inpacket = r.idx
			}
			return nil
		}
		if err != nil {
			return err
		}
		if r.pes != nil {
			r.next.Infile = r.curPosn
			if r.curHasPTS {
				u.PESHadPTS = true
			}
		}
	}
}

// NextUnit finds and returns the next ES unit. io.EOF is returned when
// the stream is exhausted; a non-empty stream with no start code at all
// yields ErrNoStartCode.
func (r *Reader) NextUnit() (*Unit, error) {
	u := &Unit{}
	if err := r.findStart(u); err != nil {
		return nil, err
	}
	if err := r.findEnd(u); err != nil {
		return nil, err
	}
	u.StartCode = u.Data[3]
	r.sawUnit = true
	return u, nil
}

// Seek repositions the reader at where, which is assumed to be the
// position of a start code prefix obtained from an earlier unit.
func (r *Reader) Seek(where Offset) error {
	if r.pes == nil {
		if _, err := r.file.Seek(where.Infile, io.SeekStart); err != nil {
			return fmt.Errorf("es: seek to %d: %w", where.Infile, err)
		}
		r.buf = nil
		r.idx = 0
		r.bufPosn = where.Infile
	} else {
		if err := r.pes.Reposition(where.Infile); err != nil {
			return err
		}
		r.buf = nil
		r.lastPosn, r.lastLen = 0, 0
		if err := r.nextPESPacket(); err != nil {
			return fmt.Errorf("es: reading PES packet at %d: %w", where.Infile, err)
		}
		if where.Inpacket > len(r.buf) {
			return fmt.Errorf("es: seek to %d/%d: packet ES data is only %d bytes",
				where.Infile, where.Inpacket, len(r.buf))
		}
		r.idx = where.Inpacket
	}
	r.next = where
	r.prev2, r.prev1, r.cur = 0xFF, 0xFF, 0xFF
	return nil
}

// ReadData seeks to start and reads n ES bytes, crossing PES packet
// boundaries as needed. It is intended for re-reading a run of units
// whose bounds were remembered earlier.
func (r *Reader) ReadData(start Offset, n int) ([]byte, error) {
	if err := r.Seek(start); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if r.pes == nil {
		if _, err := io.ReadFull(r.file, data); err != nil {
			return nil, fmt.Errorf("es: reading %d bytes at %d: %w", n, start.Infile, err)
		}
		r.bufPosn = start.Infile + int64(n)
		r.next = Offset{Infile: r.bufPosn}
	} else {
		offset := 0
		for {
			left := len(r.buf) - r.idx
			want := n - offset
			if left >= want {
				copy(data[offset:], r.buf[r.idx:r.idx+want])
				r.idx += want
				break
			}
			copy(data[offset:], r.buf[r.idx:])
			offset += left
			if err := r.nextPESPacket(); err != nil {
				return nil, fmt.Errorf("es: reading %d bytes from PES: %w", n, err)
			}
		}
		r.next = Offset{Infile: r.curPosn, Inpacket: r.idx}
	}
	r.prev2, r.prev1, r.cur = 0xFF, 0xFF, 0xFF
	return data, nil
}

// TailOfPESPacket returns the ES data remaining in the current PES
// packet, prefixed by the three bytes of scan context (normally the
// 00 00 01 already consumed from it). Only meaningful when reading over
// PES and after at least one unit has been read.
func (r *Reader) TailOfPESPacket() ([]byte, error) {
	if r.pes == nil {
		return nil, fmt.Errorf("es: input is raw ES, not PES")
	}
	if r.buf == nil {
		return nil, nil
	}
	data := make([]byte, 0, len(r.buf)-r.idx+3)
	data = append(data, r.prev2, r.prev1, r.cur)
	data = append(data, r.buf[r.idx:]...)
	return data, nil
}
