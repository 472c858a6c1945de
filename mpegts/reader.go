package mpegts

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrSyncLost reports that packet alignment could not be recovered by
// scanning forward for a sync byte.
var ErrSyncLost = errors.New("mpegts: sync byte not found")

// resyncWindow is how many bytes we will scan for a 0x47 before giving up.
const resyncWindow = 5 * PacketSize

// PacketReader reads transport stream packets sequentially from an
// io.Reader, reporting the byte position of each packet and recovering
// alignment after sync loss by scanning forward for the next sync byte.
type PacketReader struct {
	r   io.Reader
	log *slog.Logger
	pos int64
	buf [PacketSize]byte
}

// NewPacketReader creates a PacketReader over r. If log is nil,
// slog.Default() is used.
func NewPacketReader(r io.Reader, log *slog.Logger) *PacketReader {
	if log == nil {
		log = slog.Default()
	}
	return &PacketReader{
		r:   r,
		log: log.With("component", "ts-reader"),
	}
}

// NewPacketReaderAt creates a PacketReader over r whose position
// reporting starts at pos. Use it when r has already been seeked
// mid-stream.
func NewPacketReaderAt(r io.Reader, pos int64, log *slog.Logger) *PacketReader {
	pr := NewPacketReader(r, log)
	pr.pos = pos
	return pr
}

// Position returns the byte offset of the next packet to be read.
func (pr *PacketReader) Position() int64 {
	return pr.pos
}

// Next reads the next 188-byte packet, returning the parsed packet and the
// byte offset at which it started. io.EOF is returned at a clean end of
// stream; a trailing short packet yields io.ErrUnexpectedEOF.
func (pr *PacketReader) Next() (*Packet, int64, error) {
	for {
		start := pr.pos
		n, err := io.ReadFull(pr.r, pr.buf[:])
		pr.pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, start, io.EOF
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, start, io.ErrUnexpectedEOF
			}
			return nil, start, fmt.Errorf("mpegts: read packet: %w", err)
		}

		if pr.buf[0] != syncByte {
			if err := pr.resync(start); err != nil {
				return nil, start, err
			}
			continue
		}

		pkt, err := parsePacket(pr.buf[:])
		if err != nil {
			return nil, start, err
		}
		return pkt, start, nil
	}
}

// resync scans forward within the already-read buffer and then the stream
// for the next sync byte, leaving the reader aligned on it.
func (pr *PacketReader) resync(at int64) error {
	scanned := 0

	// First look inside the buffer we already have.
	for i := 1; i < PacketSize; i++ {
		if pr.buf[i] == syncByte {
			pr.log.Warn("regained packet sync", "at", at, "skipped", i)
			// Pull in the rest of the packet that starts mid-buffer.
			tail := PacketSize - i
			copy(pr.buf[:tail], pr.buf[i:])
			n, err := io.ReadFull(pr.r, pr.buf[tail:])
			pr.pos += int64(n)
			if err != nil {
				return fmt.Errorf("mpegts: refill after resync: %w", err)
			}
			return pr.pushBack()
		}
	}
	scanned += PacketSize

	one := make([]byte, 1)
	for scanned < resyncWindow {
		n, err := pr.r.Read(one)
		pr.pos += int64(n)
		if err != nil {
			return fmt.Errorf("mpegts: scanning for sync byte: %w", err)
		}
		if n == 0 {
			continue
		}
		scanned++
		if one[0] == syncByte {
			pr.log.Warn("regained packet sync", "at", at, "skipped", scanned)
			pr.buf[0] = syncByte
			n, err := io.ReadFull(pr.r, pr.buf[1:])
			pr.pos += int64(n)
			if err != nil {
				return fmt.Errorf("mpegts: refill after resync: %w", err)
			}
			return pr.pushBack()
		}
	}

	return fmt.Errorf("%w (gave up after %d bytes at offset %d)", ErrSyncLost, scanned, at)
}

// pushBack arranges for the packet currently in buf to be returned by the
// next call to Next.
func (pr *PacketReader) pushBack() error {
	pr.r = io.MultiReader(newBufReader(pr.buf[:]), pr.r)
	pr.pos -= PacketSize
	return nil
}

type bufReader struct {
	data []byte
}

func newBufReader(data []byte) *bufReader {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &bufReader{data: cp}
}

func (b *bufReader) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}
