package mpegts

import (
	"fmt"
	"io"
	"log/slog"
)

// Timing carries the optional timestamp information for a PES packet being
// written out as transport stream packets.
type Timing struct {
	HasPTS bool
	PTS    uint64
	HasDTS bool
	DTS    uint64
	HasPCR bool
	PCR    ClockReference
}

// StreamEntry is one elementary stream announced by a PMT. Descriptors,
// if set, holds raw ES descriptor bytes to carry in the PMT entry.
type StreamEntry struct {
	PID         uint16
	StreamType  uint8
	Descriptors []byte
}

// ProgramConfig describes the single program announced by WriteProgramData.
type ProgramConfig struct {
	TransportStreamID uint16
	ProgramNumber     uint16
	PMTPID            uint16
	PCRPID            uint16
	Streams           []StreamEntry
}

// Writer emits 188-byte transport stream packets, keeping one continuity
// counter per PID. It wraps elementary stream data in PES packets, splits
// them over as many transport packets as needed, and pads short payloads
// with stuffing adaptation fields so every packet is exactly 188 bytes.
type Writer struct {
	w   io.Writer
	log *slog.Logger
	cc  map[uint16]byte

	// PacketsWritten counts every transport packet emitted, null and PSI
	// packets included.
	PacketsWritten int64
}

// WriterOpt configures a Writer.
type WriterOpt func(*Writer)

// WriterOptLogger sets the logger; nil means slog.Default().
func WriterOptLogger(log *slog.Logger) WriterOpt {
	return func(w *Writer) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWriter creates a transport stream packet writer over w.
func NewWriter(w io.Writer, opts ...WriterOpt) *Writer {
	tw := &Writer{
		w:   w,
		log: slog.Default(),
		cc:  make(map[uint16]byte),
	}
	for _, opt := range opts {
		opt(tw)
	}
	tw.log = tw.log.With("component", "ts-writer")
	return tw
}

// nextCC returns the continuity counter to use for the next packet on pid,
// wrapping from 15 back to 0.
func (w *Writer) nextCC(pid uint16) byte {
	cc, ok := w.cc[pid]
	if !ok {
		w.cc[pid] = 0
		return 0
	}
	cc = (cc + 1) & 0x0F
	w.cc[pid] = cc
	return cc
}

// WritePacket writes one already-formed 188-byte packet.
func (w *Writer) WritePacket(pkt []byte) error {
	if len(pkt) != PacketSize {
		return fmt.Errorf("mpegts: packet is %d bytes, not %d", len(pkt), PacketSize)
	}
	if pkt[0] != syncByte {
		return fmt.Errorf("mpegts: packet does not start with sync byte")
	}
	if _, err := w.w.Write(pkt); err != nil {
		return fmt.Errorf("mpegts: write packet: %w", err)
	}
	w.PacketsWritten++
	return nil
}

// WriteES wraps data in a PES packet with the given stream id and timing,
// and writes it out as transport packets on pid.
func (w *Writer) WriteES(pid uint16, streamID uint8, data []byte, t Timing) error {
	hdr := BuildPESHeader(len(data), streamID, t.HasPTS, t.PTS, t.HasDTS, t.DTS)
	return w.writePESPackets(pid, hdr, data, t)
}

// WritePES writes an already-formed PES packet out as transport packets
// on pid.
func (w *Writer) WritePES(pid uint16, data []byte, t Timing) error {
	return w.writePESPackets(pid, nil, data, t)
}

// writePESPackets splits a PES header plus data over transport packets.
// The first packet carries the payload unit start indicator and, when a
// PCR is supplied, an adaptation field holding it. Short payloads are
// padded with 0xFF stuffing inside the adaptation field. Continuation
// packets carry neither PUSI nor PES header.
func (w *Writer) writePESPackets(pid uint16, pesHdr, data []byte, t Timing) error {
	if pid < 0x0010 || pid > 0x1FFE {
		return fmt.Errorf("mpegts: PID 0x%03X is outside the legal range for stream data", pid)
	}

	start := true
	for {
		pkt := make([]byte, 0, PacketSize)
		pesDataLen := len(pesHdr) + len(data)

		flags := byte(pid >> 8)
		if start {
			flags |= 0x40 // payload unit start
		}
		pkt = append(pkt, syncByte, flags, byte(pid))

		var spaceLeft int
		switch {
		case start && t.HasPCR:
			// Adaptation field carrying the PCR.
			pkt = append(pkt, 0x30|w.nextCC(pid))
			base, ext := uint64(t.PCR.Base), uint64(t.PCR.Extension)
			pkt = append(pkt,
				7,    // adaptation field length, grows with any stuffing
				0x10, // PCR flag
				byte(base>>25),
				byte(base>>17),
				byte(base>>9),
				byte(base>>1),
				byte(base&1)<<7|0x7E|byte(ext>>8),
				byte(ext))
			spaceLeft = maxPayloadSize - 8
		case pesDataLen < maxPayloadSize:
			// Too short to fill the payload: pad with an adaptation field.
			pkt = append(pkt, 0x30|w.nextCC(pid))
			if pesDataLen == maxPayloadSize-1 {
				pkt = append(pkt, 0) // length-only adaptation field
				spaceLeft = maxPayloadSize - 1
			} else {
				pkt = append(pkt, 1, 0)
				spaceLeft = maxPayloadSize - 2
			}
		default:
			// Fits exactly or needs continuation packets: payload only.
			pkt = append(pkt, 0x10|w.nextCC(pid))
			spaceLeft = maxPayloadSize
		}

		// Stuff out the adaptation field if the data still falls short.
		if pkt[3]&0x20 != 0 && pesDataLen < spaceLeft {
			pad := spaceLeft - pesDataLen
			for i := 0; i < pad; i++ {
				pkt = append(pkt, 0xFF)
			}
			pkt[4] += byte(pad)
			spaceLeft -= pad
		}

		pkt = append(pkt, pesHdr...)
		take := spaceLeft - len(pesHdr)
		if take > len(data) {
			take = len(data)
		}
		pkt = append(pkt, data[:take]...)

		if len(pkt) != PacketSize {
			return fmt.Errorf("mpegts: assembled packet is %d bytes, not %d", len(pkt), PacketSize)
		}
		if _, err := w.w.Write(pkt); err != nil {
			return fmt.Errorf("mpegts: write packet: %w", err)
		}
		w.PacketsWritten++

		data = data[take:]
		if len(data) == 0 {
			return nil
		}
		pesHdr = nil
		start = false
		t = Timing{}
	}
}

// WriteProgramData writes a PAT and PMT for a single program. Writing the
// same configuration again produces byte-identical sections (the version
// number is fixed), so receivers see no table change.
func (w *Writer) WriteProgramData(cfg ProgramConfig) error {
	pat, err := BuildPATSection(cfg.TransportStreamID, []*PATProgram{
		{ProgramNumber: cfg.ProgramNumber, ProgramMapID: cfg.PMTPID},
	})
	if err != nil {
		return err
	}
	if err := w.writeSection(PIDPAT, pat); err != nil {
		return fmt.Errorf("mpegts: write PAT: %w", err)
	}

	pmtPCR := cfg.PCRPID
	if pmtPCR == 0 && len(cfg.Streams) > 0 {
		pmtPCR = cfg.Streams[0].PID
	}
	pmtData := &PMTData{
		ProgramNumber: cfg.ProgramNumber,
		PCRPID:        pmtPCR,
	}
	for _, s := range cfg.Streams {
		if s.PID == cfg.PMTPID {
			return fmt.Errorf("mpegts: PMT PID 0x%03X collides with a stream PID", s.PID)
		}
		pmtData.ElementaryStreams = append(pmtData.ElementaryStreams, &PMTElementaryStream{
			ElementaryPID: s.PID,
			StreamType:    s.StreamType,
			Descriptors:   s.Descriptors,
		})
	}
	if cfg.PMTPID < 0x0010 || cfg.PMTPID > 0x1FFE {
		return fmt.Errorf("mpegts: PMT PID 0x%03X is outside the legal range", cfg.PMTPID)
	}
	pmt, err := BuildPMTSection(pmtData)
	if err != nil {
		return err
	}
	if err := w.writeSection(cfg.PMTPID, pmt); err != nil {
		return fmt.Errorf("mpegts: write PMT: %w", err)
	}
	return nil
}

// writeSection writes a PSI section into a single transport packet. The
// pointer field is inflated so that 0xFF fill bytes come before the
// section and the section's last byte lands at the end of the packet.
func (w *Writer) writeSection(pid uint16, section []byte) error {
	if len(section) > PacketSize-5 {
		return fmt.Errorf("mpegts: section of %d bytes does not fit one packet", len(section))
	}

	pkt := make([]byte, 0, PacketSize)
	pkt = append(pkt, syncByte, 0x40|byte(pid>>8), byte(pid), 0x10|w.nextCC(pid))

	pointer := PacketSize - 5 - len(section)
	pkt = append(pkt, byte(pointer))
	for i := 0; i < pointer; i++ {
		pkt = append(pkt, 0xFF)
	}
	pkt = append(pkt, section...)

	if _, err := w.w.Write(pkt); err != nil {
		return fmt.Errorf("mpegts: write section packet: %w", err)
	}
	w.PacketsWritten++
	return nil
}

// WriteNullPackets writes n null packets (PID 0x1FFF) with 0xFF payload.
func (w *Writer) WriteNullPackets(n int) error {
	pkt := make([]byte, PacketSize)
	pkt[0] = syncByte
	pkt[1] = byte(PIDNull >> 8)
	pkt[2] = byte(PIDNull & 0xFF)
	for i := 4; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	for i := 0; i < n; i++ {
		// Null packet continuity counters are ignored by receivers but we
		// keep ours ticking anyway.
		pkt[3] = 0x10 | w.nextCC(PIDNull)
		if _, err := w.w.Write(pkt); err != nil {
			return fmt.Errorf("mpegts: write null packet: %w", err)
		}
		w.PacketsWritten++
	}
	return nil
}
