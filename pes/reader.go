package pes

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsforge/mpegts"
	"github.com/zsiec/tsforge/ps"
)

// probePackets is how many transport packets IsTransportStream checks
// before deciding.
const probePackets = 100

// IsTransportStream reports whether rs looks like transport stream data,
// by checking for sync bytes at 188-byte intervals. The reader is
// rewound afterwards.
func IsTransportStream(rs io.ReadSeeker) (bool, error) {
	buf := make([]byte, probePackets*mpegts.PacketSize)
	n, err := io.ReadFull(rs, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false, fmt.Errorf("pes: probing for transport stream: %w", err)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("pes: rewinding after probe: %w", err)
	}
	if n < mpegts.PacketSize {
		return false, nil
	}
	for off := 0; off+mpegts.PacketSize <= n; off += mpegts.PacketSize {
		if buf[off] != 0x47 {
			return false, nil
		}
	}
	return true, nil
}

// partial is a PES packet under assembly from transport stream packets.
type partial struct {
	posn     int64
	streamID byte
	isVideo  bool
	expected int // 0 means unbounded, ended by the next PUSI or EOF
	data     []byte
}

// sectionAssembler accumulates a PSI section that may span several
// transport packets.
type sectionAssembler struct {
	buf      []byte
	expected int
	active   bool
}

func (a *sectionAssembler) add(payload []byte, pusi bool) []byte {
	if pusi {
		if len(payload) < 1 {
			return nil
		}
		ptr := int(payload[0])
		if 1+ptr > len(payload) {
			return nil
		}
		a.buf = append(a.buf[:0], payload[1+ptr:]...)
		a.active = true
		a.expected = 0
	} else if a.active {
		a.buf = append(a.buf, payload...)
	} else {
		return nil
	}
	if a.expected == 0 && len(a.buf) >= 3 {
		a.expected = 3 + int(a.buf[1]&0x0F)<<8 + int(a.buf[2])
	}
	if a.expected > 0 && len(a.buf) >= a.expected {
		a.active = false
		return a.buf[:a.expected]
	}
	return nil
}

// Reader reads PES packets from either a transport stream or a program
// stream. For transport streams it discovers the program's video and
// audio PIDs from the PAT and PMT and reassembles PES packets across
// transport packets; for program streams each packet maps one to one.
type Reader struct {
	log  *slog.Logger
	isTS bool

	// Transport stream state.
	rs        io.ReadSeeker
	tsr       *mpegts.PacketReader
	patAcc    sectionAssembler
	pmtAcc    sectionAssembler
	pmtPID    uint16
	havePMT   bool
	partials  map[uint16]*partial
	pending   *Packet
	hadEOF    bool
	flushPIDs []uint16

	// Program stream state.
	psr           *ps.Reader
	audioStreamID byte

	videoPID        uint16
	audioPID        uint16
	videoType       VideoType
	videoStreamType uint8
	audioStreamType uint8
	videoOnly       bool
	isDVD           bool
	wantSubstream   byte
}

// NewReader opens a PES reader over rs, probing whether the data is a
// transport stream or a program stream. If log is nil, slog.Default()
// is used.
func NewReader(rs io.ReadSeeker, log *slog.Logger) (*Reader, error) {
	isTS, err := IsTransportStream(rs)
	if err != nil {
		return nil, err
	}
	if isTS {
		return NewTSReader(rs, log), nil
	}
	return NewPSReader(rs, log), nil
}

// NewTSReader creates a PES reader over transport stream data.
func NewTSReader(rs io.ReadSeeker, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pes-reader")
	return &Reader{
		log:      log,
		isTS:     true,
		rs:       rs,
		tsr:      mpegts.NewPacketReader(rs, log),
		partials: make(map[uint16]*partial),
	}
}

// NewPSReader creates a PES reader over program stream data.
func NewPSReader(rs io.ReadSeeker, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pes-reader")
	return &Reader{
		log: log,
		psr: ps.NewReader(rs, log),
	}
}

// IsTS reports whether the underlying data is a transport stream.
func (r *Reader) IsTS() bool { return r.isTS }

// SetVideoOnly makes the reader discard audio packets.
func (r *Reader) SetVideoOnly(videoOnly bool) { r.videoOnly = videoOnly }

// SetDVD tells a program stream reader that private stream 1 packets
// follow the DVD substream convention.
func (r *Reader) SetDVD(isDVD bool) { r.isDVD = isDVD }

// SetAudioStreamID selects which program stream audio stream to return.
// Pass 0xBD to select private stream 1 (Dolby et al). By default the
// first MPEG audio stream seen is selected.
func (r *Reader) SetAudioStreamID(id byte) { r.audioStreamID = id }

// SetAudioSubstream restricts private stream 1 packets to the given DVD
// substream id (for instance 0x80 for the first AC-3 stream).
func (r *Reader) SetAudioSubstream(id byte) { r.wantSubstream = id }

// SetVideoType overrides the video type. For program streams, which
// carry no stream type information, the caller is expected to set this
// after inspecting the data.
func (r *Reader) SetVideoType(t VideoType) { r.videoType = t }

// VideoType returns the video type, as discovered from the PMT for
// transport streams or as set by SetVideoType.
func (r *Reader) VideoType() VideoType { return r.videoType }

// VideoPID and AudioPID return the PIDs selected from the PMT. They are
// zero until program information has been seen, and for program streams.
func (r *Reader) VideoPID() uint16 { return r.videoPID }

func (r *Reader) AudioPID() uint16 { return r.audioPID }

// StreamTypes returns the PMT stream types of the selected video and
// audio streams.
func (r *Reader) StreamTypes() (video, audio uint8) {
	return r.videoStreamType, r.audioStreamType
}

// Next returns the next PES packet of interest, in stream order.
// io.EOF is returned at a clean end of stream.
func (r *Reader) Next() (*Packet, error) {
	if r.isTS {
		return r.nextFromTS()
	}
	return r.nextFromPS()
}

// Reposition moves the reader to posn, which must be a Posn reported
// in an earlier Packet. Partially assembled packets are discarded;
// program information already discovered is kept.
func (r *Reader) Reposition(posn int64) error {
	if r.isTS {
		if _, err := r.rs.Seek(posn, io.SeekStart); err != nil {
			return fmt.Errorf("pes: seek to %d: %w", posn, err)
		}
		r.tsr = mpegts.NewPacketReaderAt(r.rs, posn, r.log)
		r.partials = make(map[uint16]*partial)
		r.pending = nil
		r.flushPIDs = nil
		r.hadEOF = false
		r.patAcc = sectionAssembler{}
		r.pmtAcc = sectionAssembler{}
		return nil
	}
	return r.psr.Reposition(posn)
}

// Rewind repositions the reader at the start of the stream.
func (r *Reader) Rewind() error { return r.Reposition(0) }

func (r *Reader) nextFromTS() (*Packet, error) {
	if r.pending != nil {
		out := r.pending
		r.pending = nil
		return out, nil
	}
	if r.hadEOF {
		return r.flushAtEOF()
	}
	for {
		pkt, posn, err := r.tsr.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.hadEOF = true
			// Unbounded packets are ended by the end of the stream.
			r.flushPIDs = nil
			for _, pid := range []uint16{r.videoPID, r.audioPID} {
				if p, ok := r.partials[pid]; ok && p.expected == 0 {
					r.flushPIDs = append(r.flushPIDs, pid)
				}
			}
			return r.flushAtEOF()
		}
		if err != nil {
			return nil, err
		}

		switch {
		case pkt.Header.PID == mpegts.PIDPAT:
			r.handlePAT(pkt)
		case r.pmtPID != 0 && pkt.Header.PID == r.pmtPID && !r.havePMT:
			r.handlePMT(pkt)
		case pkt.Header.PID == r.videoPID && r.videoPID != 0:
			if out, err := r.feed(pkt, posn); err != nil {
				return nil, err
			} else if out != nil {
				return out, nil
			}
		case pkt.Header.PID == r.audioPID && r.audioPID != 0 && !r.videoOnly:
			if out, err := r.feed(pkt, posn); err != nil {
				return nil, err
			} else if out != nil {
				return out, nil
			}
		}
	}
}

func (r *Reader) flushAtEOF() (*Packet, error) {
	for len(r.flushPIDs) > 0 {
		pid := r.flushPIDs[0]
		r.flushPIDs = r.flushPIDs[1:]
		p, ok := r.partials[pid]
		if !ok {
			continue
		}
		delete(r.partials, pid)
		return &Packet{Posn: p.posn, StreamID: p.streamID, IsVideo: p.isVideo, Data: p.data}, nil
	}
	return nil, io.EOF
}

func (r *Reader) handlePAT(pkt *mpegts.Packet) {
	section := r.patAcc.add(pkt.Payload, pkt.Header.PayloadUnitStartIndicator)
	if section == nil {
		return
	}
	pat, err := mpegts.ParsePATSection(section)
	if err != nil {
		r.log.Warn("ignoring bad PAT", "err", err)
		return
	}
	if len(pat.Programs) == 0 {
		return
	}
	if r.pmtPID == 0 {
		r.pmtPID = pat.Programs[0].ProgramMapID
		r.log.Debug("found program map PID", "pid", r.pmtPID)
	}
}

func (r *Reader) handlePMT(pkt *mpegts.Packet) {
	section := r.pmtAcc.add(pkt.Payload, pkt.Header.PayloadUnitStartIndicator)
	if section == nil {
		return
	}
	pmt, err := mpegts.ParsePMTSection(section)
	if err != nil {
		r.log.Warn("ignoring bad PMT", "err", err)
		return
	}
	r.havePMT = true
	for _, es := range pmt.ElementaryStreams {
		if r.videoPID == 0 {
			if t := VideoTypeForStreamType(es.StreamType); t != VideoUnknown {
				r.videoPID = es.ElementaryPID
				r.videoStreamType = es.StreamType
				r.videoType = t
				continue
			}
		}
		if r.audioPID == 0 && isAudioStreamType(es.StreamType) {
			r.audioPID = es.ElementaryPID
			r.audioStreamType = es.StreamType
		}
	}
	r.log.Debug("program streams decided",
		"video_pid", r.videoPID, "video_type", r.videoType.String(),
		"audio_pid", r.audioPID)
}

func isAudioStreamType(streamType uint8) bool {
	switch streamType {
	case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2Audio,
		mpegts.StreamTypeADTSAudio, mpegts.StreamTypeAC3, mpegts.StreamTypeDTS:
		return true
	}
	return false
}

// feed adds one transport packet's payload to the PES packet being
// assembled for its PID, returning a completed packet when one ends.
func (r *Reader) feed(pkt *mpegts.Packet, posn int64) (*Packet, error) {
	pid := pkt.Header.PID
	payload := pkt.Payload
	if len(payload) == 0 {
		return nil, nil
	}

	if !pkt.Header.PayloadUnitStartIndicator {
		p, ok := r.partials[pid]
		if !ok {
			// Continuation of a packet whose start we never saw.
			r.log.Warn("ignoring continuation of unstarted PES packet",
				"pid", pid, "at", posn)
			return nil, nil
		}
		p.data = append(p.data, payload...)
		return r.maybeComplete(pid, p)
	}

	// A new PES packet starts here. An unbounded packet in progress on
	// this PID is ended by it.
	var finished *Packet
	if p, ok := r.partials[pid]; ok {
		delete(r.partials, pid)
		if p.expected == 0 {
			finished = &Packet{Posn: p.posn, StreamID: p.streamID, IsVideo: p.isVideo, Data: p.data}
		} else {
			r.log.Error("PES packet ended prematurely",
				"pid", pid, "got", len(p.data), "expected", p.expected, "at", posn)
		}
	}

	if len(payload) < 6 {
		return nil, fmt.Errorf("pes: PES data starting at %d is too short (%d bytes)", posn, len(payload))
	}
	if !bytes.HasPrefix(payload, []byte{0x00, 0x00, 0x01}) {
		return nil, fmt.Errorf("pes: PES data starting at %d does not begin 00 00 01", posn)
	}

	p := &partial{
		posn:     posn,
		streamID: payload[3],
		isVideo:  pid == r.videoPID,
	}
	if length := int(payload[4])<<8 | int(payload[5]); length > 0 {
		p.expected = length + 6
	}
	p.data = append(p.data, payload...)
	r.partials[pid] = p

	out, err := r.maybeComplete(pid, p)
	if err != nil {
		return nil, err
	}
	if finished != nil {
		// The ended packet comes out first; a new packet completed by
		// this same transport packet waits its turn.
		if out != nil {
			r.pending = out
		}
		return finished, nil
	}
	return out, nil
}

func (r *Reader) maybeComplete(pid uint16, p *partial) (*Packet, error) {
	if p.expected == 0 || len(p.data) < p.expected {
		return nil, nil
	}
	if len(p.data) > p.expected {
		r.log.Warn("PES packet longer than its header claims",
			"pid", pid, "got", len(p.data), "expected", p.expected)
		p.data = p.data[:p.expected]
	}
	delete(r.partials, pid)
	return &Packet{Posn: p.posn, StreamID: p.streamID, IsVideo: p.isVideo, Data: p.data}, nil
}

func (r *Reader) nextFromPS() (*Packet, error) {
	for {
		pkt, err := r.psr.NextPacket()
		if err != nil {
			return nil, err
		}
		if pkt.StreamID == ps.StreamIDPackHeader {
			continue
		}

		var keep, isVideo bool
		switch {
		case pkt.StreamID == ps.StreamIDSystemHeader ||
			pkt.StreamID == ps.StreamIDMap ||
			pkt.StreamID == ps.StreamIDDirectory:
			// Program stream plumbing.
		case pkt.StreamID == ps.StreamIDPrivate1:
			if !r.videoOnly && r.audioStreamID == ps.StreamIDPrivate1 {
				keep = r.substreamMatches(pkt)
			}
		case ps.IsAudioStream(pkt.StreamID):
			if r.videoOnly {
				break
			}
			if r.audioStreamID == pkt.StreamID {
				keep = true
			} else if r.audioStreamID == 0 {
				r.audioStreamID = pkt.StreamID
				keep = true
				r.log.Info("selecting audio stream", "number", pkt.StreamID&0x1F)
			}
		case ps.IsVideoStream(pkt.StreamID):
			keep = true
			isVideo = true
		}

		if keep {
			return &Packet{
				Posn:     pkt.Posn,
				StreamID: pkt.StreamID,
				IsVideo:  isVideo,
				Data:     pkt.Data,
			}, nil
		}
	}
}

// substreamMatches applies the DVD substream filter to a private
// stream 1 packet.
func (r *Reader) substreamMatches(pkt *ps.Packet) bool {
	if r.wantSubstream == 0 {
		return true
	}
	sub, err := ps.IdentifyPrivate1(pkt, r.isDVD)
	if err != nil || sub == nil {
		return false
	}
	return sub.SubstreamID == r.wantSubstream
}
