package mux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsforge/mpegts"
	"github.com/zsiec/tsforge/pes"
	"github.com/zsiec/tsforge/ps"
)

// PSToTSConfig configures PSToTS. Zero PIDs pick the usual defaults.
type PSToTSConfig struct {
	VideoPID uint16
	AudioPID uint16
	PMTPID   uint16
	PCRPID   uint16

	// VideoType is the kind of video being carried, used for the PMT
	// stream type. VideoUnknown is treated as H.262.
	VideoType pes.VideoType

	// VideoStream selects video stream 0xE0+N; -1 takes the first seen.
	VideoStream int
	// AudioStream selects audio stream 0xC0+N, or with WantAC3 and
	// IsDVD the private_stream_1 substream index; -1 takes the first.
	AudioStream int

	// IsDVD means private_stream_1 packets carry DVD substream headers.
	IsDVD bool
	// WantAC3 selects private_stream_1 audio instead of MPEG audio.
	WantAC3 bool
	// DolbyAsDVB announces AC-3 with the DVB stream type 0x06 rather
	// than the ATSC 0x81.
	DolbyAsDVB bool
	// KeepAudio false drops all audio.
	KeepAudio bool

	// PadStart writes this many null packets before anything else.
	PadStart int
	// ProgramRepeat rewrites the PAT and PMT every this many packs.
	ProgramRepeat int
	// Max stops after this many packs; 0 reads to the end.
	Max int
}

func (cfg *PSToTSConfig) setDefaults() {
	if cfg.VideoPID == 0 {
		cfg.VideoPID = mpegts.DefaultVideoPID
	}
	if cfg.AudioPID == 0 {
		cfg.AudioPID = mpegts.DefaultAudioPID
	}
	if cfg.PMTPID == 0 {
		cfg.PMTPID = mpegts.DefaultPMTPID
	}
	if cfg.PCRPID == 0 {
		cfg.PCRPID = cfg.VideoPID
	}
	if cfg.ProgramRepeat <= 0 {
		cfg.ProgramRepeat = 100
	}
}

// PSToTSStats summarises a program stream to transport stream run.
type PSToTSStats struct {
	Packets      int
	Packs        int
	VideoWritten int
	AudioWritten int
	VideoIgnored int
	AudioIgnored int
}

// psRemux holds the state of one program stream to transport stream run.
type psRemux struct {
	r   *ps.Reader
	w   *mpegts.Writer
	cfg PSToTSConfig
	log *slog.Logger

	stats PSToTSStats

	pack *ps.PackHeader

	// Stream selection. -1 until the first matching stream is seen.
	videoStream    int
	audioStream    int
	audioSubstream int

	// Streams announced so far; grows as video and audio first appear.
	program        mpegts.ProgramConfig
	ignoredStreams map[byte]bool
}

// PSToTS reads a program stream and writes its video and audio out as a
// single-program transport stream. Pack and system headers are dropped;
// the pack header SCR is carried as a PCR on every video packet. For
// DVD input with AC-3 selected, the private_stream_1 substream headers
// are stripped (splitting packets where needed so the PTS stays with
// the frame it belongs to).
func PSToTS(r *ps.Reader, w *mpegts.Writer, cfg PSToTSConfig, log *slog.Logger) (PSToTSStats, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.setDefaults()
	m := &psRemux{
		r:   r,
		w:   w,
		cfg: cfg,
		log: log.With("component", "ps2ts"),

		videoStream:    -1,
		audioStream:    -1,
		audioSubstream: cfg.AudioStream,
		program: mpegts.ProgramConfig{
			TransportStreamID: 1,
			ProgramNumber:     1,
			PMTPID:            cfg.PMTPID,
			PCRPID:            cfg.PCRPID,
		},
		ignoredStreams: make(map[byte]bool),
	}
	if cfg.VideoStream >= 0 {
		m.videoStream = 0xE0 + cfg.VideoStream
	}
	switch {
	case cfg.WantAC3:
		m.audioStream = int(ps.StreamIDPrivate1)
		if !cfg.IsDVD {
			m.audioSubstream = -1 // take whatever private_stream_1 carries
		}
	case cfg.AudioStream >= 0:
		m.audioStream = 0xC0 + cfg.AudioStream
		m.audioSubstream = -1
	default:
		m.audioSubstream = -1
	}
	err := m.run()
	return m.stats, err
}

func (m *psRemux) run() error {
	if m.cfg.PadStart > 0 {
		if err := m.w.WriteNullPackets(m.cfg.PadStart); err != nil {
			return fmt.Errorf("mux: writing start padding: %w", err)
		}
	}

	first := true
	for {
		pkt, err := m.r.NextPacket()
		if errors.Is(err, io.EOF) {
			if first {
				return fmt.Errorf("mux: unexpected end of program stream at start")
			}
			break
		}
		if err != nil {
			return fmt.Errorf("mux: reading PS packet: %w", err)
		}
		m.stats.Packets++

		if first {
			if pkt.StreamID != ps.StreamIDPackHeader {
				return fmt.Errorf("mux: program stream does not start with a pack header (stream id %02X)", pkt.StreamID)
			}
			first = false
		}

		switch {
		case pkt.StreamID == ps.StreamIDPackHeader:
			if m.cfg.Max > 0 && m.stats.Packs >= m.cfg.Max {
				m.log.Debug("stopping", "packs", m.stats.Packs)
				return nil
			}
			m.pack = pkt.Pack
			m.stats.Packs++
			if m.stats.Packs%m.cfg.ProgramRepeat == 0 {
				if err := m.writeProgramData(); err != nil {
					return err
				}
			}

		case pkt.StreamID == ps.StreamIDSystemHeader:
			// Dropped; the PMT takes its place.

		case ps.IsVideoStream(pkt.StreamID):
			if err := m.writeVideo(pkt); err != nil {
				return fmt.Errorf("mux: writing video packet at %d: %w", pkt.Posn, err)
			}

		case ps.IsAudioStream(pkt.StreamID) || pkt.StreamID == ps.StreamIDPrivate1:
			if !m.cfg.KeepAudio {
				break
			}
			if err := m.writeAudio(pkt); err != nil {
				return fmt.Errorf("mux: writing audio packet at %d: %w", pkt.Posn, err)
			}

		default:
			// Program stream map, directory, padding and the rest are
			// not carried over.
		}
	}

	m.log.Debug("remux complete",
		"packets", m.stats.Packets, "packs", m.stats.Packs,
		"video_written", m.stats.VideoWritten, "audio_written", m.stats.AudioWritten,
		"video_ignored", m.stats.VideoIgnored, "audio_ignored", m.stats.AudioIgnored)
	return nil
}

func (m *psRemux) writeProgramData() error {
	if err := m.w.WriteProgramData(m.program); err != nil {
		return fmt.Errorf("mux: writing program data: %w", err)
	}
	return nil
}

func (m *psRemux) videoStreamType() uint8 {
	switch m.cfg.VideoType {
	case pes.VideoH264:
		return mpegts.StreamTypeH264Video
	case pes.VideoAVS:
		return mpegts.StreamTypeAVSVideo
	default:
		return mpegts.StreamTypeMPEG2Video
	}
}

func (m *psRemux) writeVideo(pkt *ps.Packet) error {
	if m.videoStream == -1 {
		m.videoStream = int(pkt.StreamID)
	} else if int(pkt.StreamID) != m.videoStream {
		if !m.ignoredStreams[pkt.StreamID] {
			m.ignoredStreams[pkt.StreamID] = true
			m.log.Info("ignoring video stream", "stream", pkt.StreamID&0x0F)
		}
		m.stats.VideoIgnored++
		return nil
	}

	if m.stats.VideoWritten == 0 {
		streamType := m.videoStreamType()
		m.log.Info("video stream",
			"stream", pkt.StreamID&0x0F, "pid", m.cfg.VideoPID,
			"stream_type", streamType)
		m.program.Streams = append(m.program.Streams, mpegts.StreamEntry{
			PID:        m.cfg.VideoPID,
			StreamType: streamType,
		})
		if err := m.writeProgramData(); err != nil {
			return err
		}
	}

	t := mpegts.Timing{}
	if m.pack != nil {
		t.HasPCR = true
		t.PCR = mpegts.ClockReference{Base: m.pack.SCRBase, Extension: m.pack.SCRExt}
	}
	if err := m.writePSPacket(pkt, m.cfg.VideoPID, mpegts.DefaultVideoStreamID, t); err != nil {
		return err
	}
	m.stats.VideoWritten++
	return nil
}

// writePSPacket writes a PS data packet out as transport packets.
// H.222.0 packets go out verbatim; MPEG-1 style packets cannot be
// carried in a transport stream, so their ES payload is rewrapped in an
// H.222.0 PES header, keeping any PTS and DTS.
func (m *psRemux) writePSPacket(pkt *ps.Packet, pid uint16, streamID uint8, t mpegts.Timing) error {
	if isH222PES(pkt.Data) {
		return m.w.WritePES(pid, pkt.Data, t)
	}
	p := &pes.Packet{StreamID: pkt.StreamID, Data: pkt.Data}
	esData, err := p.ES()
	if err != nil {
		return err
	}
	hasPTS, pts, hasDTS, dts, err := p.Timing()
	if err != nil {
		m.log.Debug("could not decode MPEG-1 packet timing, carrying on without",
			"at", pkt.Posn, "err", err)
		hasPTS, hasDTS = false, false
	}
	t.HasPTS, t.PTS = hasPTS, pts
	t.HasDTS, t.DTS = hasDTS, dts
	return m.w.WriteES(pid, streamID, esData, t)
}

// isH222PES reports whether a PES packet uses the H.222.0 header layout
// (as opposed to MPEG-1). DVD substream dissection assumes H.222.0.
func isH222PES(data []byte) bool {
	return len(data) > 6 && data[6]&0xC0 == 0x80
}

func (m *psRemux) writeAudio(pkt *ps.Packet) error {
	isPrivate1 := pkt.StreamID == ps.StreamIDPrivate1

	if m.audioStream == -1 {
		if isPrivate1 && isH222PES(pkt.Data) {
			sub, err := ps.IdentifyPrivate1(pkt, m.cfg.IsDVD)
			if err != nil {
				return err
			}
			if sub.Type != ps.SubstreamAC3 {
				return nil
			}
			m.audioStream = int(pkt.StreamID)
			m.audioSubstream = sub.Index
		} else {
			m.audioStream = int(pkt.StreamID)
		}
	} else if int(pkt.StreamID) != m.audioStream {
		if !m.ignoredStreams[pkt.StreamID] {
			m.ignoredStreams[pkt.StreamID] = true
			m.log.Info("ignoring audio stream", "stream", pkt.StreamID&0x1F)
		}
		m.stats.AudioIgnored++
		return nil
	} else if m.cfg.IsDVD && isPrivate1 && isH222PES(pkt.Data) {
		sub, err := ps.IdentifyPrivate1(pkt, true)
		if err != nil {
			return err
		}
		if sub.Type != ps.SubstreamAC3 {
			if sub.Type == ps.SubstreamDTS || sub.Type == ps.SubstreamLPCM {
				m.stats.AudioIgnored++
			}
			return nil
		}
		if sub.Index != m.audioSubstream {
			m.stats.AudioIgnored++
			return nil
		}
	}

	if m.stats.AudioWritten == 0 {
		if err := m.announceAudio(pkt.StreamID); err != nil {
			return err
		}
	}

	if m.cfg.IsDVD && isPrivate1 && isH222PES(pkt.Data) {
		if err := m.writeDVDAC3(pkt); err != nil {
			return err
		}
	} else {
		streamID := mpegts.DefaultAudioStreamID
		if m.cfg.WantAC3 {
			streamID = mpegts.StreamIDPrivate1
		}
		if err := m.writePSPacket(pkt, m.cfg.AudioPID, streamID, mpegts.Timing{}); err != nil {
			return err
		}
	}
	m.stats.AudioWritten++
	return nil
}

// announceAudio adds the audio stream to the PMT and rewrites the
// program data before the first audio packet goes out.
func (m *psRemux) announceAudio(streamID byte) error {
	entry := mpegts.StreamEntry{PID: m.cfg.AudioPID}
	switch {
	case streamID == ps.StreamIDPrivate1 && m.cfg.DolbyAsDVB:
		entry.StreamType = mpegts.StreamTypePrivatePES
		entry.Descriptors = []byte{0x6A, 0x01, 0x00} // DVB AC-3 descriptor
	case streamID == ps.StreamIDPrivate1:
		entry.StreamType = mpegts.StreamTypeAC3
		entry.Descriptors = []byte{0x05, 0x04, 'A', 'C', '-', '3'}
	default:
		entry.StreamType = mpegts.StreamTypeMPEG2Audio
	}

	if streamID == ps.StreamIDPrivate1 {
		m.log.Info("audio: private stream 1 (AC-3)",
			"substream", m.audioSubstream, "pid", m.cfg.AudioPID,
			"stream_type", entry.StreamType)
	} else {
		m.log.Info("audio stream",
			"stream", streamID&0x1F, "pid", m.cfg.AudioPID,
			"stream_type", entry.StreamType)
	}

	m.program.Streams = append(m.program.Streams, entry)
	return m.writeProgramData()
}

// writeDVDAC3 writes a DVD private_stream_1 packet with its substream
// header removed. When the packet carries a PTS and the frame that PTS
// belongs to starts partway through, the leading bytes go out in their
// own PES packet first so the PTS lands on the right frame.
func (m *psRemux) writeDVDAC3(pkt *ps.Packet) error {
	if len(pkt.Data) < 9 {
		return fmt.Errorf("mux: private_stream_1 packet too short (%d bytes)", len(pkt.Data))
	}
	headerLen := 9 + int(pkt.Data[8])
	if headerLen+4 > len(pkt.Data) {
		return fmt.Errorf("mux: private_stream_1 packet has no substream header")
	}
	sub := pkt.Data[headerLen:]
	frameCount := int(sub[1])
	offset := int(sub[2])<<8 | int(sub[3])

	hasPTS, _, _, _, err := (&pes.Packet{StreamID: pkt.StreamID, Data: pkt.Data}).Timing()
	if err != nil {
		return err
	}

	if frameCount == 0 || offset <= 1 || !hasPTS {
		// No frame starts here, or the first frame is at the front:
		// drop the 4-byte substream header and send the rest as is.
		data := shortenedPES(pkt.Data, headerLen, 4)
		return m.w.WritePES(m.cfg.AudioPID, data, mpegts.Timing{})
	}

	// The PTS belongs to the frame starting at offset-1. Send the bytes
	// before it in a plain PES packet of their own, then the rest with
	// the original header (and its PTS).
	head := sub[4 : 3+offset]
	err = m.w.WriteES(m.cfg.AudioPID, mpegts.StreamIDPrivate1, head, mpegts.Timing{})
	if err != nil {
		return err
	}
	data := shortenedPES(pkt.Data, headerLen, 3+offset)
	return m.w.WritePES(m.cfg.AudioPID, data, mpegts.Timing{})
}

// shortenedPES copies a PES packet minus remove bytes at cut, fixing up
// PES_packet_length to match.
func shortenedPES(data []byte, cut, remove int) []byte {
	out := make([]byte, 0, len(data)-remove)
	out = append(out, data[:cut]...)
	out = append(out, data[cut+remove:]...)
	packetLength := (int(out[4])<<8 | int(out[5])) - remove
	out[4] = byte(packetLength >> 8)
	out[5] = byte(packetLength)
	return out
}
