// Package mpegts implements MPEG-TS transport stream reading and writing.
// The read side supports packet-level scanning with resynchronisation,
// PAT/PMT discovery, and PES reassembly with PTS/DTS extraction. The write
// side packetises elementary stream data into correctly padded 188-byte
// transport packets, maintaining per-PID continuity counters and emitting
// PAT/PMT program data on demand.
package mpegts

// Packet is a parsed 188-byte MPEG-TS transport stream packet.
type Packet struct {
	Header          PacketHeader
	AdaptationField *AdaptationField
	Payload         []byte
	Raw             []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	ScramblingControl         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// AdaptationField carries the fields of a transport packet adaptation field
// that the toolkit cares about.
type AdaptationField struct {
	Length               int
	Discontinuity        bool
	RandomAccess         bool
	HasPCR               bool
	PCR                  ClockReference
}

// DemuxerData is the output of the demuxer for each logical unit (PAT, PMT,
// or PES packet). Exactly one of PAT, PMT, or PES will be non-nil.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	TransportStreamID uint16
	Programs          []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
// Descriptors holds the raw ES descriptor bytes, if any.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
	Descriptors   []byte
}

// PESData contains a reassembled Packetized Elementary Stream.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
	PacketLength   int
}

// PESOptionalHeader carries optional PES fields including timestamps.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference holds a 33-bit MPEG-TS timestamp base value (90 kHz clock)
// plus the 9-bit 27 MHz extension used by PCRs.
type ClockReference struct {
	Base      int64
	Extension int64
}

// PacketsParser is a callback invoked with each assembled payload unit
// before the demuxer's own PSI and PES handling. Returning handled true
// suppresses that handling and yields ds instead.
type PacketsParser func(unit []*Packet) (ds []*DemuxerData, handled bool, err error)
