package mpegts

// Default PIDs used when converting elementary streams to transport
// streams. PID 0x1FFF is reserved for null packets.
const (
	DefaultVideoPID uint16 = 0x68
	DefaultAudioPID uint16 = 0x67
	DefaultPMTPID   uint16 = 0x66

	PIDPAT  uint16 = 0x0000
	PIDNull uint16 = 0x1FFF
)

// PMT stream types for the elementary streams the toolkit produces.
const (
	StreamTypeMPEG1Video uint8 = 0x01
	StreamTypeMPEG2Video uint8 = 0x02
	StreamTypeMPEG1Audio uint8 = 0x03
	StreamTypeMPEG2Audio uint8 = 0x04
	StreamTypePrivatePES uint8 = 0x06
	StreamTypeADTSAudio  uint8 = 0x0F
	StreamTypeH264Video  uint8 = 0x1B
	StreamTypeAVSVideo   uint8 = 0x42
	StreamTypeAC3        uint8 = 0x81
	StreamTypeDTS        uint8 = 0x8A
)

// StreamTypeStr names a PMT stream type for reporting.
func StreamTypeStr(streamType uint8) string {
	switch streamType {
	case StreamTypeMPEG1Video:
		return "MPEG-1 video"
	case StreamTypeMPEG2Video:
		return "MPEG-2 video"
	case StreamTypeMPEG1Audio:
		return "MPEG-1 audio"
	case StreamTypeMPEG2Audio:
		return "MPEG-2 audio"
	case StreamTypePrivatePES:
		return "private data (PES)"
	case StreamTypeADTSAudio:
		return "AAC audio (ADTS)"
	case StreamTypeH264Video:
		return "H.264 video"
	case StreamTypeAVSVideo:
		return "AVS video"
	case StreamTypeAC3:
		return "AC-3 audio"
	case StreamTypeDTS:
		return "DTS audio"
	default:
		return "unknown"
	}
}

// PES stream ids.
const (
	StreamIDPrivate1     uint8 = 0xBD
	StreamIDPadding      uint8 = 0xBE
	StreamIDPrivate2     uint8 = 0xBF
	StreamIDAudioMin     uint8 = 0xC0
	StreamIDAudioMax     uint8 = 0xDF
	StreamIDVideoMin     uint8 = 0xE0
	StreamIDVideoMax     uint8 = 0xEF

	DefaultVideoStreamID uint8 = 0xE0
	DefaultAudioStreamID uint8 = 0xC0
)

// IsAudioStreamID reports whether the PES stream id denotes an MPEG audio
// stream (0xC0-0xDF) or private_stream_1, which carries Dolby and DTS audio.
func IsAudioStreamID(id uint8) bool {
	return (id >= StreamIDAudioMin && id <= StreamIDAudioMax) || id == StreamIDPrivate1
}

// IsVideoStreamID reports whether the PES stream id denotes a video stream.
func IsVideoStreamID(id uint8) bool {
	return id >= StreamIDVideoMin && id <= StreamIDVideoMax
}
