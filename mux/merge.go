package mux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsforge/audio"
	"github.com/zsiec/tsforge/avs"
	"github.com/zsiec/tsforge/h262"
	"github.com/zsiec/tsforge/h264"
	"github.com/zsiec/tsforge/mpegts"
)

// Presentation is delayed behind the synthesised PCR to give a decoder
// time to work; key frames get their PTS pushed out by this much.
const (
	h264KeyFrameDelay = 45000
	avsKeyFrameDelay  = 30000
)

// VideoFrame is one video frame (or stray non-frame unit, a sequence
// header say) handed to Merge by a VideoSource.
type VideoFrame struct {
	Data []byte

	// IsFrame is true for actual pictures; non-frames are written out
	// without timing.
	IsFrame bool
	// IsKey marks I and IDR frames, which carry a PTS and DTS.
	IsKey bool
	// FrameRate, when non-zero, is a rate announced by a sequence
	// header that the merge should switch to.
	FrameRate float64
}

// VideoSource supplies video frames to Merge.
type VideoSource interface {
	// Next returns the next frame, or io.EOF at the end of the stream.
	Next() (*VideoFrame, error)
	// StreamType is the PMT stream type to announce.
	StreamType() uint8
	// KeyFrameDelay is how far a key frame's PTS leads its DTS.
	KeyFrameDelay() uint64
}

// H264Source reads access units from an H.264 stream.
type H264Source struct {
	ctx   *h264.Context
	ended bool
}

// NewH264Source wraps an access unit context as a merge video source.
func NewH264Source(ctx *h264.Context) *H264Source {
	return &H264Source{ctx: ctx}
}

func (s *H264Source) StreamType() uint8     { return mpegts.StreamTypeH264Video }
func (s *H264Source) KeyFrameDelay() uint64 { return h264KeyFrameDelay }

func (s *H264Source) Next() (*VideoFrame, error) {
	if s.ended {
		return nil, io.EOF
	}
	au, err := s.ctx.NextFrame()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := au.Write(&buf); err != nil {
		return nil, err
	}
	// An end of stream NAL unit ends the video even if the file has
	// more bytes.
	s.ended = s.ctx.EndOfStream() != nil
	return &VideoFrame{
		Data:    buf.Bytes(),
		IsFrame: true,
		IsKey: au.StartedPrimaryPicture() &&
			au.PrimaryStart.RefIdc != 0 &&
			(au.PrimaryStart.Type == h264.NALTypeIDR || au.AllSlicesI()),
	}, nil
}

// H262Source reads pictures from an MPEG-2 stream.
type H262Source struct {
	ctx *h262.Context
}

// NewH262Source wraps a picture context as a merge video source.
func NewH262Source(ctx *h262.Context) *H262Source {
	return &H262Source{ctx: ctx}
}

func (s *H262Source) StreamType() uint8     { return mpegts.StreamTypeMPEG2Video }
func (s *H262Source) KeyFrameDelay() uint64 { return h264KeyFrameDelay }

func (s *H262Source) Next() (*VideoFrame, error) {
	pic, err := s.ctx.NextFrame()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := pic.Write(&buf); err != nil {
		return nil, err
	}
	f := &VideoFrame{
		Data:    buf.Bytes(),
		IsFrame: pic.IsPicture,
		IsKey:   pic.IsPicture && pic.PictureCodingType == 1,
	}
	if pic.IsSequenceHeader && len(pic.Units[0].Data) >= 8 {
		// frame_rate_code shares its value table with AVS.
		f.FrameRate = avs.FrameRate(pic.Units[0].Data[7] & 0x0F)
	}
	return f, nil
}

// AVSSource reads frames from an AVS stream.
type AVSSource struct {
	ctx *avs.Context
}

// NewAVSSource wraps an AVS frame context as a merge video source.
func NewAVSSource(ctx *avs.Context) *AVSSource {
	return &AVSSource{ctx: ctx}
}

func (s *AVSSource) StreamType() uint8     { return mpegts.StreamTypeAVSVideo }
func (s *AVSSource) KeyFrameDelay() uint64 { return avsKeyFrameDelay }

func (s *AVSSource) Next() (*VideoFrame, error) {
	frame, err := s.ctx.NextFrame()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := frame.Write(&buf); err != nil {
		return nil, err
	}
	f := &VideoFrame{
		Data:    buf.Bytes(),
		IsFrame: frame.IsFrame,
		IsKey:   frame.IsFrame && frame.StartCode == 0xB3,
	}
	if frame.IsSequenceHeader {
		f.FrameRate = avs.FrameRate(frame.FrameRateCode)
	}
	return f, nil
}

// MergeConfig configures Merge. Zero values pick the usual defaults:
// video at 25 frames a second, ADTS audio at 44100 Hz with 1024 samples
// a frame, the standard PIDs.
type MergeConfig struct {
	VideoPID uint16
	AudioPID uint16
	PMTPID   uint16

	AudioStreamType uint8

	VideoFrameRate       float64
	AudioSampleRate      int
	AudioSamplesPerFrame int

	// PATPMTFreq rewrites the PAT and PMT every this many video
	// frames; 0 writes them only at the start.
	PATPMTFreq int
}

func (cfg *MergeConfig) setDefaults() {
	if cfg.VideoPID == 0 {
		cfg.VideoPID = mpegts.DefaultVideoPID
	}
	if cfg.AudioPID == 0 {
		cfg.AudioPID = mpegts.DefaultAudioPID
	}
	if cfg.PMTPID == 0 {
		cfg.PMTPID = mpegts.DefaultPMTPID
	}
	if cfg.AudioStreamType == 0 {
		cfg.AudioStreamType = mpegts.StreamTypeADTSAudio
	}
	if cfg.VideoFrameRate == 0 {
		cfg.VideoFrameRate = 25
	}
	if cfg.AudioSampleRate == 0 {
		cfg.AudioSampleRate = 44100
	}
	if cfg.AudioSamplesPerFrame == 0 {
		cfg.AudioSamplesPerFrame = 1024
	}
}

// MergeStats summarises a merge run.
type MergeStats struct {
	VideoFrames int
	AudioFrames int
}

// Merge interleaves a video elementary stream with an audio stream into
// a single-program transport stream, synthesising timestamps from frame
// counts: each video frame advances the clock by 90000 over the frame
// rate, each audio frame by 90000 times the samples a frame carries
// over the sample rate. Key frames carry a PTS and DTS; other frames
// carry only a PCR. Audio frames are written whenever their clock falls
// behind the video's. A nil audio reader merges video alone.
func Merge(v VideoSource, a *audio.FrameReader, w *mpegts.Writer, cfg MergeConfig, log *slog.Logger) (MergeStats, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "esmerge")
	cfg.setDefaults()

	var stats MergeStats

	// A little padding first, so receivers can find byte alignment
	// before the tables arrive.
	if err := w.WriteNullPackets(8); err != nil {
		return stats, fmt.Errorf("mux: writing start padding: %w", err)
	}

	program := mpegts.ProgramConfig{
		TransportStreamID: 1,
		ProgramNumber:     1,
		PMTPID:            cfg.PMTPID,
		PCRPID:            cfg.VideoPID,
		Streams: []mpegts.StreamEntry{
			{PID: cfg.VideoPID, StreamType: v.StreamType()},
		},
	}
	if a != nil {
		program.Streams = append(program.Streams, mpegts.StreamEntry{
			PID: cfg.AudioPID, StreamType: cfg.AudioStreamType,
		})
	}
	if err := w.WriteProgramData(program); err != nil {
		return stats, fmt.Errorf("mux: writing program data: %w", err)
	}

	frameRate := cfg.VideoFrameRate
	videoPTSInc := uint64(90000.0 / frameRate)
	audioPTSInc := uint64(90000*cfg.AudioSamplesPerFrame) / uint64(cfg.AudioSampleRate)
	log.Debug("merge timing",
		"video_pts_increment", videoPTSInc, "audio_pts_increment", audioPTSInc)

	var videoPTS, audioPTS uint64
	gotVideo := true
	gotAudio := a != nil

	for gotVideo || gotAudio {
		if gotVideo {
			frame, err := v.Next()
			if errors.Is(err, io.EOF) {
				log.Debug("no more video data")
				gotVideo = false
			} else if err != nil {
				return stats, fmt.Errorf("mux: reading video frame: %w", err)
			} else if !frame.IsFrame {
				// Sequence headers and ends go straight out, and a
				// header may change the frame rate under us.
				if frame.FrameRate > 0 && frame.FrameRate != frameRate {
					frameRate = frame.FrameRate
					videoPTSInc = uint64(90000.0 / frameRate)
					log.Debug("frame rate change",
						"rate", frameRate, "video_pts_increment", videoPTSInc)
				}
				err = w.WriteES(cfg.VideoPID, mpegts.DefaultVideoStreamID,
					frame.Data, mpegts.Timing{})
				if err != nil {
					return stats, fmt.Errorf("mux: writing video non-frame: %w", err)
				}
				continue
			} else {
				videoPTS += videoPTSInc
				stats.VideoFrames++

				if cfg.PATPMTFreq > 0 && stats.VideoFrames%cfg.PATPMTFreq == 0 {
					if err := w.WriteProgramData(program); err != nil {
						return stats, fmt.Errorf("mux: rewriting program data: %w", err)
					}
				}

				t := mpegts.Timing{}
				if frame.IsKey {
					t.HasPTS, t.PTS = true, videoPTS+v.KeyFrameDelay()
					t.HasDTS, t.DTS = true, videoPTS
				} else {
					t.HasPCR = true
					t.PCR = mpegts.ClockReference{Base: int64(videoPTS)}
				}
				err = w.WriteES(cfg.VideoPID, mpegts.DefaultVideoStreamID, frame.Data, t)
				if err != nil {
					return stats, fmt.Errorf("mux: writing video frame %d: %w",
						stats.VideoFrames, err)
				}
			}
		}

		// Let the audio catch up with the video clock.
		for gotAudio && (audioPTS < videoPTS || !gotVideo) {
			frame, err := a.Next()
			if errors.Is(err, io.EOF) {
				log.Debug("no more audio data")
				gotAudio = false
				break
			}
			if err != nil {
				return stats, fmt.Errorf("mux: reading audio frame: %w", err)
			}
			audioPTS += audioPTSInc
			stats.AudioFrames++

			t := mpegts.Timing{
				HasPTS: true, PTS: audioPTS,
				HasDTS: true, DTS: audioPTS,
			}
			err = w.WriteES(cfg.AudioPID, mpegts.DefaultAudioStreamID, frame.Data, t)
			if err != nil {
				return stats, fmt.Errorf("mux: writing audio frame %d: %w",
					stats.AudioFrames, err)
			}
		}
	}

	log.Debug("merge complete",
		"video_frames", stats.VideoFrames, "audio_frames", stats.AudioFrames)
	return stats, nil
}
