package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ExtractConfig controls ExtractES.
type ExtractConfig struct {
	// PID selects the elementary stream to extract. Zero means pick
	// from the PMT: the video stream, or the first audio stream when
	// Audio is set.
	PID uint16
	// Audio picks the first audio stream instead of the video stream
	// when PID is zero.
	Audio bool
	// MaxPES stops after this many PES packets when non-zero.
	MaxPES int
}

// ExtractStats reports what ExtractES found.
type ExtractStats struct {
	PID        uint16
	PESPackets int
	Bytes      int64
}

func isVideoStreamType(st uint8) bool {
	switch st {
	case StreamTypeMPEG1Video, StreamTypeMPEG2Video, StreamTypeH264Video, StreamTypeAVSVideo:
		return true
	}
	return false
}

func isAudioStreamType(st uint8) bool {
	switch st {
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio, StreamTypeADTSAudio, StreamTypeAC3, StreamTypeDTS:
		return true
	}
	return false
}

// ExtractES pulls one elementary stream out of a transport stream,
// writing the PES payloads to w in order. When no PID is given, the
// stream is chosen from the PMT. If log is nil, slog.Default() is used.
func ExtractES(ctx context.Context, r io.Reader, w io.Writer, cfg ExtractConfig, log *slog.Logger) (*ExtractStats, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ts-extract")

	dmx := NewDemuxer(ctx, r, DemuxerOptLogger(log))
	stats := &ExtractStats{PID: cfg.PID}

	for {
		data, err := dmx.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("mpegts: demuxing: %w", err)
		}

		switch {
		case data.PMT != nil && stats.PID == 0:
			for _, es := range data.PMT.ElementaryStreams {
				want := isVideoStreamType(es.StreamType)
				if cfg.Audio {
					want = isAudioStreamType(es.StreamType)
				}
				if want {
					stats.PID = es.ElementaryPID
					log.Info("extracting stream",
						"pid", stats.PID,
						"stream_type", StreamTypeStr(es.StreamType))
					break
				}
			}

		case data.PES != nil:
			if stats.PID == 0 || data.FirstPacket.Header.PID != stats.PID {
				continue
			}
			if _, err := w.Write(data.PES.Data); err != nil {
				return stats, fmt.Errorf("mpegts: writing ES data: %w", err)
			}
			stats.PESPackets++
			stats.Bytes += int64(len(data.PES.Data))
			if cfg.MaxPES > 0 && stats.PESPackets >= cfg.MaxPES {
				return stats, nil
			}
		}
	}

	if stats.PID == 0 {
		return stats, fmt.Errorf("mpegts: no suitable stream found in PMT")
	}
	return stats, nil
}
