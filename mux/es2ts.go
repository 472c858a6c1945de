// Package mux converts elementary and program streams into transport
// streams: one PES packet per ES unit (es2ts), program stream remuxing
// with DVD audio substream handling (ps2ts), and merging a video ES
// with an audio stream under synthesised timestamps (esmerge).
package mux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsforge/es"
	"github.com/zsiec/tsforge/mpegts"
)

// ESToTSConfig configures ESToTS. Zero values pick the usual defaults:
// video PID 0x68, PMT PID 0x66, stream type MPEG-2 video.
type ESToTSConfig struct {
	VideoPID   uint16
	PMTPID     uint16
	StreamType uint8

	// ProgramRepeat rewrites the PAT and PMT every this many PES
	// packets; 0 writes them only at the start.
	ProgramRepeat int

	// Max stops after this many ES units; 0 reads to the end.
	Max int
}

func (cfg *ESToTSConfig) setDefaults() {
	if cfg.VideoPID == 0 {
		cfg.VideoPID = mpegts.DefaultVideoPID
	}
	if cfg.PMTPID == 0 {
		cfg.PMTPID = mpegts.DefaultPMTPID
	}
	if cfg.StreamType == 0 {
		cfg.StreamType = mpegts.StreamTypeMPEG2Video
	}
}

// ESToTS copies elementary stream units from r to w, one PES packet per
// unit, preceded by a PAT and PMT announcing a single program. It
// returns the number of units transferred.
func ESToTS(r *es.Reader, w *mpegts.Writer, cfg ESToTSConfig, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "es2ts")
	cfg.setDefaults()

	program := mpegts.ProgramConfig{
		TransportStreamID: 1,
		ProgramNumber:     1,
		PMTPID:            cfg.PMTPID,
		PCRPID:            cfg.VideoPID,
		Streams: []mpegts.StreamEntry{
			{PID: cfg.VideoPID, StreamType: cfg.StreamType},
		},
	}
	log.Debug("writing program data",
		"pmt_pid", cfg.PMTPID, "video_pid", cfg.VideoPID,
		"stream_type", cfg.StreamType)
	if err := w.WriteProgramData(program); err != nil {
		return 0, fmt.Errorf("mux: writing program data: %w", err)
	}

	count := 0
	for {
		unit, err := r.NextUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("mux: reading ES unit: %w", err)
		}
		count++

		err = w.WriteES(cfg.VideoPID, mpegts.DefaultVideoStreamID, unit.Data, mpegts.Timing{})
		if err != nil {
			return count, fmt.Errorf("mux: writing ES unit %d: %w", count, err)
		}

		if cfg.ProgramRepeat > 0 && count%cfg.ProgramRepeat == 0 {
			if err := w.WriteProgramData(program); err != nil {
				return count, fmt.Errorf("mux: rewriting program data: %w", err)
			}
		}
		if cfg.Max > 0 && count >= cfg.Max {
			break
		}
	}
	log.Debug("transfer complete", "units", count)
	return count, nil
}
