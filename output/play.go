package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/tsforge/mpegts"
)

// rebaseThreshold is the largest forward PCR jump treated as
// continuous. Anything larger, or any backward jump, restarts the
// pacing clock at the new value.
const rebaseThreshold = 10 * time.Second

// PlayConfig controls paced playback.
type PlayConfig struct {
	// Loop restarts the stream from the beginning when it ends,
	// until the context is cancelled or writing fails.
	Loop bool
	// MaxPackets stops playback after this many packets when
	// non-zero (per loop).
	MaxPackets int64
}

// PlayStats reports what Play did.
type PlayStats struct {
	Packets int64
	Loops   int
}

// Play copies transport stream packets from r to w, sleeping before
// each PCR-bearing packet so the stream is delivered at roughly the
// rate its program clock describes. Packets between PCRs are written
// as they are read. PCR discontinuities restart the pacing clock.
func Play(ctx context.Context, r io.ReadSeeker, w io.Writer, cfg PlayConfig, log *slog.Logger) (*PlayStats, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "tsplay")

	stats := &PlayStats{}
	for {
		stats.Loops++
		if err := playOnce(ctx, r, w, cfg, stats, log); err != nil {
			return stats, err
		}
		if !cfg.Loop || ctx.Err() != nil {
			return stats, nil
		}
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return stats, fmt.Errorf("output: rewinding stream: %w", err)
		}
		log.Debug("looping", "loops", stats.Loops)
	}
}

func playOnce(ctx context.Context, r io.Reader, w io.Writer, cfg PlayConfig, stats *PlayStats, log *slog.Logger) error {
	pr := mpegts.NewPacketReader(r, log)

	var (
		havePCR bool
		basePCR time.Duration
		start   time.Time
	)
	written := int64(0)

	for {
		if ctx.Err() != nil {
			return nil
		}
		pkt, _, err := pr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("output: reading TS packet: %w", err)
		}

		if pkt.AdaptationField != nil && pkt.AdaptationField.HasPCR {
			// 27 MHz ticks to wall time.
			pcr := time.Duration(pkt.AdaptationField.PCR.Time27MHz()) * 1000 / 27
			switch {
			case !havePCR:
				havePCR = true
				basePCR = pcr
				start = time.Now()
			case pcr < basePCR || pcr-basePCR-time.Since(start) > rebaseThreshold:
				log.Debug("PCR discontinuity, rebasing",
					"pcr", pcr, "base", basePCR)
				basePCR = pcr
				start = time.Now()
			default:
				if err := sleepUntil(ctx, start.Add(pcr-basePCR)); err != nil {
					return nil
				}
			}
		}

		if _, err := w.Write(pkt.Raw); err != nil {
			return fmt.Errorf("output: writing TS packet: %w", err)
		}
		written++
		stats.Packets++

		if cfg.MaxPackets > 0 && written >= cfg.MaxPackets {
			return nil
		}
	}
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
