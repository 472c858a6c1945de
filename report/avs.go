package report

import (
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/tsforge/avs"
)

// AVSConfig controls AVS reporting.
type AVSConfig struct {
	// Max stops reading after this many frames when non-zero.
	Max int
	// ShowFrames writes one line per frame as it is read.
	ShowFrames bool
	// CountSizes keeps size statistics for frames and sequence
	// headers.
	CountSizes bool
}

// AVSStats summarises the frames of an AVS elementary stream.
type AVSStats struct {
	Count           int
	Frames          int
	SequenceHeaders int
	SequenceEnds    int

	// FrameCounts is indexed by picture coding type (P, B, I).
	FrameCounts [4]int

	FrameSizes  SizeStats
	TypeSizes   [4]SizeStats
	SeqHdrSizes SizeStats

	// FrameRate is the rate from the last sequence header seen, or
	// the default when none carried one.
	FrameRate float64
}

// WriteSummary writes the closing summary block.
func (s *AVSStats) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "Found %d AVS 'frame'%s:\n"+
		"   %5d frame%s (%d I, %d P, %d B)\n"+
		"   %5d sequence header%s\n"+
		"   %5d sequence end%s\n",
		s.Count, plural(s.Count),
		s.Frames, plural(s.Frames),
		s.FrameCounts[avs.PictureCodingI],
		s.FrameCounts[avs.PictureCodingP],
		s.FrameCounts[avs.PictureCodingB],
		s.SequenceHeaders, plural(s.SequenceHeaders),
		s.SequenceEnds, plural(s.SequenceEnds))
	fmt.Fprintf(w, "At %g frames/second, that is %s\n",
		s.FrameRate, atRate(s.Frames, s.FrameRate))

	s.FrameSizes.write(w, "Frame sizes")
	for _, ct := range []byte{avs.PictureCodingI, avs.PictureCodingP, avs.PictureCodingB} {
		s.TypeSizes[ct].write(w,
			fmt.Sprintf("%s frames", avs.PictureCodingStr(ct)))
	}
	s.SeqHdrSizes.write(w, "Sequence headers")
}

func avsFrameLine(w io.Writer, frame *avs.Frame) {
	switch {
	case frame.IsFrame:
		fmt.Fprintf(w, "%s frame, picture distance %d\n",
			avs.PictureCodingStr(frame.PictureCodingType),
			frame.PictureDistance)
	case frame.IsSequenceHeader:
		fmt.Fprintf(w, "Sequence header: aspect ratio %d, frame rate %g\n",
			frame.AspectRatio, avs.FrameRate(frame.FrameRateCode))
	default:
		fmt.Fprintln(w, "Sequence end")
	}
}

// AVSFrames reads an AVS elementary stream frame by frame and
// summarises what it finds.
func AVSFrames(frames *avs.Context, w io.Writer, cfg AVSConfig) (*AVSStats, error) {
	stats := &AVSStats{FrameRate: defaultFrameRate}
	for {
		frame, err := frames.NextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("report: reading AVS frame: %w", err)
		}
		stats.Count++

		if cfg.ShowFrames {
			avsFrameLine(w, frame)
		}

		switch {
		case frame.IsFrame:
			stats.Frames++
			_, length := frame.Bounds()
			if frame.PictureCodingType >= 1 && frame.PictureCodingType <= 3 {
				stats.FrameCounts[frame.PictureCodingType]++
				if cfg.CountSizes {
					stats.TypeSizes[frame.PictureCodingType].Add(length)
				}
			}
			if cfg.CountSizes {
				stats.FrameSizes.Add(length)
			}
		case frame.IsSequenceHeader:
			if rate := avs.FrameRate(frame.FrameRateCode); rate > 0 {
				stats.FrameRate = rate
			}
			stats.SequenceHeaders++
			if cfg.CountSizes {
				_, length := frame.Bounds()
				stats.SeqHdrSizes.Add(length)
			}
		default:
			stats.SequenceEnds++
		}

		if cfg.Max > 0 && stats.Count >= cfg.Max {
			break
		}
	}
	stats.WriteSummary(w)
	return stats, nil
}
