// Package report summarises the contents of elementary and transport
// streams: per-unit listings, frame counts and size statistics for
// H.262, H.264 and AVS video, single-character "dot" renderings of
// stream structure, and PAT/PMT program information for transport
// streams.
package report

import (
	"fmt"
	"io"
)

// defaultFrameRate is assumed when the stream does not say otherwise.
const defaultFrameRate = 25.0

// SizeStats accumulates minimum, maximum and mean sizes.
type SizeStats struct {
	Count int
	Min   int
	Max   int
	Sum   int
}

// Add records one size.
func (s *SizeStats) Add(n int) {
	if s.Count == 0 || n < s.Min {
		s.Min = n
	}
	if n > s.Max {
		s.Max = n
	}
	s.Sum += n
	s.Count++
}

// Mean returns the mean recorded size, or 0 when nothing was recorded.
func (s *SizeStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Sum) / float64(s.Count)
}

func (s *SizeStats) write(w io.Writer, label string) {
	if s.Count == 0 {
		return
	}
	if s.Min == s.Max {
		fmt.Fprintf(w, "%s were all %d bytes\n", label, s.Min)
		return
	}
	fmt.Fprintf(w, "%s ranged from %d to %d bytes, mean %.2f\n",
		label, s.Min, s.Max, s.Mean())
}

// atRate formats a frame count as minutes and seconds at the given
// frame rate.
func atRate(frames int, frameRate float64) string {
	if frameRate <= 0 {
		frameRate = defaultFrameRate
	}
	totalSeconds := float64(frames) / frameRate
	minutes := int(totalSeconds / 60)
	seconds := totalSeconds - float64(60*minutes)
	return fmt.Sprintf("%dm %.1fs (%.2fs)", minutes, seconds, totalSeconds)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
