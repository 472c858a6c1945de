package report

import (
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/tsforge/avs"
	"github.com/zsiec/tsforge/es"
	"github.com/zsiec/tsforge/h262"
	"github.com/zsiec/tsforge/h264"
)

// DotsConfig controls the single-character stream renderings.
type DotsConfig struct {
	// Max stops reading after this many items (H.262), frames (AVS)
	// or access units (H.264) when non-zero.
	Max int
	// FrameRate is used to turn GOP sizes into durations. Zero means
	// the default rate; AVS sequence headers override it as they are
	// seen.
	FrameRate float64
	// ShowGOPTime writes each GOP duration as it completes.
	ShowGOPTime bool
}

// GOPStats accumulates the durations, in seconds, between successive
// random access points.
type GOPStats struct {
	Count int
	Min   float64
	Max   float64
	Total float64
}

func (g *GOPStats) add(seconds float64) {
	if g.Count == 0 || seconds < g.Min {
		g.Min = seconds
	}
	if seconds > g.Max {
		g.Max = seconds
	}
	g.Total += seconds
	g.Count++
}

// Mean returns the mean GOP duration, or 0 when none completed.
func (g *GOPStats) Mean() float64 {
	if g.Count == 0 {
		return 0
	}
	return g.Total / float64(g.Count)
}

func (g *GOPStats) write(w io.Writer, frameRate float64) {
	if g.Count == 0 {
		return
	}
	fmt.Fprintf(w, "GOP times (s): max=%.4f, min=%.4f, mean=%.6f (frame rate = %.2f)\n",
		g.Max, g.Min, g.Mean(), frameRate)
}

// H262DotsStats summarises an H.262 dots rendering.
type H262DotsStats struct {
	Items int
	I     int
	P     int
	B     int
	GOPs  GOPStats
}

func h262Dot(it *h262.Item) byte {
	switch {
	case it.IsPicture():
		switch it.PictureCodingType {
		case h262.PictureCodingI:
			return 'i'
		case h262.PictureCodingP:
			return 'p'
		case h262.PictureCodingB:
			return 'b'
		case h262.PictureCodingD:
			return 'd'
		default:
			return 'x'
		}
	case it.IsSlice():
		return 0 // slices are not shown
	}
	switch it.Unit.StartCode {
	case 0xB0, 0xB1, 0xB6:
		return 'R' // reserved
	case h262.StartCodeUserData:
		return 'U'
	case h262.StartCodeSequenceHeader:
		return '['
	case h262.StartCodeSequenceError:
		return 'X'
	case h262.StartCodeExtension:
		return 'E'
	case h262.StartCodeSequenceEnd:
		return ']'
	case h262.StartCodeGroup:
		return '>'
	default:
		return '?'
	}
}

// H262Dots renders an H.262 elementary stream as one character per
// item, pictures by coding type and slices suppressed, and reports the
// time between sequence headers as GOP durations.
func H262Dots(r *es.Reader, w io.Writer, cfg DotsConfig) (*H262DotsStats, error) {
	frameRate := cfg.FrameRate
	if frameRate <= 0 {
		frameRate = defaultFrameRate
	}

	stats := &H262DotsStats{}
	frames := 0
	gopStartFrame := 0
	sawSeqHdr := false

	for {
		it, err := h262.NextItem(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("report: reading H.262 item: %w", err)
		}
		stats.Items++

		if it.Unit.StartCode == h262.StartCodeSequenceHeader {
			delta := float64(frames-gopStartFrame) / frameRate
			if sawSeqHdr {
				stats.GOPs.add(delta)
				if cfg.ShowGOPTime {
					fmt.Fprintf(w, ": %.4fs\n", delta)
				}
			}
			sawSeqHdr = true
			gopStartFrame = frames
		}

		if it.IsPicture() {
			frames++
			switch it.PictureCodingType {
			case h262.PictureCodingI:
				stats.I++
			case h262.PictureCodingP:
				stats.P++
			case h262.PictureCodingB:
				stats.B++
			}
		}

		if ch := h262Dot(it); ch != 0 {
			fmt.Fprintf(w, "%c", ch)
		}

		if cfg.Max > 0 && stats.Items >= cfg.Max {
			break
		}
	}
	fmt.Fprintf(w, "\nFound %d MPEG-2 item%s\n", stats.Items, plural(stats.Items))
	fmt.Fprintf(w, "%d I, %d P, %d B\n", stats.I, stats.P, stats.B)
	stats.GOPs.write(w, frameRate)
	return stats, nil
}

// AVSDotsStats summarises an AVS dots rendering.
type AVSDotsStats struct {
	Items  int
	Frames int
}

// AVSDots renders an AVS elementary stream as one character per frame
// or header. Sequence headers update the frame rate used for any
// timing shown.
func AVSDots(frames *avs.Context, w io.Writer, cfg DotsConfig) (*AVSDotsStats, error) {
	stats := &AVSDotsStats{}
	for {
		frame, err := frames.NextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("report: reading AVS frame: %w", err)
		}
		stats.Items++

		switch {
		case frame.IsFrame:
			stats.Frames++
			switch frame.PictureCodingType {
			case avs.PictureCodingI:
				fmt.Fprint(w, "i")
			case avs.PictureCodingP:
				fmt.Fprint(w, "p")
			case avs.PictureCodingB:
				fmt.Fprint(w, "b")
			default:
				fmt.Fprint(w, "!")
			}
		case frame.StartCode < 0xB0:
			// A stray slice, normally only at the start of a stream.
			fmt.Fprint(w, "_")
		default:
			switch frame.StartCode {
			case avs.StartCodeSequenceHeader:
				fmt.Fprint(w, "[")
			case avs.StartCodeSequenceEnd:
				fmt.Fprint(w, "]")
			case avs.StartCodeUserData:
				fmt.Fprint(w, "U")
			case avs.StartCodeExtension:
				fmt.Fprint(w, "E")
			case avs.StartCodeVideoEdit:
				fmt.Fprint(w, "V")
			default:
				fmt.Fprintf(w, "<%x>", frame.StartCode)
			}
		}

		if cfg.Max > 0 && stats.Frames >= cfg.Max {
			break
		}
	}
	fmt.Fprintf(w, "\nFound %d frame%s in %d AVS item%s\n",
		stats.Frames, plural(stats.Frames), stats.Items, plural(stats.Items))
	return stats, nil
}

// H264DotsStats summarises an H.264 dots rendering.
type H264DotsStats struct {
	AccessUnits int
	NALUnits    int
	IDR         int
	I           int
	P           int
	B           int
	GOPs        GOPStats
}

// H264Dots renders an H.264 elementary stream as one classification
// character per access unit, and reports the distance between random
// access points (IDRs and reference all-I pictures) as GOP durations.
func H264Dots(aus *h264.Context, w io.Writer, cfg DotsConfig) (*H264DotsStats, error) {
	frameRate := cfg.FrameRate
	if frameRate <= 0 {
		frameRate = defaultFrameRate
	}

	stats := &H264DotsStats{}
	sawRAP := false
	rapStart := 0

	for {
		au, err := aus.NextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("report: reading access unit: %w", err)
		}

		if au.IsRandomAccessPoint(false) {
			if sawRAP {
				gopSize := stats.AccessUnits - rapStart
				seconds := float64(gopSize) / frameRate
				stats.GOPs.add(seconds)
				if cfg.ShowGOPTime {
					fmt.Fprintf(w, ": %.4fs\n", seconds)
				}
			}
			sawRAP = true
			rapStart = stats.AccessUnits
		}

		ch := au.Classify()
		switch ch {
		case 'D', 'd':
			stats.IDR++
		case 'I', 'i':
			stats.I++
		case 'P', 'p':
			stats.P++
		case 'B', 'b':
			stats.B++
		}
		fmt.Fprintf(w, "%c", ch)
		stats.AccessUnits++

		if aus.EndOfStream() != nil {
			fmt.Fprintln(w, "\nStopping at end-of-stream NAL unit")
			break
		}
		if cfg.Max > 0 && stats.AccessUnits >= cfg.Max {
			break
		}
	}

	stats.NALUnits = aus.NALReader().Count()
	fmt.Fprintf(w, "\nFound %d NAL unit%s in %d access unit%s\n",
		stats.NALUnits, plural(stats.NALUnits),
		stats.AccessUnits, plural(stats.AccessUnits))
	fmt.Fprintf(w, "%d IDR, %d I, %d P, %d B access units\n",
		stats.IDR, stats.I, stats.P, stats.B)
	stats.GOPs.write(w, frameRate)
	return stats, nil
}
