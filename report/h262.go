package report

import (
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/tsforge/h262"
)

// H262Config controls H.262 reporting.
type H262Config struct {
	// Max stops reading after this many pictures when non-zero.
	Max int
	// ShowFrames writes one line per picture as it is read.
	ShowFrames bool
	// CountSizes keeps size statistics for frames and sequence
	// headers.
	CountSizes bool
}

// H262Stats summarises the pictures of an H.262 elementary stream.
type H262Stats struct {
	Pictures        int
	Frames          int
	SequenceHeaders int
	SequenceEnds    int

	// FrameCounts is indexed by picture coding type minus one
	// (I, P, B, D).
	FrameCounts [4]int

	FrameSizes  SizeStats
	TypeSizes   [4]SizeStats
	SeqHdrSizes SizeStats
}

// WriteSummary writes the closing summary block.
func (s *H262Stats) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "Found %d MPEG-2 picture%s:\n"+
		"   %5d frame%s (%d I, %d P, %d B, %d D)\n"+
		"   %5d sequence header%s\n"+
		"   %5d sequence end%s\n",
		s.Pictures, plural(s.Pictures),
		s.Frames, plural(s.Frames),
		s.FrameCounts[0], s.FrameCounts[1], s.FrameCounts[2], s.FrameCounts[3],
		s.SequenceHeaders, plural(s.SequenceHeaders),
		s.SequenceEnds, plural(s.SequenceEnds))
	fmt.Fprintf(w, "At %g frames/second, that is %s\n",
		defaultFrameRate, atRate(s.Frames, defaultFrameRate))

	s.FrameSizes.write(w, "Frame sizes")
	for i := range s.TypeSizes {
		s.TypeSizes[i].write(w,
			fmt.Sprintf("%s frames", h262.PictureCodingStr(byte(i+1))))
	}
	s.SeqHdrSizes.write(w, "Sequence headers")
}

func h262PictureLine(w io.Writer, pic *h262.Picture) {
	switch {
	case pic.IsPicture:
		kind := "frame"
		switch {
		case pic.WasTwoFields:
			kind = "frame (from two fields)"
		case pic.PictureStructure == 1:
			kind = "top field"
		case pic.PictureStructure == 2:
			kind = "bottom field"
		}
		fmt.Fprintf(w, "%s %s, temporal reference %d",
			h262.PictureCodingStr(pic.PictureCodingType), kind,
			pic.TemporalReference)
		if pic.IsRealAFD {
			fmt.Fprintf(w, ", AFD %x", pic.AFD&0x0F)
		}
		fmt.Fprintln(w)
	case pic.IsSequenceHeader:
		fmt.Fprintf(w, "Sequence header: aspect ratio %d, progressive %d\n",
			pic.AspectRatioInfo, pic.ProgressiveSequence)
	default:
		fmt.Fprintln(w, "Sequence end")
	}
}

// H262Frames reads an H.262 elementary stream frame by frame (fields
// merged into frames) and summarises what it finds.
func H262Frames(pics *h262.Context, w io.Writer, cfg H262Config) (*H262Stats, error) {
	stats := &H262Stats{}
	for {
		pic, err := pics.NextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("report: reading H.262 frame: %w", err)
		}
		stats.Pictures++

		if cfg.ShowFrames {
			h262PictureLine(w, pic)
		}

		switch {
		case pic.IsPicture:
			stats.Frames++
			_, length := pic.Bounds()
			if pic.PictureCodingType >= 1 && pic.PictureCodingType <= 4 {
				stats.FrameCounts[pic.PictureCodingType-1]++
				if cfg.CountSizes {
					stats.TypeSizes[pic.PictureCodingType-1].Add(length)
				}
			}
			if cfg.CountSizes {
				stats.FrameSizes.Add(length)
			}
		case pic.IsSequenceHeader:
			stats.SequenceHeaders++
			if cfg.CountSizes {
				_, length := pic.Bounds()
				stats.SeqHdrSizes.Add(length)
			}
		default:
			stats.SequenceEnds++
		}

		if cfg.Max > 0 && stats.Pictures >= cfg.Max {
			break
		}
	}
	stats.WriteSummary(w)
	return stats, nil
}

// H262Fields reads an H.262 elementary stream picture by picture,
// without merging field pairs, reporting each field found. It returns
// the number of fields and the number of frames seen.
func H262Fields(pics *h262.Context, w io.Writer, max int) (fields, frames int, err error) {
	count := 0
	seqHeaders := 0
	seqEnds := 0
	for {
		pic, err := pics.NextSinglePicture()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fields, frames, fmt.Errorf("report: reading H.262 picture: %w", err)
		}
		count++

		switch {
		case pic.IsPicture && pic.IsField():
			h262PictureLine(w, pic)
			fields++
		case pic.IsPicture:
			frames++
		case pic.IsSequenceHeader:
			seqHeaders++
		default:
			seqEnds++
		}

		if max > 0 && count >= max {
			break
		}
	}
	fmt.Fprintf(w, "Found %d MPEG-2 picture%s:\n"+
		"   %5d field%s\n"+
		"   %5d frame%s\n"+
		"   %5d sequence header%s\n"+
		"   %5d sequence end%s\n",
		count, plural(count),
		fields, plural(fields),
		frames, plural(frames),
		seqHeaders, plural(seqHeaders),
		seqEnds, plural(seqEnds))
	return fields, frames, nil
}

// H262AFDs reads an H.262 elementary stream frame by frame and reports
// only the frames at which the active format descriptor changes. It
// returns the number of frames seen.
func H262AFDs(pics *h262.Context, w io.Writer, max int) (int, error) {
	frames := 0
	// Not a value an AFD byte can take, so the first frame reports.
	var lastAFD byte
	for {
		pic, err := pics.NextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return frames, fmt.Errorf("report: reading H.262 frame: %w", err)
		}

		if pic.IsPicture {
			frames++
			if pic.AFD != lastAFD {
				fmt.Fprintf(w, "Frame %d (%s): AFD %x: ",
					frames, atRate(frames, defaultFrameRate), pic.AFD&0x0F)
				h262PictureLine(w, pic)
				lastAFD = pic.AFD
			}
		}

		if max > 0 && frames >= max {
			break
		}
	}
	fmt.Fprintf(w, "Found %d MPEG-2 frame%s, which is %s\n",
		frames, plural(frames), atRate(frames, defaultFrameRate))
	return frames, nil
}
