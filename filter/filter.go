// Package filter selects a subset of the frames in a video elementary
// stream, either by "stripping" (keeping only intra pictures, and
// optionally other reference pictures) or by "filtering" (aiming to
// keep one frame in every freq, repeating the previous kept frame when
// the source cannot supply one in time).
package filter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsforge/h262"
	"github.com/zsiec/tsforge/h264"
)

// H262 filters an H.262 picture stream. A context is built either for
// stripping or for filtering; calling the method for the other mode is
// an error.
type H262 struct {
	pics *h262.Context
	log  *slog.Logger

	filter bool
	allIP  bool
	freq   int

	lastSeqHdr  *h262.Picture
	newSeqHdr   bool
	hadPrevious bool

	count         int
	framesSeen    int
	framesWritten int
}

// NewH262Strip builds a stripping context over pics. If allIP is true,
// P pictures are kept as well as I pictures.
func NewH262Strip(pics *h262.Context, allIP bool, log *slog.Logger) *H262 {
	f := newH262(pics, log)
	f.allIP = allIP
	return f
}

// NewH262 builds a filtering context over pics, aiming to keep one
// frame in every freq.
func NewH262(pics *h262.Context, freq int, log *slog.Logger) *H262 {
	f := newH262(pics, log)
	f.filter = true
	f.freq = freq
	return f
}

func newH262(pics *h262.Context, log *slog.Logger) *H262 {
	if log == nil {
		log = slog.Default()
	}
	return &H262{
		pics: pics,
		log:  log.With("component", "filter"),
	}
}

// Pictures returns the underlying picture reading context.
func (f *H262) Pictures() *h262.Context { return f.pics }

// FramesSeen returns the total number of pictures read since the
// context was built or last reset.
func (f *H262) FramesSeen() int { return f.framesSeen }

// FramesWritten returns the total number of frames handed out,
// including repeats of the previous frame.
func (f *H262) FramesWritten() int { return f.framesWritten }

// Reset readies the context to start filtering anew, forgetting the
// remembered sequence header and all counts.
func (f *H262) Reset() {
	f.lastSeqHdr = nil
	f.newSeqHdr = false
	f.hadPrevious = false
	f.count = 0
	f.framesSeen = 0
	f.framesWritten = 0
}

// NextStrippedFrame returns the next I (or, if allIP, I or P) frame.
// seqHdr is the sequence header the frame should be output after, or
// nil if it has not changed since the last call. framesSeen is the
// number of pictures read by this call, including the one returned.
//
// seqHdr is a reference into the context and is not maintained over
// calls.
func (f *H262) NextStrippedFrame() (seqHdr, frame *h262.Picture, framesSeen int, err error) {
	if f.filter {
		return nil, nil, 0, errors.New("filter: stripping with a context built for filtering")
	}

	for {
		pic, err := f.pics.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, framesSeen, io.EOF
			}
			return nil, nil, framesSeen, fmt.Errorf("filter: %w", err)
		}

		switch {
		case pic.IsPicture:
			framesSeen++
			f.framesSeen++
			if pic.PictureCodingType == h262.PictureCodingI ||
				(pic.PictureCodingType == h262.PictureCodingP && f.allIP) {
				seqHdr = nil
				if f.newSeqHdr {
					seqHdr = f.lastSeqHdr
				}
				f.newSeqHdr = false
				f.framesWritten++
				return seqHdr, pic, framesSeen, nil
			}
		case pic.IsSequenceHeader:
			f.rememberSeqHdr(pic)
		}
		// Sequence ends are dropped.
	}
}

// rememberSeqHdr keeps pic as the current sequence header, noting
// whether it differs from the one already held.
func (f *H262) rememberSeqHdr(pic *h262.Picture) {
	switch {
	case f.lastSeqHdr == nil:
		f.log.Debug("first sequence header")
		f.lastSeqHdr = pic
		f.newSeqHdr = true
	case !pic.Same(f.lastSeqHdr):
		f.log.Debug("different sequence header")
		f.lastSeqHdr = pic
		f.newSeqHdr = true
	default:
		f.log.Debug("identical sequence header")
		f.newSeqHdr = false
	}
}

// NextFilteredFrame returns the next I frame, aiming for an apparent
// kept frequency of one frame in every freq. A nil frame with a nil
// error means the previous frame should be output again. seqHdr is the
// sequence header for the frame, nil whenever frame is nil.
//
// Pictures are read with synthetic AFD insertion enabled, so that kept
// I pictures always carry an aspect ratio description.
func (f *H262) NextFilteredFrame() (seqHdr, frame *h262.Picture, framesSeen int, err error) {
	if !f.filter {
		return nil, nil, 0, errors.New("filter: filtering with a context built for stripping")
	}

	for {
		f.pics.AddFakeAFD = true
		pic, err := f.pics.NextFrame()
		f.pics.AddFakeAFD = false
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, framesSeen, io.EOF
			}
			return nil, nil, framesSeen, fmt.Errorf("filter: %w", err)
		}

		if pic.IsSequenceHeader {
			f.lastSeqHdr = pic
			continue
		}
		if !pic.IsPicture {
			continue
		}

		f.count++
		framesSeen++
		f.framesSeen++

		switch {
		case pic.PictureCodingType == h262.PictureCodingI && f.count < f.freq:
			f.log.Debug("drop: too soon", "count", f.count, "freq", f.freq)
		case pic.PictureCodingType != h262.PictureCodingI:
			f.log.Debug("drop: not an I picture",
				"coding_type", h262.PictureCodingStr(pic.PictureCodingType))
			if f.repeatWanted() {
				f.log.Debug("output previous picture again")
				f.framesWritten++
				return nil, nil, framesSeen, nil
			}
		default:
			f.log.Debug("keep", "count", f.count, "freq", f.freq)
			f.count = 0
			f.hadPrevious = true
			f.framesWritten++
			return f.lastSeqHdr, pic, framesSeen, nil
		}
	}
}

// repeatWanted reports whether the apparent output frequency has
// fallen behind enough that the previous frame should be repeated.
func (f *H262) repeatWanted() bool {
	if f.freq <= 0 || !f.hadPrevious {
		return false
	}
	return f.framesSeen/f.freq-f.framesWritten > 0
}

// H264 filters an H.264 access unit stream. As for H262, a context is
// built for one of the two modes.
type H264 struct {
	aus *h264.Context
	log *slog.Logger

	filter bool
	allref bool
	freq   int

	// skippedRefPic is true if a reference picture has been dropped
	// since the last kept IDR, making P pictures unsafe to keep.
	skippedRefPic bool
	// lastKeptWasNotIDR starts true so that the first IDR found is
	// kept regardless of the count.
	lastKeptWasNotIDR bool
	hadPrevious       bool
	notHadIDR         bool

	count         int
	framesSeen    int
	framesWritten int
}

// NewH264Strip builds a stripping context over aus. If allref is true,
// all reference pictures are kept, not just IDR and all-I ones.
func NewH264Strip(aus *h264.Context, allref bool, log *slog.Logger) *H264 {
	f := newH264(aus, log)
	f.allref = allref
	return f
}

// NewH264 builds a filtering context over aus, aiming to keep one
// frame in every freq.
func NewH264(aus *h264.Context, freq int, log *slog.Logger) *H264 {
	f := newH264(aus, log)
	f.filter = true
	f.freq = freq
	return f
}

func newH264(aus *h264.Context, log *slog.Logger) *H264 {
	if log == nil {
		log = slog.Default()
	}
	f := &H264{
		aus: aus,
		log: log.With("component", "filter"),
	}
	f.Reset()
	return f
}

// AccessUnits returns the underlying access unit reading context.
func (f *H264) AccessUnits() *h264.Context { return f.aus }

// FramesSeen returns the total number of access units read since the
// context was built or last reset.
func (f *H264) FramesSeen() int { return f.framesSeen }

// FramesWritten returns the total number of access units handed out,
// including repeats.
func (f *H264) FramesWritten() int { return f.framesWritten }

// Reset readies the context to start filtering anew.
func (f *H264) Reset() {
	f.skippedRefPic = false
	f.lastKeptWasNotIDR = true
	f.hadPrevious = false
	f.notHadIDR = true
	f.count = 0
	f.framesSeen = 0
	f.framesWritten = 0
}

// NextStrippedFrame returns the next IDR or all-I frame (or, if
// allref, any reference picture). framesSeen is the number of access
// units read by this call, including the one returned.
func (f *H264) NextStrippedFrame() (frame *h264.AccessUnit, framesSeen int, err error) {
	if f.filter {
		return nil, 0, errors.New("filter: stripping with a context built for filtering")
	}

	for {
		au, err := f.aus.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, framesSeen, io.EOF
			}
			return nil, framesSeen, fmt.Errorf("filter: %w", err)
		}

		framesSeen++
		f.framesSeen++

		keep := false
		switch {
		case au.PrimaryStart == nil:
			f.log.Debug("drop: no primary picture")
		case au.PrimaryStart.RefIdc == 0:
			f.log.Debug("drop: not a reference picture")
		case f.allref:
			keep = au.PrimaryStart.Type == h264.NALTypeIDR ||
				au.PrimaryStart.Type == h264.NALTypeSlice
		case au.PrimaryStart.Type == h264.NALTypeIDR:
			f.log.Debug("keep: IDR picture")
			keep = true
		case au.PrimaryStart.Type == h264.NALTypeSlice && au.AllSlicesI():
			f.log.Debug("keep: all slices I")
			keep = true
		default:
			f.log.Debug("drop: not IDR or all slices I")
		}
		if keep {
			f.framesWritten++
			return au, framesSeen, nil
		}
	}
}

// NextFilteredFrame returns the next frame to output, aiming for an
// apparent kept frequency of one frame in every freq. A nil frame with
// a nil error means the previous frame should be output again.
//
// IDR pictures are kept regardless of the count when the last kept
// frame was not an IDR, or when no IDR has been kept yet. P frames are
// only kept if no reference picture has been dropped since the last
// kept IDR.
func (f *H264) NextFilteredFrame() (frame *h264.AccessUnit, framesSeen int, err error) {
	if !f.filter {
		return nil, 0, errors.New("filter: filtering with a context built for stripping")
	}

	for {
		au, err := f.aus.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, framesSeen, io.EOF
			}
			return nil, framesSeen, fmt.Errorf("filter: %w", err)
		}

		f.count++
		framesSeen++
		f.framesSeen++

		keep := false
		isIDR := au.PrimaryStart != nil && au.PrimaryStart.Type == h264.NALTypeIDR
		switch {
		case au.PrimaryStart == nil:
			f.log.Debug("drop: no primary picture", "count", f.count, "freq", f.freq)
		case au.PrimaryStart.RefIdc == 0:
			f.log.Debug("drop: not a reference picture", "count", f.count, "freq", f.freq)
		case isIDR && f.lastKeptWasNotIDR:
			// IDR pictures are the backwards-reference limit for
			// everything after them, so keep this one regardless.
			f.log.Debug("keep: IDR and last kept was not", "count", f.count, "freq", f.freq)
			keep = true
			f.notHadIDR = false
			f.skippedRefPic = false
			f.lastKeptWasNotIDR = false
		case isIDR && f.notHadIDR:
			f.log.Debug("keep: first IDR of filter run", "count", f.count, "freq", f.freq)
			keep = true
			f.skippedRefPic = false
			f.lastKeptWasNotIDR = false
		case f.count < f.freq:
			f.log.Debug("drop: too soon", "count", f.count, "freq", f.freq)
			f.skippedRefPic = true
		case isIDR:
			f.log.Debug("keep: IDR", "count", f.count, "freq", f.freq)
			keep = true
			f.skippedRefPic = false
			f.lastKeptWasNotIDR = false
		case au.AllSlicesI():
			f.log.Debug("keep: I frame", "count", f.count, "freq", f.freq)
			keep = true
			f.lastKeptWasNotIDR = true
		case !f.skippedRefPic && au.AllSlicesIOrP():
			// All reference pictures since the last IDR have been
			// kept, so this P frame can still be decoded.
			f.log.Debug("keep: P frame, no skipped reference pictures",
				"count", f.count, "freq", f.freq)
			keep = true
			f.lastKeptWasNotIDR = true
		default:
			f.log.Debug("drop: reference picture skipped earlier",
				"count", f.count, "freq", f.freq)
			f.skippedRefPic = true
		}

		if keep {
			f.hadPrevious = true
			f.framesWritten++
			f.count = 0
			return au, framesSeen, nil
		}
		if f.freq > 0 && f.hadPrevious && f.framesSeen/f.freq-f.framesWritten > 0 {
			f.log.Debug("output previous access unit again")
			f.framesWritten++
			return nil, framesSeen, nil
		}
	}
}
