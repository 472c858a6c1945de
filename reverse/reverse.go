// Package reverse plays video backwards. A forward pass over the
// stream remembers where the I (H.262) or IDR and all-I (H.264)
// pictures live; the output pass then walks that index from the end,
// re-reading each remembered picture and writing it out, with optional
// decimation for faster apparent reversal.
//
// H.262 pictures are re-read through the picture assembler so that a
// synthetic AFD can be inserted where the original picture had none,
// and each picture is preceded by its governing sequence header when
// that changes. H.264 output should be primed with the remembered
// parameter sets first (WriteParameterSets).
package reverse

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsforge/es"
	"github.com/zsiec/tsforge/h262"
	"github.com/zsiec/tsforge/h264"
)

// Entry is one remembered item: a picture, or (H.262 only) a sequence
// header.
type Entry struct {
	// Index is the picture's ordinal in the stream, counted over all
	// pictures including the ones not remembered. The first picture
	// has index 1. Zero for sequence header entries.
	Index  int
	Start  es.Offset
	Length int
	// SeqOffset is how many entries back the governing sequence
	// header is; 0 marks the entry as itself a sequence header.
	// Always 0 for H.264 data.
	SeqOffset byte
	// AFD is the AFD in force for an H.262 picture.
	AFD byte
}

// Stats summarises a collection and reversal run.
type Stats struct {
	Seen    int // pictures read by the forward pass
	Kept    int // pictures remembered in the index
	Written int // pictures written by the output pass
}

// Data is the reverse-play index. Build one with NewData, fill it with
// CollectH262 or CollectH264 (or the Remember methods directly), then
// emit with OutputInReverse or OutputLast.
type Data struct {
	log    *slog.Logger
	isH264 bool

	entries     []Entry
	numPictures int
	// lastPosnAdded is the entry the input stream is positioned
	// after: collection past already-known entries just re-verifies
	// them, and reversal moves it backwards.
	lastPosnAdded int

	countSinceSeqHdr byte
	seen             int
	written          int

	h262ctx *h262.Context
	h264ctx *h264.Context
}

// NewData builds an empty index. isH264 selects which video layer the
// index describes; the H.262 form additionally tracks sequence headers
// and AFDs. If log is nil, slog.Default() is used.
func NewData(isH264 bool, log *slog.Logger) *Data {
	if log == nil {
		log = slog.Default()
	}
	return &Data{
		log:           log.With("component", "reverse"),
		isH264:        isH264,
		lastPosnAdded: -1,
	}
}

// IsH264 reports which video layer the index describes.
func (d *Data) IsH264() bool { return d.isH264 }

// Len returns the number of entries, sequence headers included.
func (d *Data) Len() int { return len(d.entries) }

// NumPictures returns the number of picture entries.
func (d *Data) NumPictures() int { return d.numPictures }

// Entry returns entry which, counted from 0.
func (d *Data) Entry(which int) (Entry, error) {
	if which < 0 || which >= len(d.entries) {
		return Entry{}, fmt.Errorf("reverse: entry %d is out of range 0-%d",
			which, len(d.entries)-1)
	}
	return d.entries[which], nil
}

// Stats returns the forward/output pass counts so far.
func (d *Data) Stats() Stats {
	return Stats{Seen: d.seen, Kept: d.numPictures, Written: d.written}
}

func (d *Data) isSeqHeaderEntry(which int) bool {
	return !d.isH264 && d.entries[which].SeqOffset == 0
}

// remember appends e, unless the stream has been rewound and is moving
// forwards over ground already covered, in which case the entry must
// match what was recorded before and only the position marker moves.
func (d *Data) remember(e Entry) error {
	if next := d.lastPosnAdded + 1; next < len(d.entries) {
		if e.Start.Compare(d.entries[next].Start) != 0 {
			return fmt.Errorf(
				"reverse: picture %d at %d/%d does not match existing entry %d at %d/%d",
				e.Index, e.Start.Infile, e.Start.Inpacket,
				next, d.entries[next].Start.Infile, d.entries[next].Start.Inpacket)
		}
		d.lastPosnAdded = next
		return nil
	}
	if e.SeqOffset != 0 || d.isH264 {
		d.numPictures++
	}
	d.entries = append(d.entries, e)
	d.lastPosnAdded = len(d.entries) - 1
	return nil
}

// RememberPicture adds an H.262 I picture or sequence header to the
// index. Other pictures are ignored.
func (d *Data) RememberPicture(pic *h262.Picture, pictureIndex int) error {
	if d.isH264 {
		return errors.New("reverse: H.262 picture offered to an H.264 index")
	}
	switch {
	case pic.IsPicture && pic.PictureCodingType == h262.PictureCodingI:
		d.countSinceSeqHdr++
		start, length := pic.Bounds()
		return d.remember(Entry{
			Index:     pictureIndex,
			Start:     start,
			Length:    length,
			SeqOffset: d.countSinceSeqHdr,
			AFD:       pic.AFD,
		})
	case pic.IsSequenceHeader:
		d.countSinceSeqHdr = 0
		start, length := pic.Bounds()
		return d.remember(Entry{Start: start, Length: length})
	}
	return nil
}

// RememberAccessUnit adds an H.264 access unit to the index if it is a
// reference IDR or all-I picture. Other access units are ignored.
func (d *Data) RememberAccessUnit(au *h264.AccessUnit) error {
	if !d.isH264 {
		return errors.New("reverse: access unit offered to an H.262 index")
	}
	if au.PrimaryStart == nil || au.PrimaryStart.RefIdc == 0 {
		return nil
	}
	if au.PrimaryStart.Type != h264.NALTypeIDR && !au.AllSlicesI() {
		return nil
	}
	start, length, err := au.Bounds()
	if err != nil {
		return fmt.Errorf("reverse: bounds of access unit %d: %w", au.Index, err)
	}
	return d.remember(Entry{Index: au.Index, Start: start, Length: length})
}

// CollectH262 reads pictures from ctx to the end of the stream (or
// until max pictures, when max is non-zero), remembering the I
// pictures and sequence headers. If reading fails after at least one
// entry has been remembered, a warning is logged and the partial index
// is kept; failure with an empty index is an error.
func (d *Data) CollectH262(ctx *h262.Context, max int) error {
	if d.isH264 {
		return errors.New("reverse: H.262 collection on an H.264 index")
	}
	d.h262ctx = ctx

	count := 0
	for {
		pic, err := ctx.NextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return d.collectionFailed(err)
		}
		if pic.IsPicture {
			count++
			d.seen++
		}
		if err := d.RememberPicture(pic, ctx.PictureIndex()); err != nil {
			return err
		}
		if max > 0 && count >= max {
			return nil
		}
	}
}

// CollectH264 reads access units from ctx to the end of the stream (or
// until max access units, when max is non-zero), remembering reference
// IDR and all-I pictures. Partial failure is handled as for
// CollectH262.
func (d *Data) CollectH264(ctx *h264.Context, max int) error {
	if !d.isH264 {
		return errors.New("reverse: H.264 collection on an H.262 index")
	}
	d.h264ctx = ctx

	count := 0
	for {
		au, err := ctx.NextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return d.collectionFailed(err)
		}
		count++
		d.seen++
		if err := d.RememberAccessUnit(au); err != nil {
			return err
		}
		if ctx.EndOfStream() != nil {
			return nil
		}
		if max > 0 && count >= max {
			return nil
		}
	}
}

func (d *Data) collectionFailed(err error) error {
	if len(d.entries) > 0 {
		d.log.Warn("collection failed, reversing with a partial index",
			"entries", len(d.entries), "err", err)
		return nil
	}
	return fmt.Errorf("reverse: collecting pictures: %w", err)
}
