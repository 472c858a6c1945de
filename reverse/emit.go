package reverse

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/tsforge/es"
	"github.com/zsiec/tsforge/mpegts"
)

// Writer receives reversed picture data, one picture (or parameter
// set, or sequence header) per call.
type Writer interface {
	Write(data []byte) error
}

// ESWriter writes picture data out as a raw elementary stream.
type ESWriter struct {
	W io.Writer
}

func (w ESWriter) Write(data []byte) error {
	if _, err := w.W.Write(data); err != nil {
		return fmt.Errorf("reverse: writing ES data: %w", err)
	}
	return nil
}

// TSWriter wraps each picture in a PES packet and writes it out as
// transport stream packets, stamping a synthetic PTS that increases by
// PTSStep per picture.
type TSWriter struct {
	TS       *mpegts.Writer
	PID      uint16
	StreamID byte

	// PTS is the timestamp for the next picture; PTSStep is added
	// after each one. A zero PTSStep means 3600 (25 frames/second at
	// 90kHz).
	PTS     uint64
	PTSStep uint64
}

// NewTSWriter builds a TSWriter with the default video PID, stream id
// and a 25 frames/second timestamp step.
func NewTSWriter(ts *mpegts.Writer) *TSWriter {
	return &TSWriter{
		TS:       ts,
		PID:      mpegts.DefaultVideoPID,
		StreamID: mpegts.DefaultVideoStreamID,
		PTSStep:  3600,
	}
}

func (w *TSWriter) Write(data []byte) error {
	step := w.PTSStep
	if step == 0 {
		step = 3600
	}
	t := mpegts.Timing{HasPTS: true, PTS: w.PTS}
	w.PTS += step
	return w.TS.WriteES(w.PID, w.StreamID, data, t)
}

// WriteParameterSets primes H.264 output by writing every remembered
// sequence parameter set and then every picture parameter set, in the
// order they were seen. Reversed pictures may then refer to any of
// them.
func (d *Data) WriteParameterSets(w Writer) error {
	if !d.isH264 {
		return errors.New("reverse: parameter sets only apply to H.264 data")
	}
	if d.h264ctx == nil {
		return errors.New("reverse: no H.264 context attached")
	}
	r := d.h264ctx.NALReader()
	write := func(kind string, id uint, posn es.Offset, length int) error {
		data, err := r.ES().ReadData(posn, length)
		if err != nil {
			return fmt.Errorf("reverse: reading %s parameter set %d: %w", kind, id, err)
		}
		return w.Write(data)
	}
	err := r.SPSDict().Each(func(id uint, posn es.Offset, length int) error {
		return write("sequence", id, posn, length)
	})
	if err != nil {
		return err
	}
	return r.PPSDict().Each(func(id uint, posn es.Offset, length int) error {
		return write("picture", id, posn, length)
	})
}

// esReader returns the elementary stream the pictures were collected
// from.
func (d *Data) esReader() (*es.Reader, error) {
	switch {
	case d.h262ctx != nil:
		return d.h262ctx.ES(), nil
	case d.h264ctx != nil:
		return d.h264ctx.NALReader().ES(), nil
	default:
		return nil, errors.New("reverse: no stream context attached")
	}
}

// writeSeqHeader re-reads and writes the sequence header at entry
// seqIndex.
func (d *Data) writeSeqHeader(r *es.Reader, w Writer, seqIndex int) error {
	e, err := d.Entry(seqIndex)
	if err != nil {
		return err
	}
	data, err := r.ReadData(e.Start, e.Length)
	if err != nil {
		return fmt.Errorf("reverse: reading sequence header at entry %d: %w", seqIndex, err)
	}
	return w.Write(data)
}

// writeH262Picture re-reads the picture at start through the picture
// assembler, inserting a synthetic AFD if the picture has none of its
// own, and writes it out.
func (d *Data) writeH262Picture(w Writer, start es.Offset, afd byte) error {
	ctx := d.h262ctx
	if err := ctx.Seek(start); err != nil {
		return fmt.Errorf("reverse: seeking to picture: %w", err)
	}
	ctx.AddFakeAFD = true
	ctx.SetLastAFD(afd)
	index := ctx.PictureIndex()
	pic, err := ctx.NextFrame()
	ctx.AddFakeAFD = false
	ctx.SetPictureIndex(index)
	if err != nil {
		return fmt.Errorf("reverse: re-reading picture: %w", err)
	}
	var buf bytes.Buffer
	if err := pic.Write(&buf); err != nil {
		return err
	}
	return w.Write(buf.Bytes())
}

// writeEntry writes the picture at entry which, preceded (for H.262)
// by its sequence header when that differs from *lastSeqIndex.
func (d *Data) writeEntry(r *es.Reader, w Writer, which int, lastSeqIndex *int) error {
	e := d.entries[which]

	if !d.isH264 {
		seqIndex := which - int(e.SeqOffset)
		if seqIndex != *lastSeqIndex {
			if err := d.writeSeqHeader(r, w, seqIndex); err != nil {
				return err
			}
			*lastSeqIndex = seqIndex
		}
		if err := d.writeH262Picture(w, e.Start, e.AFD); err != nil {
			return err
		}
	} else {
		data, err := r.ReadData(e.Start, e.Length)
		if err != nil {
			return fmt.Errorf("reverse: reading picture at entry %d: %w", which, err)
		}
		if err := w.Write(data); err != nil {
			return err
		}
	}

	// Let the reading context know where in the picture sequence the
	// stream now is, and remember how far back we are for when the
	// stream moves forwards again.
	if d.isH264 {
		d.h264ctx.SetAccessUnitIndex(e.Index)
	} else {
		d.h262ctx.SetPictureIndex(e.Index)
	}
	d.lastPosnAdded = which
	d.written++
	return nil
}

// OutputInReverse writes the remembered pictures backwards, from entry
// startWith (-1 meaning the current position in the index, values off
// the end meaning the last entry) down to the first. A non-zero
// frequency keeps roughly one remembered picture in every frequency
// stream pictures, judged by the gap between picture ordinals; the
// earliest picture is always written, so reversal always reaches the
// start. A non-zero max stops after at least max stream pictures have
// been reversed past.
//
// An empty index is an error.
func (d *Data) OutputInReverse(w Writer, frequency, startWith, max int) error {
	r, err := d.esReader()
	if err != nil {
		return err
	}
	if d.numPictures == 0 {
		return errors.New("reverse: no pictures remembered")
	}
	d.written = 0

	first := 0
	for d.isSeqHeaderEntry(first) {
		first++
	}

	start := startWith
	switch {
	case startWith < -1:
		return nil
	case startWith == -1:
		start = d.lastPosnAdded
	case startWith > len(d.entries)-1:
		start = len(d.entries) - 1
	}
	for start > 0 && d.isSeqHeaderEntry(start) {
		start--
	}
	if start < first {
		return nil
	}

	// The ordinal of the latest picture of interest; pictures are
	// decimated by their ordinal gap so that reversal speed tracks
	// stream time, not index density. The first gap is forged so the
	// starting picture is always written.
	finalIndex := d.entries[start].Index
	lastIndex := finalIndex + frequency

	lastSeqIndex := -1
	for ii := start; ii >= first; ii-- {
		e := d.entries[ii]
		keep := false
		switch {
		case !d.isH264 && e.SeqOffset == 0:
			// Sequence headers are written with their pictures.
		case frequency != 0:
			if gap := lastIndex - e.Index; gap < frequency {
				d.log.Debug("drop: too soon", "entry", ii, "picture", e.Index,
					"gap", gap, "frequency", frequency)
			} else {
				keep = true
				lastIndex = e.Index
			}
		default:
			keep = true
		}
		if ii == first {
			keep = true
		}

		if keep {
			d.log.Debug("write picture", "entry", ii, "picture", e.Index,
				"length", e.Length)
			if err := d.writeEntry(r, w, ii, &lastSeqIndex); err != nil {
				return err
			}
		}

		if max != 0 && finalIndex-e.Index+1 >= max {
			d.log.Debug("stopping at max", "max", max, "picture", e.Index)
			break
		}
	}
	return nil
}

// OutputLast writes the offset-th picture from the end of the index
// (0 meaning the last picture; sequence headers do not count),
// preceded by its sequence header for H.262 data. It is meant for
// stepping backwards one picture at a time after the stream has been
// played forwards.
func (d *Data) OutputLast(w Writer, offset int) error {
	r, err := d.esReader()
	if err != nil {
		return err
	}
	if d.numPictures == 0 {
		return errors.New("reverse: no pictures remembered")
	}

	which := len(d.entries) - 1
	if which > 0 && d.isSeqHeaderEntry(which) {
		which--
	}
	for uu := 0; uu < offset; uu++ {
		if which > 1 {
			which--
			if d.isSeqHeaderEntry(which) {
				which--
			}
		}
	}

	lastSeqIndex := -1
	return d.writeEntry(r, w, which, &lastSeqIndex)
}
