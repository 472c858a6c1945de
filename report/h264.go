package report

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/zsiec/ccx"

	"github.com/zsiec/tsforge/h264"
)

// NALStats counts the NAL units of an H.264 elementary stream by
// nal_ref_idc, unit type and slice type.
type NALStats struct {
	Count      int
	RefIdcs    [4]int
	UnitTypes  map[byte]int
	SliceTypes map[uint]int
}

// WriteSummary writes the closing summary block.
func (s *NALStats) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "Found %d NAL unit%s\n", s.Count, plural(s.Count))

	fmt.Fprintln(w, "nal_ref_idc:")
	for i, n := range s.RefIdcs {
		if n > 0 {
			note := ""
			if i == 0 {
				note = " (non-reference)"
			}
			fmt.Fprintf(w, "  %8d of %2d%s\n", n, i, note)
		}
	}

	fmt.Fprintln(w, "nal_unit_type:")
	for _, t := range sortedKeys(s.UnitTypes) {
		fmt.Fprintf(w, "  %8d of type %2d (%s)\n",
			s.UnitTypes[t], t, h264.NALTypeStr(t))
	}

	fmt.Fprintln(w, "slice_type:")
	for _, t := range sortedKeysUint(s.SliceTypes) {
		fmt.Fprintf(w, "  %8d of type %2d (%s)\n",
			s.SliceTypes[t], t, h264.SliceTypeStr(t))
	}
}

func sortedKeys(m map[byte]int) []byte {
	keys := make([]byte, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedKeysUint(m map[uint]int) []uint {
	keys := make([]uint, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedKeysInt(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// NALUnits reads an H.264 elementary stream NAL unit by NAL unit and
// counts what it finds. Broken NAL units are skipped. If max is
// non-zero, reading stops after max units.
func NALUnits(r *h264.Reader, w io.Writer, max int) (*NALStats, error) {
	stats := &NALStats{
		UnitTypes:  make(map[byte]int),
		SliceTypes: make(map[uint]int),
	}
	for {
		if max > 0 && stats.Count >= max {
			break
		}
		nal, err := r.NextNAL()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, h264.ErrMalformedNAL) {
			fmt.Fprintln(w, "... ignoring broken NAL unit")
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("report: reading NAL unit: %w", err)
		}
		stats.Count++

		stats.RefIdcs[nal.RefIdc]++
		stats.UnitTypes[nal.Type]++
		if nal.IsSlice() && nal.Slice != nil {
			stats.SliceTypes[nal.Slice.SliceType]++
		}
	}
	stats.WriteSummary(w)
	return stats, nil
}

// CaptionStats records which closed caption channels were seen in SEI
// caption data, keyed by CEA-608 channel and CEA-708 service number.
type CaptionStats struct {
	CEA608Channels map[int]int
	CEA708Services map[int]int
}

// Empty reports whether no caption data was seen at all.
func (s *CaptionStats) Empty() bool {
	return len(s.CEA608Channels) == 0 && len(s.CEA708Services) == 0
}

// WriteSummary writes the caption channel summary.
func (s *CaptionStats) WriteSummary(w io.Writer) {
	if s.Empty() {
		fmt.Fprintln(w, "No caption data found")
		return
	}
	for _, ch := range sortedKeysInt(s.CEA608Channels) {
		fmt.Fprintf(w, "CEA-608 channel %d: %d byte pair%s\n",
			ch, s.CEA608Channels[ch], plural(s.CEA608Channels[ch]))
	}
	for _, svc := range sortedKeysInt(s.CEA708Services) {
		fmt.Fprintf(w, "CEA-708 service %d: %d block%s\n",
			svc, s.CEA708Services[svc], plural(s.CEA708Services[svc]))
	}
}

// captionDetector accumulates caption presence from SEI NAL units.
// DTVCC byte pairs are buffered until a packet start arrives, then the
// completed packet is parsed into service blocks.
type captionDetector struct {
	stats    CaptionStats
	dtvccBuf []byte
}

func newCaptionDetector() *captionDetector {
	return &captionDetector{
		stats: CaptionStats{
			CEA608Channels: make(map[int]int),
			CEA708Services: make(map[int]int),
		},
	}
}

func (c *captionDetector) feedSEI(seiData []byte) {
	cd := ccx.ExtractCaptions(seiData)
	if cd == nil {
		return
	}
	for _, pair := range cd.CC608Pairs {
		c.stats.CEA608Channels[pair.Channel]++
	}
	for _, t := range cd.DTVCC {
		if t.Start {
			c.drainDTVCC()
			c.dtvccBuf = c.dtvccBuf[:0]
		}
		c.dtvccBuf = append(c.dtvccBuf, t.Data[0], t.Data[1])
	}
}

func (c *captionDetector) drainDTVCC() {
	if len(c.dtvccBuf) < 1 {
		return
	}
	packetSize := ccx.DTVCCPacketSize(c.dtvccBuf[0])
	if len(c.dtvccBuf) < packetSize {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(c.dtvccBuf[:packetSize]) {
		c.stats.CEA708Services[block.ServiceNum]++
	}
}

// H264Config controls H.264 access unit reporting.
type H264Config struct {
	// Max stops reading after this many access units when non-zero.
	Max int
	// ShowFrames writes one line per access unit as it is read.
	ShowFrames bool
	// CountSizes keeps size statistics for access units.
	CountSizes bool
	// Captions scans SEI NAL units for closed caption data and
	// reports which channels are present.
	Captions bool
}

// H264Stats summarises the access units of an H.264 elementary stream.
type H264Stats struct {
	Frames   int
	NALUnits int
	WithPTS  int

	// Kinds counts access units by classification character.
	Kinds map[byte]int

	Sizes SizeStats

	// Captions is non-nil when caption scanning was requested.
	Captions *CaptionStats
}

// WriteSummary writes the closing summary block.
func (s *H264Stats) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "Found %d frame%s (%d NAL unit%s)\n",
		s.Frames, plural(s.Frames), s.NALUnits, plural(s.NALUnits))

	for _, kind := range []struct {
		ch    byte
		label string
	}{
		{'D', "IDR (all I slices)"},
		{'d', "IDR (mixed slices)"},
		{'I', "reference, all I"},
		{'P', "reference, all P"},
		{'B', "reference, all B"},
		{'X', "reference, mixed"},
		{'i', "non-reference, all I"},
		{'p', "non-reference, all P"},
		{'b', "non-reference, all B"},
		{'x', "non-reference, mixed"},
		{'_', "no primary picture"},
	} {
		if n := s.Kinds[kind.ch]; n > 0 {
			fmt.Fprintf(w, "   %-22s %7d\n", kind.label, n)
		}
	}

	fmt.Fprintf(w, "At %g frames/second, that is %s\n",
		defaultFrameRate, atRate(s.Frames, defaultFrameRate))
	s.Sizes.write(w, "Frame sizes")
	fmt.Fprintf(w, "Frames with PTS associated: %d\n", s.WithPTS)

	if s.Captions != nil {
		s.Captions.WriteSummary(w)
	}
}

func h264FrameLine(w io.Writer, au *h264.AccessUnit) {
	if au.PrimaryStart == nil {
		fmt.Fprintf(w, "Access unit %d: %d NAL units, no primary picture\n",
			au.Index, len(au.NALs))
		return
	}
	fmt.Fprintf(w, "Access unit %d: %d NAL units, primary %s (ref idc %d), frame num %d\n",
		au.Index, len(au.NALs), h264.NALTypeStr(au.PrimaryStart.Type),
		au.PrimaryStart.RefIdc, au.FrameNum)
}

// H264Frames reads an H.264 elementary stream frame by frame (field
// pairs merged) and summarises what it finds.
func H264Frames(aus *h264.Context, w io.Writer, cfg H264Config) (*H264Stats, error) {
	stats := &H264Stats{Kinds: make(map[byte]int)}

	var captions *captionDetector
	if cfg.Captions {
		captions = newCaptionDetector()
	}

	for {
		au, err := aus.NextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("report: reading access unit: %w", err)
		}
		stats.Frames++

		if cfg.ShowFrames {
			h264FrameLine(w, au)
		}

		stats.Kinds[au.Classify()]++

		if cfg.CountSizes {
			if _, length, err := au.Bounds(); err == nil {
				stats.Sizes.Add(length)
			}
		}
		if au.HasPTS() {
			stats.WithPTS++
		}
		if captions != nil {
			for _, nal := range au.NALs {
				if nal.Type == h264.NALTypeSEI {
					captions.feedSEI(nal.Data())
				}
			}
		}

		if aus.EndOfStream() != nil {
			if cfg.ShowFrames {
				fmt.Fprintln(w, "Found end-of-stream NAL unit")
			}
			break
		}
		if cfg.Max > 0 && stats.Frames >= cfg.Max {
			break
		}
	}

	stats.NALUnits = aus.NALReader().Count()
	if captions != nil {
		captions.drainDTVCC()
		stats.Captions = &captions.stats
	}
	stats.WriteSummary(w)
	return stats, nil
}

// H264Fields reads an H.264 elementary stream access unit by access
// unit, without merging field pairs, reporting each field found. It
// returns the number of fields and the number of frames seen.
func H264Fields(aus *h264.Context, w io.Writer, max int) (fields, frames int, err error) {
	count := 0
	withPTS := 0
	for {
		au, err := aus.NextAccessUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fields, frames, fmt.Errorf("report: reading access unit: %w", err)
		}
		count++

		if au.FieldPicFlag {
			h264FrameLine(w, au)
			fields++
		} else {
			frames++
		}
		if au.HasPTS() {
			withPTS++
		}

		if max > 0 && count >= max {
			break
		}
	}
	fmt.Fprintf(w, "Found %d MPEG-4 picture%s, %d field%s, %d frame%s\n",
		count, plural(count), fields, plural(fields), frames, plural(frames))
	fmt.Fprintf(w, "Fields with PTS associated: %d\n", withPTS)
	return fields, frames, nil
}
