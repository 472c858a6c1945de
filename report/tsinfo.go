package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/zsiec/tsforge/mpegts"
)

// defaultScanPackets bounds a TS scan when the caller does not.
const defaultScanPackets = 10000

// TSConfig controls transport stream reporting.
type TSConfig struct {
	// MaxPackets bounds the number of TS packets scanned. Zero means
	// the default of 10000.
	MaxPackets int
}

// TSStats summarises the program information of a transport stream.
type TSStats struct {
	Packets     int
	PATSections int
	PMTSections int

	// PIDPackets counts payload-bearing packets per PID; PCRCounts
	// counts packets carrying a PCR per PID.
	PIDPackets map[uint16]int
	PCRCounts  map[uint16]int

	// LastPAT and LastPMT hold the most recent tables seen, nil when
	// none arrived within the scan.
	LastPAT *mpegts.PATData
	LastPMT *mpegts.PMTData
}

func patEqual(a, b *mpegts.PATData) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.TransportStreamID != b.TransportStreamID || len(a.Programs) != len(b.Programs) {
		return false
	}
	for i := range a.Programs {
		if *a.Programs[i] != *b.Programs[i] {
			return false
		}
	}
	return true
}

func pmtEqual(a, b *mpegts.PMTData) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ProgramNumber != b.ProgramNumber || a.PCRPID != b.PCRPID ||
		len(a.ElementaryStreams) != len(b.ElementaryStreams) {
		return false
	}
	for i := range a.ElementaryStreams {
		ae, be := a.ElementaryStreams[i], b.ElementaryStreams[i]
		if ae.ElementaryPID != be.ElementaryPID || ae.StreamType != be.StreamType ||
			!bytes.Equal(ae.Descriptors, be.Descriptors) {
			return false
		}
	}
	return true
}

func writePAT(w io.Writer, pat *mpegts.PATData, changed bool) {
	note := ""
	if changed {
		note = " (content changed)"
	}
	fmt.Fprintf(w, "PAT%s: transport stream id %d\n", note, pat.TransportStreamID)
	if len(pat.Programs) == 0 {
		fmt.Fprintln(w, "  No programs defined")
		return
	}
	for _, prog := range pat.Programs {
		fmt.Fprintf(w, "  Program %d -> PMT PID %04x (%d)\n",
			prog.ProgramNumber, prog.ProgramMapID, prog.ProgramMapID)
	}
}

func writePMT(w io.Writer, pmt *mpegts.PMTData, changed bool) {
	note := ""
	if changed {
		note = " (content changed)"
	}
	fmt.Fprintf(w, "PMT%s: program %d, PCR PID %04x (%d)\n",
		note, pmt.ProgramNumber, pmt.PCRPID, pmt.PCRPID)
	for _, stream := range pmt.ElementaryStreams {
		fmt.Fprintf(w, "  PID %04x (%d): stream type %02x (%s)",
			stream.ElementaryPID, stream.ElementaryPID,
			stream.StreamType, mpegts.StreamTypeStr(stream.StreamType))
		if len(stream.Descriptors) > 0 {
			fmt.Fprintf(w, ", descriptors %x", stream.Descriptors)
		}
		fmt.Fprintln(w)
	}
}

// TSInfo scans the start of a transport stream and reports the program
// information found in its PAT and PMT sections, plus per-PID packet
// and PCR counts.
func TSInfo(r io.Reader, w io.Writer, cfg TSConfig) (*TSStats, error) {
	maxPackets := cfg.MaxPackets
	if maxPackets <= 0 {
		maxPackets = defaultScanPackets
	}
	fmt.Fprintf(w, "Scanning up to %d TS packets\n", maxPackets)

	stats := &TSStats{
		PIDPackets: make(map[uint16]int),
		PCRCounts:  make(map[uint16]int),
	}

	counter := func(packets []*mpegts.Packet) ([]*mpegts.DemuxerData, bool, error) {
		for _, pkt := range packets {
			stats.Packets++
			stats.PIDPackets[pkt.Header.PID]++
			if pkt.AdaptationField != nil && pkt.AdaptationField.HasPCR {
				stats.PCRCounts[pkt.Header.PID]++
			}
		}
		return nil, false, nil
	}

	limited := io.LimitReader(r, int64(maxPackets)*mpegts.PacketSize)
	dmx := mpegts.NewDemuxer(context.Background(), limited,
		mpegts.DemuxerOptPacketsParser(counter))

	for {
		data, err := dmx.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("report: demuxing TS: %w", err)
		}

		switch {
		case data.PAT != nil:
			stats.PATSections++
			if !patEqual(data.PAT, stats.LastPAT) {
				writePAT(w, data.PAT, stats.LastPAT != nil)
			}
			stats.LastPAT = data.PAT
		case data.PMT != nil:
			stats.PMTSections++
			if !pmtEqual(data.PMT, stats.LastPMT) {
				writePMT(w, data.PMT, stats.LastPMT != nil)
			}
			stats.LastPMT = data.PMT
		}
	}

	fmt.Fprintf(w, "\nFound %d PAT section%s and %d PMT section%s in %d TS packets\n",
		stats.PATSections, plural(stats.PATSections),
		stats.PMTSections, plural(stats.PMTSections),
		stats.Packets)

	fmt.Fprintln(w, "PID usage:")
	for _, pid := range sortedPIDs(stats.PIDPackets) {
		fmt.Fprintf(w, "  PID %04x (%d): %d packet%s",
			pid, pid, stats.PIDPackets[pid], plural(stats.PIDPackets[pid]))
		if n := stats.PCRCounts[pid]; n > 0 {
			fmt.Fprintf(w, ", %d with PCR", n)
		}
		fmt.Fprintln(w)
	}
	return stats, nil
}

func sortedPIDs(m map[uint16]int) []uint16 {
	pids := make([]uint16, 0, len(m))
	for pid := range m {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}
