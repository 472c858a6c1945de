package mpegts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
)

// Demuxer turns a transport stream into parsed PAT, PMT and PES
// payloads, one DemuxerData per NextData call. Packet alignment and
// resync are handled by the underlying PacketReader.
type Demuxer struct {
	ctx    context.Context
	pr     *PacketReader
	log    *slog.Logger
	parser PacketsParser

	pmt     pmtPIDs
	units   map[uint16]*unitAssembler
	pending []*DemuxerData
	done    bool
}

// NewDemuxer creates a demuxer reading 188-byte packets from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	d := &Demuxer{
		ctx:   ctx,
		log:   slog.Default(),
		pmt:   make(pmtPIDs),
		units: make(map[uint16]*unitAssembler),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "ts-demuxer")
	d.pr = NewPacketReader(r, d.log)
	return d
}

// DemuxerOptPacketsParser sets a callback that sees each assembled
// payload unit before the built-in PSI and PES handling.
func DemuxerOptPacketsParser(p PacketsParser) func(*Demuxer) {
	return func(d *Demuxer) {
		d.parser = p
	}
}

// DemuxerOptLogger sets the logger. The default is slog.Default().
func DemuxerOptLogger(log *slog.Logger) func(*Demuxer) {
	return func(d *Demuxer) {
		d.log = log
	}
}

// Position returns the byte offset of the next packet to be read.
func (d *Demuxer) Position() int64 {
	return d.pr.Position()
}

// NextData returns the next parsed unit from the stream, and io.EOF
// once the stream and everything buffered in it have been handed out.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending = d.pending[1:]
			return data, nil
		}
		if d.done {
			return nil, io.EOF
		}
		if d.ctx.Err() != nil {
			return nil, d.ctx.Err()
		}

		pkt, _, err := d.pr.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			d.done = true
			d.flush()
			continue
		}
		if err != nil {
			return nil, err
		}

		unit := d.assembler(pkt.Header.PID).push(pkt)
		if unit == nil {
			continue
		}
		results, err := d.handleUnit(unit)
		if err != nil {
			d.log.Debug("dropping corrupt payload unit",
				"pid", pkt.Header.PID, "err", err)
			continue
		}
		d.enqueue(results)
	}
}

func (d *Demuxer) assembler(pid uint16) *unitAssembler {
	a, ok := d.units[pid]
	if !ok {
		a = &unitAssembler{pid: pid, pmt: d.pmt}
		d.units[pid] = a
	}
	return a
}

// enqueue adds results to the output queue, noting any PMT PIDs a PAT
// announces so later packets on them are treated as PSI.
func (d *Demuxer) enqueue(results []*DemuxerData) {
	for _, r := range results {
		if r.PAT != nil {
			for _, p := range r.PAT.Programs {
				d.pmt.add(p.ProgramMapID)
			}
		}
	}
	d.pending = append(d.pending, results...)
}

// flush hands the partial units buffered at end of stream to the
// parsers, lowest PID first so a pending PAT lands before the PMTs it
// announces.
func (d *Demuxer) flush() {
	pids := make([]int, 0, len(d.units))
	for pid := range d.units {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	for _, pid := range pids {
		unit := d.units[uint16(pid)].take()
		if unit == nil {
			continue
		}
		results, err := d.handleUnit(unit)
		if err != nil {
			d.log.Debug("dropping corrupt payload unit at end of stream",
				"pid", pid, "err", err)
			continue
		}
		d.enqueue(results)
	}
}

// handleUnit parses one assembled payload unit into PSI or PES results.
func (d *Demuxer) handleUnit(unit []*Packet) ([]*DemuxerData, error) {
	if len(unit) == 0 {
		return nil, nil
	}
	first := unit[0]

	if d.parser != nil {
		results, handled, err := d.parser(unit)
		if err != nil {
			return nil, err
		}
		if handled {
			return results, nil
		}
	}

	payload := joinPayloads(unit)
	if len(payload) == 0 {
		return nil, nil
	}

	if first.Header.PID == PIDPAT || d.pmt.has(first.Header.PID) {
		return parsePSI(payload, first.Header.PID, first)
	}

	if IsPESPayload(payload) {
		pes, err := ParsePES(payload)
		if err != nil {
			return nil, err
		}
		return []*DemuxerData{{FirstPacket: first, PES: pes}}, nil
	}

	return nil, nil
}
