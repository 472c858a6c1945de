package mpegts

// pmtPIDs is the set of PIDs the PAT has announced as carrying PMT
// sections.
type pmtPIDs map[uint16]bool

func (s pmtPIDs) add(pid uint16)      { s[pid] = true }
func (s pmtPIDs) has(pid uint16) bool { return s[pid] }

// unitAssembler collects the packets of one payload unit on a single
// PID. A unit runs from one payload_unit_start_indicator to the next,
// except on PSI PIDs, where it ends as soon as the buffered sections
// are whole.
type unitAssembler struct {
	pid     uint16
	pmt     pmtPIDs
	packets []*Packet
}

// push adds p to the unit under assembly, returning the finished unit
// it completes, if any.
func (a *unitAssembler) push(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		a.packets = nil
		return nil
	}
	if !p.Header.HasPayload || !a.admit(p) {
		return nil
	}

	var done []*Packet
	if p.Header.PayloadUnitStartIndicator && len(a.packets) > 0 {
		done = a.packets
		a.packets = nil
	}
	a.packets = append(a.packets, p)

	if done == nil && a.isPSI() && psiComplete(joinPayloads(a.packets)) {
		done = a.packets
		a.packets = nil
	}
	return done
}

// admit checks p's continuity counter against the last buffered
// packet. Duplicates are rejected; an unsignaled jump discards the
// partial unit and starts over from p.
func (a *unitAssembler) admit(p *Packet) bool {
	if len(a.packets) == 0 || p.Header.DiscontinuityIndicator {
		return true
	}
	prev := a.packets[len(a.packets)-1].Header.ContinuityCounter
	switch p.Header.ContinuityCounter {
	case (prev + 1) & 0x0F:
		return true
	case prev:
		return false // duplicate packet
	}
	a.packets = nil
	return true
}

func (a *unitAssembler) isPSI() bool {
	return a.pid == PIDPAT || a.pmt.has(a.pid)
}

// take hands over whatever has been buffered, complete or not. Used at
// end of stream.
func (a *unitAssembler) take() []*Packet {
	done := a.packets
	a.packets = nil
	return done
}

// joinPayloads concatenates the payload bytes of a unit's packets.
func joinPayloads(packets []*Packet) []byte {
	n := 0
	for _, p := range packets {
		n += len(p.Payload)
	}
	out := make([]byte, 0, n)
	for _, p := range packets {
		out = append(out, p.Payload...)
	}
	return out
}

// psiComplete reports whether payload holds only whole PSI sections.
// Sections run back to back after the pointer field; a table_id of
// 0xFF or a clear section_syntax_indicator marks trailing stuffing.
func psiComplete(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	skip := 1 + int(payload[0])
	if skip >= len(payload) {
		return false
	}
	rest := payload[skip:]
	for len(rest) > 0 {
		if rest[0] == 0xFF {
			return true
		}
		if len(rest) < 3 {
			return false
		}
		if rest[1]&0x80 == 0 {
			return true // zero padding, not a section header
		}
		length := 3 + (int(rest[1]&0x0F)<<8 | int(rest[2]))
		if length > len(rest) {
			return false
		}
		rest = rest[length:]
	}
	return true
}
