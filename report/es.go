package report

import (
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/tsforge/es"
)

// ESUnits lists the units of an elementary stream, one line per unit,
// and returns the number of units read. If max is non-zero, reading
// stops after max units.
func ESUnits(r *es.Reader, w io.Writer, max int) (int, error) {
	count := 0
	for {
		unit, err := r.NextUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("report: reading ES unit: %w", err)
		}
		count++

		fmt.Fprintf(w, "%08x/%04d: start code %02x, length %d\n",
			unit.StartPosn.Infile, unit.StartPosn.Inpacket,
			unit.StartCode, len(unit.Data))

		if max > 0 && count >= max {
			break
		}
	}
	fmt.Fprintf(w, "Found %d ES unit%s\n", count, plural(count))
	return count, nil
}
