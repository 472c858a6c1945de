package cli

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/tsforge/es"
	"github.com/zsiec/tsforge/pes"
)

// openES opens one or more elementary stream files as a single reader.
// Close the returned files when done.
func openES(paths ...string) (*es.Reader, *es.Files, error) {
	f, err := es.OpenFiles(paths...)
	if err != nil {
		return nil, nil, err
	}
	return es.NewReader(f, slog.Default()), f, nil
}

// guessES opens an elementary stream, sniffs its video type, and
// rewinds it to the start.
func guessES(paths ...string) (*es.Reader, *es.Files, pes.VideoType, error) {
	r, f, err := openES(paths...)
	if err != nil {
		return nil, nil, pes.VideoUnknown, err
	}
	vt, err := es.GuessVideoType(r)
	if err != nil {
		f.Close()
		return nil, nil, pes.VideoUnknown, err
	}
	if err := r.Seek(es.Offset{}); err != nil {
		f.Close()
		return nil, nil, pes.VideoUnknown, fmt.Errorf("rewinding %s: %w", paths[0], err)
	}
	slog.Debug("input video type", "type", vt.String())
	return r, f, vt, nil
}
