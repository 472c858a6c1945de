// Package output opens byte sinks for transport stream data (files,
// standard output, TCP and SRT connections), paces stream playback
// against its embedded program clock, and serves a stream file to
// network clients.
package output

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// nopCloser wraps standard output so callers can Close their sink
// uniformly without closing the process's stdout.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Open opens the named target for writing. "-" is standard output,
// "tcp://host:port" dials a TCP connection, "srt://host:port" dials an
// SRT connection, and anything else names a file to create.
func Open(target string) (io.WriteCloser, error) {
	switch {
	case target == "-":
		return nopCloser{os.Stdout}, nil

	case strings.HasPrefix(target, "tcp://"):
		addr := strings.TrimPrefix(target, "tcp://")
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("output: dialing %s: %w", target, err)
		}
		return conn, nil

	case strings.HasPrefix(target, "srt://"):
		addr := strings.TrimPrefix(target, "srt://")
		cfg := srtgo.DefaultConfig()
		cfg.Latency = srtLatencyNs
		conn, err := srtgo.Dial(addr, cfg)
		if err != nil {
			return nil, fmt.Errorf("output: dialing %s: %w", target, err)
		}
		return conn, nil

	default:
		f, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("output: creating %s: %w", target, err)
		}
		return f, nil
	}
}
