package output

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	srtgo "github.com/zsiec/srtgo"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsforge/mpegts"
)

// ServerConfig describes what a Server listens on and streams.
type ServerConfig struct {
	// TCPAddr is the TCP listen address.
	TCPAddr string
	// SRTAddr is the SRT listen address; empty disables SRT.
	SRTAddr string
	// Path names the transport stream file served to each client.
	Path string
	// Loop restarts the file for a client when it ends.
	Loop bool
	// Pace delivers the file at its program clock rate rather than
	// as fast as the client will take it.
	Pace bool
}

// Server streams one transport stream file to every client that
// connects, each from the beginning, over TCP and optionally SRT.
type Server struct {
	cfg ServerConfig
	log *slog.Logger

	tcp net.Listener
}

// NewServer creates a Server for cfg. If log is nil, slog.Default()
// is used. Call Listen then Serve.
func NewServer(cfg ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg: cfg,
		log: log.With("component", "tsserve"),
	}
}

// Listen opens the TCP listener.
func (s *Server) Listen() error {
	tcp, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("output: TCP listen on %s: %w", s.cfg.TCPAddr, err)
	}
	s.tcp = tcp
	return nil
}

// TCPAddr returns the bound TCP address, useful when the configured
// address left the port to the system.
func (s *Server) TCPAddr() net.Addr { return s.tcp.Addr() }

// Serve accepts clients until the context is cancelled, streaming the
// configured file to each. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	go func() {
		<-ctx.Done()
		s.tcp.Close()
	}()

	s.log.Info("listening", "tcp", s.tcp.Addr().String(), "srt", s.cfg.SRTAddr,
		"file", s.cfg.Path)

	g.Go(func() error {
		for {
			conn, err := s.tcp.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("output: TCP accept: %w", err)
			}
			g.Go(func() error {
				s.serveClient(ctx, conn, conn.RemoteAddr().String())
				return nil
			})
		}
	})

	if s.cfg.SRTAddr != "" {
		cfg := srtgo.DefaultConfig()
		cfg.Latency = srtLatencyNs

		l, err := srtgo.Listen(s.cfg.SRTAddr, cfg)
		if err != nil {
			s.tcp.Close()
			return fmt.Errorf("output: SRT listen on %s: %w", s.cfg.SRTAddr, err)
		}
		go func() {
			<-ctx.Done()
			l.Close()
		}()

		g.Go(func() error {
			for {
				conn, err := l.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					s.log.Warn("SRT accept error", "error", err)
					continue
				}
				g.Go(func() error {
					s.serveClient(ctx, conn, conn.RemoteAddr().String())
					return nil
				})
			}
		})
	}

	return g.Wait()
}

// serveClient streams the file to one client. Errors end the client
// but not the server.
func (s *Server) serveClient(ctx context.Context, conn io.WriteCloser, remote string) {
	defer conn.Close()

	s.log.Info("client connected", "remote", remote)

	f, err := os.Open(s.cfg.Path)
	if err != nil {
		s.log.Warn("opening stream file", "error", err)
		return
	}
	defer f.Close()

	var sent int64
	if s.cfg.Pace {
		stats, err := Play(ctx, f, conn, PlayConfig{Loop: s.cfg.Loop}, s.log)
		if err != nil {
			s.log.Debug("client write ended", "remote", remote, "error", err)
		}
		sent = stats.Packets * mpegts.PacketSize
	} else {
		for {
			n, err := io.Copy(conn, f)
			sent += n
			if err != nil || !s.cfg.Loop || ctx.Err() != nil {
				if err != nil {
					s.log.Debug("client write ended", "remote", remote, "error", err)
				}
				break
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				break
			}
		}
	}

	s.log.Info("client finished", "remote", remote, "bytes", sent)
}
