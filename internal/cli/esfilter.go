package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/filter"
	"github.com/zsiec/tsforge/h262"
	"github.com/zsiec/tsforge/h264"
	"github.com/zsiec/tsforge/output"
	"github.com/zsiec/tsforge/pes"
)

func newESFilterCmd() *cobra.Command {
	var (
		freq   int
		allref bool
		max    int
	)
	cmd := &cobra.Command{
		Use:   "esfilter <in.es> <out.es>",
		Short: "Strip or decimate a video elementary stream",
		Long: "With no frequency, keeps only I (H.262) or IDR and all-I\n" +
			"(H.264) frames; --allref also keeps the other reference\n" +
			"frames. With --freq N, aims to keep one frame in every N,\n" +
			"repeating kept frames as needed to hold the apparent rate.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, f, vt, err := guessES(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			sink, err := output.Open(args[1])
			if err != nil {
				return err
			}
			defer sink.Close()

			var seen, written int
			switch vt {
			case pes.VideoH264:
				seen, written, err = filterH264(h264.NewContext(h264.NewReader(r, slog.Default()), slog.Default()),
					sink, freq, allref, max)
			case pes.VideoAVS:
				return errors.New("esfilter: AVS streams are not supported")
			default:
				seen, written, err = filterH262(h262.NewContext(r, slog.Default()),
					sink, freq, allref, max)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Kept %d of %d frame%s\n",
				written, seen, plural(seen))
			return nil
		},
	}
	cmd.Flags().IntVarP(&freq, "freq", "f", 0,
		"keep one frame in every freq instead of stripping")
	cmd.Flags().BoolVar(&allref, "allref", false,
		"when stripping, keep all reference frames")
	cmd.Flags().IntVar(&max, "max", 0, "stop after this many frames seen")
	return cmd
}

func filterH262(pics *h262.Context, w io.Writer, freq int, allref bool, max int) (seen, written int, err error) {
	var fl *filter.H262
	if freq > 0 {
		fl = filter.NewH262(pics, freq, slog.Default())
	} else {
		fl = filter.NewH262Strip(pics, allref, slog.Default())
	}

	var last bytes.Buffer
	for {
		var seqHdr, frame *h262.Picture
		var n int
		if freq > 0 {
			seqHdr, frame, n, err = fl.NextFilteredFrame()
		} else {
			seqHdr, frame, n, err = fl.NextStrippedFrame()
		}
		seen += n
		if errors.Is(err, io.EOF) {
			return seen, written, nil
		}
		if err != nil {
			return seen, written, err
		}

		if frame == nil {
			// Repeat the previous frame to hold the rate.
			if _, err := w.Write(last.Bytes()); err != nil {
				return seen, written, err
			}
			written++
			continue
		}

		last.Reset()
		if seqHdr != nil {
			if err := seqHdr.Write(&last); err != nil {
				return seen, written, err
			}
		}
		if err := frame.Write(&last); err != nil {
			return seen, written, err
		}
		if _, err := w.Write(last.Bytes()); err != nil {
			return seen, written, err
		}
		written++

		if max > 0 && seen >= max {
			return seen, written, nil
		}
	}
}

func filterH264(aus *h264.Context, w io.Writer, freq int, allref bool, max int) (seen, written int, err error) {
	var fl *filter.H264
	if freq > 0 {
		fl = filter.NewH264(aus, freq, slog.Default())
	} else {
		fl = filter.NewH264Strip(aus, allref, slog.Default())
	}

	var last bytes.Buffer
	for {
		var frame *h264.AccessUnit
		var n int
		if freq > 0 {
			frame, n, err = fl.NextFilteredFrame()
		} else {
			frame, n, err = fl.NextStrippedFrame()
		}
		seen += n
		if errors.Is(err, io.EOF) {
			return seen, written, nil
		}
		if err != nil {
			return seen, written, err
		}

		if frame == nil {
			if _, err := w.Write(last.Bytes()); err != nil {
				return seen, written, err
			}
			written++
			continue
		}

		last.Reset()
		if err := frame.Write(&last); err != nil {
			return seen, written, err
		}
		if _, err := w.Write(last.Bytes()); err != nil {
			return seen, written, err
		}
		written++

		if max > 0 && seen >= max {
			return seen, written, nil
		}
	}
}
