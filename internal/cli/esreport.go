package cli

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/avs"
	"github.com/zsiec/tsforge/h262"
	"github.com/zsiec/tsforge/h264"
	"github.com/zsiec/tsforge/pes"
	"github.com/zsiec/tsforge/report"
)

func newESReportCmd() *cobra.Command {
	var (
		units    bool
		fields   bool
		afd      bool
		nal      bool
		show     bool
		sizes    bool
		captions bool
		max      int
	)
	cmd := &cobra.Command{
		Use:   "esreport <in.es> [in.es...]",
		Short: "Report on the frames of a video elementary stream",
		Long: "Summarises a video elementary stream frame by frame: counts\n" +
			"by coding type, sequence headers, sizes and duration. Other\n" +
			"report modes list raw ES units, unmerged field pictures, AFD\n" +
			"changes, or H.264 NAL unit statistics.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if units {
				r, f, err := openES(args...)
				if err != nil {
					return err
				}
				defer f.Close()
				_, err = report.ESUnits(r, out, max)
				return err
			}

			r, f, vt, err := guessES(args...)
			if err != nil {
				return err
			}
			defer f.Close()

			switch vt {
			case pes.VideoH264:
				nals := h264.NewReader(r, slog.Default())
				if nal {
					_, err = report.NALUnits(nals, out, max)
					return err
				}
				aus := h264.NewContext(nals, slog.Default())
				if fields {
					_, _, err = report.H264Fields(aus, out, max)
					return err
				}
				_, err = report.H264Frames(aus, out, report.H264Config{
					Max:        max,
					ShowFrames: show,
					CountSizes: sizes,
					Captions:   captions,
				})
				return err

			case pes.VideoAVS:
				if fields || afd || nal {
					return errors.New("esreport: AVS streams only have the frame report")
				}
				_, err = report.AVSFrames(avs.NewContext(r, slog.Default()), out, report.AVSConfig{
					Max:        max,
					ShowFrames: show,
					CountSizes: sizes,
				})
				return err

			default:
				if nal {
					return errors.New("esreport: the NAL report needs an H.264 stream")
				}
				pics := h262.NewContext(r, slog.Default())
				switch {
				case fields:
					_, _, err = report.H262Fields(pics, out, max)
				case afd:
					_, err = report.H262AFDs(pics, out, max)
				default:
					_, err = report.H262Frames(pics, out, report.H262Config{
						Max:        max,
						ShowFrames: show,
						CountSizes: sizes,
					})
				}
				return err
			}
		},
	}
	cmd.Flags().BoolVar(&units, "units", false, "list raw ES units instead of frames")
	cmd.Flags().BoolVar(&fields, "fields", false, "report unmerged field pictures")
	cmd.Flags().BoolVar(&afd, "afd", false, "report AFD changes (H.262 only)")
	cmd.Flags().BoolVar(&nal, "nal", false, "report NAL unit statistics (H.264 only)")
	cmd.Flags().BoolVar(&show, "frames", false, "print a line per frame")
	cmd.Flags().BoolVar(&sizes, "sizes", false, "count frame sizes by coding type")
	cmd.Flags().BoolVar(&captions, "captions", false,
		"scan H.264 SEI units for caption channels")
	cmd.Flags().IntVar(&max, "max", 0, "stop after this many frames or units")
	return cmd
}
