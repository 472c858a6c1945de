package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/avs"
	"github.com/zsiec/tsforge/h264"
	"github.com/zsiec/tsforge/pes"
	"github.com/zsiec/tsforge/report"
)

func newESDotsCmd() *cobra.Command {
	var (
		max  int
		gop  bool
		rate float64
	)
	cmd := &cobra.Command{
		Use:   "esdots <in.es> [in.es...]",
		Short: "Render a video elementary stream as one character per frame",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, f, vt, err := guessES(args...)
			if err != nil {
				return err
			}
			defer f.Close()

			cfg := report.DotsConfig{Max: max, FrameRate: rate, ShowGOPTime: gop}
			out := cmd.OutOrStdout()
			switch vt {
			case pes.VideoH264:
				aus := h264.NewContext(h264.NewReader(r, slog.Default()), slog.Default())
				_, err = report.H264Dots(aus, out, cfg)
			case pes.VideoAVS:
				_, err = report.AVSDots(avs.NewContext(r, slog.Default()), out, cfg)
			default:
				_, err = report.H262Dots(r, out, cfg)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "stop after this many items")
	cmd.Flags().BoolVar(&gop, "gop", false, "print each GOP duration as it completes")
	cmd.Flags().Float64Var(&rate, "rate", 0,
		"frame rate for GOP durations (default 25)")
	return cmd
}
