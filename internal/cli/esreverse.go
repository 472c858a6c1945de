package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/h262"
	"github.com/zsiec/tsforge/h264"
	"github.com/zsiec/tsforge/mpegts"
	"github.com/zsiec/tsforge/output"
	"github.com/zsiec/tsforge/pes"
	"github.com/zsiec/tsforge/reverse"
)

func newESReverseCmd() *cobra.Command {
	var (
		freq int
		max  int
		asTS bool
	)
	cmd := &cobra.Command{
		Use:   "esreverse <in.es> <out>",
		Short: "Output the key frames of a video elementary stream in reverse",
		Long: "Reads the stream forwards, remembering I (H.262) or IDR and\n" +
			"all-I (H.264) frames, then writes them backwards. With --freq N\n" +
			"roughly one remembered frame in every N stream frames is kept.\n" +
			"Output is a raw elementary stream, or a transport stream with\n" +
			"--ts.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, f, vt, err := guessES(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if vt == pes.VideoAVS {
				return errors.New("esreverse: AVS streams are not supported")
			}
			isH264 := vt == pes.VideoH264

			data := reverse.NewData(isH264, slog.Default())
			if isH264 {
				ctx := h264.NewContext(h264.NewReader(r, slog.Default()), slog.Default())
				err = data.CollectH264(ctx, max)
			} else {
				err = data.CollectH262(h262.NewContext(r, slog.Default()), max)
			}
			if err != nil {
				return err
			}

			sink, err := output.Open(args[1])
			if err != nil {
				return err
			}
			defer sink.Close()

			var w reverse.Writer
			if asTS {
				w = reverse.NewTSWriter(mpegts.NewWriter(sink))
			} else {
				w = reverse.ESWriter{W: sink}
			}

			if isH264 {
				if err := data.WriteParameterSets(w); err != nil {
					return err
				}
			}
			if err := data.OutputInReverse(w, freq, -1, 0); err != nil {
				return err
			}

			stats := data.Stats()
			fmt.Fprintf(cmd.OutOrStdout(),
				"Remembered %d of %d frame%s, wrote %d in reverse\n",
				stats.Kept, stats.Seen, plural(stats.Seen), stats.Written)
			return nil
		},
	}
	cmd.Flags().IntVarP(&freq, "freq", "f", 0,
		"keep roughly one remembered frame in every freq stream frames")
	cmd.Flags().IntVar(&max, "max", 0, "stop the forward pass after this many frames")
	cmd.Flags().BoolVar(&asTS, "ts", false, "write a transport stream instead of raw ES")
	return cmd
}
