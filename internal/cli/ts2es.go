package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/mpegts"
	"github.com/zsiec/tsforge/output"
)

func newTS2ESCmd() *cobra.Command {
	var (
		pid    uint16
		audio  bool
		maxPES int
	)
	cmd := &cobra.Command{
		Use:   "ts2es <in.ts> <out.es>",
		Short: "Extract one elementary stream from a transport stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			sink, err := output.Open(args[1])
			if err != nil {
				return err
			}
			defer sink.Close()

			stats, err := mpegts.ExtractES(cmd.Context(), f, sink, mpegts.ExtractConfig{
				PID:    pid,
				Audio:  audio,
				MaxPES: maxPES,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Extracted %d byte%s of ES data from %d PES packet%s on PID %#04x\n",
				stats.Bytes, plural(int(stats.Bytes)), stats.PESPackets,
				plural(stats.PESPackets), stats.PID)
			return nil
		},
	}
	cmd.Flags().Uint16Var(&pid, "pid", 0,
		"extract this PID rather than picking from the PMT")
	cmd.Flags().BoolVar(&audio, "audio", false,
		"pick the audio stream instead of the video stream")
	cmd.Flags().IntVar(&maxPES, "max", 0, "stop after this many PES packets")
	return cmd
}
