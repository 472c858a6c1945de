package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/output"
)

func newTSPlayCmd() *cobra.Command {
	var (
		loop bool
		max  int64
	)
	cmd := &cobra.Command{
		Use:   "tsplay <in.ts> <target>",
		Short: "Play a transport stream out at its program clock rate",
		Long: "Writes a transport stream to the target, pacing delivery by\n" +
			"the embedded PCRs. The target may be a file, \"-\" for stdout,\n" +
			"or a tcp:// or srt:// address.",
		Args: cobra.ExactArgs(2),
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

			stats, err := output.Play(cmd.Context(), f, sink, output.PlayConfig{
				Loop:       loop,
				MaxPackets: max,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Played %d TS packet%s in %d loop%s\n",
				stats.Packets, plural(int(stats.Packets)),
				stats.Loops, plural(stats.Loops))
			return nil
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "restart the stream when it ends")
	cmd.Flags().Int64Var(&max, "max", 0, "stop after this many packets per loop")
	return cmd
}
