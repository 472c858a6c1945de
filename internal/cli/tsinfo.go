package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/report"
)

func newTSInfoCmd() *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "tsinfo <in.ts>",
		Short: "Report on the program structure of a transport stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = report.TSInfo(f, cmd.OutOrStdout(), report.TSConfig{MaxPackets: max})
			return err
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "scan up to this many TS packets (default 10000)")
	return cmd
}
