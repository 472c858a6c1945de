package cli

import (
	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/output"
)

func newTSServeCmd() *cobra.Command {
	var (
		addr    string
		srtAddr string
		loop    bool
		pace    bool
	)
	cmd := &cobra.Command{
		Use:   "tsserve <in.ts>",
		Short: "Serve a transport stream file to network clients",
		Long: "Listens for TCP (and optionally SRT) clients and streams the\n" +
			"file to each from its beginning. Runs until interrupted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := output.NewServer(output.ServerConfig{
				TCPAddr: addr,
				SRTAddr: srtAddr,
				Path:    args[0],
				Loop:    loop,
				Pace:    pace,
			}, nil)
			if err := srv.Listen(); err != nil {
				return err
			}
			return srv.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8888", "TCP listen address")
	cmd.Flags().StringVar(&srtAddr, "srt", "", "SRT listen address")
	cmd.Flags().BoolVar(&loop, "loop", false, "restart the file for a client when it ends")
	cmd.Flags().BoolVar(&pace, "pace", false, "deliver at the program clock rate")
	return cmd
}
