package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/mpegts"
	"github.com/zsiec/tsforge/mux"
	"github.com/zsiec/tsforge/output"
	"github.com/zsiec/tsforge/pes"
)

func newES2TSCmd() *cobra.Command {
	var (
		max      int
		progFreq int
		pid      uint16
	)
	cmd := &cobra.Command{
		Use:   "es2ts <in.es> <out>",
		Short: "Wrap an elementary stream as a single-program transport stream",
		Long: "Reads a video elementary stream and writes it as a transport\n" +
			"stream, one PES packet per ES unit. The output may be a file,\n" +
			"\"-\" for stdout, or a tcp:// or srt:// address.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, f, vt, err := guessES(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			streamType := mpegts.StreamTypeMPEG2Video
			switch vt {
			case pes.VideoH264:
				streamType = mpegts.StreamTypeH264Video
			case pes.VideoAVS:
				streamType = mpegts.StreamTypeAVSVideo
			}

			sink, err := output.Open(args[1])
			if err != nil {
				return err
			}
			defer sink.Close()

			w := mpegts.NewWriter(sink)
			count, err := mux.ESToTS(r, w, mux.ESToTSConfig{
				VideoPID:      pid,
				StreamType:    streamType,
				ProgramRepeat: progFreq,
				Max:           max,
			}, slog.Default())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transferred %d ES unit%s as %s\n",
				count, plural(count), vt)
			return nil
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "stop after this many ES units")
	cmd.Flags().IntVar(&progFreq, "prog-freq", 0,
		"repeat the PAT and PMT every this many PES packets")
	cmd.Flags().Uint16Var(&pid, "pid", 0, "video PID (default 0x68)")
	return cmd
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
