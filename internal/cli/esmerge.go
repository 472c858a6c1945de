package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/audio"
	"github.com/zsiec/tsforge/avs"
	"github.com/zsiec/tsforge/h262"
	"github.com/zsiec/tsforge/h264"
	"github.com/zsiec/tsforge/mpegts"
	"github.com/zsiec/tsforge/mux"
	"github.com/zsiec/tsforge/output"
	"github.com/zsiec/tsforge/pes"
)

func newESMergeCmd() *cobra.Command {
	var (
		rate       float64
		sampleRate int
		patpmt     int
	)
	cmd := &cobra.Command{
		Use:   "esmerge <video.es> <audio.adts> <out>",
		Short: "Merge a video elementary stream with ADTS audio into a transport stream",
		Long: "Interleaves video frames and ADTS (AAC) audio frames into a\n" +
			"single-program transport stream, synthesising timestamps from\n" +
			"the frame counts.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, f, vt, err := guessES(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var src mux.VideoSource
			switch vt {
			case pes.VideoH264:
				src = mux.NewH264Source(h264.NewContext(h264.NewReader(r, slog.Default()), slog.Default()))
			case pes.VideoAVS:
				src = mux.NewAVSSource(avs.NewContext(r, slog.Default()))
			default:
				src = mux.NewH262Source(h262.NewContext(r, slog.Default()))
			}

			af, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer af.Close()
			audioIn := audio.NewFrameReader(af, 0, slog.Default())

			sink, err := output.Open(args[2])
			if err != nil {
				return err
			}
			defer sink.Close()

			stats, err := mux.Merge(src, audioIn, mpegts.NewWriter(sink), mux.MergeConfig{
				VideoFrameRate:  rate,
				AudioSampleRate: sampleRate,
				PATPMTFreq:      patpmt,
			}, slog.Default())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Merged %d video frame%s with %d audio frame%s\n",
				stats.VideoFrames, plural(stats.VideoFrames),
				stats.AudioFrames, plural(stats.AudioFrames))
			return nil
		},
	}
	cmd.Flags().Float64Var(&rate, "rate", 0, "video frame rate (default 25)")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 0,
		"audio sample rate (default 44100)")
	cmd.Flags().IntVar(&patpmt, "patpmt-freq", 0,
		"repeat the PAT and PMT every this many video frames")
	return cmd
}
