package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsforge/mpegts"
	"github.com/zsiec/tsforge/mux"
	"github.com/zsiec/tsforge/output"
	"github.com/zsiec/tsforge/pes"
	"github.com/zsiec/tsforge/ps"
)

func newPS2TSCmd() *cobra.Command {
	var (
		vstream  int
		astream  int
		ac3      bool
		dvd      bool
		dvb      bool
		noAudio  bool
		pad      int
		progFreq int
		max      int
		h264     bool
		avsVideo bool
	)
	cmd := &cobra.Command{
		Use:   "ps2ts <in.ps> <out>",
		Short: "Convert a program stream to a transport stream",
		Long: "Remuxes a program stream as a single-program transport\n" +
			"stream. Pack and system headers are dropped; the video type is\n" +
			"sniffed from the stream unless given. For DVD input, AC-3 audio\n" +
			"can be pulled out of private stream 1.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r := ps.NewReader(f, slog.Default())

			vt := pes.VideoH262
			switch {
			case h264:
				vt = pes.VideoH264
			case avsVideo:
				vt = pes.VideoAVS
			default:
				vt, err = pes.DeterminePSVideoType(r)
				if err != nil {
					return err
				}
				if vt == pes.VideoUnknown {
					slog.Warn("could not determine video type, assuming H.262")
					vt = pes.VideoH262
				}
				if err := r.Rewind(); err != nil {
					return err
				}
			}

			sink, err := output.Open(args[1])
			if err != nil {
				return err
			}
			defer sink.Close()

			stats, err := mux.PSToTS(r, mpegts.NewWriter(sink), mux.PSToTSConfig{
				VideoType:     vt,
				VideoStream:   vstream,
				AudioStream:   astream,
				IsDVD:         dvd,
				WantAC3:       ac3,
				DolbyAsDVB:    dvb,
				KeepAudio:     !noAudio,
				PadStart:      pad,
				ProgramRepeat: progFreq,
				Max:           max,
			}, slog.Default())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Wrote %d TS packet%s: %d video, %d audio (ignored %d video, %d audio)\n",
				stats.Packets, plural(stats.Packets),
				stats.VideoWritten, stats.AudioWritten,
				stats.VideoIgnored, stats.AudioIgnored)
			return nil
		},
	}
	cmd.Flags().BoolVar(&h264, "h264", false, "assume the video is H.264 instead of sniffing")
	cmd.Flags().BoolVar(&avsVideo, "avs", false, "assume the video is AVS instead of sniffing")
	cmd.Flags().IntVar(&vstream, "vstream", -1, "video stream number 0-15 (default first seen)")
	cmd.Flags().IntVar(&astream, "astream", -1,
		"audio stream or AC-3 substream number (default first seen)")
	cmd.Flags().BoolVar(&ac3, "ac3", false, "take audio from private stream 1 (AC-3)")
	cmd.Flags().BoolVar(&dvd, "dvd", true, "treat private stream 1 as DVD substreams")
	cmd.Flags().BoolVar(&dvb, "dolby-dvb", false,
		"announce AC-3 with the DVB stream type rather than ATSC")
	cmd.Flags().BoolVar(&noAudio, "noaudio", false, "drop all audio")
	cmd.Flags().IntVar(&pad, "pad", 0, "write this many null packets first")
	cmd.Flags().IntVar(&progFreq, "prog-freq", 0,
		"repeat the PAT and PMT every this many packs (default 100)")
	cmd.Flags().IntVar(&max, "max", 0, "stop after this many PS packs")
	return cmd
}
