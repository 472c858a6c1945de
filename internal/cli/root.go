// Package cli implements the tsforge command line. Each subcommand is
// a thin driver: parse flags, open inputs and sinks, call the library,
// print the stats.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagQuiet   bool
	flagVerbose bool
)

// NewRootCmd builds the tsforge command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tsforge",
		Short:         "MPEG elementary, program and transport stream tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging()
		},
	}

	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false,
		"only log warnings and errors")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"log debug detail")

	root.AddCommand(
		newES2TSCmd(),
		newTS2ESCmd(),
		newESFilterCmd(),
		newESReverseCmd(),
		newESReportCmd(),
		newESDotsCmd(),
		newESMergeCmd(),
		newPS2TSCmd(),
		newTSInfoCmd(),
		newTSPlayCmd(),
		newTSServeCmd(),
	)
	return root
}

func setupLogging() {
	level := slog.LevelInfo
	switch {
	case flagVerbose || os.Getenv("TSFORGE_DEBUG") != "":
		level = slog.LevelDebug
	case flagQuiet:
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
