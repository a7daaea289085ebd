package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/emergingrobotics/go-ipa/pkg/logging"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var level, format string

	root := &cobra.Command{
		Use:           "ipactl",
		Short:         "IPA core control plane tool",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.ParseLevel(level)
			if err != nil {
				return err
			}
			f, err := logging.ParseFormat(resolveFormat(format, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			logging.SetLevel(l)
			logging.SetOutput(cmd.ErrOrStderr(), f)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "warn", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&format, "log-format", "auto", "log format: auto, text, json")

	root.AddCommand(
		newSimulateCommand(),
		newStatsCommand(),
		newVersionCommand(),
	)
	return root
}

// resolveFormat maps "auto" to text on a terminal and JSON otherwise.
func resolveFormat(format string, w io.Writer) string {
	if format != "auto" {
		return format
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return "text"
	}
	return "json"
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ipactl version %s\n", Version)
			fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		},
	}
}
