// Command memtrace drives a traced child process and renders the
// resulting allocation report. Its two subcommands mirror
// golang-debug's cmd/viewcore split between acquiring a data source
// (a core file there, a trace pipe here) and rendering from it, but
// the command tree itself is built with cobra in the style
// containerd-nydus-snapshotter's cmd/ binaries use.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.WithField("component", "cmd")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "memtrace",
		Short:         "Heap allocation tracer and report generator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd(), newReportCmd())
	return root
}
