// Command zstore drives a mirrored set of zoned namespaces: it appends
// patterns to every replica in lockstep, reads them back and reports
// per-device throughput.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zstore/zstore/internal/runtime"
)

var cmdMain = &cobra.Command{
	Use:           "zstore",
	Short:         "Mirrored zone append over zoned namespaces",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var flagMain struct {
	Config    string
	LogLevel  string
	LogFormat string
	Pin       int
}

func init() {
	cmdMain.PersistentFlags().StringVarP(&flagMain.Config, "config", "c", "", "Path to a YAML configuration file")
	cmdMain.PersistentFlags().StringVar(&flagMain.LogLevel, "log-level", "", "Override the configured log level")
	cmdMain.PersistentFlags().StringVar(&flagMain.LogFormat, "log-format", "", "Override the configured log format (text or json)")
	cmdMain.PersistentFlags().IntVar(&flagMain.Pin, "cpu", -1, "Pin the driving thread to this CPU")
}

func main() {
	err := cmdMain.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(runtime.ExitCode(err))
}
