package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	httptoolkit "github.com/maranix/http-toolkit"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if version != "dev" {
		httptoolkit.Version = version
	}
	httptoolkit.GitCommit = commit
	httptoolkit.BuildDate = buildDate

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "httptoolkit",
		Short: "Send HTTP requests through a configurable middleware pipeline",
		Long: `httptoolkit sends HTTP requests through the same middleware pipeline
the library builds: base URL, headers, retries with backoff, rate limiting,
circuit breaking, caching, logging, metrics and tracing.

Configuration is read from the file given with --config and from
HTTPTOOLKIT_* environment variables, e.g. HTTPTOOLKIT_RETRY_MAX_RETRIES=5.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	cmd.AddCommand(newRequestCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Println(httptoolkit.GetVersion())
			return nil
		},
	}
}
