// Package cli implements the txqueue command line tool.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vnykmshr/txqueue/pkg/txqueue"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Dir      string
	Config   string
	LogLevel string
	Format   string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the txqueue CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "txqueue",
		Short:         "Inspect and manage txqueue working directories",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Dir, "dir", "d", "", "working directory (overrides the config file)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewPeekCommand(opts))
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// NewVersionCommand prints the library version.
func NewVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, opts)
			if f.Format == "json" {
				return f.Success(map[string]string{"version": txqueue.Version})
			}
			fmt.Fprintf(f.Writer, "txqueue version %s\n", txqueue.Version)
			return nil
		},
	}
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openManager starts a manager on the working directory selected by the
// flags. Queues without a configuration are treated as persistent, since
// memory queues have nothing to inspect from the outside. Unless create is
// set, the working directory must already exist.
func openManager(ctx context.Context, opts *RootOptions, logOut io.Writer, create bool) (*txqueue.Manager, error) {
	dir := opts.Dir
	qopts := txqueue.DefaultOptions()
	if opts.Config != "" {
		cfgDir, fileOpts, err := txqueue.OptionsFromFile(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
		}
		qopts = fileOpts
		if dir == "" {
			dir = cfgDir
		}
	}
	if dir == "" {
		return nil, NewExitError(ExitCommandError, "working directory required: use --dir or --config")
	}
	if !create {
		if _, err := os.Stat(dir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, NewExitError(ExitCommandError, fmt.Sprintf("working directory not found: %s", dir))
			}
			return nil, WrapExitError(ExitCommandError, "failed to access working directory", err)
		}
	}

	qopts.DefaultConfiguration.Persistent = true
	qopts.Serializer = txqueue.BytesSerializer{}
	qopts.Logger = txqueue.NewZapLogger(opts.LogLevel, logOut)

	m, err := txqueue.New(dir, qopts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create queue manager", err)
	}
	if err := m.Start(ctx); err != nil {
		_ = m.Dispose()
		return nil, WrapExitError(ExitFailure, "failed to start queue manager", err)
	}
	return m, nil
}
