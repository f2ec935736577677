// Package cli wires the cobra command line for the node-layer daemon: a
// single positional argument naming the TOML config file to load.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RunFunc starts the daemon for the config file at path and blocks until an
// unrecoverable error occurs or the process is asked to stop.
type RunFunc func(path string, log *zap.SugaredLogger) error

// NewCLI builds the root command. run is injected so main can assemble the
// concrete daemon without this package importing every internal package.
func NewCLI(run RunFunc, log *zap.SugaredLogger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "empower1d [config-path]",
		Short: "empower1d is the peer-to-peer networking daemon for an empower1 node.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := run(args[0], log); err != nil {
				return fmt.Errorf("empower1d: %w", err)
			}
			return nil
		},
	}
	return rootCmd
}
