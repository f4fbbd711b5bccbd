// Package cli wires the knowledge-hub commands.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "khub",
		Short:         "Knowledge hub state engine and event router",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewMigrateCommand())
	cmd.AddCommand(NewContractsCommand())

	return cmd
}
