package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/contracts"
)

// NewContractsCommand groups contract tooling.
func NewContractsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Inspect FSM transition contracts",
	}
	cmd.AddCommand(newContractsValidateCommand())
	return cmd
}

func newContractsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [contracts-dir]",
		Short: "Load and compile contracts without starting the server",
		Long: `Load every YAML contract in the directory, compile guards and check
state references. Without a directory the built-in contracts are checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			registry, err := contracts.LoadRegistry(dir)
			if err != nil {
				return fmt.Errorf("invalid contracts: %w", err)
			}
			printRegistry(cmd, registry)
			return nil
		},
	}
}

func printRegistry(cmd *cobra.Command, registry *fsm.Registry) {
	out := cmd.OutOrStdout()
	for _, name := range registry.Types() {
		c, _ := registry.Get(name)
		fmt.Fprintf(out, "%s: %d states, %d transitions, initial %s\n",
			c.FSMType, len(c.States), len(c.Transitions), c.InitialState)
	}
}
