package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strata-io/strata/internal/ir"
)

var taintCmd = &cobra.Command{
	Use:   "taint <address>",
	Short: "Mark a resource for replacement",
	Long: `Marks a recorded resource as tainted. The next plan schedules it for a
destroy-and-create replacement even when its attributes are unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaint,
}

var untaintCmd = &cobra.Command{
	Use:   "untaint <address>",
	Short: "Clear the taint mark from a resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runUntaint,
}

func init() {
	taintCmd.Flags().StringVar(&stateEnvironment, "environment", "", "Environment to operate on (defaults to the composition's)")
	untaintCmd.Flags().StringVar(&stateEnvironment, "environment", "", "Environment to operate on (defaults to the composition's)")
}

func runTaint(cmd *cobra.Command, args []string) error {
	env, err := resolveEnvironment()
	if err != nil {
		return err
	}

	target := args[0]
	return mutateSnapshot(cmd.Context(), env, func(snap *ir.Snapshot) error {
		rs, ok := snap.Resources[target]
		if !ok {
			return fmt.Errorf("resource %s not found in environment %q", target, env)
		}
		rs.Tainted = true
		return nil
	}, fmt.Sprintf("Resource %s is tainted; the next apply will replace it.", target))
}

func runUntaint(cmd *cobra.Command, args []string) error {
	env, err := resolveEnvironment()
	if err != nil {
		return err
	}

	target := args[0]
	return mutateSnapshot(cmd.Context(), env, func(snap *ir.Snapshot) error {
		rs, ok := snap.Resources[target]
		if !ok {
			return fmt.Errorf("resource %s not found in environment %q", target, env)
		}
		rs.Tainted = false
		return nil
	}, fmt.Sprintf("Resource %s is no longer tainted.", target))
}
