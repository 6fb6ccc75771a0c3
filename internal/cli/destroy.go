package cli

import (
	"github.com/spf13/cobra"

	"github.com/strata-io/strata/internal/engine"
	"github.com/strata-io/strata/internal/ir"
)

var destroyEnvironment string

var destroyCmd = &cobra.Command{
	Use:   "destroy [path]",
	Short: "Destroy everything recorded for an environment",
	Long: `Destroys every resource recorded in the environment's snapshot, in
reverse dependency order.

The environment name comes from the composition file, or from
--environment when the composition is no longer around.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().StringVar(&destroyEnvironment, "environment", "", "Destroy this environment without reading a composition")
	destroyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of the plan")
	destroyCmd.Flags().DurationVar(&applyLockTimeout, "lock-timeout", 0, "How long to wait for the environment lock (0 uses settings)")
	destroyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Max concurrent operations (0 uses settings)")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	environment := destroyEnvironment
	if environment == "" {
		comp, _, err := loadProject(args)
		if err != nil {
			return err
		}
		environment = comp.Environment
	}

	return executeRun(ctx, environment, func(eng *engine.Engine, snap *ir.Snapshot) (*ir.ChangeSet, error) {
		return eng.DestroyPlan(ctx, environment, snap)
	})
}
