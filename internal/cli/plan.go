package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var planOutFile string

var planCmd = &cobra.Command{
	Use:   "plan [path]",
	Short: "Show what apply would change",
	Long: `Plans the composition against the environment's recorded snapshot.

Planning is read-only: it never takes the environment lock and never
calls providers. The change-set lists creates and updates in dependency
order, followed by destroys in reverse dependency order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the change-set to a file as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	comp, defs, err := loadProject(args)
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := readSnapshot(ctx, store, comp.Environment)
	if err != nil {
		return err
	}

	eng, _ := newEngine()
	cs, err := eng.CreatePlan(ctx, comp, defs, snap)
	if err != nil {
		return err
	}

	if cs.Summary.Changes() == 0 {
		fmt.Printf("No changes. Environment %q matches the composition.\n", comp.Environment)
	} else {
		fmt.Printf("Strata will perform the following actions in %q:\n", comp.Environment)
		renderChangeSet(cs)
	}
	renderPlanSummary(cs)

	if planOutFile != "" {
		if err := savePlan(planOutFile, cs); err != nil {
			return err
		}
		fmt.Printf("\nChange-set written to %s\n", planOutFile)
	}
	return nil
}
