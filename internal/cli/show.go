package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show <plan-file>",
	Short: "Render a saved change-set",
	Long:  `Displays a change-set previously written with 'strata plan --out'.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the raw change-set JSON")
}

func runShow(cmd *cobra.Command, args []string) error {
	cs, err := loadPlan(args[0])
	if err != nil {
		return err
	}

	if showJSON {
		data, err := json.MarshalIndent(cs, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding plan: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Change-set %s for environment %q (planned against serial %d):\n",
		cs.PlanID, cs.Environment, cs.PriorSerial)
	renderChangeSet(cs)
	renderPlanSummary(cs)
	return nil
}
