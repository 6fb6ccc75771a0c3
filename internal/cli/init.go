package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new strata project",
	Long:  `Creates a starter composition, an example module, and the settings file.`,
	RunE:  runInit,
}

const initSettings = `# Strata settings. STRATA_* environment variables override these values.
state:
  backend: local

log:
  level: info
  format: console
`

const initComposition = `environment "dev" {}

module "network" {
  source = "./modules/network"
  cidr   = "10.0.0.0/16"
}
`

const initModule = `input "cidr" {
  default = "10.0.0.0/16"
}

resource "null_resource" "network" {
  cidr = var.cidr
}

output "network_id" {
  value = null_resource.network.id
}
`

func runInit(cmd *cobra.Command, args []string) error {
	files := []struct {
		path    string
		content string
	}{
		{".strata.yaml", initSettings},
		{"strata.hcl", initComposition},
		{filepath.Join("modules", "network", "main.hcl"), initModule},
	}

	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			fmt.Printf("Skipped %s (already exists)\n", f.path)
			continue
		}
		if dir := filepath.Dir(f.path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating %s: %w", dir, err)
			}
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0644); err != nil {
			return fmt.Errorf("creating %s: %w", f.path, err)
		}
		fmt.Printf("Created %s\n", f.path)
	}

	fmt.Println("\nProject initialized.")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit strata.hcl to compose your environment from modules")
	fmt.Println("  2. Run 'strata plan' to see what would change")
	fmt.Println("  3. Run 'strata apply' to reconcile the environment")
	return nil
}
