package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strata-io/strata/internal/config"
	"github.com/strata-io/strata/internal/telemetry"
)

// settings is loaded once before any command runs.
var settings *config.Settings

// Process exit codes for apply runs. Configuration and lock failures
// exit 1, a run where nothing was applied exits 2, a partially applied
// run exits 3.
const (
	exitTotalFailure   = 2
	exitPartialFailure = 3
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Layered infrastructure modules with versioned state",
	Long: `Strata reconciles composed infrastructure modules against recorded state.

A composition assembles reusable modules into one environment. Strata
plans the difference between the composition and the environment's
snapshot, then applies it: creates in dependency order, destroys in
reverse, every result persisted under an optimistic serial.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.LoadSettings()
		if err != nil {
			return err
		}
		settings = s
		return telemetry.Init(s.Log)
	},
}

// exitCodeError carries a process exit code through cobra's error path.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func exitCode(code int, err error) error {
	return &exitCodeError{code: code, err: err}
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		var ec *exitCodeError
		if errors.As(err, &ec) {
			return ec.code
		}
		return 1
	}
	return 0
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(fmtCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(taintCmd)
	rootCmd.AddCommand(untaintCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(versionCmd)
}
