package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-io/strata/internal/config"
	"github.com/strata-io/strata/internal/ir"
)

var stateEnvironment string

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and modify recorded state",
	Long:  `Commands for inspecting and modifying environment snapshots.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources recorded for the environment",
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <address>",
	Short: "Show the recorded attributes of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var statePullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Print the raw snapshot JSON",
	RunE:  runStatePull,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <address>",
	Short: "Forget a resource without destroying it",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

var stateEnvironmentsCmd = &cobra.Command{
	Use:   "environments",
	Short: "List environments with a stored snapshot",
	RunE:  runStateEnvironments,
}

func init() {
	stateCmd.PersistentFlags().StringVar(&stateEnvironment, "environment", "", "Environment to operate on (defaults to the composition's)")
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(statePullCmd)
	stateCmd.AddCommand(stateRmCmd)
	stateCmd.AddCommand(stateEnvironmentsCmd)
}

// resolveEnvironment returns the --environment flag, falling back to the
// composition in the working directory.
func resolveEnvironment() (string, error) {
	if stateEnvironment != "" {
		return stateEnvironment, nil
	}
	path, err := resolveCompositionPath(nil)
	if err != nil {
		return "", fmt.Errorf("no --environment given and no composition found: %w", err)
	}
	comp, err := config.LoadComposition(path)
	if err != nil {
		return "", err
	}
	return comp.Environment, nil
}

func runStateList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := resolveEnvironment()
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Read(ctx, env)
	if err != nil {
		return err
	}

	if len(snap.Resources) == 0 {
		fmt.Printf("No resources recorded for environment %q.\n", env)
		return nil
	}

	fmt.Printf("Environment %q, serial %d, lineage %s\n\n", env, snap.Serial, snap.Lineage)
	for _, addr := range sortedAddresses(snap) {
		rs := snap.Resources[addr]
		marker := ""
		if rs.Tainted {
			marker = " (tainted)"
		}
		fmt.Printf("  %s (provider: %s)%s\n", addr, rs.Provider, marker)
	}
	fmt.Printf("\nTotal: %d resource(s)\n", len(snap.Resources))
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := resolveEnvironment()
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Read(ctx, env)
	if err != nil {
		return err
	}

	target := args[0]
	rs, ok := snap.Resources[target]
	if !ok {
		return fmt.Errorf("resource %s not found in environment %q", target, env)
	}

	fmt.Printf("# %s\n", target)
	fmt.Printf("  module   = %s\n", rs.Module)
	fmt.Printf("  type     = %s\n", rs.Type)
	fmt.Printf("  name     = %s\n", rs.Name)
	fmt.Printf("  provider = %s\n", rs.Provider)
	fmt.Printf("  identity = %s\n", rs.Identity)
	if rs.Tainted {
		fmt.Println("  tainted  = true")
	}

	if len(rs.Attributes) > 0 {
		fmt.Println("\n  Attributes:")
		for _, k := range sortedKeys(rs.Attributes) {
			fmt.Printf("    %s = %s\n", k, formatValue(rs.Attributes[k]))
		}
	}
	if len(rs.Outputs) > 0 {
		fmt.Println("\n  Outputs:")
		for _, k := range sortedKeys(rs.Outputs) {
			fmt.Printf("    %s = %s\n", k, formatValue(rs.Outputs[k]))
		}
	}
	if len(rs.Dependencies) > 0 {
		fmt.Println("\n  Dependencies:")
		for _, dep := range rs.Dependencies {
			fmt.Printf("    %s\n", dep)
		}
	}
	return nil
}

func runStatePull(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := resolveEnvironment()
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Read(ctx, env)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := resolveEnvironment()
	if err != nil {
		return err
	}

	target := args[0]
	return mutateSnapshot(ctx, env, func(snap *ir.Snapshot) error {
		if _, ok := snap.Resources[target]; !ok {
			return fmt.Errorf("resource %s not found in environment %q", target, env)
		}
		delete(snap.Resources, target)
		// Drop dangling dependency edges so later destroy ordering stays
		// consistent.
		for _, rs := range snap.Resources {
			rs.Dependencies = removeString(rs.Dependencies, target)
		}
		return nil
	}, fmt.Sprintf("Removed %s from state (the resource itself was not destroyed)", target))
}

func runStateEnvironments(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	envs, err := store.Environments(ctx)
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		fmt.Println("No environments have been applied yet.")
		return nil
	}
	for _, env := range envs {
		fmt.Println(env)
	}
	return nil
}

// mutateSnapshot applies fn to the environment's snapshot under the lock
// and writes it back with the serial advanced.
func mutateSnapshot(ctx context.Context, environment string, fn func(*ir.Snapshot) error, done string) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	lck, err := store.AcquireLock(ctx, environment, lockHolder(), settings.Apply.LockTimeout)
	if err != nil {
		return err
	}
	defer store.ReleaseLock(context.WithoutCancel(ctx), lck)

	snap, err := store.Read(ctx, environment)
	if err != nil {
		return err
	}

	if err := fn(snap); err != nil {
		return err
	}

	prior := snap.Serial
	snap.Serial++
	snap.UpdatedAt = time.Now().UTC()
	if err := store.Write(ctx, environment, snap, prior); err != nil {
		return err
	}

	fmt.Println(done)
	return nil
}

func sortedAddresses(snap *ir.Snapshot) []string {
	addrs := make([]string, 0, len(snap.Resources))
	for addr := range snap.Resources {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
