package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/strata-io/strata/internal/config"
	"github.com/strata-io/strata/internal/engine"
	"github.com/strata-io/strata/internal/ir"
	"github.com/strata-io/strata/internal/provider"
	"github.com/strata-io/strata/internal/state"
)

const defaultComposition = "strata.hcl"

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

// resolveCompositionPath turns an optional positional argument into the
// composition file to load. A directory means "strata.hcl inside it".
func resolveCompositionPath(args []string) (string, error) {
	path := defaultComposition
	if len(args) > 0 {
		path = args[0]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		abs = filepath.Join(abs, defaultComposition)
	}
	return abs, nil
}

// loadProject loads the composition plus every enabled module it calls.
func loadProject(args []string) (*ir.Composition, map[string]*ir.ModuleDefinition, error) {
	path, err := resolveCompositionPath(args)
	if err != nil {
		return nil, nil, err
	}
	return config.LoadProject(path)
}

func openStore(ctx context.Context) (state.Store, error) {
	return state.New(ctx, settings.State)
}

// readSnapshot returns the environment's snapshot, or a fresh empty one
// when nothing has been applied yet.
func readSnapshot(ctx context.Context, store state.Store, environment string) (*ir.Snapshot, error) {
	snap, err := store.Read(ctx, environment)
	if err == nil {
		return snap, nil
	}
	if errors.Is(err, state.ErrNotFound) {
		return ir.NewSnapshot(environment), nil
	}
	return nil, err
}

// newEngine wires the provider registry and the apply tuning from
// settings.
func newEngine() (*engine.Engine, *provider.Registry) {
	registry := provider.NewRegistry()
	eng := engine.NewEngine(registry)
	eng.Parallelism = settings.Apply.Parallelism
	eng.Retry = &engine.RetryPolicy{
		MaxRetries: settings.Apply.MaxRetries,
		BaseDelay:  settings.Apply.RetryBaseDelay,
		MaxDelay:   settings.Apply.RetryMaxDelay,
	}
	return eng, registry
}

// lockHolder identifies this process in lock records, so a competing run
// can report who is blocking it.
func lockHolder() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "strata"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s@%s (pid %d)", user, host, os.Getpid())
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "yes"
}

func savePlan(path string, cs *ir.ChangeSet) error {
	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing plan file: %w", err)
	}
	return nil
}

func loadPlan(path string) (*ir.ChangeSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	var cs ir.ChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("parsing plan file %s: %w", path, err)
	}
	return &cs, nil
}

// renderChangeSet prints the operation list, one block per resource with
// its attribute-level diff. NoOp operations are omitted.
func renderChangeSet(cs *ir.ChangeSet) {
	for _, op := range cs.Operations {
		if op.Action == ir.ActionNoOp {
			continue
		}
		symbol, color := actionSymbol(op.Action)
		fmt.Printf("\n%s  # %s will be %s%s\n", color, op.Address, actionVerb(op), colorReset)
		fmt.Printf("%s  %s resource %q %q {%s\n", color, symbol, op.Type, op.Name, colorReset)
		renderDiff(op.Diff)
		fmt.Printf("%s  }%s\n", color, colorReset)
	}
}

func actionSymbol(a ir.Action) (symbol, color string) {
	switch a {
	case ir.ActionCreate:
		return "+", colorGreen
	case ir.ActionDestroy:
		return "-", colorRed
	case ir.ActionReplace:
		return "-/+", colorYellow
	case ir.ActionUpdate:
		return "~", colorYellow
	default:
		return " ", colorReset
	}
}

func actionVerb(op *ir.Operation) string {
	switch op.Action {
	case ir.ActionCreate:
		return "created"
	case ir.ActionUpdate:
		return "updated"
	case ir.ActionDestroy:
		return "destroyed"
	case ir.ActionReplace:
		return fmt.Sprintf("replaced (forced by %s)", strings.Join(op.ForcedBy, ", "))
	default:
		return "left unchanged"
	}
}

// renderDiff prints attribute diffs sorted by key.
func renderDiff(diff map[string]*ir.AttributeDiff) {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		d := diff[k]
		switch d.Action {
		case "create":
			fmt.Printf("%s      + %s = %s%s\n", colorGreen, k, formatValue(d.After), colorReset)
		case "delete":
			fmt.Printf("%s      - %s = %s%s\n", colorRed, k, formatValue(d.Before), colorReset)
		case "update":
			suffix := ""
			if d.ForcesReplacement {
				suffix = " (forces replacement)"
			}
			fmt.Printf("%s      ~ %s = %s -> %s%s%s\n", colorYellow, k, formatValue(d.Before), formatValue(d.After), suffix, colorReset)
		}
	}
}

// formatValue renders an attribute value for plan output. Unresolved
// references print as "(known after apply)".
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case ir.Ref:
		return "(known after apply)"
	case string:
		return fmt.Sprintf("%q", val)
	case map[string]any:
		parts := make([]string, 0, len(val))
		for _, k := range sortedKeys(val) {
			parts = append(parts, fmt.Sprintf("%s: %s", k, formatValue(val[k])))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan totals.
func renderPlanSummary(cs *ir.ChangeSet) {
	fmt.Println("\nPlan summary:")
	fmt.Printf("  Create:  %d\n", cs.Summary.Create)
	fmt.Printf("  Update:  %d\n", cs.Summary.Update)
	fmt.Printf("  Replace: %d\n", cs.Summary.Replace)
	fmt.Printf("  Destroy: %d\n", cs.Summary.Destroy)
	fmt.Printf("  NoOp:    %d\n", cs.Summary.NoOp)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
