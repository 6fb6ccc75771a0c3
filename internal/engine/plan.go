package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strata-io/strata/internal/ir"
	"github.com/strata-io/strata/internal/provider"
	"github.com/strata-io/strata/internal/telemetry"
)

// Engine builds plans and executes them against providers.
type Engine struct {
	registry *provider.Registry
	log      zerolog.Logger

	// Parallelism bounds concurrent operations during apply. Zero means
	// DefaultParallelism.
	Parallelism int
	// Retry overrides the provider retry policy when set.
	Retry *RetryPolicy
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry: registry,
		log:      telemetry.Component("engine"),
	}
}

// CreatePlan expands the composition, orders it, and diffs it against the
// snapshot. Read-only: it never takes the lock and never calls providers.
func (e *Engine) CreatePlan(ctx context.Context, comp *ir.Composition, defs map[string]*ir.ModuleDefinition, snap *ir.Snapshot) (*ir.ChangeSet, error) {
	resources, err := Expand(comp, defs)
	if err != nil {
		return nil, err
	}

	dag, err := BuildDAG(resources)
	if err != nil {
		return nil, err
	}

	e.log.Debug().
		Str("environment", comp.Environment).
		Int("resources", len(resources)).
		Int("state_resources", len(snap.Resources)).
		Msg("planning")

	if err := e.loadProviders(resources, snap); err != nil {
		return nil, err
	}

	cs := &ir.ChangeSet{
		PlanID:      uuid.NewString(),
		Environment: comp.Environment,
		CreatedAt:   time.Now().UTC(),
		PriorSerial: snap.Serial,
	}

	desired := make(map[string]bool, len(resources))
	for _, addr := range dag.CreationOrder() {
		desired[addr] = true
		res := dag.Resource(addr)

		op := &ir.Operation{
			Address:   addr,
			Module:    res.Module,
			Type:      res.Type,
			Name:      res.Name,
			Provider:  res.ProviderName(),
			Desired:   res.Attributes,
			DependsOn: dag.Dependencies(addr),
		}

		prior, exists := snap.Resources[addr]
		if !exists {
			op.Action = ir.ActionCreate
			op.Diff = buildCreateDiff(resolveKnown(res.Attributes, snap))
		} else {
			op.Prior = prior
			diff := buildAttributeDiff(prior.Attributes, resolveKnown(res.Attributes, snap).(map[string]any))
			filterIgnoredChanges(res, diff)

			if prior.Tainted {
				op.Action = ir.ActionReplace
				op.Diff = diff
				op.ForcedBy = append(op.ForcedBy, "tainted")
				if res.Lifecycle != nil && res.Lifecycle.PreventDestroy {
					return nil, &InvalidChangeError{Resource: addr, Attributes: op.ForcedBy}
				}
			} else if len(diff) == 0 {
				op.Action = ir.ActionNoOp
			} else {
				op.Action = ir.ActionUpdate
				op.Diff = diff
				keys := make([]string, 0, len(diff))
				for key := range diff {
					keys = append(keys, key)
				}
				sort.Strings(keys)
				for _, key := range keys {
					if res.ImmutableAttr(key) {
						diff[key].ForcesReplacement = true
						op.ForcedBy = append(op.ForcedBy, key)
						op.Action = ir.ActionReplace
					}
				}
				if op.Action == ir.ActionReplace && res.Lifecycle != nil && res.Lifecycle.PreventDestroy {
					return nil, &InvalidChangeError{Resource: addr, Attributes: op.ForcedBy}
				}
			}
		}

		cs.Summary.Count(op.Action)
		cs.Operations = append(cs.Operations, op)
	}

	// Resources recorded in state but gone from the desired graph are
	// destroyed, dependents first.
	leftover := make(map[string]*ir.ResourceState)
	for addr, rs := range snap.Resources {
		if !desired[addr] {
			leftover[addr] = rs
		}
	}
	destroys, err := destroyOperations(leftover)
	if err != nil {
		return nil, err
	}
	for _, op := range destroys {
		cs.Summary.Count(op.Action)
		cs.Operations = append(cs.Operations, op)
	}

	return cs, nil
}

// DestroyPlan produces the reverse-order teardown of everything the
// snapshot records, used by the destroy command.
func (e *Engine) DestroyPlan(ctx context.Context, environment string, snap *ir.Snapshot) (*ir.ChangeSet, error) {
	if err := e.loadProviders(nil, snap); err != nil {
		return nil, err
	}

	cs := &ir.ChangeSet{
		PlanID:      uuid.NewString(),
		Environment: environment,
		CreatedAt:   time.Now().UTC(),
		PriorSerial: snap.Serial,
	}

	destroys, err := destroyOperations(snap.Resources)
	if err != nil {
		return nil, err
	}
	for _, op := range destroys {
		cs.Summary.Count(op.Action)
		cs.Operations = append(cs.Operations, op)
	}
	return cs, nil
}

// destroyOperations orders the given state entries for teardown: a
// resource is destroyed only after everything that depends on it.
func destroyOperations(resources map[string]*ir.ResourceState) ([]*ir.Operation, error) {
	if len(resources) == 0 {
		return nil, nil
	}
	dag, err := BuildDAGFromSnapshot(resources)
	if err != nil {
		return nil, err
	}

	ops := make([]*ir.Operation, 0, len(resources))
	for _, addr := range dag.DestructionOrder() {
		rs, ok := resources[addr]
		if !ok {
			continue
		}
		ops = append(ops, &ir.Operation{
			Address:   addr,
			Module:    rs.Module,
			Type:      rs.Type,
			Name:      rs.Name,
			Provider:  rs.Provider,
			Action:    ir.ActionDestroy,
			Prior:     rs,
			Diff:      buildDestroyDiff(rs.Attributes),
			DependsOn: rs.Dependencies,
		})
	}
	return ops, nil
}

// loadProviders makes every provider referenced by the desired resources
// or the snapshot available before anything runs.
func (e *Engine) loadProviders(resources []*ir.Resource, snap *ir.Snapshot) error {
	seen := make(map[string]bool)
	load := func(name string) error {
		if name == "" || seen[name] {
			return nil
		}
		seen[name] = true
		if err := e.registry.Load(name); err != nil {
			return fmt.Errorf("loading provider %s: %w", name, err)
		}
		return nil
	}
	for _, res := range resources {
		if err := load(res.ProviderName()); err != nil {
			return err
		}
	}
	if snap != nil {
		for _, rs := range snap.Resources {
			if err := load(rs.Provider); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveKnown substitutes refs whose target already exists in the
// snapshot. Unresolvable refs stay as ir.Ref and count as a difference,
// since their value is only known after apply.
func resolveKnown(v any, snap *ir.Snapshot) any {
	switch val := v.(type) {
	case ir.Ref:
		if rs, ok := snap.Resources[val.Resource]; ok {
			if out, ok := rs.Output(val.Output); ok {
				return out
			}
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = resolveKnown(item, snap)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveKnown(item, snap)
		}
		return out
	default:
		return v
	}
}

// containsRef reports whether an unresolved reference remains inside v.
func containsRef(v any) bool {
	found := false
	ir.WalkRefs(v, func(ir.Ref) { found = true })
	return found
}

// buildAttributeDiff compares last-applied attributes with the desired
// ones, key by key. Values still carrying unresolved refs always diff.
func buildAttributeDiff(prior, desired map[string]any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		switch {
		case !inPrior:
			diff[k] = &ir.AttributeDiff{After: desiredVal, Action: "create"}
		case !inDesired:
			diff[k] = &ir.AttributeDiff{Before: priorVal, Action: "delete"}
		case containsRef(desiredVal) || fmt.Sprintf("%v", priorVal) != fmt.Sprintf("%v", desiredVal):
			diff[k] = &ir.AttributeDiff{Before: priorVal, After: desiredVal, Action: "update"}
		}
	}

	return diff
}

// filterIgnoredChanges drops diff entries for attributes the lifecycle
// tells us to ignore.
func filterIgnoredChanges(res *ir.Resource, diff map[string]*ir.AttributeDiff) {
	if res.Lifecycle == nil {
		return
	}
	for _, attr := range res.Lifecycle.IgnoreChanges {
		delete(diff, attr)
	}
}

func buildCreateDiff(attrs any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff)
	m, _ := attrs.(map[string]any)
	for k, v := range m {
		diff[k] = &ir.AttributeDiff{After: v, Action: "create"}
	}
	return diff
}

func buildDestroyDiff(attrs map[string]any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff)
	for k, v := range attrs {
		diff[k] = &ir.AttributeDiff{Before: v, Action: "delete"}
	}
	return diff
}
