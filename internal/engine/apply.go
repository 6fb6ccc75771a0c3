package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strata-io/strata/internal/ir"
	"github.com/strata-io/strata/internal/state"
	"github.com/strata-io/strata/internal/telemetry"
)

// DefaultParallelism bounds concurrent provider operations per run.
const DefaultParallelism = 10

// ApplyEvent reports progress for one operation during apply.
type ApplyEvent struct {
	Address  string
	Action   ir.Action
	Status   string // "started", "completed", "failed", "skipped"
	Attempts int
	Duration time.Duration
	Error    error
}

// ApplyCallback receives apply events when set.
type ApplyCallback func(event ApplyEvent)

// OpResult is the final outcome of one planned operation.
type OpResult struct {
	Address  string        `json:"address"`
	Action   ir.Action     `json:"action"`
	Status   string        `json:"status"` // "succeeded", "failed", "skipped", "unchanged"
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    error         `json:"-"`
}

// RunSummary counts operation outcomes.
type RunSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Unchanged int `json:"unchanged"`
}

func (s RunSummary) String() string {
	return fmt.Sprintf("%d succeeded, %d failed, %d skipped", s.Succeeded, s.Failed, s.Skipped)
}

// Run status values.
const (
	RunSucceeded = "succeeded"
	RunPartial   = "partial"  // some operations applied before the abort
	RunFailed    = "failed"   // nothing was applied
	RunCanceled  = "canceled" // stopped by the caller, no failures
)

// RunResult is the outcome of one apply run, including the serial the
// flushed snapshot was written under.
type RunResult struct {
	RunID       string        `json:"run_id"`
	Environment string        `json:"environment"`
	Status      string        `json:"status"`
	Operations  []*OpResult   `json:"operations"`
	Summary     RunSummary    `json:"summary"`
	Serial      uint64        `json:"serial"`
	Duration    time.Duration `json:"duration"`
}

// Apply walks the change-set under the held lock. Creates and updates run
// first in dependency order, destroys follow in reverse order. Results
// land in an in-progress buffer immediately after each operation, and the
// buffer is flushed to the store whether the run succeeds, aborts on a
// fatal error, or is canceled. At most one apply may run per environment;
// the lock enforces that.
func (e *Engine) Apply(ctx context.Context, cs *ir.ChangeSet, snap *ir.Snapshot, lck *state.Lock, store state.Store, cb ApplyCallback) (*RunResult, error) {
	if lck == nil {
		return nil, fmt.Errorf("apply requires a held lock for environment %s", cs.Environment)
	}
	if lck.Environment != cs.Environment {
		return nil, fmt.Errorf("lock is for environment %s, change-set is for %s", lck.Environment, cs.Environment)
	}
	if cs.PriorSerial != snap.Serial {
		return nil, fmt.Errorf("plan is stale: planned against serial %d, state is at %d", cs.PriorSerial, snap.Serial)
	}

	run := &applyRun{
		engine:   e,
		buffer:   snap.Clone(),
		results:  make(map[string]*OpResult, len(cs.Operations)),
		emit:     cb,
		sem:      make(chan struct{}, e.parallelism()),
		started:  time.Now(),
		deadline: e.opTimeout(),
	}
	run.cond = sync.NewCond(&run.mu)

	e.log.Info().
		Str("environment", cs.Environment).
		Str("plan_id", cs.PlanID).
		Int("operations", cs.Summary.Changes()).
		Msg("apply started")

	var forward, reverse []*ir.Operation
	for _, op := range cs.Operations {
		switch op.Action {
		case ir.ActionNoOp:
			run.results[op.Address] = &OpResult{Address: op.Address, Action: op.Action, Status: "unchanged"}
		case ir.ActionDestroy:
			reverse = append(reverse, op)
		default:
			forward = append(forward, op)
		}
	}

	run.executePhase(ctx, forward, forwardDeps(forward))
	if !run.aborted() {
		run.executePhase(ctx, reverse, reverseDeps(reverse))
	} else {
		run.skipAll(reverse)
	}

	result := &RunResult{
		RunID:       uuid.NewString(),
		Environment: cs.Environment,
		Duration:    time.Since(run.started),
	}
	for _, op := range cs.Operations {
		if r, ok := run.results[op.Address]; ok {
			result.Operations = append(result.Operations, r)
			switch r.Status {
			case "succeeded":
				result.Summary.Succeeded++
			case "failed":
				result.Summary.Failed++
			case "skipped":
				result.Summary.Skipped++
			case "unchanged":
				result.Summary.Unchanged++
			}
		}
	}
	result.Status = runStatus(ctx, result.Summary)

	// Flush the buffer no matter how the run ended, so recorded state
	// never diverges from what providers actually did. Cancellation must
	// not block the flush.
	flushCtx := context.WithoutCancel(ctx)
	run.buffer.Serial = snap.Serial + 1
	run.buffer.UpdatedAt = time.Now().UTC()
	if err := store.Write(flushCtx, cs.Environment, run.buffer, snap.Serial); err != nil {
		return result, fmt.Errorf("flushing snapshot for %s: %w", cs.Environment, err)
	}
	result.Serial = run.buffer.Serial

	e.log.Info().
		Str("environment", cs.Environment).
		Str("status", result.Status).
		Uint64("serial", result.Serial).
		Str("summary", result.Summary.String()).
		Msg("apply finished")

	if errs := run.errors(); len(errs) > 0 {
		return result, fmt.Errorf("apply %s: %s: %w", result.Status, result.Summary, errors.Join(errs...))
	}
	if result.Status == RunCanceled {
		return result, fmt.Errorf("apply canceled: %w", context.Cause(ctx))
	}
	return result, nil
}

func (e *Engine) parallelism() int {
	if e.Parallelism > 0 {
		return e.Parallelism
	}
	return DefaultParallelism
}

func (e *Engine) opTimeout() time.Duration {
	return DefaultOpTimeout
}

func (e *Engine) retryPolicy() *RetryPolicy {
	if e.Retry != nil {
		return e.Retry
	}
	return DefaultRetryPolicy()
}

func runStatus(ctx context.Context, s RunSummary) string {
	switch {
	case s.Failed == 0 && s.Skipped == 0:
		if ctx.Err() != nil && s.Succeeded == 0 {
			return RunCanceled
		}
		return RunSucceeded
	case s.Failed == 0:
		return RunCanceled
	case s.Succeeded > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

// forwardDeps maps each operation to the in-phase operations it must wait
// for: its dependencies.
func forwardDeps(ops []*ir.Operation) map[string]map[string]bool {
	inPhase := make(map[string]bool, len(ops))
	for _, op := range ops {
		inPhase[op.Address] = true
	}
	deps := make(map[string]map[string]bool, len(ops))
	for _, op := range ops {
		deps[op.Address] = make(map[string]bool)
		for _, d := range op.DependsOn {
			if inPhase[d] {
				deps[op.Address][d] = true
			}
		}
	}
	return deps
}

// reverseDeps inverts the edges for the destroy phase: a resource is
// destroyed only after every dependent's destroy completed.
func reverseDeps(ops []*ir.Operation) map[string]map[string]bool {
	inPhase := make(map[string]bool, len(ops))
	for _, op := range ops {
		inPhase[op.Address] = true
	}
	deps := make(map[string]map[string]bool, len(ops))
	for _, op := range ops {
		deps[op.Address] = make(map[string]bool)
	}
	for _, op := range ops {
		for _, d := range op.DependsOn {
			if inPhase[d] {
				deps[d][op.Address] = true
			}
		}
	}
	return deps
}

// applyRun carries the shared run state across workers.
type applyRun struct {
	engine  *Engine
	emit    ApplyCallback
	sem     chan struct{}
	started time.Time

	deadline time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	buffer    *ir.Snapshot
	results   map[string]*OpResult
	completed map[string]bool
	abort     bool
	errs      []error
}

func (r *applyRun) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abort
}

func (r *applyRun) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *applyRun) skipAll(ops []*ir.Operation) {
	r.mu.Lock()
	var skipped []*ir.Operation
	for _, op := range ops {
		if _, done := r.results[op.Address]; !done {
			r.results[op.Address] = &OpResult{Address: op.Address, Action: op.Action, Status: "skipped"}
			skipped = append(skipped, op)
		}
	}
	r.mu.Unlock()
	for _, op := range skipped {
		r.fire(ApplyEvent{Address: op.Address, Action: op.Action, Status: "skipped"})
	}
}

func (r *applyRun) fire(ev ApplyEvent) {
	if r.emit != nil {
		r.emit(ev)
	}
}

// executePhase runs one phase of operations in parallel, respecting the
// given in-phase dependency map. Any fatal failure aborts the phase:
// in-flight operations finish, waiting ones are skipped.
func (r *applyRun) executePhase(ctx context.Context, ops []*ir.Operation, deps map[string]map[string]bool) {
	if len(ops) == 0 {
		return
	}
	r.mu.Lock()
	r.completed = make(map[string]bool, len(ops))
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op *ir.Operation) {
			defer wg.Done()

			r.mu.Lock()
			for {
				if r.abort || ctx.Err() != nil {
					r.results[op.Address] = &OpResult{Address: op.Address, Action: op.Action, Status: "skipped"}
					r.mu.Unlock()
					r.cond.Broadcast()
					r.fire(ApplyEvent{Address: op.Address, Action: op.Action, Status: "skipped"})
					return
				}
				ready := true
				for dep := range deps[op.Address] {
					if !r.completed[dep] {
						ready = false
						break
					}
				}
				if ready {
					break
				}
				r.cond.Wait()
			}
			r.mu.Unlock()

			r.sem <- struct{}{}
			defer func() { <-r.sem }()

			// A fatal failure or cancellation can land while this
			// operation waits for a worker slot; re-check before
			// starting so nothing new launches after an abort.
			r.mu.Lock()
			if r.abort || ctx.Err() != nil {
				r.results[op.Address] = &OpResult{Address: op.Address, Action: op.Action, Status: "skipped"}
				r.mu.Unlock()
				r.cond.Broadcast()
				r.fire(ApplyEvent{Address: op.Address, Action: op.Action, Status: "skipped"})
				return
			}
			r.mu.Unlock()

			start := time.Now()
			r.fire(ApplyEvent{Address: op.Address, Action: op.Action, Status: "started"})

			attempts, err := r.runOperation(ctx, op)
			elapsed := time.Since(start)
			telemetry.ObserveOperation(string(op.Action), err == nil, elapsed)

			r.mu.Lock()
			if err != nil {
				r.results[op.Address] = &OpResult{
					Address: op.Address, Action: op.Action, Status: "failed",
					Attempts: attempts, Duration: elapsed, Error: err,
				}
				r.errs = append(r.errs, err)
				r.abort = true
				r.mu.Unlock()
				r.cond.Broadcast()
				r.fire(ApplyEvent{Address: op.Address, Action: op.Action, Status: "failed", Attempts: attempts, Duration: elapsed, Error: err})
				return
			}
			r.results[op.Address] = &OpResult{
				Address: op.Address, Action: op.Action, Status: "succeeded",
				Attempts: attempts, Duration: elapsed,
			}
			r.completed[op.Address] = true
			r.mu.Unlock()
			r.cond.Broadcast()
			r.fire(ApplyEvent{Address: op.Address, Action: op.Action, Status: "completed", Attempts: attempts, Duration: elapsed})
		}(op)
	}
	wg.Wait()
}

// runOperation invokes the provider for one operation and records the
// outcome in the buffer. Provider calls are shielded from run
// cancellation so an in-flight operation always finishes cleanly; the
// per-operation timeout still bounds it.
func (r *applyRun) runOperation(ctx context.Context, op *ir.Operation) (int, error) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.deadline)
	defer cancel()

	prov, err := r.engine.registry.Get(op.Provider)
	if err != nil {
		return 0, &ProviderError{Resource: op.Address, Op: op.Action, Err: err}
	}

	attrs, err := r.resolveBuffered(op.Desired)
	if err != nil {
		return 0, &ProviderError{Resource: op.Address, Op: op.Action, Err: err}
	}

	r.mu.Lock()
	prior := r.buffer.Resources[op.Address]
	r.mu.Unlock()

	attempts := 0
	call := func(fn func() error) error {
		return RetryWithBackoff(opCtx, r.engine.retryPolicy(), func() error {
			attempts++
			return fn()
		}, IsRetryable)
	}

	switch op.Action {
	case ir.ActionCreate:
		var identity string
		var outputs map[string]any
		if err := call(func() error {
			var callErr error
			identity, outputs, callErr = prov.Create(opCtx, op.Type, attrs)
			return callErr
		}); err != nil {
			telemetry.CountRetries(op.Provider, attempts-1)
			return attempts, &ProviderError{Resource: op.Address, Op: op.Action, Attempts: attempts, Err: err}
		}
		r.record(op, identity, attrs, outputs)

	case ir.ActionUpdate:
		if prior == nil {
			return 0, &ProviderError{Resource: op.Address, Op: op.Action, Err: fmt.Errorf("no recorded identity to update")}
		}
		var outputs map[string]any
		if err := call(func() error {
			var callErr error
			outputs, callErr = prov.Update(opCtx, op.Type, prior.Identity, attrs)
			return callErr
		}); err != nil {
			telemetry.CountRetries(op.Provider, attempts-1)
			return attempts, &ProviderError{Resource: op.Address, Op: op.Action, Attempts: attempts, Err: err}
		}
		r.record(op, prior.Identity, attrs, outputs)

	case ir.ActionReplace:
		if prior != nil {
			if err := call(func() error {
				return prov.Destroy(opCtx, op.Type, prior.Identity)
			}); err != nil {
				telemetry.CountRetries(op.Provider, attempts-1)
				return attempts, &ProviderError{Resource: op.Address, Op: ir.ActionDestroy, Attempts: attempts, Err: err}
			}
			r.remove(op.Address)
		}
		var identity string
		var outputs map[string]any
		if err := call(func() error {
			var callErr error
			identity, outputs, callErr = prov.Create(opCtx, op.Type, attrs)
			return callErr
		}); err != nil {
			telemetry.CountRetries(op.Provider, attempts-1)
			return attempts, &ProviderError{Resource: op.Address, Op: ir.ActionCreate, Attempts: attempts, Err: err}
		}
		r.record(op, identity, attrs, outputs)

	case ir.ActionDestroy:
		identity := ""
		if prior != nil {
			identity = prior.Identity
		}
		if err := call(func() error {
			return prov.Destroy(opCtx, op.Type, identity)
		}); err != nil {
			telemetry.CountRetries(op.Provider, attempts-1)
			return attempts, &ProviderError{Resource: op.Address, Op: op.Action, Attempts: attempts, Err: err}
		}
		r.remove(op.Address)
	}

	return attempts, nil
}

// record commits a successful create/update into the buffer immediately,
// so a later failure still leaves this resource persisted.
func (r *applyRun) record(op *ir.Operation, identity string, attrs, outputs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer.Resources[op.Address] = &ir.ResourceState{
		Module:       op.Module,
		Type:         op.Type,
		Name:         op.Name,
		Provider:     op.Provider,
		Identity:     identity,
		Attributes:   attrs,
		Outputs:      outputs,
		Dependencies: op.DependsOn,
	}
}

func (r *applyRun) remove(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffer.Resources, addr)
}

// resolveBuffered substitutes refs from the in-progress buffer. By the
// time an operation runs its dependencies have been applied, so an
// unresolved ref here is a hard error, not an unknown.
func (r *applyRun) resolveBuffered(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	resolved, err := resolveAgainst(v, r.buffer)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveAgainst(v any, snap *ir.Snapshot) (any, error) {
	switch val := v.(type) {
	case ir.Ref:
		rs, ok := snap.Resources[val.Resource]
		if !ok {
			return nil, fmt.Errorf("reference %s: resource not yet applied", val)
		}
		out, ok := rs.Output(val.Output)
		if !ok {
			return nil, fmt.Errorf("reference %s: resource exposes no such output", val)
		}
		return out, nil
	case map[string]any:
		res := make(map[string]any, len(val))
		for k, item := range val {
			rv, err := resolveAgainst(item, snap)
			if err != nil {
				return nil, err
			}
			res[k] = rv
		}
		return res, nil
	case []any:
		res := make([]any, len(val))
		for i, item := range val {
			rv, err := resolveAgainst(item, snap)
			if err != nil {
				return nil, err
			}
			res[i] = rv
		}
		return res, nil
	default:
		return v, nil
	}
}
