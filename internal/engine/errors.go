package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/strata-io/strata/internal/ir"
)

// CycleError reports a dependency cycle in the resource graph. Always a
// configuration error: detected before any provider call, never retried.
type CycleError struct {
	Resources []string // members in cycle order
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Resources, " -> "))
}

// UnresolvedReferenceError reports a reference to a module output that
// cannot be resolved: the module is absent, disabled, or lacks the output.
type UnresolvedReferenceError struct {
	Module string // referring module call
	Input  string // referring input name
	Target ir.ModuleRef
	Reason string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("module %q input %q references %s: %s",
		e.Module, e.Input, e.Target, e.Reason)
}

// InvalidChangeError reports an immutable-attribute change that cannot be
// honored because the resource lifecycle forbids destroying it.
type InvalidChangeError struct {
	Resource   string
	Attributes []string
}

func (e *InvalidChangeError) Error() string {
	return fmt.Sprintf("resource %s: immutable attribute %s changed but lifecycle prevents destroy",
		e.Resource, strings.Join(e.Attributes, ", "))
}

// IsConfigurationError reports whether err belongs to the configuration
// error class: cycles, unresolved references, and invalid immutable
// changes. These always fail before provider calls.
func IsConfigurationError(err error) bool {
	var ce *CycleError
	var ur *UnresolvedReferenceError
	var ic *InvalidChangeError
	return errors.As(err, &ce) || errors.As(err, &ur) || errors.As(err, &ic)
}

// ProviderError wraps a failed provider operation with the resource and
// operation it belongs to. Retryable errors are retried with backoff;
// everything else aborts the run.
type ProviderError struct {
	Resource  string
	Op        ir.Action
	Retryable bool
	Attempts  int // filled in once the retry budget is spent
	Err       error
}

func (e *ProviderError) Error() string {
	verb := strings.ToLower(string(e.Op))
	if e.Attempts > 1 {
		return fmt.Sprintf("resource %s: %s failed after %d attempts: %v",
			e.Resource, verb, e.Attempts, e.Err)
	}
	return fmt.Sprintf("resource %s: %s failed: %v", e.Resource, verb, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RetryableError marks err as transient so the executor retries it.
// Providers use this for rate limits and flaky transport.
func RetryableError(err error) error {
	return &ProviderError{Retryable: true, Err: err}
}

// IsRetryable reports whether err is worth another attempt: either the
// provider said so explicitly, or the error text matches a known
// transient pattern.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return isTransient(err)
}
