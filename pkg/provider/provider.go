// Package provider defines the contract between the reconciliation
// engine and resource providers. Providers translate engine operations
// into calls against a concrete platform and report identities and
// outputs back; they never see the plan, the snapshot, or the lock.
package provider

import "context"

// Interface is implemented by every resource provider. Attribute maps
// are fully resolved before a call is made; no references remain in
// them. Implementations must be safe for concurrent use, the engine
// applies independent resources in parallel.
type Interface interface {
	// Configure prepares the provider with backend settings, for
	// example a daemon address or region. It is called once per run
	// before any resource operation.
	Configure(ctx context.Context, settings map[string]string) error

	// Create provisions a new resource and returns its provider-assigned
	// identity together with any computed outputs.
	Create(ctx context.Context, resourceType string, attrs map[string]any) (identity string, outputs map[string]any, err error)

	// Update mutates an existing resource in place and returns its
	// refreshed outputs. Attributes that cannot change in place are the
	// engine's concern; by the time Update runs the diff contains only
	// mutable fields.
	Update(ctx context.Context, resourceType, identity string, attrs map[string]any) (outputs map[string]any, err error)

	// Destroy removes the resource. Destroying a resource that is
	// already gone must succeed.
	Destroy(ctx context.Context, resourceType, identity string) error
}
