// Package null implements a provider that manages nothing. Resources
// exist only in the snapshot, which makes it useful for wiring tests,
// ordering experiments, and trigger-style glue resources.
package null

import (
	"context"
	"fmt"
	"sync/atomic"
)

type Provider struct {
	counter atomic.Uint64
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Configure(ctx context.Context, settings map[string]string) error {
	return nil
}

// Create fabricates an identity and echoes the attributes back as
// outputs, so downstream resources can reference them.
func (p *Provider) Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	identity := fmt.Sprintf("null-%d", p.counter.Add(1))
	return identity, outputsFor(identity, attrs), nil
}

func (p *Provider) Update(ctx context.Context, resourceType, identity string, attrs map[string]any) (map[string]any, error) {
	return outputsFor(identity, attrs), nil
}

func (p *Provider) Destroy(ctx context.Context, resourceType, identity string) error {
	return nil
}

func outputsFor(identity string, attrs map[string]any) map[string]any {
	outputs := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		outputs[k] = v
	}
	outputs["id"] = identity
	return outputs
}
