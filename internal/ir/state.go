package ir

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotVersion is the persisted state format version.
const SnapshotVersion = 1

// Snapshot is the durable record of last-applied resource state for one
// environment, versioned by a monotonically increasing serial. Exactly one
// snapshot is current per environment.
type Snapshot struct {
	Version     int                       `json:"version"`
	Serial      uint64                    `json:"serial"`
	Lineage     string                    `json:"lineage"`
	Environment string                    `json:"environment"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	Resources   map[string]*ResourceState `json:"resources"` // keyed by address
	Checksum    string                    `json:"checksum,omitempty"`
}

// ResourceState is the last-applied record for a single resource.
type ResourceState struct {
	Module       string         `json:"module"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Identity     string         `json:"identity"`
	Attributes   map[string]any `json:"attributes"`   // last-applied desired values, resolved
	Outputs      map[string]any `json:"outputs"`      // provider returned
	Dependencies []string       `json:"dependencies"` // resource addresses
	Tainted      bool           `json:"tainted,omitempty"`
}

// NewSnapshot returns an empty snapshot for the environment with a fresh
// lineage and serial zero.
func NewSnapshot(environment string) *Snapshot {
	return &Snapshot{
		Version:     SnapshotVersion,
		Serial:      0,
		Lineage:     uuid.NewString(),
		Environment: environment,
		Resources:   map[string]*ResourceState{},
	}
}

// Clone returns a deep copy. The apply executor mutates a clone as its
// in-progress buffer so the prior snapshot stays intact until flush.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Version:     s.Version,
		Serial:      s.Serial,
		Lineage:     s.Lineage,
		Environment: s.Environment,
		UpdatedAt:   s.UpdatedAt,
		Resources:   make(map[string]*ResourceState, len(s.Resources)),
	}
	for addr, rs := range s.Resources {
		out.Resources[addr] = rs.Clone()
	}
	return out
}

// Clone returns a deep copy of the resource record.
func (rs *ResourceState) Clone() *ResourceState {
	return &ResourceState{
		Module:       rs.Module,
		Type:         rs.Type,
		Name:         rs.Name,
		Provider:     rs.Provider,
		Identity:     rs.Identity,
		Attributes:   cloneValue(rs.Attributes).(map[string]any),
		Outputs:      cloneValue(rs.Outputs).(map[string]any),
		Dependencies: append([]string(nil), rs.Dependencies...),
		Tainted:      rs.Tainted,
	}
}

// Output looks up a provider-returned output, falling back to the applied
// attributes so references resolve even when a provider echoes nothing.
func (rs *ResourceState) Output(key string) (any, bool) {
	if v, ok := rs.Outputs[key]; ok {
		return v, true
	}
	if v, ok := rs.Attributes[key]; ok {
		return v, true
	}
	return nil, false
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
