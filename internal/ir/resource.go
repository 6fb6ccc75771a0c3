package ir

import (
	"fmt"
	"regexp"
	"strings"
)

// Resource represents a single provisionable unit inside a module.
type Resource struct {
	Module     string         `json:"module"`
	Type       string         `json:"type"` // e.g. "sim_subnet", "docker_network"
	Name       string         `json:"name"`
	Provider   string         `json:"provider"`
	Lifecycle  *Lifecycle     `json:"lifecycle,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"` // resource addresses
	Attributes map[string]any `json:"attributes"`           // desired values; may contain Ref
}

// Address returns the canonical resource address "module.type.name".
func (r *Resource) Address() string {
	return fmt.Sprintf("%s.%s.%s", r.Module, r.Type, r.Name)
}

// ProviderName returns the explicit provider, falling back to the type
// prefix before the first underscore ("docker_container" -> "docker").
func (r *Resource) ProviderName() string {
	if r.Provider != "" {
		return r.Provider
	}
	if i := strings.Index(r.Type, "_"); i > 0 {
		return r.Type[:i]
	}
	return r.Type
}

type Lifecycle struct {
	PreventDestroy bool     `json:"prevent_destroy,omitempty"`
	Immutable      []string `json:"immutable,omitempty"`      // attribute changes force replace
	IgnoreChanges  []string `json:"ignore_changes,omitempty"` // attribute changes never diff
}

// ImmutableAttr reports whether the named attribute is declared immutable.
func (r *Resource) ImmutableAttr(name string) bool {
	if r.Lifecycle == nil {
		return false
	}
	for _, a := range r.Lifecycle.Immutable {
		if a == name {
			return true
		}
	}
	return false
}

// Ref is a dependency edge value: it stands in for another resource's
// output until the target has been applied and the value can be read
// from the snapshot.
type Ref struct {
	Resource string `json:"resource"` // target address "module.type.name"
	Output   string `json:"output"`   // output key, e.g. "id"
}

func (r Ref) String() string {
	return r.Resource + "#" + r.Output
}

// ModuleRef is the composition-level reference form "<module>.<output>".
// The graph builder resolves it through the target module's output
// declaration into Ref values.
type ModuleRef struct {
	Module string `json:"module"`
	Output string `json:"output"`
}

func (m ModuleRef) String() string {
	return m.Module + "." + m.Output
}

// VarRef marks a module-definition value that reads a module input
// ("var.<name>"). Replaced with the input's value during expansion.
type VarRef struct {
	Name string `json:"var"`
}

// LocalRef marks a sibling-resource reference inside a module definition
// ("<type>.<name>" in depends_on, "<type>.<name>.<attr>" in values).
// Absolutized into a Ref during expansion.
type LocalRef struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
}

var moduleRefPattern = regexp.MustCompile(`^[A-Za-z_][\w-]*\.[A-Za-z_]\w*$`)

// ParseModuleRef interprets s as a "<module>.<output>" reference. Strings
// that do not match the identifier.identifier shape (IP addresses, paths)
// are plain literals.
func ParseModuleRef(s string) (ModuleRef, bool) {
	if !moduleRefPattern.MatchString(s) {
		return ModuleRef{}, false
	}
	i := strings.Index(s, ".")
	return ModuleRef{Module: s[:i], Output: s[i+1:]}, true
}

// WalkRefs calls fn for every Ref reachable inside v (maps and slices
// included).
func WalkRefs(v any, fn func(Ref)) {
	switch val := v.(type) {
	case Ref:
		fn(val)
	case *Ref:
		fn(*val)
	case []any:
		for _, item := range val {
			WalkRefs(item, fn)
		}
	case map[string]any:
		for _, item := range val {
			WalkRefs(item, fn)
		}
	}
}
