package ir

// Composition is the desired configuration for one environment: an ordered
// set of module calls. Rebuilt from configuration on every invocation.
type Composition struct {
	Environment string    `json:"environment"`
	Modules     []*Module `json:"modules"`
}

// Module is a single module call inside a composition.
type Module struct {
	Name    string         `json:"name"`
	Source  string         `json:"source"`
	Enabled bool           `json:"enabled"`
	Inputs  map[string]any `json:"inputs"` // literals or ModuleRef values
}

// ModuleDefinition is the body of a module loaded from its source path:
// declared inputs, resources in declaration order, and named outputs.
type ModuleDefinition struct {
	Inputs    []*InputSpec  `json:"inputs"`
	Resources []*Resource   `json:"resources"`
	Outputs   []*OutputSpec `json:"outputs"`
}

// InputSpec declares one module input parameter.
type InputSpec struct {
	Name       string `json:"name"`
	Default    any    `json:"default,omitempty"`
	HasDefault bool   `json:"has_default"`
}

// OutputSpec declares one module output. Value may contain Ref values
// pointing at resources inside the same module.
type OutputSpec struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Input returns the declared input with the given name, or nil.
func (d *ModuleDefinition) Input(name string) *InputSpec {
	for _, in := range d.Inputs {
		if in.Name == name {
			return in
		}
	}
	return nil
}

// Output returns the declared output with the given name, or nil.
func (d *ModuleDefinition) Output(name string) *OutputSpec {
	for _, out := range d.Outputs {
		if out.Name == name {
			return out
		}
	}
	return nil
}
