package engine

import (
	"fmt"

	"github.com/strata-io/strata/internal/ir"
)

// Expand flattens the enabled modules of a composition into concrete
// resources. Module inputs are resolved (literals pass through, references
// follow the target module's output declaration), var.* and sibling
// references inside module definitions are substituted, and every
// remaining reference becomes an ir.Ref carrying an absolute resource
// address. Disabled modules contribute nothing; references to them fail
// with UnresolvedReferenceError.
func Expand(comp *ir.Composition, defs map[string]*ir.ModuleDefinition) ([]*ir.Resource, error) {
	ex := &expander{
		calls:     make(map[string]*ir.Module, len(comp.Modules)),
		defs:      defs,
		inputs:    make(map[string]map[string]any),
		outputs:   make(map[string]map[string]any),
		resolving: make(map[string]bool),
	}

	for _, m := range comp.Modules {
		if _, dup := ex.calls[m.Name]; dup {
			return nil, fmt.Errorf("module %q declared twice", m.Name)
		}
		ex.calls[m.Name] = m
	}

	var resources []*ir.Resource
	for _, m := range comp.Modules {
		if !m.Enabled {
			continue
		}
		expanded, err := ex.expandModule(m)
		if err != nil {
			return nil, err
		}
		resources = append(resources, expanded...)
	}
	return resources, nil
}

type expander struct {
	calls     map[string]*ir.Module
	defs      map[string]*ir.ModuleDefinition
	inputs    map[string]map[string]any // resolved inputs per module
	outputs   map[string]map[string]any // resolved outputs per module
	resolving map[string]bool           // guards module-level reference cycles
}

func (ex *expander) expandModule(m *ir.Module) ([]*ir.Resource, error) {
	def, ok := ex.defs[m.Name]
	if !ok {
		return nil, fmt.Errorf("module %q: no definition loaded for source %q", m.Name, m.Source)
	}

	inputs, err := ex.resolveInputs(m)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(def.Resources))
	out := make([]*ir.Resource, 0, len(def.Resources))
	for _, res := range def.Resources {
		inst := &ir.Resource{
			Module:    m.Name,
			Type:      res.Type,
			Name:      res.Name,
			Provider:  res.Provider,
			Lifecycle: res.Lifecycle,
		}
		if seen[inst.Address()] {
			return nil, fmt.Errorf("module %q: resource %s.%s declared twice", m.Name, res.Type, res.Name)
		}
		seen[inst.Address()] = true

		attrs, err := ex.substitute(res.Attributes, m.Name, inputs)
		if err != nil {
			return nil, err
		}
		if attrs != nil {
			inst.Attributes = attrs.(map[string]any)
		} else {
			inst.Attributes = map[string]any{}
		}

		// Definition-level depends_on entries are module-local "type.name".
		for _, dep := range res.DependsOn {
			inst.DependsOn = append(inst.DependsOn, m.Name+"."+dep)
		}
		out = append(out, inst)
	}
	return out, nil
}

// resolveInputs merges declared defaults with the call's inputs, chasing
// module references through to concrete values.
func (ex *expander) resolveInputs(m *ir.Module) (map[string]any, error) {
	if cached, ok := ex.inputs[m.Name]; ok {
		return cached, nil
	}
	def := ex.defs[m.Name]

	resolved := make(map[string]any, len(def.Inputs))
	for _, spec := range def.Inputs {
		raw, provided := m.Inputs[spec.Name]
		if !provided {
			if !spec.HasDefault {
				return nil, fmt.Errorf("module %q: required input %q not set", m.Name, spec.Name)
			}
			resolved[spec.Name] = spec.Default
			continue
		}
		v, err := ex.resolveInputValue(m.Name, spec.Name, raw)
		if err != nil {
			return nil, err
		}
		resolved[spec.Name] = v
	}

	for name := range m.Inputs {
		if def.Input(name) == nil {
			return nil, fmt.Errorf("module %q: input %q not declared by the module", m.Name, name)
		}
	}

	ex.inputs[m.Name] = resolved
	return resolved, nil
}

// resolveInputValue turns a raw composition input into its concrete value.
// ModuleRef values and strings of the "<module>.<output>" form naming a
// declared module are references; everything else is a literal.
func (ex *expander) resolveInputValue(module, input string, raw any) (any, error) {
	switch v := raw.(type) {
	case ir.ModuleRef:
		return ex.resolveOutput(module, input, v)
	case string:
		if ref, ok := ir.ParseModuleRef(v); ok {
			if _, declared := ex.calls[ref.Module]; declared {
				return ex.resolveOutput(module, input, ref)
			}
		}
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := ex.resolveInputValue(module, input, item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := ex.resolveInputValue(module, input, item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return raw, nil
	}
}

// resolveOutput follows a "<module>.<output>" reference to its value.
// Fails fast when the target module is absent, disabled, or does not
// declare the output; silent nulls are never produced.
func (ex *expander) resolveOutput(fromModule, fromInput string, ref ir.ModuleRef) (any, error) {
	target, ok := ex.calls[ref.Module]
	if !ok {
		return nil, &UnresolvedReferenceError{
			Module: fromModule, Input: fromInput, Target: ref,
			Reason: "module not declared",
		}
	}
	if !target.Enabled {
		return nil, &UnresolvedReferenceError{
			Module: fromModule, Input: fromInput, Target: ref,
			Reason: "module is disabled",
		}
	}
	def, ok := ex.defs[ref.Module]
	if !ok {
		return nil, fmt.Errorf("module %q: no definition loaded for source %q", ref.Module, target.Source)
	}
	spec := def.Output(ref.Output)
	if spec == nil {
		return nil, &UnresolvedReferenceError{
			Module: fromModule, Input: fromInput, Target: ref,
			Reason: "module declares no such output",
		}
	}

	if cached, ok := ex.outputs[ref.Module]; ok {
		if v, done := cached[ref.Output]; done {
			return v, nil
		}
	}
	key := ref.String()
	if ex.resolving[key] {
		return nil, &CycleError{Resources: []string{fromModule + "." + fromInput, key}}
	}
	ex.resolving[key] = true
	defer delete(ex.resolving, key)

	inputs, err := ex.resolveInputs(target)
	if err != nil {
		return nil, err
	}
	v, err := ex.substitute(spec.Value, ref.Module, inputs)
	if err != nil {
		return nil, err
	}
	if ex.outputs[ref.Module] == nil {
		ex.outputs[ref.Module] = make(map[string]any)
	}
	ex.outputs[ref.Module][ref.Output] = v
	return v, nil
}

// substitute rewrites a module-definition value: var.* markers become the
// resolved input values, sibling references become absolute ir.Ref values.
func (ex *expander) substitute(v any, module string, inputs map[string]any) (any, error) {
	switch val := v.(type) {
	case ir.VarRef:
		resolved, ok := inputs[val.Name]
		if !ok {
			return nil, fmt.Errorf("module %q: var.%s is not a declared input", module, val.Name)
		}
		return resolved, nil
	case ir.LocalRef:
		output := val.Output
		if output == "" {
			output = "id"
		}
		addr := fmt.Sprintf("%s.%s.%s", module, val.Type, val.Name)
		return ir.Ref{Resource: addr, Output: output}, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := ex.substitute(item, module, inputs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := ex.substitute(item, module, inputs)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
