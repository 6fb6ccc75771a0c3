// Package config loads compositions and module definitions from HCL
// and process settings from .strata.yaml. It produces the ir types the
// engine plans from; nothing here talks to providers or state.
package config

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/strata-io/strata/internal/ir"
)

var compositionSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "environment", LabelNames: []string{"name"}},
		{Type: "module", LabelNames: []string{"name"}},
	},
}

// LoadComposition parses a composition file: one environment block and
// any number of module call blocks.
func LoadComposition(path string) (*ir.Composition, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %s", path, diags.Error())
	}

	content, diags := f.Body.Content(compositionSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("reading %s: %s", path, diags.Error())
	}

	comp := &ir.Composition{}
	for _, block := range content.Blocks {
		switch block.Type {
		case "environment":
			if comp.Environment != "" {
				return nil, fmt.Errorf("%s: duplicate environment block %q", path, block.Labels[0])
			}
			comp.Environment = block.Labels[0]
		case "module":
			m, err := parseModuleCall(block)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			comp.Modules = append(comp.Modules, m)
		}
	}
	if comp.Environment == "" {
		return nil, fmt.Errorf("%s: composition must declare an environment block", path)
	}
	return comp, nil
}

func parseModuleCall(block *hcl.Block) (*ir.Module, error) {
	m := &ir.Module{
		Name:    block.Labels[0],
		Enabled: true,
		Inputs:  map[string]any{},
	}

	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("module %q: %s", m.Name, diags.Error())
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		attr := attrs[name]
		switch name {
		case "source":
			src, err := literalString(attr.Expr, "module source")
			if err != nil {
				return nil, fmt.Errorf("module %q: %w", m.Name, err)
			}
			m.Source = src
		case "enabled":
			v, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("module %q: enabled must be a literal bool", m.Name)
			}
			m.Enabled = v.True()
		default:
			v, err := compositionValue(attr.Expr)
			if err != nil {
				return nil, fmt.Errorf("module %q input %q: %w", m.Name, name, err)
			}
			m.Inputs[name] = v
		}
	}

	if m.Source == "" {
		return nil, fmt.Errorf("module %q has no source", m.Name)
	}
	return m, nil
}

// compositionValue evaluates a module-call input expression. Bare
// traversals of the form other_module.output become module references;
// everything else must be a constant.
func compositionValue(expr hcl.Expression) (any, error) {
	if trav, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() {
		parts := traversalParts(trav)
		if len(parts) != 2 {
			return nil, fmt.Errorf("reference %q: module references take the form <module>.<output>", joinParts(parts))
		}
		return ir.ModuleRef{Module: parts[0], Output: parts[1]}, nil
	}

	if exprs, diags := hcl.ExprList(expr); !diags.HasErrors() {
		out := make([]any, 0, len(exprs))
		for _, e := range exprs {
			v, err := compositionValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	if pairs, diags := hcl.ExprMap(expr); !diags.HasErrors() {
		out := make(map[string]any, len(pairs))
		for _, pair := range pairs {
			k, err := mapKey(pair.Key)
			if err != nil {
				return nil, err
			}
			v, err := compositionValue(pair.Value)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}

	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s", diags.Error())
	}
	return ctyToGo(v)
}

func mapKey(expr hcl.Expression) (string, error) {
	if trav, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() {
		return joinParts(traversalParts(trav)), nil
	}
	return literalString(expr, "map key")
}

// LoadProject loads a composition and the definitions of every enabled
// module it calls. Relative sources resolve against the composition
// file's directory; two calls with the same source share one parsed
// definition.
func LoadProject(path string) (*ir.Composition, map[string]*ir.ModuleDefinition, error) {
	comp, err := LoadComposition(path)
	if err != nil {
		return nil, nil, err
	}

	baseDir := filepath.Dir(path)
	bySource := map[string]*ir.ModuleDefinition{}
	defs := map[string]*ir.ModuleDefinition{}
	for _, m := range comp.Modules {
		if !m.Enabled {
			continue
		}
		dir := m.Source
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		def, ok := bySource[dir]
		if !ok {
			def, err = LoadDefinition(dir)
			if err != nil {
				return nil, nil, fmt.Errorf("module %q: %w", m.Name, err)
			}
			bySource[dir] = def
		}
		defs[m.Name] = def
	}
	return comp, defs, nil
}
