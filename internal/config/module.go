package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/strata-io/strata/internal/ir"
)

var definitionSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "input", LabelNames: []string{"name"}},
		{Type: "resource", LabelNames: []string{"type", "name"}},
		{Type: "output", LabelNames: []string{"name"}},
	},
}

var resourceSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "provider"},
		{Name: "depends_on"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "lifecycle"},
	},
}

// LoadDefinition parses every .hcl file in dir into one module
// definition. Declaration order follows file name order, then block
// order within each file.
func LoadDefinition(dir string) (*ir.ModuleDefinition, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.hcl"))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	if len(files) == 0 {
		if _, serr := os.Stat(dir); serr != nil {
			return nil, fmt.Errorf("module directory %s: %w", dir, serr)
		}
		return nil, fmt.Errorf("module directory %s contains no .hcl files", dir)
	}
	sort.Strings(files)

	parser := hclparse.NewParser()
	def := &ir.ModuleDefinition{}
	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parsing %s: %s", file, diags.Error())
		}
		content, diags := f.Body.Content(definitionSchema)
		if diags.HasErrors() {
			return nil, fmt.Errorf("reading %s: %s", file, diags.Error())
		}
		for _, block := range content.Blocks {
			switch block.Type {
			case "input":
				in, err := parseInput(block)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", file, err)
				}
				def.Inputs = append(def.Inputs, in)
			case "resource":
				res, err := parseResource(block)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", file, err)
				}
				def.Resources = append(def.Resources, res)
			case "output":
				out, err := parseOutput(block)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", file, err)
				}
				def.Outputs = append(def.Outputs, out)
			}
		}
	}
	return def, nil
}

func parseInput(block *hcl.Block) (*ir.InputSpec, error) {
	in := &ir.InputSpec{Name: block.Labels[0]}
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("input %q: %s", in.Name, diags.Error())
	}
	for name, attr := range attrs {
		switch name {
		case "default":
			v, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("input %q: default must be a constant", in.Name)
			}
			def, err := ctyToGo(v)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", in.Name, err)
			}
			in.Default = def
			in.HasDefault = true
		case "description":
			// Accepted for documentation, not carried further.
		default:
			return nil, fmt.Errorf("input %q: unsupported attribute %q", in.Name, name)
		}
	}
	return in, nil
}

func parseOutput(block *hcl.Block) (*ir.OutputSpec, error) {
	out := &ir.OutputSpec{Name: block.Labels[0]}
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("output %q: %s", out.Name, diags.Error())
	}
	attr, ok := attrs["value"]
	if !ok {
		return nil, fmt.Errorf("output %q has no value", out.Name)
	}
	v, err := definitionValue(attr.Expr)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", out.Name, err)
	}
	out.Value = v
	return out, nil
}

func parseResource(block *hcl.Block) (*ir.Resource, error) {
	res := &ir.Resource{
		Type:       block.Labels[0],
		Name:       block.Labels[1],
		Attributes: map[string]any{},
	}

	content, remain, diags := block.Body.PartialContent(resourceSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("resource %s.%s: %s", res.Type, res.Name, diags.Error())
	}

	if attr, ok := content.Attributes["provider"]; ok {
		p, err := literalString(attr.Expr, "provider")
		if err != nil {
			return nil, fmt.Errorf("resource %s.%s: %w", res.Type, res.Name, err)
		}
		res.Provider = p
	} else {
		res.Provider = res.ProviderName()
	}

	if attr, ok := content.Attributes["depends_on"]; ok {
		deps, err := stringList(attr.Expr, "depends_on")
		if err != nil {
			return nil, fmt.Errorf("resource %s.%s: %w", res.Type, res.Name, err)
		}
		res.DependsOn = deps
	}

	for _, lc := range content.Blocks {
		if err := parseLifecycle(lc, &res.Lifecycle); err != nil {
			return nil, fmt.Errorf("resource %s.%s: %w", res.Type, res.Name, err)
		}
	}

	attrs, diags := remain.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("resource %s.%s: %s", res.Type, res.Name, diags.Error())
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := definitionValue(attrs[name].Expr)
		if err != nil {
			return nil, fmt.Errorf("resource %s.%s attribute %q: %w", res.Type, res.Name, name, err)
		}
		res.Attributes[name] = v
	}
	return res, nil
}

func parseLifecycle(block *hcl.Block, out **ir.Lifecycle) error {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("lifecycle: %s", diags.Error())
	}
	if *out == nil {
		*out = &ir.Lifecycle{}
	}
	lc := *out
	for name, attr := range attrs {
		switch name {
		case "prevent_destroy":
			v, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return fmt.Errorf("lifecycle: prevent_destroy must be a literal bool")
			}
			lc.PreventDestroy = v.True()
		case "immutable":
			list, err := stringList(attr.Expr, "immutable")
			if err != nil {
				return err
			}
			lc.Immutable = list
		case "ignore_changes":
			list, err := stringList(attr.Expr, "ignore_changes")
			if err != nil {
				return err
			}
			lc.IgnoreChanges = list
		default:
			return fmt.Errorf("lifecycle: unsupported attribute %q", name)
		}
	}
	return nil
}

// definitionValue evaluates an expression inside a module definition.
// var.x references the module input, type.name or type.name.output
// reference a sibling resource.
func definitionValue(expr hcl.Expression) (any, error) {
	if trav, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() {
		parts := traversalParts(trav)
		switch {
		case len(parts) == 2 && parts[0] == "var":
			return ir.VarRef{Name: parts[1]}, nil
		case len(parts) == 2:
			return ir.LocalRef{Type: parts[0], Name: parts[1]}, nil
		case len(parts) == 3:
			return ir.LocalRef{Type: parts[0], Name: parts[1], Output: parts[2]}, nil
		default:
			return nil, fmt.Errorf("reference %q: expected var.<input> or <type>.<name>[.<output>]", joinParts(parts))
		}
	}

	if exprs, diags := hcl.ExprList(expr); !diags.HasErrors() {
		out := make([]any, 0, len(exprs))
		for _, e := range exprs {
			v, err := definitionValue(e)
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
			v, err := definitionValue(pair.Value)
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
