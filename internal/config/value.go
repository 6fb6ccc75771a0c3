package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// ctyToGo lowers a cty value into plain Go values: strings, bools,
// int64/float64, []any and map[string]any.
func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		f := v.AsBigFloat()
		if f.IsInt() {
			i, _ := f.Int64()
			return i, nil
		}
		fl, _ := f.Float64()
		return fl, nil
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			gv, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case t.IsObjectType() || t.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			gv, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out[kv.AsString()] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", t.FriendlyName())
	}
}

// traversalParts flattens an HCL traversal into its dotted components.
func traversalParts(traversal hcl.Traversal) []string {
	var parts []string
	for _, traverser := range traversal {
		switch t := traverser.(type) {
		case hcl.TraverseRoot:
			parts = append(parts, t.Name)
		case hcl.TraverseAttr:
			parts = append(parts, t.Name)
		case hcl.TraverseIndex:
			if t.Key.Type() == cty.String {
				parts = append(parts, t.Key.AsString())
			}
		}
	}
	return parts
}

// literalString evaluates an expression that must be a constant string,
// such as a module source or a provider name.
func literalString(expr hcl.Expression, what string) (string, error) {
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return "", fmt.Errorf("%s must be a literal string: %s", what, diags.Error())
	}
	if v.Type() != cty.String {
		return "", fmt.Errorf("%s must be a string", what)
	}
	return v.AsString(), nil
}

// stringList evaluates an expression into a list of strings. Elements
// may be quoted strings or bare traversals like aws_subnet.public.
func stringList(expr hcl.Expression, what string) ([]string, error) {
	exprs, diags := hcl.ExprList(expr)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s must be a list: %s", what, diags.Error())
	}
	out := make([]string, 0, len(exprs))
	for _, e := range exprs {
		if trav, tdiags := hcl.AbsTraversalForExpr(e); !tdiags.HasErrors() {
			out = append(out, joinParts(traversalParts(trav)))
			continue
		}
		s, err := literalString(e, what+" element")
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func joinParts(parts []string) string {
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += "."
		}
		s += p
	}
	return s
}
