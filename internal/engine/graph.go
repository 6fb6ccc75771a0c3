package engine

import (
	"fmt"
	"sort"

	"github.com/strata-io/strata/internal/ir"
)

// DAG is the dependency graph over a set of resources, with a creation
// order and its reverse for destruction.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // topological (creation) order
	revOrder []string // reverse order (destruction)
}

type dagNode struct {
	addr      string
	declIndex int
	resource  *ir.Resource // nil for snapshot-derived graphs
	edges     []string     // resources this node depends on
	revEdges  []string     // resources that depend on this node
}

// BuildDAG constructs the dependency graph from expanded resources.
// Edges come from explicit DependsOn and from Ref values inside the
// attributes. Ties among independent resources break by declaration
// order, so the result is deterministic.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := &DAG{nodes: make(map[string]*dagNode, len(resources))}

	for i, res := range resources {
		addr := res.Address()
		if _, dup := dag.nodes[addr]; dup {
			return nil, fmt.Errorf("resource %s declared twice", addr)
		}
		dag.nodes[addr] = &dagNode{addr: addr, declIndex: i, resource: res}
	}

	for _, res := range resources {
		node := dag.nodes[res.Address()]

		deps := append([]string(nil), res.DependsOn...)
		ir.WalkRefs(res.Attributes, func(r ir.Ref) {
			deps = append(deps, r.Resource)
		})

		seen := make(map[string]bool, len(deps))
		for _, dep := range deps {
			if dep == node.addr {
				return nil, &CycleError{Resources: []string{node.addr, node.addr}}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			target, ok := dag.nodes[dep]
			if !ok {
				return nil, fmt.Errorf("resource %s depends on %s, which is not in the graph", node.addr, dep)
			}
			node.edges = append(node.edges, dep)
			target.revEdges = append(target.revEdges, node.addr)
		}
	}

	if err := dag.sortTopologically(); err != nil {
		return nil, err
	}
	return dag, nil
}

// BuildDAGFromSnapshot constructs the graph from recorded state, used to
// order destroys of resources that no longer appear in the desired set.
// Snapshot maps have no declaration order; addresses sort lexically for
// determinism.
func BuildDAGFromSnapshot(resources map[string]*ir.ResourceState) (*DAG, error) {
	addrs := make([]string, 0, len(resources))
	for addr := range resources {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	dag := &DAG{nodes: make(map[string]*dagNode, len(addrs))}
	for i, addr := range addrs {
		dag.nodes[addr] = &dagNode{addr: addr, declIndex: i}
	}

	for _, addr := range addrs {
		node := dag.nodes[addr]
		for _, dep := range resources[addr].Dependencies {
			// A dependency outside the snapshot was already destroyed.
			target, ok := dag.nodes[dep]
			if !ok {
				continue
			}
			node.edges = append(node.edges, dep)
			target.revEdges = append(target.revEdges, addr)
		}
	}

	if err := dag.sortTopologically(); err != nil {
		return nil, err
	}
	return dag, nil
}

// CreationOrder returns addresses with every resource after its
// dependencies.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns addresses with every resource before its
// dependencies, safe for teardown.
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// Resource returns the expanded resource at addr, or nil for
// snapshot-derived graphs.
func (d *DAG) Resource(addr string) *ir.Resource {
	if node, ok := d.nodes[addr]; ok {
		return node.resource
	}
	return nil
}

// Dependencies returns the direct dependencies of addr.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// sortTopologically runs Kahn's algorithm, preferring the lowest
// declaration index whenever several resources are ready.
func (d *DAG) sortTopologically() error {
	inDegree := make(map[string]int, len(d.nodes))
	var ready []*dagNode
	for addr, node := range d.nodes {
		inDegree[addr] = len(node.edges)
		if len(node.edges) == 0 {
			ready = append(ready, node)
		}
	}

	sorted := make([]string, 0, len(d.nodes))
	for len(ready) > 0 {
		min := 0
		for i := 1; i < len(ready); i++ {
			if ready[i].declIndex < ready[min].declIndex {
				min = i
			}
		}
		node := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		sorted = append(sorted, node.addr)

		for _, dependent := range node.revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, d.nodes[dependent])
			}
		}
	}

	if len(sorted) != len(d.nodes) {
		return d.findCycle(inDegree)
	}

	d.order = sorted
	d.revOrder = make([]string, len(sorted))
	for i, addr := range sorted {
		d.revOrder[len(sorted)-1-i] = addr
	}
	return nil
}

// findCycle walks the unsorted remainder depth-first and names the cycle.
func (d *DAG) findCycle(inDegree map[string]int) error {
	state := make(map[string]int, len(d.nodes)) // 0 unvisited, 1 in stack, 2 done
	var stack []string

	var visit func(addr string) *CycleError
	visit = func(addr string) *CycleError {
		state[addr] = 1
		stack = append(stack, addr)
		for _, dep := range d.nodes[addr].edges {
			switch state[dep] {
			case 1:
				start := 0
				for i, a := range stack {
					if a == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), stack[start:]...), dep)
				return &CycleError{Resources: cycle}
			case 0:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[addr] = 2
		return nil
	}

	// Start from nodes Kahn could not clear.
	addrs := make([]string, 0, len(d.nodes))
	for addr := range d.nodes {
		if inDegree[addr] > 0 {
			addrs = append(addrs, addr)
		}
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		if state[addr] == 0 {
			if err := visit(addr); err != nil {
				return err
			}
		}
	}
	return &CycleError{Resources: addrs}
}
