package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strata-io/strata/internal/engine"
)

var graphCmd = &cobra.Command{
	Use:   "graph [path]",
	Short: "Output the resource graph in DOT format",
	Long: `Prints the expanded resource dependency graph in Graphviz DOT format.
Pipe the output to 'dot' to render an image:

  strata graph | dot -Tpng > graph.png`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	comp, defs, err := loadProject(args)
	if err != nil {
		return err
	}
	resources, err := engine.Expand(comp, defs)
	if err != nil {
		return err
	}
	dag, err := engine.BuildDAG(resources)
	if err != nil {
		return err
	}

	fmt.Println("digraph strata {")
	fmt.Println("  rankdir = \"BT\";")
	fmt.Println("  node [shape = rect];")
	fmt.Println()

	for _, res := range resources {
		fmt.Printf("  %q;\n", res.Address())
	}
	fmt.Println()

	for _, res := range resources {
		for _, dep := range dag.Dependencies(res.Address()) {
			fmt.Printf("  %q -> %q;\n", res.Address(), dep)
		}
	}

	fmt.Println("}")
	return nil
}
