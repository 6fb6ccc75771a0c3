package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/spf13/cobra"
)

var (
	fmtCheck bool
	fmtWrite bool
)

var fmtCmd = &cobra.Command{
	Use:   "fmt [paths...]",
	Short: "Format configuration files",
	Long: `Rewrites .hcl configuration files to the canonical style.

By default, formats every .hcl file under the current directory.
Use --check to verify formatting without changing anything.`,
	RunE: runFmt,
}

func init() {
	fmtCmd.Flags().BoolVar(&fmtCheck, "check", false, "Check formatting without making changes (exit 1 if not formatted)")
	fmtCmd.Flags().BoolVar(&fmtWrite, "write", true, "Write formatted output back to files")
}

func runFmt(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		paths = []string{"."}
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			entries, err := findHCLFiles(p)
			if err != nil {
				return err
			}
			files = append(files, entries...)
		} else {
			files = append(files, p)
		}
	}

	if len(files) == 0 {
		fmt.Println("No .hcl files found.")
		return nil
	}

	unformatted := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file, err)
		}

		formatted := hclwrite.Format(data)

		if !bytes.Equal(data, formatted) {
			unformatted++
			if fmtCheck {
				fmt.Printf("%s: not formatted\n", file)
			} else if fmtWrite {
				if err := os.WriteFile(file, formatted, 0644); err != nil {
					return fmt.Errorf("writing %s: %w", file, err)
				}
				fmt.Printf("%s: formatted\n", file)
			}
		}
	}

	if fmtCheck && unformatted > 0 {
		return fmt.Errorf("%d file(s) not formatted", unformatted)
	}

	if unformatted == 0 {
		fmt.Printf("All %d file(s) are properly formatted.\n", len(files))
	} else if !fmtCheck {
		fmt.Printf("Formatted %d file(s).\n", unformatted)
	}
	return nil
}

func findHCLFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".hcl") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
