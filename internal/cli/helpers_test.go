package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-io/strata/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "null", formatValue(nil))
	assert.Equal(t, `"web"`, formatValue("web"))
	assert.Equal(t, "3", formatValue(int64(3)))
	assert.Equal(t, "true", formatValue(true))

	// Unresolved references render as a placeholder.
	ref := ir.Ref{Resource: "net.sim_network.main", Output: "id"}
	assert.Equal(t, "(known after apply)", formatValue(ref))

	// Collections render sorted and recursively.
	assert.Equal(t, `{image: "nginx", replicas: 2}`, formatValue(map[string]any{
		"replicas": int64(2),
		"image":    "nginx",
	}))
	assert.Equal(t, `["a", (known after apply)]`, formatValue([]any{"a", ref}))
}

func TestActionVerb(t *testing.T) {
	assert.Equal(t, "created", actionVerb(&ir.Operation{Action: ir.ActionCreate}))
	assert.Equal(t, "updated", actionVerb(&ir.Operation{Action: ir.ActionUpdate}))
	assert.Equal(t, "destroyed", actionVerb(&ir.Operation{Action: ir.ActionDestroy}))
	assert.Equal(t, "replaced (forced by zone, tainted)",
		actionVerb(&ir.Operation{Action: ir.ActionReplace, ForcedBy: []string{"zone", "tainted"}}))
	assert.Equal(t, "left unchanged", actionVerb(&ir.Operation{Action: ir.ActionNoOp}))
}

func TestPlanFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	cs := &ir.ChangeSet{
		PlanID:      "plan-1",
		Environment: "dev",
		CreatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		PriorSerial: 4,
		Operations: []*ir.Operation{
			{
				Address:  "app.sim_cluster.main",
				Module:   "app",
				Type:     "sim_cluster",
				Name:     "main",
				Provider: "sim",
				Action:   ir.ActionUpdate,
				Desired:  map[string]any{"image": "nginx:1.27"},
				Diff: map[string]*ir.AttributeDiff{
					"image": {Before: "nginx:1.25", After: "nginx:1.27", Action: "update"},
				},
			},
		},
		Summary: ir.Summary{Update: 1},
	}

	require.NoError(t, savePlan(path, cs))

	got, err := loadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", got.Environment)
	assert.Equal(t, uint64(4), got.PriorSerial)
	require.Len(t, got.Operations, 1)
	assert.Equal(t, ir.ActionUpdate, got.Operations[0].Action)
	assert.Equal(t, "nginx:1.27", got.Operations[0].Desired["image"])
	assert.Equal(t, "nginx:1.25", got.Operations[0].Diff["image"].Before)
	assert.Equal(t, 1, got.Summary.Update)
}

func TestLoadPlan_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := loadPlan(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading plan file")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0644))
	_, err = loadPlan(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing plan file")
}

func TestResolveCompositionPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "strata.hcl"), []byte(`environment "dev" {}`), 0644))

	// 1. A directory argument means the default file inside it.
	path, err := resolveCompositionPath([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "strata.hcl"), path)

	// 2. An explicit file resolves to its absolute path.
	path, err = resolveCompositionPath([]string{filepath.Join(dir, "strata.hcl")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "strata.hcl"), path)

	// 3. Without arguments the default file in the working directory wins.
	t.Chdir(dir)
	path, err = resolveCompositionPath(nil)
	require.NoError(t, err)
	assert.Equal(t, "strata.hcl", filepath.Base(path))
	assert.FileExists(t, path)

	// 4. Missing paths report the stat failure.
	_, err = resolveCompositionPath([]string{filepath.Join(dir, "nope.hcl")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stat")
}
