package cli

import (
	"testing"

	"github.com/strata-io/strata/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluatePolicies(t *testing.T) {
	cs := &ir.ChangeSet{
		Operations: []*ir.Operation{
			{
				Address: "app.docker_container.web",
				Type:    "docker_container",
				Action:  ir.ActionCreate,
				Desired: map[string]any{"privileged": true, "image": "nginx:1.27"},
			},
			{
				Address: "app.docker_network.main",
				Type:    "docker_network",
				Action:  ir.ActionDestroy,
			},
			{
				Address: "app.docker_container.db",
				Type:    "docker_container",
				Action:  ir.ActionCreate,
				Desired: map[string]any{"image": "postgres:16"},
			},
		},
	}

	// 1. deny_action flags matching actions case-insensitively.
	violations := evaluatePolicies(cs, &PolicyFile{Rules: []PolicyRule{
		{Name: "no-destroys", Condition: "deny_action", Value: "destroy"},
	}})
	require.Len(t, violations, 1)
	assert.Equal(t, "app.docker_network.main", violations[0].Resource)
	assert.Contains(t, violations[0].Message, "action DESTROY is denied")

	// 2. property_equals only fires when the attribute is present and
	// matches.
	violations = evaluatePolicies(cs, &PolicyFile{Rules: []PolicyRule{
		{
			Name:         "no-privileged-containers",
			ResourceType: "docker_container",
			Condition:    "property_equals",
			Property:     "privileged",
			Value:        "true",
		},
	}})
	require.Len(t, violations, 1)
	assert.Equal(t, "app.docker_container.web", violations[0].Resource)

	// 3. property_not_equals pins an attribute to one value.
	violations = evaluatePolicies(cs, &PolicyFile{Rules: []PolicyRule{
		{
			Name:         "pinned-image",
			ResourceType: "docker_container",
			Condition:    "property_not_equals",
			Property:     "image",
			Value:        "nginx:1.27",
		},
	}})
	require.Len(t, violations, 1)
	assert.Equal(t, "app.docker_container.db", violations[0].Resource)

	// 4. require_property applies to creates and updates of the matching
	// type only; the docker_network destroy is exempt.
	violations = evaluatePolicies(cs, &PolicyFile{Rules: []PolicyRule{
		{
			Name:         "memory-limits-required",
			ResourceType: "docker_container",
			Condition:    "require_property",
			Property:     "memory_limit",
		},
	}})
	require.Len(t, violations, 2)

	// 5. No rules, no violations.
	assert.Empty(t, evaluatePolicies(cs, &PolicyFile{}))
}
