package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/strata-io/strata/internal/ir"
)

var policyFile string

var policyCmd = &cobra.Command{
	Use:   "policy-check <plan-file>",
	Short: "Check a saved change-set against policy rules",
	Long: `Evaluates a change-set written by 'strata plan --out' against rules
from a JSON policy file.

Rules can deny actions outright, reject attribute values, pin an
attribute to a value, or require an attribute to be present. Example
policy file:

  {
    "rules": [
      {
        "name": "no-privileged-containers",
        "description": "containers must not run privileged",
        "resource_type": "docker_container",
        "condition": "property_equals",
        "property": "privileged",
        "value": "true",
        "severity": "error"
      }
    ]
  }`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyCheck,
}

func init() {
	policyCmd.Flags().StringVarP(&policyFile, "policy", "p", ".strata/policies.json", "Path to the policy file")
}

// PolicyFile is a collection of policy rules.
type PolicyFile struct {
	Rules []PolicyRule `json:"rules"`
}

// PolicyRule defines a single policy check.
type PolicyRule struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ResourceType string `json:"resource_type"` // empty = all types
	Condition    string `json:"condition"`     // deny_action, property_equals, property_not_equals, require_property
	Property     string `json:"property"`
	Value        string `json:"value"`
	Severity     string `json:"severity"` // "error", "warning"
}

// PolicyViolation is one failed policy check.
type PolicyViolation struct {
	Rule     PolicyRule
	Resource string
	Message  string
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	cs, err := loadPlan(args[0])
	if err != nil {
		return err
	}

	policyData, err := os.ReadFile(policyFile)
	if err != nil {
		return fmt.Errorf("reading policy file %s: %w", policyFile, err)
	}
	var policies PolicyFile
	if err := json.Unmarshal(policyData, &policies); err != nil {
		return fmt.Errorf("parsing policy file: %w", err)
	}

	violations := evaluatePolicies(cs, &policies)

	errors := 0
	warnings := 0
	for _, v := range violations {
		severity := strings.ToUpper(v.Rule.Severity)
		if severity == "" || severity == "ERROR" {
			errors++
			fmt.Printf("%s[ERROR]%s %s: %s\n", colorRed, colorReset, v.Rule.Name, v.Message)
		} else {
			warnings++
			fmt.Printf("%s[WARN]%s %s: %s\n", colorYellow, colorReset, v.Rule.Name, v.Message)
		}
	}

	fmt.Printf("\nPolicy check complete: %d error(s), %d warning(s)\n", errors, warnings)

	if errors > 0 {
		return fmt.Errorf("policy check failed with %d error(s)", errors)
	}
	return nil
}

func evaluatePolicies(cs *ir.ChangeSet, policies *PolicyFile) []PolicyViolation {
	var violations []PolicyViolation

	for _, rule := range policies.Rules {
		for _, op := range cs.Operations {
			if rule.ResourceType != "" && op.Type != rule.ResourceType {
				continue
			}

			switch rule.Condition {
			case "deny_action":
				if strings.EqualFold(string(op.Action), rule.Value) {
					violations = append(violations, PolicyViolation{
						Rule:     rule,
						Resource: op.Address,
						Message:  fmt.Sprintf("resource %s: action %s is denied by policy %q", op.Address, op.Action, rule.Description),
					})
				}

			case "property_equals":
				if val, ok := op.Desired[rule.Property]; ok && fmt.Sprintf("%v", val) == rule.Value {
					violations = append(violations, PolicyViolation{
						Rule:     rule,
						Resource: op.Address,
						Message:  fmt.Sprintf("resource %s: attribute %s=%v violates policy %q", op.Address, rule.Property, val, rule.Description),
					})
				}

			case "property_not_equals":
				if val, ok := op.Desired[rule.Property]; ok && fmt.Sprintf("%v", val) != rule.Value {
					violations = append(violations, PolicyViolation{
						Rule:     rule,
						Resource: op.Address,
						Message:  fmt.Sprintf("resource %s: attribute %s=%v violates policy %q (expected %s)", op.Address, rule.Property, val, rule.Description, rule.Value),
					})
				}

			case "require_property":
				switch op.Action {
				case ir.ActionCreate, ir.ActionUpdate, ir.ActionReplace:
					if _, ok := op.Desired[rule.Property]; !ok {
						violations = append(violations, PolicyViolation{
							Rule:     rule,
							Resource: op.Address,
							Message:  fmt.Sprintf("resource %s: missing required attribute %q per policy %q", op.Address, rule.Property, rule.Description),
						})
					}
				}
			}
		}
	}

	return violations
}
