package ir

import "time"

// Action is the operation kind planned for a resource.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionReplace Action = "REPLACE" // destroy then create, forced by an immutable attribute
	ActionDestroy Action = "DESTROY"
	ActionNoOp    Action = "NOOP"
)

// ChangeSet is the ordered list of operations produced by planning a
// composition against a snapshot. Creates and updates come first in
// dependency order, destroys follow in reverse dependency order.
type ChangeSet struct {
	PlanID      string       `json:"plan_id"`
	Environment string       `json:"environment"`
	CreatedAt   time.Time    `json:"created_at"`
	PriorSerial uint64       `json:"prior_serial"` // snapshot serial planned against
	Operations  []*Operation `json:"operations"`
	Summary     Summary      `json:"summary"`
}

// Operation is one planned change tied to one resource.
type Operation struct {
	Address   string                    `json:"address"`
	Module    string                    `json:"module"`
	Type      string                    `json:"type"`
	Name      string                    `json:"name"`
	Provider  string                    `json:"provider"`
	Action    Action                    `json:"action"`
	Desired   map[string]any            `json:"desired,omitempty"` // may contain Ref values
	Prior     *ResourceState            `json:"prior,omitempty"`
	Diff      map[string]*AttributeDiff `json:"diff,omitempty"`
	ForcedBy  []string                  `json:"forced_by,omitempty"` // immutable attributes behind a replace
	DependsOn []string                  `json:"depends_on,omitempty"`
}

// AttributeDiff records one attribute-level difference.
type AttributeDiff struct {
	Before            any    `json:"before"`
	After             any    `json:"after"`
	ForcesReplacement bool   `json:"forces_replacement,omitempty"`
	Action            string `json:"action"` // "create", "update", "delete"
}

// Summary counts operations by action.
type Summary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Replace int `json:"replace"`
	Destroy int `json:"destroy"`
	NoOp    int `json:"noop"`
}

// Changes reports how many operations mutate anything.
func (s Summary) Changes() int {
	return s.Create + s.Update + s.Replace + s.Destroy
}

// Count increments the summary bucket for the action.
func (s *Summary) Count(a Action) {
	switch a {
	case ActionCreate:
		s.Create++
	case ActionUpdate:
		s.Update++
	case ActionReplace:
		s.Replace++
	case ActionDestroy:
		s.Destroy++
	case ActionNoOp:
		s.NoOp++
	}
}
