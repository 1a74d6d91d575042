package escalation

import "fmt"

// Default thresholds.
const (
	DefaultFailureThreshold = 3
	DefaultToolCallBudget   = 10
	DefaultSubBudget        = 5
	DefaultRepeatCount      = 2
	DefaultContextWindow    = 5
)

// Policy holds the tunable thresholds and the routing table.
// A Policy is treated as immutable once handed to an Engine.
type Policy struct {
	// FailureThreshold is the consecutive failed attempts that trigger repeated_failure.
	FailureThreshold int `json:"failure_threshold"`
	// ToolCallBudget is the tool calls without progress that trigger tool_call_budget_exceeded.
	ToolCallBudget int `json:"tool_call_budget"`
	// SubBudget is the tool calls made while attempts keep failing that trigger combined_threshold.
	SubBudget int `json:"sub_budget"`
	// RepeatCount is how many times one fingerprint must be seen to trigger repeated_error.
	RepeatCount int `json:"repeat_count"`
	// ContextWindow bounds the recent messages carried in a Record.
	ContextWindow int `json:"context_window"`
	// HumanAfter routes the Nth escalation without progress to human_clarification.
	// Zero disables the ladder.
	HumanAfter int `json:"human_after"`
	// Routes maps each trigger to its target role.
	Routes map[TriggerKind]Role `json:"routes"`
}

// DefaultRoutes is the stock routing table: every loop signal goes to troubleshooting.
var DefaultRoutes = map[TriggerKind]Role{
	TriggerRepeatedError:     RoleTroubleshooting,
	TriggerRepeatedFailure:   RoleTroubleshooting,
	TriggerToolCallBudget:    RoleTroubleshooting,
	TriggerCombinedThreshold: RoleTroubleshooting,
	TriggerServiceFailure:    RoleTroubleshooting,
}

// DefaultPolicy returns the stock thresholds and routing.
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold: DefaultFailureThreshold,
		ToolCallBudget:   DefaultToolCallBudget,
		SubBudget:        DefaultSubBudget,
		RepeatCount:      DefaultRepeatCount,
		ContextWindow:    DefaultContextWindow,
		Routes:           copyRoutes(DefaultRoutes),
	}
}

// Validate returns an error describing the first bad field.
func (p Policy) Validate() error {
	checks := []struct {
		name string
		val  int
		min  int
	}{
		{"failure_threshold", p.FailureThreshold, 1},
		{"tool_call_budget", p.ToolCallBudget, 1},
		{"sub_budget", p.SubBudget, 1},
		{"repeat_count", p.RepeatCount, 2},
		{"context_window", p.ContextWindow, 1},
		{"human_after", p.HumanAfter, 0},
	}
	for _, c := range checks {
		if c.val < c.min {
			return fmt.Errorf("policy: %s = %d, must be >= %d", c.name, c.val, c.min)
		}
	}
	for trigger, role := range p.Routes {
		if _, err := ParseTriggerKind(string(trigger)); err != nil {
			return fmt.Errorf("policy: routes: %w", err)
		}
		if _, err := ParseRole(string(role)); err != nil {
			return fmt.Errorf("policy: routes[%s]: %w", trigger, err)
		}
	}
	return nil
}

// RoleFor returns the role a trigger routes to, given how many escalations
// the sub-problem has already had since its last progress.
func (p Policy) RoleFor(trigger TriggerKind, priorEscalations int) Role {
	if p.HumanAfter > 0 && priorEscalations+1 >= p.HumanAfter {
		return RoleHumanClarification
	}
	if role, ok := p.Routes[trigger]; ok {
		return role
	}
	return DefaultRoutes[trigger]
}

// WithRoutes returns a copy of p whose routing table is DefaultRoutes
// overlaid with overrides.
func (p Policy) WithRoutes(overrides map[TriggerKind]Role) Policy {
	routes := copyRoutes(DefaultRoutes)
	for k, v := range overrides {
		routes[k] = v
	}
	p.Routes = routes
	return p
}

func copyRoutes(in map[TriggerKind]Role) map[TriggerKind]Role {
	out := make(map[TriggerKind]Role, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
