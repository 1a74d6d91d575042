// Package escalation decides when an automated assistant must stop retrying
// a sub-problem and hand it off to a specialized collaborator.
//
// The package is split by responsibility:
//   - types.go: the event/record data model and its closed enums
//   - policy.go: thresholds and the trigger→role routing table
//   - tracker.go: per-sub-problem counters and state machine
//   - rules.go: the priority-ordered rule evaluator
//   - router.go: turns a fired trigger into an escalation Record
//   - engine.go: the session store that ties them together
package escalation

import (
	"errors"
	"fmt"
)

// Sentinel errors. Boundary rejections wrap ErrInvalidEvent so callers can
// distinguish bad input from everything else with errors.Is.
var (
	ErrInvalidEvent      = errors.New("invalid action event")
	ErrResolved          = errors.New("sub-problem is resolved")
	ErrUnknownSubproblem = errors.New("unknown sub-problem")
	ErrOutOfOrder        = errors.New("timestamp out of order")
)

// --- Event kind enum ---

// Kind classifies an observed action.
type Kind string

const (
	KindAttempt        Kind = "attempt"
	KindToolCall       Kind = "tool_call"
	KindProgressMarker Kind = "progress_marker"
)

// Kinds lists every event kind.
var Kinds = []Kind{KindAttempt, KindToolCall, KindProgressMarker}

var validKinds = map[Kind]bool{
	KindAttempt:        true,
	KindToolCall:       true,
	KindProgressMarker: true,
}

// ValidateKind returns an error if the kind is not recognized.
func ValidateKind(k Kind) error {
	if k == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}
	if !validKinds[k] {
		return fmt.Errorf("%w: kind %q must be one of: attempt, tool_call, progress_marker", ErrInvalidEvent, k)
	}
	return nil
}

// --- Outcome enum ---

// Outcome is the result of an action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Outcomes lists every outcome.
var Outcomes = []Outcome{OutcomeSuccess, OutcomeFailure}

// ValidateOutcome returns an error if the outcome is not recognized.
func ValidateOutcome(o Outcome) error {
	switch o {
	case OutcomeSuccess, OutcomeFailure:
		return nil
	case "":
		return fmt.Errorf("%w: outcome is required", ErrInvalidEvent)
	default:
		return fmt.Errorf("%w: outcome %q must be one of: success, failure", ErrInvalidEvent, o)
	}
}

// --- Tracker state enum ---

// State is a tracker's position in the escalation state machine.
//
//	ACTIVE -> ESCALATING -> COOLDOWN -> ACTIVE
//	ACTIVE | COOLDOWN -> RESOLVED (host request, terminal)
type State string

const (
	StateActive     State = "ACTIVE"
	StateEscalating State = "ESCALATING"
	StateCooldown   State = "COOLDOWN"
	StateResolved   State = "RESOLVED"
)

// --- Trigger kind enum ---

// TriggerKind names the rule that fired.
type TriggerKind string

const (
	TriggerRepeatedError     TriggerKind = "repeated_error"
	TriggerRepeatedFailure   TriggerKind = "repeated_failure"
	TriggerToolCallBudget    TriggerKind = "tool_call_budget_exceeded"
	TriggerCombinedThreshold TriggerKind = "combined_threshold"
	TriggerServiceFailure    TriggerKind = "service_failure"
)

// TriggerKinds lists every trigger in evaluation priority order.
var TriggerKinds = []TriggerKind{
	TriggerRepeatedError,
	TriggerRepeatedFailure,
	TriggerToolCallBudget,
	TriggerCombinedThreshold,
	TriggerServiceFailure,
}

// ParseTriggerKind validates a trigger name.
func ParseTriggerKind(s string) (TriggerKind, error) {
	for _, k := range TriggerKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}

// --- Collaborator role enum ---

// Role is the collaborator an escalation is handed to.
type Role string

const (
	RoleTesting            Role = "testing"
	RoleTroubleshooting    Role = "troubleshooting"
	RoleIntegration        Role = "integration"
	RoleDeployment         Role = "deployment"
	RoleSupport            Role = "support"
	RoleHumanClarification Role = "human_clarification"
)

// Roles is the closed set of collaborator roles.
var Roles = []Role{
	RoleTesting,
	RoleTroubleshooting,
	RoleIntegration,
	RoleDeployment,
	RoleSupport,
	RoleHumanClarification,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q: must be one of: testing, troubleshooting, integration, deployment, support, human_clarification", s)
}

// --- Core data structures ---

// ActionEvent is one observed unit of work on a sub-problem.
// Timestamp orders events within a sub-problem; zero asks the engine to
// assign the next value.
type ActionEvent struct {
	SubproblemID   string  `json:"subproblem_id"`
	Component      string  `json:"component,omitempty"`
	Kind           Kind    `json:"kind"`
	Outcome        Outcome `json:"outcome"`
	RawMessage     string  `json:"message,omitempty"`
	Timestamp      int64   `json:"timestamp,omitempty"`
	ServiceFailure bool    `json:"service_failure,omitempty"`
}

// Validate checks the event in isolation. Checks that depend on tracker
// state (resolution, ordering) happen in the engine.
func (e ActionEvent) Validate() error {
	if e.SubproblemID == "" {
		return fmt.Errorf("%w: subproblem_id is required", ErrInvalidEvent)
	}
	if err := ValidateKind(e.Kind); err != nil {
		return err
	}
	if err := ValidateOutcome(e.Outcome); err != nil {
		return err
	}
	if e.Timestamp < 0 {
		return fmt.Errorf("%w: timestamp %d is negative", ErrInvalidEvent, e.Timestamp)
	}
	return nil
}

// Record is an emitted escalation decision.
type Record struct {
	SubproblemID string        `json:"subproblem_id"`
	Component    string        `json:"component,omitempty"`
	Trigger      TriggerKind   `json:"trigger"`
	Role         Role          `json:"role"`
	Context      RecordContext `json:"context"`
	Ordinal      int64         `json:"ordinal"`
}

// RecordContext carries the counters that caused the fire and the most
// recent messages on the sub-problem.
type RecordContext struct {
	Summary                   string   `json:"summary"`
	ConsecutiveFailedAttempts int      `json:"consecutive_failed_attempts"`
	ToolCallsSinceProgress    int      `json:"tool_calls_since_progress"`
	ToolCallsWhileFailing     int      `json:"tool_calls_while_failing"`
	FingerprintOccurrences    int      `json:"fingerprint_occurrences,omitempty"`
	Fingerprint               string   `json:"fingerprint,omitempty"`
	EscalationsSinceProgress  int      `json:"escalations_since_progress"`
	RecentMessages            []string `json:"recent_messages"`
}
