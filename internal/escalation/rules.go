package escalation

// rule is one predicate in the evaluator's priority list.
type rule struct {
	trigger TriggerKind
	fires   func(s Snapshot, p Policy) bool
}

// rules is ordered by priority. The predicates overlap on purpose; order is
// the tie-break and only the first match fires.
var rules = []rule{
	{
		trigger: TriggerRepeatedError,
		fires: func(s Snapshot, p Policy) bool {
			return s.FingerprintOccurrences > 0 && s.FingerprintOccurrences >= p.RepeatCount
		},
	},
	{
		trigger: TriggerRepeatedFailure,
		fires: func(s Snapshot, p Policy) bool {
			return s.ConsecutiveFailedAttempts >= p.FailureThreshold
		},
	},
	{
		trigger: TriggerToolCallBudget,
		fires: func(s Snapshot, p Policy) bool {
			return s.ToolCallsSinceProgress >= p.ToolCallBudget
		},
	},
	{
		trigger: TriggerCombinedThreshold,
		fires: func(s Snapshot, p Policy) bool {
			return s.ToolCallsWhileFailing >= p.SubBudget
		},
	},
	{
		trigger: TriggerServiceFailure,
		fires: func(s Snapshot, _ Policy) bool {
			return s.ServiceFailure
		},
	},
}

// Evaluate returns the highest-priority trigger that fires for s, if any.
// Only ACTIVE snapshots can fire.
func Evaluate(s Snapshot, p Policy) (TriggerKind, bool) {
	if s.State != StateActive {
		return "", false
	}
	for _, r := range rules {
		if r.fires(s, p) {
			return r.trigger, true
		}
	}
	return "", false
}

// Firing returns every trigger whose condition holds for s, in priority
// order. Evaluate fires only the first; the rest are suppressed, not queued.
// Useful for diagnostics.
func Firing(s Snapshot, p Policy) []TriggerKind {
	var out []TriggerKind
	for _, r := range rules {
		if r.fires(s, p) {
			out = append(out, r.trigger)
		}
	}
	return out
}
