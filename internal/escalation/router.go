package escalation

import "fmt"

// dispatch turns a fired trigger into a Record and moves the tracker through
// ESCALATING into COOLDOWN. It performs no I/O: delivering the Record to the
// collaborator is the host's job.
func dispatch(t *Tracker, trigger TriggerKind, p Policy) Record {
	t.startEscalation()

	// Capture counters before finishEscalation resets them.
	snap := t.Snapshot()
	role := p.RoleFor(trigger, snap.EscalationsSinceProgress)

	rec := Record{
		SubproblemID: t.id,
		Component:    snap.Component,
		Trigger:      trigger,
		Role:         role,
		Ordinal:      snap.Ordinal,
		Context: RecordContext{
			Summary:                   summarize(trigger, snap, p),
			ConsecutiveFailedAttempts: snap.ConsecutiveFailedAttempts,
			ToolCallsSinceProgress:    snap.ToolCallsSinceProgress,
			ToolCallsWhileFailing:     snap.ToolCallsWhileFailing,
			EscalationsSinceProgress:  snap.EscalationsSinceProgress,
			RecentMessages:            lastN(snap.RecentMessages, p.ContextWindow),
		},
	}
	if trigger == TriggerRepeatedError {
		rec.Context.Fingerprint = snap.Fingerprint.String()
		rec.Context.FingerprintOccurrences = snap.FingerprintOccurrences
	}

	t.finishEscalation()
	return rec
}

// summarize renders a one-line reason for the hand-off.
func summarize(trigger TriggerKind, s Snapshot, p Policy) string {
	var reason string
	switch trigger {
	case TriggerRepeatedError:
		reason = fmt.Sprintf("same failure seen %d times (first at event %d)", s.FingerprintOccurrences, s.FingerprintFirstSeen)
	case TriggerRepeatedFailure:
		reason = fmt.Sprintf("%d consecutive failed attempts (threshold %d)", s.ConsecutiveFailedAttempts, p.FailureThreshold)
	case TriggerToolCallBudget:
		reason = fmt.Sprintf("%d tool calls without progress (budget %d)", s.ToolCallsSinceProgress, p.ToolCallBudget)
	case TriggerCombinedThreshold:
		reason = fmt.Sprintf("%d tool calls while %d attempts kept failing (budget %d)", s.ToolCallsWhileFailing, s.ConsecutiveFailedAttempts, p.SubBudget)
	case TriggerServiceFailure:
		reason = "service or availability failure reported"
	default:
		reason = string(trigger)
	}
	if s.Component != "" {
		return fmt.Sprintf("%s [%s]: %s", s.SubproblemID, s.Component, reason)
	}
	return fmt.Sprintf("%s: %s", s.SubproblemID, reason)
}

func lastN(msgs []string, n int) []string {
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]string, len(msgs))
	copy(out, msgs)
	return out
}
