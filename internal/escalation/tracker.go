package escalation

import (
	"fmt"

	"github.com/HendryAvila/handoff/internal/fingerprint"
)

// --- Sub-problem tracker ---
//
// A Tracker only counts. It never evaluates rules on itself: the engine
// takes a Snapshot and hands it to Evaluate, so policy stays external.
//
// Counters reset together on a successful attempt, a progress marker, or an
// emitted Record. Within an ACTIVE period they only grow.

// seenEntry is the first-seen ordinal and occurrence count of a fingerprint.
type seenEntry struct {
	firstOrdinal int64
	count        int
}

// Tracker holds the counters and state for one sub-problem.
// It is not safe for concurrent use; the Engine serializes access.
type Tracker struct {
	id        string
	component string
	state     State

	consecutiveFailedAttempts int
	toolCallsSinceProgress    int
	toolCallsWhileFailing     int
	escalationsSinceProgress  int
	seenFingerprints          map[fingerprint.Fingerprint]seenEntry

	ordinal               int64
	lastTimestamp         int64
	lastEscalationOrdinal int64 // 0 means none
	totalEscalations      int

	// Per-pass signals, cleared by begin.
	passFingerprint  fingerprint.Fingerprint
	passOccurrences  int
	passServiceFault bool

	recent *messageRing
}

// NewTracker creates an ACTIVE tracker that keeps the last window messages.
func NewTracker(id string, window int) *Tracker {
	return &Tracker{
		id:               id,
		state:            StateActive,
		seenFingerprints: make(map[fingerprint.Fingerprint]seenEntry),
		recent:           newMessageRing(window),
	}
}

// ID returns the sub-problem identifier.
func (t *Tracker) ID() string { return t.id }

// State returns the current state.
func (t *Tracker) State() State { return t.state }

// begin opens an evaluation pass for ev. A tracker in COOLDOWN returns to
// ACTIVE here: cooldown lasts until the next event, not for a duration.
func (t *Tracker) begin(ev ActionEvent, window int) {
	if t.state == StateCooldown {
		t.state = StateActive
	}
	t.ordinal++
	t.lastTimestamp = ev.Timestamp
	if ev.Component != "" {
		t.component = ev.Component
	}
	t.passFingerprint = ""
	t.passOccurrences = 0
	t.passServiceFault = ev.ServiceFailure
	t.recent.resize(window)
	if ev.RawMessage != "" {
		t.recent.push(ev.RawMessage)
	}
}

// RecordAttempt counts a failed attempt or resets on success.
func (t *Tracker) RecordAttempt(outcome Outcome) {
	if outcome == OutcomeSuccess {
		t.reset()
		t.escalationsSinceProgress = 0
		return
	}
	t.consecutiveFailedAttempts++
}

// RecordToolCall counts a tool call. Calls made while attempts are failing
// also feed the combined threshold.
func (t *Tracker) RecordToolCall() {
	t.toolCallsSinceProgress++
	if t.consecutiveFailedAttempts > 0 {
		t.toolCallsWhileFailing++
	}
}

// RecordProgressMarker resets the loop-detection counters.
func (t *Tracker) RecordProgressMarker() {
	t.reset()
	t.escalationsSinceProgress = 0
}

// RecordMessage notes a failure fingerprint. A fingerprint already seen in
// the current counting period marks this pass as a repeated error.
func (t *Tracker) RecordMessage(fp fingerprint.Fingerprint) {
	entry, ok := t.seenFingerprints[fp]
	if !ok {
		entry = seenEntry{firstOrdinal: t.ordinal}
	}
	entry.count++
	t.seenFingerprints[fp] = entry
	t.passFingerprint = fp
	t.passOccurrences = entry.count
}

// Snapshot returns an immutable view for rule evaluation.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		SubproblemID:              t.id,
		Component:                 t.component,
		State:                     t.state,
		ConsecutiveFailedAttempts: t.consecutiveFailedAttempts,
		ToolCallsSinceProgress:    t.toolCallsSinceProgress,
		ToolCallsWhileFailing:     t.toolCallsWhileFailing,
		EscalationsSinceProgress:  t.escalationsSinceProgress,
		SeenFingerprints:          len(t.seenFingerprints),
		Fingerprint:               t.passFingerprint,
		FingerprintOccurrences:    t.passOccurrences,
		ServiceFailure:            t.passServiceFault,
		Ordinal:                   t.ordinal,
		LastTimestamp:             t.lastTimestamp,
		LastEscalationOrdinal:     t.lastEscalationOrdinal,
		TotalEscalations:          t.totalEscalations,
		RecentMessages:            t.recent.items(),
	}
	if entry, ok := t.seenFingerprints[t.passFingerprint]; ok && t.passFingerprint != "" {
		s.FingerprintFirstSeen = entry.firstOrdinal
	}
	return s
}

// startEscalation moves ACTIVE to ESCALATING. Any other state is a
// programming error: the evaluator only fires on ACTIVE snapshots.
func (t *Tracker) startEscalation() {
	if t.state != StateActive {
		panic(fmt.Sprintf("escalation: tracker %q cannot escalate from %s", t.id, t.state))
	}
	t.state = StateEscalating
}

// finishEscalation moves ESCALATING to COOLDOWN and resets counters.
func (t *Tracker) finishEscalation() {
	t.state = StateCooldown
	t.lastEscalationOrdinal = t.ordinal
	t.totalEscalations++
	t.escalationsSinceProgress++
	t.reset()
}

// resolve moves the tracker to RESOLVED.
func (t *Tracker) resolve() error {
	switch t.state {
	case StateActive, StateCooldown:
		t.state = StateResolved
		return nil
	case StateResolved:
		return fmt.Errorf("%w: %q", ErrResolved, t.id)
	default:
		return fmt.Errorf("tracker %q cannot resolve from %s", t.id, t.state)
	}
}

func (t *Tracker) reset() {
	t.consecutiveFailedAttempts = 0
	t.toolCallsSinceProgress = 0
	t.toolCallsWhileFailing = 0
	clear(t.seenFingerprints)
}

// Snapshot is a point-in-time copy of a tracker.
type Snapshot struct {
	SubproblemID              string                  `json:"subproblem_id"`
	Component                 string                  `json:"component,omitempty"`
	State                     State                   `json:"state"`
	ConsecutiveFailedAttempts int                     `json:"consecutive_failed_attempts"`
	ToolCallsSinceProgress    int                     `json:"tool_calls_since_progress"`
	ToolCallsWhileFailing     int                     `json:"tool_calls_while_failing"`
	EscalationsSinceProgress  int                     `json:"escalations_since_progress"`
	SeenFingerprints          int                     `json:"seen_fingerprints"`
	Fingerprint               fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	FingerprintOccurrences    int                     `json:"fingerprint_occurrences,omitempty"`
	FingerprintFirstSeen      int64                   `json:"fingerprint_first_seen,omitempty"`
	ServiceFailure            bool                    `json:"service_failure,omitempty"`
	Ordinal                   int64                   `json:"ordinal"`
	LastTimestamp             int64                   `json:"last_timestamp"`
	LastEscalationOrdinal     int64                   `json:"last_escalation_ordinal,omitempty"`
	TotalEscalations          int                     `json:"total_escalations"`
	RecentMessages            []string                `json:"recent_messages,omitempty"`
}

// --- Recent message ring ---

type messageRing struct {
	buf []string
	max int
}

func newMessageRing(max int) *messageRing {
	if max < 1 {
		max = 1
	}
	return &messageRing{max: max}
}

func (r *messageRing) push(msg string) {
	r.buf = append(r.buf, msg)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
}

// resize applies a new window, dropping the oldest messages if it shrank.
func (r *messageRing) resize(max int) {
	if max < 1 || max == r.max {
		return
	}
	r.max = max
	if len(r.buf) > max {
		r.buf = r.buf[len(r.buf)-max:]
	}
}

func (r *messageRing) items() []string {
	if len(r.buf) == 0 {
		return nil
	}
	out := make([]string, len(r.buf))
	copy(out, r.buf)
	return out
}
