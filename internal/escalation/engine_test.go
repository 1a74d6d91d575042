package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

// --- Helpers ---

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(DefaultPolicy(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func failure(id, msg string) ActionEvent {
	return ActionEvent{SubproblemID: id, Kind: KindAttempt, Outcome: OutcomeFailure, RawMessage: msg}
}

func success(id string) ActionEvent {
	return ActionEvent{SubproblemID: id, Kind: KindAttempt, Outcome: OutcomeSuccess}
}

func toolCall(id string) ActionEvent {
	return ActionEvent{SubproblemID: id, Kind: KindToolCall, Outcome: OutcomeSuccess}
}

func progress(id string) ActionEvent {
	return ActionEvent{SubproblemID: id, Kind: KindProgressMarker, Outcome: OutcomeSuccess}
}

func mustSubmit(t *testing.T, e *Engine, ev ActionEvent) *Record {
	t.Helper()
	rec, err := e.Submit(context.Background(), ev)
	if err != nil {
		t.Fatalf("Submit(%+v): %v", ev, err)
	}
	return rec
}

// --- Repeated failure ---

func TestEngine_ThreeFailuresFireOnThird(t *testing.T) {
	e := newTestEngine(t)

	for i := 1; i <= 2; i++ {
		if rec := mustSubmit(t, e, failure("api", "")); rec != nil {
			t.Fatalf("failure %d escalated early: %+v", i, rec)
		}
	}
	rec := mustSubmit(t, e, failure("api", ""))
	if rec == nil {
		t.Fatal("third failure should escalate")
	}
	if rec.Trigger != TriggerRepeatedFailure {
		t.Errorf("Trigger = %q, want repeated_failure", rec.Trigger)
	}
	if rec.Role != RoleTroubleshooting {
		t.Errorf("Role = %q, want troubleshooting", rec.Role)
	}
	if rec.Ordinal != 3 {
		t.Errorf("Ordinal = %d, want 3", rec.Ordinal)
	}
	if rec.Context.ConsecutiveFailedAttempts != 3 {
		t.Errorf("context failures = %d, want 3", rec.Context.ConsecutiveFailedAttempts)
	}

	snap, _ := e.Snapshot("api")
	if snap.State != StateCooldown {
		t.Errorf("state = %s, want COOLDOWN", snap.State)
	}
}

func TestEngine_DistinctMessagesStillFireRepeatedFailure(t *testing.T) {
	e := newTestEngine(t)
	mustSubmit(t, e, failure("api", "undefined: Foo"))
	mustSubmit(t, e, failure("api", "missing return"))
	rec := mustSubmit(t, e, failure("api", "cannot use x (type int) as string"))
	if rec == nil || rec.Trigger != TriggerRepeatedFailure {
		t.Fatalf("got %+v, want repeated_failure", rec)
	}
}

func TestEngine_SuccessBreaksTheRun(t *testing.T) {
	e := newTestEngine(t)
	mustSubmit(t, e, failure("api", ""))
	mustSubmit(t, e, failure("api", ""))
	mustSubmit(t, e, success("api"))
	mustSubmit(t, e, failure("api", ""))
	if rec := mustSubmit(t, e, failure("api", "")); rec != nil {
		t.Fatalf("escalated after success reset: %+v", rec)
	}
	if rec := mustSubmit(t, e, failure("api", "")); rec == nil {
		t.Fatal("third failure after reset should escalate")
	}
}

// --- Repeated error ---

func TestEngine_RepeatedErrorOnSecondOccurrence(t *testing.T) {
	e := newTestEngine(t)

	if rec := mustSubmit(t, e, failure("db", "connection refused at 10:03:15")); rec != nil {
		t.Fatalf("first occurrence escalated: %+v", rec)
	}
	rec := mustSubmit(t, e, failure("db", "connection refused at 10:04:02"))
	if rec == nil {
		t.Fatal("second occurrence should escalate")
	}
	if rec.Trigger != TriggerRepeatedError {
		t.Errorf("Trigger = %q, want repeated_error", rec.Trigger)
	}
	if rec.Context.ConsecutiveFailedAttempts != 2 {
		t.Errorf("failures = %d, want 2 (below threshold)", rec.Context.ConsecutiveFailedAttempts)
	}
	if rec.Context.Fingerprint != "connection refused at <ts>" {
		t.Errorf("Fingerprint = %q", rec.Context.Fingerprint)
	}
	if rec.Context.FingerprintOccurrences != 2 {
		t.Errorf("FingerprintOccurrences = %d, want 2", rec.Context.FingerprintOccurrences)
	}
}

func TestEngine_ProgressMarkerClearsSeenFingerprints(t *testing.T) {
	e := newTestEngine(t)

	mustSubmit(t, e, failure("a", "X"))
	mustSubmit(t, e, progress("a"))
	if rec := mustSubmit(t, e, failure("a", "X")); rec != nil {
		t.Fatalf("fingerprint seen before progress escalated: %+v", rec)
	}
	snap, _ := e.Snapshot("a")
	if snap.FingerprintOccurrences != 1 || snap.SeenFingerprints != 1 {
		t.Errorf("occurrences = %d, seen = %d, want 1 and 1", snap.FingerprintOccurrences, snap.SeenFingerprints)
	}
}

func TestEngine_EscalationClearsSeenFingerprints(t *testing.T) {
	e := newTestEngine(t)

	mustSubmit(t, e, failure("a", "X"))
	rec := mustSubmit(t, e, failure("a", "X"))
	if rec == nil || rec.Trigger != TriggerRepeatedError {
		t.Fatalf("second X: got %+v, want repeated_error", rec)
	}
	res, err := e.Process(context.Background(), failure("a", "X"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Record != nil {
		t.Fatalf("third X escalated again: %+v", res.Record)
	}
	if res.Snapshot.FingerprintOccurrences != 1 {
		t.Errorf("FingerprintOccurrences = %d, want 1", res.Snapshot.FingerprintOccurrences)
	}
	if res.Snapshot.SeenFingerprints != 1 {
		t.Errorf("SeenFingerprints = %d, want 1", res.Snapshot.SeenFingerprints)
	}
}

func TestEngine_RepeatedErrorFromToolCalls(t *testing.T) {
	e := newTestEngine(t)
	ev := ActionEvent{SubproblemID: "ui", Kind: KindToolCall, Outcome: OutcomeFailure, RawMessage: "ENOENT: no such file 'src/App.tsx'"}
	mustSubmit(t, e, ev)
	rec := mustSubmit(t, e, ev)
	if rec == nil || rec.Trigger != TriggerRepeatedError {
		t.Fatalf("got %+v, want repeated_error", rec)
	}
}

func TestEngine_SuccessMessagesAreNotFingerprinted(t *testing.T) {
	e := newTestEngine(t)
	ev := ActionEvent{SubproblemID: "ui", Kind: KindToolCall, Outcome: OutcomeSuccess, RawMessage: "file written"}
	mustSubmit(t, e, ev)
	if rec := mustSubmit(t, e, ev); rec != nil {
		t.Fatalf("identical success messages escalated: %+v", rec)
	}
}

func TestEngine_SimultaneousTriggersEmitOne(t *testing.T) {
	e := newTestEngine(t)
	mustSubmit(t, e, failure("api", "boom"))
	mustSubmit(t, e, failure("api", "bang"))

	// Third failure repeats "boom": repeated_error and repeated_failure both hold.
	rec := mustSubmit(t, e, failure("api", "boom"))
	if rec == nil || rec.Trigger != TriggerRepeatedError {
		t.Fatalf("got %+v, want repeated_error to win", rec)
	}
	if rec := mustSubmit(t, e, failure("api", "other")); rec != nil {
		t.Errorf("suppressed trigger was queued: %+v", rec)
	}
}

// --- Tool-call budget ---

func TestEngine_ToolCallBudget(t *testing.T) {
	e := newTestEngine(t)
	for i := 1; i <= 9; i++ {
		if rec := mustSubmit(t, e, toolCall("svc")); rec != nil {
			t.Fatalf("tool call %d escalated: %+v", i, rec)
		}
	}
	rec := mustSubmit(t, e, toolCall("svc"))
	if rec == nil || rec.Trigger != TriggerToolCallBudget {
		t.Fatalf("got %+v, want tool_call_budget_exceeded on call 10", rec)
	}
}

func TestEngine_ProgressMarkerRestartsToolBudget(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 9; i++ {
		mustSubmit(t, e, toolCall("svc"))
	}
	mustSubmit(t, e, progress("svc"))

	for i := 1; i <= 9; i++ {
		if rec := mustSubmit(t, e, toolCall("svc")); rec != nil {
			t.Fatalf("call %d after progress escalated: %+v", i, rec)
		}
	}
	rec := mustSubmit(t, e, toolCall("svc"))
	if rec == nil || rec.Trigger != TriggerToolCallBudget {
		t.Fatalf("got %+v, want tool_call_budget_exceeded on 10th call after progress", rec)
	}
}

// --- Combined threshold ---

func TestEngine_CombinedThreshold(t *testing.T) {
	e := newTestEngine(t)
	mustSubmit(t, e, failure("api", ""))
	for i := 1; i <= 4; i++ {
		if rec := mustSubmit(t, e, toolCall("api")); rec != nil {
			t.Fatalf("tool call %d escalated: %+v", i, rec)
		}
	}
	rec := mustSubmit(t, e, toolCall("api"))
	if rec == nil || rec.Trigger != TriggerCombinedThreshold {
		t.Fatalf("got %+v, want combined_threshold", rec)
	}
	if rec.Context.ToolCallsWhileFailing != 5 {
		t.Errorf("ToolCallsWhileFailing = %d, want 5", rec.Context.ToolCallsWhileFailing)
	}
}

// --- Service failure ---

func TestEngine_ServiceFailureIsImmediate(t *testing.T) {
	e := newTestEngine(t)
	ev := failure("deploy", "503 Service Unavailable")
	ev.ServiceFailure = true
	rec := mustSubmit(t, e, ev)
	if rec == nil || rec.Trigger != TriggerServiceFailure {
		t.Fatalf("got %+v, want service_failure on first event", rec)
	}
}

// --- Cooldown ---

func TestEngine_CooldownAcceptsNextEvent(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 3; i++ {
		mustSubmit(t, e, failure("api", ""))
	}

	rec := mustSubmit(t, e, failure("api", ""))
	if rec != nil {
		t.Fatalf("fourth failure re-escalated the same run: %+v", rec)
	}
	snap, _ := e.Snapshot("api")
	if snap.State != StateActive {
		t.Errorf("state = %s, want ACTIVE after next event", snap.State)
	}
	if snap.ConsecutiveFailedAttempts != 1 {
		t.Errorf("failures = %d, want 1 (counting restarts after escalation)", snap.ConsecutiveFailedAttempts)
	}
	if snap.LastEscalationOrdinal != 3 {
		t.Errorf("LastEscalationOrdinal = %d, want 3", snap.LastEscalationOrdinal)
	}
}

func TestEngine_AtMostOneRecordPerEvent(t *testing.T) {
	e := newTestEngine(t)
	var records []*Record
	for i := 0; i < 30; i++ {
		ev := failure("api", "same thing broke")
		ev.ServiceFailure = true
		if rec := mustSubmit(t, e, ev); rec != nil {
			records = append(records, rec)
		}
	}
	// Every event holds some trigger, so each event may fire once, but
	// never twice, and ordinals strictly increase.
	for i := 1; i < len(records); i++ {
		if records[i].Ordinal <= records[i-1].Ordinal {
			t.Fatalf("ordinals not increasing: %d then %d", records[i-1].Ordinal, records[i].Ordinal)
		}
	}
	if len(records) > 30 {
		t.Fatalf("%d records for 30 events", len(records))
	}
}

// --- Counter property ---

func TestEngine_FailureCounterMatchesModel(t *testing.T) {
	p := DefaultPolicy()
	p.FailureThreshold = 100 // keep escalations out of the way
	p.ToolCallBudget = 100
	p.SubBudget = 100
	e, err := New(p)
	if err != nil {
		t.Fatal(err)
	}

	// f=failure, s=success, t=tool call, p=progress marker
	seq := "fftfsfffptffsttfffpfsf"
	want := 0
	for i, c := range seq {
		var ev ActionEvent
		switch c {
		case 'f':
			ev = failure("x", "")
			want++
		case 's':
			ev = success("x")
			want = 0
		case 't':
			ev = toolCall("x")
		case 'p':
			ev = progress("x")
			want = 0
		}
		mustSubmit(t, e, ev)
		snap, _ := e.Snapshot("x")
		if snap.ConsecutiveFailedAttempts != want {
			t.Fatalf("prefix %q (step %d): failures = %d, want %d", seq[:i+1], i, snap.ConsecutiveFailedAttempts, want)
		}
	}
}

// --- Idempotence ---

func TestEngine_ReplayIsDeterministic(t *testing.T) {
	events := []ActionEvent{
		failure("api", "connection refused at 10:03:15"),
		toolCall("ui"),
		failure("api", "connection refused at 10:04:02"),
		failure("api", "timeout"),
		failure("ui", "type error"),
		toolCall("ui"), toolCall("ui"), toolCall("ui"), toolCall("ui"), toolCall("ui"),
		progress("api"),
		failure("api", "x"), failure("api", "y"), failure("api", "z"),
	}

	run := func() []Record {
		e := newTestEngine(t)
		var out []Record
		for _, ev := range events {
			if rec := mustSubmit(t, e, ev); rec != nil {
				out = append(out, *rec)
			}
		}
		return out
	}

	first, second := run(), run()
	if len(first) == 0 {
		t.Fatal("scenario produced no records")
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("replay differs (-first +second):\n%s", diff)
	}
}

// --- Independence ---

func TestEngine_SubproblemsAreIndependent(t *testing.T) {
	e := newTestEngine(t)
	mustSubmit(t, e, failure("a", ""))
	mustSubmit(t, e, failure("a", ""))
	mustSubmit(t, e, failure("b", ""))
	mustSubmit(t, e, failure("b", ""))

	if rec := mustSubmit(t, e, success("b")); rec != nil {
		t.Fatal("success escalated")
	}
	rec := mustSubmit(t, e, failure("a", ""))
	if rec == nil || rec.SubproblemID != "a" {
		t.Fatalf("a should escalate on its own third failure, got %+v", rec)
	}
	snap, _ := e.Snapshot("b")
	if snap.ConsecutiveFailedAttempts != 0 || snap.State != StateActive {
		t.Errorf("b affected by a: %+v", snap)
	}
}

// --- Validation ---

func TestEngine_RejectsMalformedEvents(t *testing.T) {
	tests := []struct {
		name string
		ev   ActionEvent
	}{
		{"empty id", ActionEvent{Kind: KindAttempt, Outcome: OutcomeFailure}},
		{"empty kind", ActionEvent{SubproblemID: "x", Outcome: OutcomeFailure}},
		{"bogus kind", ActionEvent{SubproblemID: "x", Kind: "edit", Outcome: OutcomeFailure}},
		{"empty outcome", ActionEvent{SubproblemID: "x", Kind: KindAttempt}},
		{"bogus outcome", ActionEvent{SubproblemID: "x", Kind: KindAttempt, Outcome: "meh"}},
		{"negative timestamp", ActionEvent{SubproblemID: "x", Kind: KindAttempt, Outcome: OutcomeFailure, Timestamp: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			_, err := e.Submit(context.Background(), tt.ev)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("err = %v, want ErrInvalidEvent", err)
			}
			if len(e.Snapshots()) != 0 {
				t.Error("rejected event created a tracker")
			}
		})
	}
}

func TestEngine_RejectsOutOfOrderWithoutSideEffects(t *testing.T) {
	e := newTestEngine(t)
	first := failure("x", "a")
	first.Timestamp = 10
	mustSubmit(t, e, first)
	before, _ := e.Snapshot("x")

	for _, ts := range []int64{10, 9} {
		ev := failure("x", "a")
		ev.Timestamp = ts
		_, err := e.Submit(context.Background(), ev)
		if !errors.Is(err, ErrInvalidEvent) || !errors.Is(err, ErrOutOfOrder) {
			t.Fatalf("timestamp %d: err = %v, want ErrInvalidEvent+ErrOutOfOrder", ts, err)
		}
	}

	after, _ := e.Snapshot("x")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("rejected events changed the tracker (-before +after):\n%s", diff)
	}
}

func TestEngine_AssignsTimestampsWhenZero(t *testing.T) {
	e := newTestEngine(t)
	mustSubmit(t, e, toolCall("x"))
	mustSubmit(t, e, toolCall("x"))
	snap, _ := e.Snapshot("x")
	if snap.LastTimestamp != 2 {
		t.Errorf("LastTimestamp = %d, want 2", snap.LastTimestamp)
	}

	explicit := toolCall("x")
	explicit.Timestamp = 50
	mustSubmit(t, e, explicit)
	mustSubmit(t, e, toolCall("x"))
	snap, _ = e.Snapshot("x")
	if snap.LastTimestamp != 51 {
		t.Errorf("LastTimestamp = %d, want 51", snap.LastTimestamp)
	}
}

// --- Resolve ---

func TestEngine_Resolve(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Resolve(ctx, "ghost"); !errors.Is(err, ErrUnknownSubproblem) {
		t.Fatalf("Resolve unknown: err = %v, want ErrUnknownSubproblem", err)
	}

	mustSubmit(t, e, failure("api", ""))
	if err := e.Resolve(ctx, "api"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := e.Resolve(ctx, "api"); !errors.Is(err, ErrResolved) {
		t.Errorf("second Resolve: err = %v, want ErrResolved", err)
	}

	_, err := e.Submit(ctx, failure("api", ""))
	if !errors.Is(err, ErrResolved) || !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Submit after resolve: err = %v, want ErrInvalidEvent+ErrResolved", err)
	}

	snap, ok := e.Snapshot("api")
	if !ok || snap.State != StateResolved {
		t.Errorf("resolved tracker should stay addressable, got ok=%v state=%s", ok, snap.State)
	}
	if snap.Ordinal != 1 {
		t.Errorf("Ordinal = %d, want 1", snap.Ordinal)
	}
}

// --- Routing ---

func TestEngine_HumanLadder(t *testing.T) {
	p := DefaultPolicy()
	p.HumanAfter = 2
	e, err := New(p)
	if err != nil {
		t.Fatal(err)
	}

	escalate := func() *Record {
		t.Helper()
		var rec *Record
		for i := 0; i < 3; i++ {
			rec = mustSubmit(t, e, failure("api", ""))
		}
		if rec == nil {
			t.Fatal("expected escalation")
		}
		return rec
	}

	if rec := escalate(); rec.Role != RoleTroubleshooting {
		t.Errorf("first escalation role = %q, want troubleshooting", rec.Role)
	}
	if rec := escalate(); rec.Role != RoleHumanClarification {
		t.Errorf("second escalation role = %q, want human_clarification", rec.Role)
	}

	mustSubmit(t, e, progress("api"))
	if rec := escalate(); rec.Role != RoleTroubleshooting {
		t.Errorf("after progress role = %q, want troubleshooting", rec.Role)
	}
}

func TestEngine_ContextWindow(t *testing.T) {
	p := DefaultPolicy()
	p.ContextWindow = 2
	e, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	mustSubmit(t, e, failure("api", "m1"))
	mustSubmit(t, e, failure("api", "m2"))
	rec := mustSubmit(t, e, failure("api", "m3"))
	if rec == nil {
		t.Fatal("expected escalation")
	}
	if diff := cmp.Diff([]string{"m2", "m3"}, rec.Context.RecentMessages); diff != "" {
		t.Errorf("RecentMessages (-want +got):\n%s", diff)
	}
}

func TestEngine_SetPolicy(t *testing.T) {
	e := newTestEngine(t)

	bad := DefaultPolicy()
	bad.RepeatCount = 0
	if err := e.SetPolicy(bad); err == nil {
		t.Fatal("SetPolicy accepted an invalid policy")
	}
	if e.Policy().RepeatCount != DefaultRepeatCount {
		t.Error("invalid policy replaced the current one")
	}

	tight := DefaultPolicy()
	tight.FailureThreshold = 2
	if err := e.SetPolicy(tight); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	mustSubmit(t, e, failure("api", ""))
	if rec := mustSubmit(t, e, failure("api", "")); rec == nil {
		t.Error("tuned threshold of 2 did not fire")
	}
}

// --- Observers ---

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) add(s string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, s)
	return nil
}

func (o *recordingObserver) EventAccepted(_ context.Context, ev ActionEvent, snap Snapshot) error {
	return o.add(fmt.Sprintf("accepted:%s:%d", ev.SubproblemID, snap.Ordinal))
}

func (o *recordingObserver) EventRejected(_ context.Context, ev ActionEvent, _ error) error {
	return o.add("rejected:" + ev.SubproblemID)
}

func (o *recordingObserver) Escalated(_ context.Context, rec Record) error {
	return o.add(fmt.Sprintf("escalated:%s:%s", rec.SubproblemID, rec.Trigger))
}

func (o *recordingObserver) Resolved(_ context.Context, snap Snapshot) error {
	return o.add("resolved:" + snap.SubproblemID)
}

type failingObserver struct{ NopObserver }

func (failingObserver) Escalated(context.Context, Record) error { return errors.New("disk full") }

func TestEngine_ObserversSeeTransitionsInOrder(t *testing.T) {
	obs := &recordingObserver{}
	e := newTestEngine(t, WithObserver(failingObserver{}), WithObserver(obs))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustSubmit(t, e, failure("api", ""))
	}
	_, _ = e.Submit(ctx, ActionEvent{SubproblemID: "api"})
	if err := e.Resolve(ctx, "api"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"accepted:api:1",
		"accepted:api:2",
		"accepted:api:3",
		"escalated:api:repeated_failure",
		"rejected:api",
		"resolved:api",
	}
	if diff := cmp.Diff(want, obs.calls); diff != "" {
		t.Errorf("observer calls (-want +got):\n%s", diff)
	}
}

// --- Concurrency ---

func TestEngine_ConcurrentSubproblems(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestEngine(t)
	const tracks, failures = 8, 30

	var wg sync.WaitGroup
	counts := make([]int, tracks)
	for i := 0; i < tracks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("track-%d", i)
			for j := 0; j < failures; j++ {
				rec, err := e.Submit(context.Background(), failure(id, ""))
				if err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
				if rec != nil {
					counts[i]++
				}
			}
		}(i)
	}
	wg.Wait()

	for i, n := range counts {
		if n != failures/DefaultFailureThreshold {
			t.Errorf("track-%d: %d escalations, want %d", i, n, failures/DefaultFailureThreshold)
		}
	}
	if got := len(e.Snapshots()); got != tracks {
		t.Errorf("Snapshots = %d trackers, want %d", got, tracks)
	}
}

func TestEngine_ConcurrentSameSubproblemSerializes(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestEngine(t)
	const workers, each = 4, 30

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				rec, err := e.Submit(context.Background(), failure("shared", ""))
				if err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
				if rec != nil {
					mu.Lock()
					total++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if want := workers * each / DefaultFailureThreshold; total != want {
		t.Errorf("escalations = %d, want %d", total, want)
	}
	snap, _ := e.Snapshot("shared")
	if snap.Ordinal != workers*each {
		t.Errorf("Ordinal = %d, want %d", snap.Ordinal, workers*each)
	}
}

func TestEngine_ConcurrentProcessSnapshotsOwnEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := DefaultPolicy()
	p.ToolCallBudget = 1000
	e := newTestEngine(t)
	if err := e.SetPolicy(p); err != nil {
		t.Fatal(err)
	}
	const workers, each = 8, 25

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				res, err := e.Process(context.Background(), toolCall("shared"))
				if err != nil {
					t.Errorf("Process: %v", err)
					return
				}
				mu.Lock()
				if seen[res.Snapshot.Ordinal] {
					t.Errorf("ordinal %d returned twice", res.Snapshot.Ordinal)
				}
				seen[res.Snapshot.Ordinal] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for n := int64(1); n <= workers*each; n++ {
		if !seen[n] {
			t.Errorf("ordinal %d never returned", n)
		}
	}
}
