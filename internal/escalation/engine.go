package escalation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/HendryAvila/handoff/internal/fingerprint"
	"go.uber.org/zap"
)

// Observer is notified of every engine transition. Calls for one
// sub-problem arrive in event order; calls for different sub-problems may
// interleave. Observer errors are logged and never affect engine state.
type Observer interface {
	EventAccepted(ctx context.Context, ev ActionEvent, snap Snapshot) error
	EventRejected(ctx context.Context, ev ActionEvent, cause error) error
	Escalated(ctx context.Context, rec Record) error
	Resolved(ctx context.Context, snap Snapshot) error
}

// Engine is the session state store: it owns one Tracker per sub-problem,
// routes events to them, runs the evaluator, and dispatches records.
//
// Events for one sub-problem are processed strictly in call order. Events
// for different sub-problems proceed concurrently; the only shared lock is
// the brief one guarding tracker creation.
type Engine struct {
	mu       sync.Mutex
	trackers map[string]*slot

	policy    atomic.Pointer[Policy]
	observers []Observer
	logger    *zap.Logger
}

// slot serializes access to one tracker.
type slot struct {
	mu      sync.Mutex
	tracker *Tracker
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers an observer. Observers run in registration order.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// New creates an Engine with the given policy.
func New(p Policy, opts ...Option) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		trackers: make(map[string]*slot),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policy.Store(&p)
	return e, nil
}

// Policy returns the policy currently in effect.
func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// SetPolicy swaps the policy. It applies from the next event; counters
// already accumulated are kept.
func (e *Engine) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.policy.Store(&p)
	e.logger.Info("policy updated",
		zap.Int("failure_threshold", p.FailureThreshold),
		zap.Int("tool_call_budget", p.ToolCallBudget),
		zap.Int("sub_budget", p.SubBudget),
		zap.Int("repeat_count", p.RepeatCount),
		zap.Int("context_window", p.ContextWindow),
		zap.Int("human_after", p.HumanAfter),
	)
	return nil
}

// Result is what one accepted event produced.
type Result struct {
	// Record is the escalation the event caused, or nil.
	Record *Record
	// Snapshot is the tracker as this event left it, taken under the
	// tracker's lock.
	Snapshot Snapshot
}

// Submit records one action event and returns the escalation it caused,
// or nil. Rejected events return an error and leave every tracker untouched.
func (e *Engine) Submit(ctx context.Context, ev ActionEvent) (*Record, error) {
	res, err := e.Process(ctx, ev)
	return res.Record, err
}

// Process is Submit that also returns the tracker snapshot the event left
// behind, so callers never race a concurrent event for the same sub-problem.
func (e *Engine) Process(ctx context.Context, ev ActionEvent) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, e.reject(ctx, ev, err)
	}

	s := e.acquire(ev.SubproblemID)
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tracker
	if t.state == StateResolved {
		return Result{}, e.reject(ctx, ev, fmt.Errorf("%w: %w: %q", ErrInvalidEvent, ErrResolved, ev.SubproblemID))
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = t.lastTimestamp + 1
	} else if ev.Timestamp <= t.lastTimestamp {
		return Result{}, e.reject(ctx, ev, fmt.Errorf("%w: %w: %d is not after %d for %q",
			ErrInvalidEvent, ErrOutOfOrder, ev.Timestamp, t.lastTimestamp, ev.SubproblemID))
	}

	p := *e.policy.Load()
	t.begin(ev, p.ContextWindow)
	apply(t, ev)

	snap := t.Snapshot()
	if ce := e.logger.Check(zap.DebugLevel, "event accepted"); ce != nil {
		fields := []zap.Field{
			zap.String("subproblem", ev.SubproblemID),
			zap.String("kind", string(ev.Kind)),
			zap.String("outcome", string(ev.Outcome)),
			zap.Int64("ordinal", snap.Ordinal),
		}
		if snap.Fingerprint != "" {
			fields = append(fields,
				zap.String("fingerprint", snap.Fingerprint.Short()),
				zap.Int("occurrences", snap.FingerprintOccurrences),
			)
		}
		ce.Write(fields...)
	}
	e.notify("event accepted", func(o Observer) error { return o.EventAccepted(ctx, ev, snap) })

	trigger, ok := Evaluate(snap, p)
	if !ok {
		return Result{Snapshot: snap}, nil
	}

	rec := dispatch(t, trigger, p)
	e.logger.Info("escalation dispatched",
		zap.String("subproblem", rec.SubproblemID),
		zap.String("trigger", string(rec.Trigger)),
		zap.String("role", string(rec.Role)),
		zap.Int64("ordinal", rec.Ordinal),
	)
	e.notify("escalated", func(o Observer) error { return o.Escalated(ctx, rec) })
	return Result{Record: &rec, Snapshot: t.Snapshot()}, nil
}

// apply feeds ev to the tracker's record operations.
func apply(t *Tracker, ev ActionEvent) {
	switch ev.Kind {
	case KindAttempt:
		t.RecordAttempt(ev.Outcome)
	case KindToolCall:
		t.RecordToolCall()
	case KindProgressMarker:
		t.RecordProgressMarker()
		return
	}
	if ev.Outcome == OutcomeFailure && ev.RawMessage != "" {
		t.RecordMessage(fingerprint.Of(ev.RawMessage))
	}
}

// Resolve marks a sub-problem RESOLVED. Later events for it are rejected.
func (e *Engine) Resolve(ctx context.Context, subproblemID string) error {
	_, err := e.ResolveSnapshot(ctx, subproblemID)
	return err
}

// ResolveSnapshot is Resolve that also returns the resolved tracker.
func (e *Engine) ResolveSnapshot(ctx context.Context, subproblemID string) (Snapshot, error) {
	e.mu.Lock()
	s, ok := e.trackers[subproblemID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownSubproblem, subproblemID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tracker.resolve(); err != nil {
		return Snapshot{}, err
	}

	snap := s.tracker.Snapshot()
	e.logger.Info("sub-problem resolved", zap.String("subproblem", subproblemID), zap.Int64("ordinal", snap.Ordinal))
	e.notify("resolved", func(o Observer) error { return o.Resolved(ctx, snap) })
	return snap, nil
}

// Snapshot returns the current view of one tracker.
func (e *Engine) Snapshot(subproblemID string) (Snapshot, bool) {
	e.mu.Lock()
	s, ok := e.trackers[subproblemID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Snapshot(), true
}

// Snapshots returns every tracker, sorted by sub-problem ID.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.Lock()
	slots := make([]*slot, 0, len(e.trackers))
	for _, s := range e.trackers {
		slots = append(slots, s)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.tracker.Snapshot())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubproblemID < out[j].SubproblemID })
	return out
}

// acquire returns the slot for id, creating its tracker on first use.
func (e *Engine) acquire(id string) *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.trackers[id]
	if !ok {
		s = &slot{tracker: NewTracker(id, e.policy.Load().ContextWindow)}
		e.trackers[id] = s
	}
	return s
}

func (e *Engine) reject(ctx context.Context, ev ActionEvent, err error) error {
	e.logger.Warn("event rejected",
		zap.String("subproblem", ev.SubproblemID),
		zap.String("kind", string(ev.Kind)),
		zap.Error(err),
	)
	e.notify("event rejected", func(o Observer) error { return o.EventRejected(ctx, ev, err) })
	return err
}

func (e *Engine) notify(what string, fn func(Observer) error) {
	for _, o := range e.observers {
		if err := fn(o); err != nil {
			e.logger.Warn("observer failed", zap.String("on", what), zap.Error(err))
		}
	}
}

// NopObserver implements Observer with no-ops. Embed it to observe a subset
// of transitions.
type NopObserver struct{}

func (NopObserver) EventAccepted(context.Context, ActionEvent, Snapshot) error { return nil }
func (NopObserver) EventRejected(context.Context, ActionEvent, error) error    { return nil }
func (NopObserver) Escalated(context.Context, Record) error                    { return nil }
func (NopObserver) Resolved(context.Context, Snapshot) error                   { return nil }
