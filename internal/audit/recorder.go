package audit

import (
	"context"

	"github.com/HendryAvila/handoff/internal/escalation"
)

// Recorder writes engine transitions for one session into a Store.
// It implements escalation.Observer.
type Recorder struct {
	escalation.NopObserver

	store     *Store
	sessionID string
}

// NewRecorder creates a Recorder bound to an already-started session.
func NewRecorder(store *Store, sessionID string) *Recorder {
	return &Recorder{store: store, sessionID: sessionID}
}

// SessionID returns the session this recorder writes to.
func (r *Recorder) SessionID() string { return r.sessionID }

// EventAccepted stores the event together with the state it left the tracker in.
func (r *Recorder) EventAccepted(ctx context.Context, ev escalation.ActionEvent, snap escalation.Snapshot) error {
	return r.store.InsertEvent(ctx, r.sessionID, ev, snap)
}

// Escalated stores the emitted record.
func (r *Recorder) Escalated(ctx context.Context, rec escalation.Record) error {
	_, err := r.store.InsertEscalation(ctx, r.sessionID, rec)
	return err
}

// Resolved stores the resolution.
func (r *Recorder) Resolved(ctx context.Context, snap escalation.Snapshot) error {
	return r.store.InsertResolution(ctx, r.sessionID, snap)
}
