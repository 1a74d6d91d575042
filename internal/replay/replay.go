// Package replay feeds a recorded event stream through a fresh engine.
//
// Input is JSON Lines, one event per line, in the same shape the
// escalation_submit tool accepts. A line with "resolve": true resolves its
// sub-problem instead of submitting an event. Each emitted record is
// written to the output as one JSON line.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/HendryAvila/handoff/internal/escalation"
)

// maxLineSize bounds one input line. Raw error messages can be long.
const maxLineSize = 1 << 20

// Entry is one input line.
type Entry struct {
	escalation.ActionEvent
	Resolve bool `json:"resolve,omitempty"`
}

// Submitter is the engine surface replay drives.
// *escalation.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ev escalation.ActionEvent) (*escalation.Record, error)
	Resolve(ctx context.Context, subproblemID string) error
	SetPolicy(p escalation.Policy) error
}

// PolicyChange swaps the engine policy before the event at index Before.
type PolicyChange struct {
	Before int
	Policy escalation.Policy
}

// Summary counts what a replay did.
type Summary struct {
	Lines       int `json:"lines"`
	Accepted    int `json:"accepted"`
	Rejected    int `json:"rejected"`
	Resolved    int `json:"resolved"`
	Escalations int `json:"escalations"`
}

// Run reads entries from r, applies them to eng in order, and writes every
// resulting record to w. Rejected events are counted and skipped. A line
// that is not valid JSON stops the run.
func Run(ctx context.Context, eng Submitter, r io.Reader, w io.Writer) (Summary, error) {
	var sum Summary
	enc := json.NewEncoder(w)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return sum, fmt.Errorf("replay: line %d: %w", lineNo, err)
		}
		sum.Lines++

		if e.Resolve {
			if err := eng.Resolve(ctx, e.SubproblemID); err != nil {
				sum.Rejected++
				continue
			}
			sum.Resolved++
			continue
		}

		if err := step(ctx, eng, enc, e.ActionEvent, &sum); err != nil {
			return sum, fmt.Errorf("replay: line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("replay: read: %w", err)
	}
	return sum, nil
}

// Events applies an already-decoded event sequence, such as one loaded
// from the audit store. Changes must be ordered by Before; each is applied
// just before its event, so a session replays under the policies it ran
// with.
func Events(ctx context.Context, eng Submitter, events []escalation.ActionEvent, changes []PolicyChange, w io.Writer) (Summary, error) {
	var sum Summary
	enc := json.NewEncoder(w)
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		for len(changes) > 0 && changes[0].Before <= i {
			if err := eng.SetPolicy(changes[0].Policy); err != nil {
				return sum, fmt.Errorf("replay: policy before event %d: %w", i+1, err)
			}
			changes = changes[1:]
		}
		sum.Lines++
		if err := step(ctx, eng, enc, ev, &sum); err != nil {
			return sum, fmt.Errorf("replay: event %d: %w", i+1, err)
		}
	}
	return sum, nil
}

// step submits one event. Only output failures are returned; engine
// rejections are counted.
func step(ctx context.Context, eng Submitter, enc *json.Encoder, ev escalation.ActionEvent, sum *Summary) error {
	rec, err := eng.Submit(ctx, ev)
	if err != nil {
		if errors.Is(err, escalation.ErrInvalidEvent) {
			sum.Rejected++
			return nil
		}
		return err
	}
	sum.Accepted++
	if rec == nil {
		return nil
	}
	sum.Escalations++
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}
