package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/handoff/internal/escalation"
	"github.com/mark3labs/mcp-go/mcp"
)

// SubmitTool handles the escalation_submit MCP tool.
type SubmitTool struct {
	engine *escalation.Engine
}

// NewSubmitTool creates a SubmitTool backed by the given engine.
func NewSubmitTool(engine *escalation.Engine) *SubmitTool {
	return &SubmitTool{engine: engine}
}

// Definition returns the MCP tool definition for escalation_submit.
func (t *SubmitTool) Definition() mcp.Tool {
	return mcp.NewTool("escalation_submit",
		mcp.WithDescription(
			"Report one action you just took on a sub-problem. Call this after EVERY attempt, tool call, "+
				"and verified step forward. The result tells you whether to keep going or to STOP and hand "+
				"the sub-problem to the named collaborator role.",
		),
		mcp.WithString("subproblem_id",
			mcp.Required(),
			mcp.Description("Stable identifier for the sub-problem (e.g. 'login-form-validation')"),
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("attempt = a try at solving it; tool_call = any tool invocation; progress_marker = a verified step forward"),
			mcp.Enum(enumValues(escalation.Kinds)...),
		),
		mcp.WithString("outcome",
			mcp.Required(),
			mcp.Description("Whether the action succeeded"),
			mcp.Enum(enumValues(escalation.Outcomes)...),
		),
		mcp.WithString("component",
			mcp.Description("Component or area the action touched (e.g. 'backend', 'ui')"),
		),
		mcp.WithString("message",
			mcp.Description("Raw error or output text. Used to detect the same failure recurring."),
		),
		mcp.WithNumber("timestamp",
			mcp.Description("Monotonic event time as a whole number (e.g. Unix milliseconds). Fractions are rejected. Omit to let the engine assign the next value."),
		),
		mcp.WithBoolean("service_failure",
			mcp.Description("True when the failure is a service or availability problem (5xx, connection refused, quota)"),
		),
	)
}

// Handle processes the escalation_submit tool call.
func (t *SubmitTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ts, err := timestampArg(req, "timestamp")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ev := escalation.ActionEvent{
		SubproblemID:   req.GetString("subproblem_id", ""),
		Component:      req.GetString("component", ""),
		Kind:           escalation.Kind(req.GetString("kind", "")),
		Outcome:        escalation.Outcome(req.GetString("outcome", "")),
		RawMessage:     req.GetString("message", ""),
		Timestamp:      ts,
		ServiceFailure: boolArg(req, "service_failure", false),
	}

	res, err := t.engine.Process(ctx, ev)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event rejected: %v", err)), nil
	}

	if res.Record != nil {
		return mcp.NewToolResultText(formatEscalation(*res.Record)), nil
	}
	return mcp.NewToolResultText(formatContinue(res.Snapshot, t.engine.Policy())), nil
}

func formatEscalation(rec escalation.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## ESCALATE: hand off to `%s`\n\n", rec.Role)
	sb.WriteString("Stop retrying this sub-problem yourself. Delegate it with the context below.\n\n")
	fmt.Fprintf(&sb, "- **Sub-problem**: %s\n", rec.SubproblemID)
	if rec.Component != "" {
		fmt.Fprintf(&sb, "- **Component**: %s\n", rec.Component)
	}
	fmt.Fprintf(&sb, "- **Trigger**: %s\n", rec.Trigger)
	fmt.Fprintf(&sb, "- **Reason**: %s\n\n", rec.Context.Summary)
	if len(rec.Context.RecentMessages) > 0 {
		sb.WriteString("### Recent messages\n\n")
		for _, m := range rec.Context.RecentMessages {
			fmt.Fprintf(&sb, "- `%s`\n", oneLine(m))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("### Record\n\n")
	sb.WriteString(jsonBlock(rec))
	return sb.String()
}

func formatContinue(s escalation.Snapshot, p escalation.Policy) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Recorded event %d for %q. No escalation: continue.\n\n", s.Ordinal, s.SubproblemID)
	fmt.Fprintf(&sb, "- Failed attempts in a row: %d/%d\n", s.ConsecutiveFailedAttempts, p.FailureThreshold)
	fmt.Fprintf(&sb, "- Tool calls since progress: %d/%d\n", s.ToolCallsSinceProgress, p.ToolCallBudget)
	fmt.Fprintf(&sb, "- Tool calls while failing: %d/%d\n", s.ToolCallsWhileFailing, p.SubBudget)
	if s.FingerprintOccurrences > 0 {
		fmt.Fprintf(&sb, "- This failure seen: %d/%d\n", s.FingerprintOccurrences, p.RepeatCount)
	}
	return sb.String()
}

// oneLine flattens a message for a markdown list item.
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 200 {
		s = string(r[:200]) + "..."
	}
	return strings.ReplaceAll(s, "`", "'")
}
