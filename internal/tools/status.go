package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/handoff/internal/escalation"
	"github.com/mark3labs/mcp-go/mcp"
)

// StatusTool handles the escalation_status MCP tool.
type StatusTool struct {
	engine *escalation.Engine
}

// NewStatusTool creates a StatusTool backed by the given engine.
func NewStatusTool(engine *escalation.Engine) *StatusTool {
	return &StatusTool{engine: engine}
}

// Definition returns the MCP tool definition for escalation_status.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("escalation_status",
		mcp.WithDescription(
			"Show loop-detection counters. Without subproblem_id, lists every tracked sub-problem; "+
				"with it, shows that tracker in full plus the active policy.",
		),
		mcp.WithString("subproblem_id",
			mcp.Description("Limit the report to one sub-problem"),
		),
	)
}

// Handle processes the escalation_status tool call.
func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := t.engine.Policy()

	if id := req.GetString("subproblem_id", ""); id != "" {
		snap, ok := t.engine.Snapshot(id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown sub-problem %q", id)), nil
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "## %s: %s\n\n", snap.SubproblemID, snap.State)
		sb.WriteString(formatCounters(snap, p))
		sb.WriteString("\n")
		sb.WriteString(jsonBlock(snap))
		return mcp.NewToolResultText(sb.String()), nil
	}

	snaps := t.engine.Snapshots()
	if len(snaps) == 0 {
		return mcp.NewToolResultText("No sub-problems tracked yet. Report actions with escalation_submit."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Tracked sub-problems (%d)\n\n", len(snaps))
	sb.WriteString("| Sub-problem | State | Failures | Tool calls | While failing | Escalations |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	for _, s := range snaps {
		fmt.Fprintf(&sb, "| %s | %s | %d/%d | %d/%d | %d/%d | %d |\n",
			s.SubproblemID, s.State,
			s.ConsecutiveFailedAttempts, p.FailureThreshold,
			s.ToolCallsSinceProgress, p.ToolCallBudget,
			s.ToolCallsWhileFailing, p.SubBudget,
			s.TotalEscalations,
		)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func formatCounters(s escalation.Snapshot, p escalation.Policy) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- Events: %d\n", s.Ordinal)
	fmt.Fprintf(&sb, "- Failed attempts in a row: %d/%d\n", s.ConsecutiveFailedAttempts, p.FailureThreshold)
	fmt.Fprintf(&sb, "- Tool calls since progress: %d/%d\n", s.ToolCallsSinceProgress, p.ToolCallBudget)
	fmt.Fprintf(&sb, "- Tool calls while failing: %d/%d\n", s.ToolCallsWhileFailing, p.SubBudget)
	fmt.Fprintf(&sb, "- Distinct failures this period: %d\n", s.SeenFingerprints)
	fmt.Fprintf(&sb, "- Escalations: %d total, %d since progress\n", s.TotalEscalations, s.EscalationsSinceProgress)
	if p.HumanAfter > 0 {
		fmt.Fprintf(&sb, "- Human hand-off after: %d escalations without progress\n", p.HumanAfter)
	}
	return sb.String()
}
