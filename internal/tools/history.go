package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/handoff/internal/audit"
	"github.com/HendryAvila/handoff/internal/escalation"
	"github.com/mark3labs/mcp-go/mcp"
)

// HistorySource lists stored escalation records. *audit.Store satisfies it.
type HistorySource interface {
	Escalations(ctx context.Context, opts audit.HistoryOptions) ([]audit.EscalationEntry, error)
}

// HistoryTool handles the escalation_history MCP tool.
type HistoryTool struct {
	source    HistorySource
	sessionID string
}

// NewHistoryTool creates a HistoryTool. sessionID scopes queries to the
// current server session unless the caller asks for all sessions.
func NewHistoryTool(source HistorySource, sessionID string) *HistoryTool {
	return &HistoryTool{source: source, sessionID: sessionID}
}

// Definition returns the MCP tool definition for escalation_history.
func (t *HistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("escalation_history",
		mcp.WithDescription(
			"List past escalation records, newest first. Use it before retrying a sub-problem that was "+
				"handed off earlier, to see which collaborator got it and why.",
		),
		mcp.WithString("subproblem_id",
			mcp.Description("Only records for this sub-problem"),
		),
		mcp.WithString("trigger",
			mcp.Description("Only records with this trigger"),
			mcp.Enum(enumValues(escalation.TriggerKinds)...),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum records to return (default: 20)"),
		),
		mcp.WithBoolean("all_sessions",
			mcp.Description("Include records from earlier server sessions (default: false)"),
		),
	)
}

// Handle processes the escalation_history tool call.
func (t *HistoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := audit.HistoryOptions{
		SubproblemID: req.GetString("subproblem_id", ""),
		Limit:        intArg(req, "limit", 20),
	}
	if trig := req.GetString("trigger", ""); trig != "" {
		k, err := escalation.ParseTriggerKind(trig)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		opts.Trigger = k
	}
	if !boolArg(req, "all_sessions", false) {
		opts.SessionID = t.sessionID
	}

	entries, err := t.source.Escalations(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read history: %v", err)), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("No escalations recorded."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Escalations (%d)\n\n", len(entries))
	for _, e := range entries {
		r := e.Record
		fmt.Fprintf(&sb, "### %s → %s\n", r.SubproblemID, r.Role)
		fmt.Fprintf(&sb, "- **Trigger**: %s (event %d)\n", r.Trigger, r.Ordinal)
		fmt.Fprintf(&sb, "- **Reason**: %s\n", r.Context.Summary)
		fmt.Fprintf(&sb, "- **At**: %s\n\n", e.CreatedAt)
	}
	return mcp.NewToolResultText(sb.String()), nil
}
