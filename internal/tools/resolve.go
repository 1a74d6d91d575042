package tools

import (
	"context"
	"fmt"

	"github.com/HendryAvila/handoff/internal/escalation"
	"github.com/mark3labs/mcp-go/mcp"
)

// ResolveTool handles the escalation_resolve MCP tool.
type ResolveTool struct {
	engine *escalation.Engine
}

// NewResolveTool creates a ResolveTool backed by the given engine.
func NewResolveTool(engine *escalation.Engine) *ResolveTool {
	return &ResolveTool{engine: engine}
}

// Definition returns the MCP tool definition for escalation_resolve.
func (t *ResolveTool) Definition() mcp.Tool {
	return mcp.NewTool("escalation_resolve",
		mcp.WithDescription(
			"Mark a sub-problem as resolved once it is done (by you or by the collaborator it was handed to). "+
				"Later events for it are rejected; use a new subproblem_id for new work.",
		),
		mcp.WithString("subproblem_id",
			mcp.Required(),
			mcp.Description("Identifier used in escalation_submit"),
		),
	)
}

// Handle processes the escalation_resolve tool call.
func (t *ResolveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("subproblem_id", "")
	if id == "" {
		return mcp.NewToolResultError("'subproblem_id' is required"), nil
	}

	snap, err := t.engine.ResolveSnapshot(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot resolve: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Resolved %q after %d events and %d escalations.", id, snap.Ordinal, snap.TotalEscalations,
	)), nil
}
