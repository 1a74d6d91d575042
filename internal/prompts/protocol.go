// Package prompts implements MCP prompt handlers.
//
// Prompts are user-invoked templates that set the assistant up to follow
// the escalation reporting protocol for a piece of work.
package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/handoff/internal/escalation"
	"github.com/mark3labs/mcp-go/mcp"
)

// ProtocolPrompt handles the handoff-protocol MCP prompt.
type ProtocolPrompt struct {
	policy func() escalation.Policy
}

// NewProtocolPrompt creates a ProtocolPrompt. policy is read on every
// request so the text reflects reloaded thresholds.
func NewProtocolPrompt(policy func() escalation.Policy) *ProtocolPrompt {
	return &ProtocolPrompt{policy: policy}
}

// Definition returns the MCP prompt definition for registration.
func (p *ProtocolPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("handoff-protocol",
		mcp.WithPromptDescription(
			"Work on a task while reporting every action to the escalation engine, "+
				"and stop to hand off as soon as it says so.",
		),
		mcp.WithArgument("task",
			mcp.ArgumentDescription("What you want done"),
		),
	)
}

// Handle processes the handoff-protocol prompt request.
func (p *ProtocolPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	task := ""
	if args := req.Params.Arguments; args != nil {
		task = strings.TrimSpace(args["task"])
	}
	pol := p.policy()

	var sb strings.Builder
	if task != "" {
		fmt.Fprintf(&sb, "Task: %s\n\n", task)
	}
	sb.WriteString("While working, follow the hand-off protocol:\n\n")
	sb.WriteString("1. Split the work into sub-problems and give each a stable `subproblem_id`.\n")
	sb.WriteString("2. After every attempt, call `escalation_submit` with kind=attempt and the outcome. " +
		"On failure, pass the raw error text as `message`.\n")
	sb.WriteString("3. After every other tool call, call `escalation_submit` with kind=tool_call.\n")
	sb.WriteString("4. When a step is verified done (tests pass, build green), submit kind=progress_marker.\n")
	sb.WriteString("5. Mark service or availability failures with `service_failure=true`.\n")
	sb.WriteString("6. If the result says ESCALATE, stop working on that sub-problem immediately and hand it " +
		"to the named role with the provided context. Do not retry it yourself.\n")
	sb.WriteString("7. When a sub-problem is finished, call `escalation_resolve`.\n\n")
	fmt.Fprintf(&sb, "Current limits: %d failed attempts in a row, %d tool calls without progress, "+
		"%d tool calls while failing, the same error %d times.",
		pol.FailureThreshold, pol.ToolCallBudget, pol.SubBudget, pol.RepeatCount)
	if pol.HumanAfter > 0 {
		fmt.Fprintf(&sb, " After %d hand-offs without progress, ask the user.", pol.HumanAfter)
	}

	desc := "Hand-off protocol"
	if task != "" {
		desc = fmt.Sprintf("Hand-off protocol: %s", task)
	}
	return &mcp.GetPromptResult{
		Description: desc,
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(sb.String()),
			},
		},
	}, nil
}
