// Package resources implements MCP resource handlers.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (handoff://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HendryAvila/handoff/internal/escalation"
	"github.com/mark3labs/mcp-go/mcp"
)

// TrackersURI addresses the live tracker table.
const TrackersURI = "handoff://trackers"

// Source is the engine view the resources read from.
// *escalation.Engine satisfies it.
type Source interface {
	Snapshots() []escalation.Snapshot
	Policy() escalation.Policy
}

// Handler manages resource endpoints.
type Handler struct {
	source Source
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(source Source) *Handler {
	return &Handler{source: source}
}

// TrackersResource returns the MCP resource definition for the tracker table.
func (h *Handler) TrackersResource() mcp.Resource {
	return mcp.NewResource(
		TrackersURI,
		"Escalation Trackers",
		mcp.WithResourceDescription("Every tracked sub-problem with its counters and state, plus the active policy"),
		mcp.WithMIMEType("application/json"),
	)
}

// trackersView is the JSON shape of the trackers resource.
type trackersView struct {
	Policy   policyView            `json:"policy"`
	Trackers []escalation.Snapshot `json:"trackers"`
}

type policyView struct {
	FailureThreshold int                                       `json:"failure_threshold"`
	ToolCallBudget   int                                       `json:"tool_call_budget"`
	SubBudget        int                                       `json:"sub_budget"`
	RepeatCount      int                                       `json:"repeat_count"`
	ContextWindow    int                                       `json:"context_window"`
	HumanAfter       int                                       `json:"human_after"`
	Routes           map[escalation.TriggerKind]escalation.Role `json:"routes"`
}

// HandleTrackers returns the tracker table as JSON.
func (h *Handler) HandleTrackers(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	p := h.source.Policy()
	view := trackersView{
		Policy: policyView{
			FailureThreshold: p.FailureThreshold,
			ToolCallBudget:   p.ToolCallBudget,
			SubBudget:        p.SubBudget,
			RepeatCount:      p.RepeatCount,
			ContextWindow:    p.ContextWindow,
			HumanAfter:       p.HumanAfter,
			Routes:           p.Routes,
		},
		Trackers: h.source.Snapshots(),
	}

	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling trackers: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
