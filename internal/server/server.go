// Package server wires all MCP components and creates the server instance.
//
// This is the composition root: it creates the engine and its observers
// and injects them into the tools, prompts and resources that depend on
// them. No escalation logic lives here, only wiring.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/HendryAvila/handoff/internal/audit"
	"github.com/HendryAvila/handoff/internal/config"
	"github.com/HendryAvila/handoff/internal/escalation"
	"github.com/HendryAvila/handoff/internal/metrics"
	"github.com/HendryAvila/handoff/internal/prompts"
	"github.com/HendryAvila/handoff/internal/resources"
	"github.com/HendryAvila/handoff/internal/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Handoff bundles the MCP server with the components the CLI drives
// directly: the engine for config reloads, the collector for /metrics.
type Handoff struct {
	MCP     *server.MCPServer
	Engine  *escalation.Engine
	Metrics *metrics.Collector

	// Store is nil when auditing is disabled or failed to open.
	Store     *audit.Store
	SessionID string
}

// New creates and configures the MCP server with all tools, prompts,
// and resources registered. This is the single place where all
// dependencies are resolved.
//
// The returned cleanup function ends the audit session and closes the
// store. It is always non-nil and safe to call even if auditing is off.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Handoff, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	policy, err := cfg.ToPolicy()
	if err != nil {
		return nil, noop, err
	}

	h := &Handoff{Metrics: metrics.New()}
	opts := []escalation.Option{
		escalation.WithLogger(logger.Named("engine")),
		escalation.WithObserver(h.Metrics),
	}

	// --- Audit store ---
	//
	// Auditing is an independent subsystem: if it fails to initialize,
	// the engine keeps working. We log a warning and skip the recorder
	// and the history tool.

	cleanup := noop
	if cfg.Storage.Audit {
		store, sessionID, err := openAudit(ctx, cfg.Storage.DataDir)
		if err != nil {
			logger.Warn("audit subsystem disabled", zap.Error(err))
		} else {
			h.Store, h.SessionID = store, sessionID
			opts = append(opts, escalation.WithObserver(audit.NewRecorder(store, sessionID)))
			cleanup = func() { closeAudit(store, sessionID, logger) }
			logger.Info("audit session started",
				zap.String("session", sessionID),
				zap.String("db", store.Path()),
			)
		}
	}

	eng, err := escalation.New(policy, opts...)
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("creating engine: %w", err)
	}
	h.Engine = eng
	h.Metrics.Watch(eng)
	if h.Store != nil {
		if err := h.Store.RecordPolicy(ctx, h.SessionID, eng.Policy()); err != nil {
			logger.Warn("audit policy", zap.Error(err))
		}
	}

	// --- Create the MCP server ---

	s := server.NewMCPServer(
		"handoff",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- Register escalation tools ---

	submitTool := tools.NewSubmitTool(eng)
	s.AddTool(submitTool.Definition(), submitTool.Handle)

	resolveTool := tools.NewResolveTool(eng)
	s.AddTool(resolveTool.Definition(), resolveTool.Handle)

	statusTool := tools.NewStatusTool(eng)
	s.AddTool(statusTool.Definition(), statusTool.Handle)

	if h.Store != nil {
		historyTool := tools.NewHistoryTool(h.Store, h.SessionID)
		s.AddTool(historyTool.Definition(), historyTool.Handle)
	}

	// --- Register prompts ---

	protocol := prompts.NewProtocolPrompt(eng.Policy)
	s.AddPrompt(protocol.Definition(), protocol.Handle)

	// --- Register resources ---

	res := resources.NewHandler(eng)
	s.AddResource(res.TrackersResource(), res.HandleTrackers)

	h.MCP = s
	return h, cleanup, nil
}

// SetPolicy swaps the engine policy and, when auditing, records it so a
// replay of this session applies it at the same point.
func (h *Handoff) SetPolicy(ctx context.Context, p escalation.Policy) error {
	if err := h.Engine.SetPolicy(p); err != nil {
		return err
	}
	if h.Store == nil {
		return nil
	}
	return h.Store.RecordPolicy(ctx, h.SessionID, h.Engine.Policy())
}

func noop() {}

func openAudit(ctx context.Context, dataDir string) (*audit.Store, string, error) {
	store, err := audit.New(audit.Config{DataDir: dataDir})
	if err != nil {
		return nil, "", err
	}
	label := "serve " + time.Now().UTC().Format(time.RFC3339)
	sessionID, err := store.StartSession(ctx, label)
	if err != nil {
		_ = store.Close()
		return nil, "", fmt.Errorf("starting audit session: %w", err)
	}
	return store, sessionID, nil
}

func closeAudit(store *audit.Store, sessionID string, logger *zap.Logger) {
	if err := store.EndSession(context.Background(), sessionID); err != nil {
		logger.Warn("audit session end", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Warn("audit store close", zap.Error(err))
	}
}

// serverInstructions returns the system instructions that tell the AI
// how to use handoff.
func serverInstructions() string {
	return `You have access to handoff, an escalation policy engine.

## WHY
Assistants that keep retrying a failing approach burn tool calls and time.
handoff watches what you do on each sub-problem and tells you when to stop
and delegate to a specialized collaborator role instead.

## HOW TO USE IT
1. Give every sub-problem you work on a stable id (e.g. "auth-token-refresh").
2. After EVERY attempt, tool call, and verified step forward, call
   escalation_submit with that id, the kind, the outcome and, on failure,
   the raw error text.
3. If the result says ESCALATE, stop working on that sub-problem. Hand it
   to the named role with the record's context. Do not retry it yourself.
4. When a sub-problem is done, call escalation_resolve.

## KINDS
- attempt: one try at solving the sub-problem
- tool_call: any tool invocation made while working on it
- progress_marker: a verified step forward (a test now passes, a build is green)

## TRIGGERS
- repeated_error: the same error (ignoring timestamps, ids, paths, numbers) recurred
- repeated_failure: too many failed attempts in a row
- tool_call_budget_exceeded: too many tool calls without progress
- combined_threshold: many tool calls while attempts keep failing
- service_failure: a service or availability failure, escalated immediately

## OTHER TOOLS
- escalation_status: counters and state for every sub-problem, or one
- escalation_history: escalations recorded in this session (or all sessions)
- Prompt handoff-protocol: the protocol above with the current limits
- Resource handoff://trackers: the tracker table as JSON`
}
