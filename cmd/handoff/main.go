// handoff: escalation policy engine MCP server
//
// handoff watches an assistant's attempts, tool calls and progress on each
// sub-problem and tells it when to stop retrying and hand the sub-problem
// to a specialized collaborator.
//
// Usage:
//
//	handoff serve             # Start MCP server (stdio transport)
//	handoff replay FILE       # Run a JSONL event log through the engine
//	handoff history           # List audited escalations
//	handoff sessions          # List audit sessions
//	handoff stats             # Audit totals
//	handoff version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
