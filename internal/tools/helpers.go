// Package tools implements the MCP tool handlers for the escalation engine.
//
// Each tool is a struct with its dependencies injected via constructor,
// a Definition() returning the mcp.Tool schema, and a Handle() compatible
// with mcp-go's CallToolRequest signature. Bad input and engine rejections
// are returned as tool errors, never as Go errors, so the assistant sees
// the reason and can correct its next call.
package tools

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
)

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// maxExactInt is the largest integer a JSON number (float64) holds exactly.
const maxExactInt = 1 << 53

// timestampArg extracts an optional integer timestamp. A missing key is 0.
// Fractions, non-numbers and values beyond ±2^53 are rejected rather than
// truncated, since truncation can reorder distinct events.
func timestampArg(req mcp.CallToolRequest, key string) (int64, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return 0, nil
	}
	v, ok := raw.(float64)
	if !ok || v != math.Trunc(v) || math.Abs(v) > maxExactInt {
		return 0, fmt.Errorf("%s must be an integer (got %v)", key, raw)
	}
	return int64(v), nil
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// jsonBlock renders v as a fenced JSON code block.
func jsonBlock(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("```\n%v\n```", v)
	}
	return "```json\n" + string(data) + "\n```"
}

// enumValues converts a closed set of string-typed values for mcp.Enum.
func enumValues[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}
