// Package toolexec defines the tool-execution provider interface the
// agentic loop calls to actually run a tool_use block (spec §6).
package toolexec

import "context"

// Result is the outcome of executing one tool call.
type Result struct {
	Output  string
	Success bool
}

// Provider executes a named tool with the given input and returns its
// result. Implementations own sandboxing, workspace confinement, and
// command timeouts; the agentic loop only sees Output/Success.
type Provider interface {
	Execute(ctx context.Context, toolName string, input map[string]any) (Result, error)
}
