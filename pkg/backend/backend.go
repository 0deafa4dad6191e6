// Package backend defines the contract between the hub and the
// interchangeable reasoning backends (Claude CLI, Anthropic API, Codex CLI).
package backend

import (
	"context"
	"fmt"
	"strings"
)

// Failure sentinel prefixes. A backend never returns an error from Send;
// failures are encoded as response text carrying one of these prefixes. The
// hub detects them for fallback routing, and the same text can be surfaced
// directly to a user when no fallback is configured.
const (
	ErrorPrefix   = "[Provider error"
	TimeoutPrefix = "[Provider timeout"
)

// AgentResponse is the buffered result of one conversational turn.
type AgentResponse struct {
	Text       string
	SessionID  string
	CostUSD    float64
	Model      string
	DurationMS int64
	ToolCalls  []ToolCall
}

// ToolCall records one tool invocation observed during a turn.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// SendOptions carries the per-turn parameters a backend may honor.
type SendOptions struct {
	SystemPrompt string
	Context      string
	CWD          string
	SessionID    string
}

// Backend is the uniform send/health-check contract every reasoning backend
// satisfies. Send never returns an error: every reachable failure resolves
// to an AgentResponse carrying sentinel text.
type Backend interface {
	Name() string
	Send(ctx context.Context, message string, opts SendOptions) AgentResponse
	HealthCheck(ctx context.Context) bool
}

// Closer is implemented by backends holding resources (a subprocess, an open
// connection). The hub closes every registered backend that exposes it.
type Closer interface {
	Close() error
}

// ToolHandler executes one tool call and returns the result text.
type ToolHandler func(ctx context.Context, input map[string]any) (string, error)

// ToolDefinition is an explicit tool registration record: name, description,
// declared parameter schema, handler. There is no runtime reflection over
// handlers; callers state the schema.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters maps parameter name to its JSON-schema fragment,
	// e.g. {"entry": {"type": "string"}}.
	Parameters map[string]any
	Required   []string
	Handler    ToolHandler
}

// ToolRegistrar is implemented by backends that support custom tools.
type ToolRegistrar interface {
	RegisterTool(def ToolDefinition)
}

// PreToolHook runs before each tool execution. Returning false blocks the
// call: the handler and post-hooks are skipped.
type PreToolHook func(name string, input map[string]any) bool

// PostToolHook observes each completed tool execution. The result is not
// further transformed.
type PostToolHook func(name string, input map[string]any, result string)

// IsFailure reports whether text carries a failure sentinel prefix.
func IsFailure(text string) bool {
	return strings.HasPrefix(text, ErrorPrefix) || strings.HasPrefix(text, TimeoutPrefix)
}

// Failure builds a sentinel error response.
func Failure(format string, args ...any) AgentResponse {
	return AgentResponse{Text: ErrorPrefix + ": " + fmt.Sprintf(format, args...) + "]"}
}

// Timeout builds a sentinel timeout response.
func Timeout(format string, args ...any) AgentResponse {
	return AgentResponse{Text: TimeoutPrefix + ": " + fmt.Sprintf(format, args...) + "]"}
}

// WrapContext prepends assembled memory context to an outgoing user message
// inside an explicit <context> wrapper. Empty context returns the message
// unchanged.
func WrapContext(message, context string) string {
	if context == "" {
		return message
	}
	return "<context>\n" + context + "\n</context>\n\n" + message
}
