// Package claudecli implements the Claude CLI reasoning backend: a
// long-lived stream-json subprocess with custom tool execution, plus a
// one-shot fallback invocation for when the streaming path cannot start.
package claudecli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/remi/pkg/backend"
	"github.com/harun/remi/pkg/protocol"
)

const defaultSendTimeout = 5 * time.Minute

// Config configures a Provider.
type Config struct {
	Binary       string
	Model        string
	AllowedTools []string
	SystemPrompt string
	CWD          string
	// Timeout bounds the one-shot fallback invocation and health checks.
	Timeout time.Duration
	// StartTimeout bounds the wait for the streaming subprocess's system
	// init frame.
	StartTimeout time.Duration
}

// Provider is the streaming Claude CLI backend. It keeps one ProcessManager
// alive across turns, recreating it when the subprocess dies, and guarantees
// Send always returns an AgentResponse; failures before the first streamed
// output degrade to a single one-shot invocation without tool support.
type Provider struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	proc      *ProcessManager
	tools     map[string]backend.ToolDefinition
	preHooks  []backend.PreToolHook
	postHooks []backend.PostToolHook
}

var (
	_ backend.Backend       = (*Provider)(nil)
	_ backend.ToolRegistrar = (*Provider)(nil)
	_ backend.Closer        = (*Provider)(nil)
)

// New creates a Claude CLI provider.
func New(cfg Config, log zerolog.Logger) *Provider {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	return &Provider{
		cfg:   cfg,
		log:   log.With().Str("component", "claudecli").Logger(),
		tools: map[string]backend.ToolDefinition{},
	}
}

// Name implements backend.Backend.
func (p *Provider) Name() string { return "claude_cli" }

// RegisterTool registers a custom tool the agent can call mid-turn.
func (p *Provider) RegisterTool(def backend.ToolDefinition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools[def.Name] = def
	p.log.Info().Str("tool", def.Name).Msg("registered tool")
}

// AddPreToolHook adds a hook called before each tool execution, in
// registration order. A hook returning false blocks the call.
func (p *Provider) AddPreToolHook(hook backend.PreToolHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preHooks = append(p.preHooks, hook)
}

// AddPostToolHook adds an observability hook called after each tool
// execution.
func (p *Provider) AddPostToolHook(hook backend.PostToolHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postHooks = append(p.postHooks, hook)
}

// Send implements backend.Backend. The streaming path runs first; any
// failure before the first output (spawn failure, startup timeout, rejected
// user frame) falls back to a one-shot invocation with equivalent arguments
// and no tool support.
func (p *Provider) Send(ctx context.Context, message string, opts backend.SendOptions) backend.AgentResponse {
	prompt := backend.WrapContext(message, opts.Context)

	resp, err := p.sendStreaming(ctx, prompt, opts)
	if err == nil {
		return resp
	}

	p.log.Warn().Err(err).Msg("streaming path failed before output, falling back to one-shot")
	return p.sendOneShot(ctx, prompt, opts)
}

// HealthCheck implements backend.Backend.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, p.cfg.Binary, "--version").Run() == nil
}

// Close stops the long-running subprocess. Safe to call when Send was never
// invoked.
func (p *Provider) Close() error {
	p.mu.Lock()
	proc := p.proc
	p.proc = nil
	p.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Stop()
}

// ensureProcess starts the subprocess lazily and restarts it after an
// observed death.
func (p *Provider) ensureProcess(ctx context.Context, opts backend.SendOptions) (*ProcessManager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc != nil && p.proc.IsAlive() {
		return p.proc, nil
	}

	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = p.cfg.SystemPrompt
	}
	cwd := opts.CWD
	if cwd == "" {
		cwd = p.cfg.CWD
	}

	proc := NewProcessManager(ProcessOptions{
		Binary:       p.cfg.Binary,
		Model:        p.cfg.Model,
		AllowedTools: p.cfg.AllowedTools,
		SystemPrompt: systemPrompt,
		CWD:          cwd,
		StartTimeout: p.cfg.StartTimeout,
	}, p.log)

	if _, err := proc.Start(ctx); err != nil {
		return nil, err
	}
	p.proc = proc
	return proc, nil
}

// discardProcess stops a stale manager and forgets it, so the next
// ensureProcess spawns fresh.
func (p *Provider) discardProcess(proc *ProcessManager) {
	p.mu.Lock()
	if p.proc == proc {
		p.proc = nil
	}
	p.mu.Unlock()
	_ = proc.Stop()
}

// sendStreaming drives one turn over the long-running subprocess and buffers
// the response. The error return is non-nil only for failures before the
// first output; once the stream is live every outcome is a response.
//
// A Send failure on an existing process means it died between turns without
// the death being observed yet (the exit not reaped, the user-frame write
// hitting a broken pipe). That is a restart case, not a fallback case: the
// manager is discarded and the turn retried once on a fresh subprocess.
func (p *Provider) sendStreaming(ctx context.Context, prompt string, opts backend.SendOptions) (backend.AgentResponse, error) {
	proc, err := p.ensureProcess(ctx, opts)
	if err != nil {
		return backend.AgentResponse{}, err
	}

	events, err := proc.Send(ctx, prompt, p.handleToolCall)
	if err != nil {
		p.log.Warn().Err(err).Msg("send to existing process failed, restarting it")
		p.discardProcess(proc)
		if proc, err = p.ensureProcess(ctx, opts); err != nil {
			return backend.AgentResponse{}, err
		}
		if events, err = proc.Send(ctx, prompt, p.handleToolCall); err != nil {
			return backend.AgentResponse{}, err
		}
	}

	var (
		parts     []string
		toolCalls []backend.ToolCall
		result    *protocol.ResultMessage
	)
	for ev := range events {
		switch msg := ev.(type) {
		case protocol.ContentDelta:
			parts = append(parts, msg.Text)
		case protocol.ToolUseRequest:
			toolCalls = append(toolCalls, backend.ToolCall{ID: msg.ID, Name: msg.Name, Input: msg.Input})
		case protocol.ResultMessage:
			result = &msg
		}
	}

	streamed := strings.Join(parts, "")
	if result == nil {
		// Clean end-of-stream without a result frame: keep what was
		// streamed, session id stands still.
		return backend.AgentResponse{Text: streamed, ToolCalls: toolCalls}, nil
	}

	// The result frame's payload is authoritative: the agent may revise
	// between streaming and finalizing.
	text := result.Result
	if text == "" {
		text = streamed
	}
	return backend.AgentResponse{
		Text:       text,
		SessionID:  result.SessionID,
		CostUSD:    result.CostUSD,
		Model:      result.Model,
		DurationMS: result.DurationMS,
		ToolCalls:  toolCalls,
	}, nil
}

// handleToolCall runs the pre-hook / handler / post-hook pipeline for one
// tool call. Every outcome is a tool_result string; handler failures never
// abort the turn.
func (p *Provider) handleToolCall(ctx context.Context, req protocol.ToolUseRequest) (string, bool) {
	p.mu.Lock()
	def, known := p.tools[req.Name]
	preHooks := append([]backend.PreToolHook(nil), p.preHooks...)
	postHooks := append([]backend.PostToolHook(nil), p.postHooks...)
	p.mu.Unlock()

	for _, hook := range preHooks {
		if !hook(req.Name, req.Input) {
			p.log.Info().Str("tool", req.Name).Msg("tool call blocked by hook")
			return fmt.Sprintf("[Tool call blocked by hook: %s]", req.Name), false
		}
	}

	if !known {
		return fmt.Sprintf("[Unknown tool: %s]", req.Name), true
	}

	if err := validateToolInput(def, req.Input); err != nil {
		p.log.Warn().Err(err).Str("tool", req.Name).Msg("tool input rejected")
		return fmt.Sprintf("[Tool error: %v]", err), true
	}

	result, err := def.Handler(ctx, req.Input)
	isError := false
	if err != nil {
		p.log.Error().Err(err).Str("tool", req.Name).Msg("tool execution failed")
		result = fmt.Sprintf("[Tool error: %v]", err)
		isError = true
	}

	for _, hook := range postHooks {
		hook(req.Name, req.Input, result)
	}
	return result, isError
}

// validateToolInput checks the call's input against the tool's declared
// parameter schema.
func validateToolInput(def backend.ToolDefinition, input map[string]any) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	schema := map[string]any{
		"type":       "object",
		"properties": def.Parameters,
	}
	if len(def.Required) > 0 {
		schema["required"] = def.Required
	}
	if input == nil {
		input = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(input),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("invalid input: %s", strings.Join(details, "; "))
	}
	return nil
}

// sendOneShot is the fallback path: a single bounded `claude -p` run with no
// tool support. Every failure resolves to sentinel text.
func (p *Provider) sendOneShot(ctx context.Context, prompt string, opts backend.SendOptions) backend.AgentResponse {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := []string{"-p", "--output-format", "json"}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if p.cfg.Model != "" {
		args = append(args, "--model", p.cfg.Model)
	}
	if len(p.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(p.cfg.AllowedTools, ","))
	} else {
		args = append(args, "--dangerously-skip-permissions")
	}
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = p.cfg.SystemPrompt
	}
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, p.cfg.Binary, args...)
	if opts.CWD != "" {
		cmd.Dir = opts.CWD
	} else {
		cmd.Dir = p.cfg.CWD
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return backend.Timeout("%s did not respond within %s", p.cfg.Binary, p.cfg.Timeout)
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		p.log.Error().Str("stderr", truncate(detail, 300)).Msg("one-shot invocation failed")
		return backend.Failure("%s", detail)
	}

	var payload struct {
		Result       string  `json:"result"`
		SessionID    string  `json:"session_id"`
		CostUSD      float64 `json:"cost_usd"`
		TotalCostUSD float64 `json:"total_cost_usd"`
		DurationMS   int64   `json:"duration_ms"`
		Model        string  `json:"model"`
	}
	raw := strings.TrimSpace(stdout.String())
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		// Not JSON: surface the raw output rather than failing the turn.
		return backend.AgentResponse{Text: raw}
	}

	cost := payload.CostUSD
	if cost == 0 {
		cost = payload.TotalCostUSD
	}
	text := payload.Result
	if text == "" {
		text = raw
	}
	return backend.AgentResponse{
		Text:       text,
		SessionID:  payload.SessionID,
		CostUSD:    cost,
		DurationMS: payload.DurationMS,
		Model:      payload.Model,
	}
}
