package claudecli

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/remi/pkg/backend"
	"github.com/harun/remi/pkg/protocol"
)

func newTestProvider(t *testing.T, script string) *Provider {
	t.Helper()
	p := New(Config{
		Binary:       writeFakeAgent(t, script),
		StartTimeout: 5 * time.Second,
		Timeout:      10 * time.Second,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProviderSend_StreamingPath(t *testing.T) {
	p := newTestProvider(t, initLine+`
while IFS= read -r line; do
  echo '{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"draft"}}'
  echo '{"type":"result","result":"final answer","session_id":"sess-2","cost_usd":0.02}'
done`)

	resp := p.Send(context.Background(), "hello", backend.SendOptions{})
	assert.Equal(t, "final answer", resp.Text, "result frame payload wins over streamed deltas")
	assert.Equal(t, "sess-2", resp.SessionID)
	assert.InDelta(t, 0.02, resp.CostUSD, 1e-9)
	assert.False(t, backend.IsFailure(resp.Text))
}

func TestProviderSend_ContextInjection(t *testing.T) {
	// The fake echoes the received user frame back as the result so the
	// test can observe what was actually sent.
	p := newTestProvider(t, initLine+`
IFS= read -r line
printf '{"type":"result","result":%s,"session_id":"s"}\n' "$(printf '%s' "$line" | sed 's/.*"content"://; s/,"role".*//')"
while IFS= read -r line; do :; done`)

	resp := p.Send(context.Background(), "question", backend.SendOptions{Context: "remembered facts"})
	assert.Contains(t, resp.Text, "<context>\nremembered facts\n</context>")
	assert.Contains(t, resp.Text, "question")
}

func TestProviderSend_EOFMidTurnKeepsStreamedText(t *testing.T) {
	p := newTestProvider(t, initLine+`
IFS= read -r line
echo '{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial answer"}}'
exit 0`)

	resp := p.Send(context.Background(), "hello", backend.SendOptions{})
	assert.Equal(t, "partial answer", resp.Text)
	assert.Empty(t, resp.SessionID, "no result frame, no session id")
}

func TestProviderSend_FallbackOnSpawnFailure(t *testing.T) {
	p := New(Config{Binary: "/nonexistent/claude-binary", Timeout: 5 * time.Second}, zerolog.Nop())
	t.Cleanup(func() { _ = p.Close() })

	resp := p.Send(context.Background(), "hello", backend.SendOptions{})
	require.True(t, backend.IsFailure(resp.Text), "got %q", resp.Text)
	assert.True(t, strings.HasPrefix(resp.Text, backend.ErrorPrefix))
}

func TestProviderSend_FallbackOneShotSucceeds(t *testing.T) {
	// Streaming mode dies before the init frame; one-shot mode (-p) works.
	p := newTestProvider(t, `
case "$1" in
-p) echo '{"result":"ok","session_id":"s1","total_cost_usd":0.003}' ;;
*) exit 1 ;;
esac`)

	resp := p.Send(context.Background(), "hello", backend.SendOptions{SessionID: "prior"})
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "s1", resp.SessionID)
	assert.InDelta(t, 0.003, resp.CostUSD, 1e-9)
}

func TestProviderSend_RestartsDeadProcess(t *testing.T) {
	p := newTestProvider(t, initLine+`
IFS= read -r line
echo '{"type":"result","result":"turn","session_id":"s"}'
exit 0`)

	first := p.Send(context.Background(), "one", backend.SendOptions{})
	assert.Equal(t, "turn", first.Text)

	// The subprocess exited after its turn; the next send spawns a new one.
	second := p.Send(context.Background(), "two", backend.SendOptions{})
	assert.Equal(t, "turn", second.Text)
}

func TestProviderHealthCheck(t *testing.T) {
	healthy := newTestProvider(t, `exit 0`)
	assert.True(t, healthy.HealthCheck(context.Background()))

	missing := New(Config{Binary: "/nonexistent/claude-binary"}, zerolog.Nop())
	assert.False(t, missing.HealthCheck(context.Background()))
}

func TestProviderClose_NeverStarted(t *testing.T) {
	p := New(Config{Binary: "claude"}, zerolog.Nop())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

// --- tool pipeline ---

func echoTool(name string) backend.ToolDefinition {
	return backend.ToolDefinition{
		Name:        name,
		Description: "echoes its entry",
		Parameters:  map[string]any{"entry": map[string]any{"type": "string"}},
		Required:    []string{"entry"},
		Handler: func(_ context.Context, input map[string]any) (string, error) {
			entry, _ := input["entry"].(string)
			return "echo: " + entry, nil
		},
	}
}

func TestHandleToolCall_Executes(t *testing.T) {
	p := New(Config{}, zerolog.Nop())
	p.RegisterTool(echoTool("echo"))

	result, isError := p.handleToolCall(context.Background(), protocol.ToolUseRequest{
		ID: "tu-1", Name: "echo", Input: map[string]any{"entry": "hi"},
	})
	assert.False(t, isError)
	assert.Equal(t, "echo: hi", result)
}

func TestHandleToolCall_UnknownTool(t *testing.T) {
	p := New(Config{}, zerolog.Nop())

	result, isError := p.handleToolCall(context.Background(), protocol.ToolUseRequest{Name: "nope"})
	assert.True(t, isError)
	assert.Equal(t, "[Unknown tool: nope]", result)
}

func TestHandleToolCall_HandlerErrorBecomesToolError(t *testing.T) {
	p := New(Config{}, zerolog.Nop())
	p.RegisterTool(backend.ToolDefinition{
		Name: "boom",
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			return "", errors.New("disk full")
		},
	})

	result, isError := p.handleToolCall(context.Background(), protocol.ToolUseRequest{Name: "boom"})
	assert.True(t, isError)
	assert.Equal(t, "[Tool error: disk full]", result)
}

func TestHandleToolCall_SchemaRejectsBadInput(t *testing.T) {
	p := New(Config{}, zerolog.Nop())
	p.RegisterTool(echoTool("echo"))

	result, isError := p.handleToolCall(context.Background(), protocol.ToolUseRequest{
		Name: "echo", Input: map[string]any{"entry": 42},
	})
	assert.True(t, isError)
	assert.Contains(t, result, "[Tool error:")

	// Missing required parameter.
	result, isError = p.handleToolCall(context.Background(), protocol.ToolUseRequest{
		Name: "echo", Input: map[string]any{},
	})
	assert.True(t, isError)
	assert.Contains(t, result, "[Tool error:")
}

func TestHandleToolCall_HookPipeline(t *testing.T) {
	p := New(Config{}, zerolog.Nop())
	p.RegisterTool(echoTool("echo"))

	var order []string
	p.AddPreToolHook(func(name string, _ map[string]any) bool {
		order = append(order, "pre1:"+name)
		return true
	})
	p.AddPreToolHook(func(name string, _ map[string]any) bool {
		order = append(order, "pre2:"+name)
		return true
	})
	p.AddPostToolHook(func(name string, _ map[string]any, result string) {
		order = append(order, "post:"+result)
	})

	result, isError := p.handleToolCall(context.Background(), protocol.ToolUseRequest{
		Name: "echo", Input: map[string]any{"entry": "x"},
	})
	assert.False(t, isError)
	assert.Equal(t, "echo: x", result)
	assert.Equal(t, []string{"pre1:echo", "pre2:echo", "post:echo: x"}, order)
}

func TestHandleToolCall_PreHookDenyShortCircuits(t *testing.T) {
	p := New(Config{}, zerolog.Nop())

	handlerRan := false
	p.RegisterTool(backend.ToolDefinition{
		Name: "guarded",
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			handlerRan = true
			return "ran", nil
		},
	})

	postRan := false
	p.AddPreToolHook(func(_ string, _ map[string]any) bool { return false })
	p.AddPostToolHook(func(_ string, _ map[string]any, _ string) { postRan = true })

	result, isError := p.handleToolCall(context.Background(), protocol.ToolUseRequest{Name: "guarded"})
	assert.False(t, isError)
	assert.Equal(t, "[Tool call blocked by hook: guarded]", result)
	assert.False(t, handlerRan, "handler skipped on deny")
	assert.False(t, postRan, "post-hooks skipped on deny")
}
