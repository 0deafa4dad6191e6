package claudecli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/remi/pkg/protocol"
)

// writeFakeAgent writes an executable shell script standing in for the
// claude binary and returns its path.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

const initLine = `echo '{"type":"system","subtype":"init","session_id":"abc","model":"fake","tools":[]}'`

func newTestManager(t *testing.T, script string) *ProcessManager {
	t.Helper()
	m := NewProcessManager(ProcessOptions{
		Binary:       writeFakeAgent(t, script),
		StartTimeout: 5 * time.Second,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func collect(t *testing.T, events <-chan protocol.Event) []protocol.Event {
	t.Helper()
	var out []protocol.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining turn events")
		}
	}
}

func TestStart_RecordsSessionID(t *testing.T) {
	m := newTestManager(t, initLine+`
while IFS= read -r line; do :; done`)

	sys, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", sys.SessionID)
	assert.Equal(t, "fake", sys.Model)
	assert.True(t, m.IsAlive())
	assert.Equal(t, "abc", m.SessionID())
}

func TestStart_TimeoutWithoutInitFrame(t *testing.T) {
	m := NewProcessManager(ProcessOptions{
		Binary:       writeFakeAgent(t, `sleep 5`),
		StartTimeout: 200 * time.Millisecond,
	}, zerolog.Nop())

	_, err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupTimeout)
	assert.False(t, m.IsAlive())
}

func TestStart_StdoutClosedBeforeInit(t *testing.T) {
	m := newTestManager(t, `exit 1`)

	_, err := m.Start(context.Background())
	require.Error(t, err)
	assert.False(t, m.IsAlive())
}

func TestSend_StreamsDeltasAndResult(t *testing.T) {
	m := newTestManager(t, initLine+`
while IFS= read -r line; do
  echo '{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}'
  echo '{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}'
  echo '{"type":"result","result":"Hello there","session_id":"sess-2","cost_usd":0.01,"duration_ms":5}'
done`)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	events, err := m.Send(context.Background(), "hi", nil)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, protocol.ContentDelta{Text: "Hel"}, got[0])
	assert.Equal(t, protocol.ContentDelta{Text: "lo"}, got[1])

	res, ok := got[2].(protocol.ResultMessage)
	require.True(t, ok)
	assert.Equal(t, "Hello there", res.Result)
	assert.Equal(t, "sess-2", m.SessionID(), "result frame updates the session id")
}

func TestSend_ToolRoundTrip(t *testing.T) {
	toolOut := filepath.Join(t.TempDir(), "tool_result.jsonl")
	t.Setenv("TOOL_OUT", toolOut)

	m := newTestManager(t, initLine+`
IFS= read -r line
echo '{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu-1","name":"lookup","input":{}}}'
echo '{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}'
echo '{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Oslo\"}"}}'
echo '{"type":"content_block_stop","index":1}'
IFS= read -r toolresult
printf '%s\n' "$toolresult" > "$TOOL_OUT"
echo '{"type":"result","result":"done","session_id":"sess-tool"}'
while IFS= read -r line; do :; done`)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	var calls []protocol.ToolUseRequest
	handler := func(_ context.Context, req protocol.ToolUseRequest) (string, bool) {
		calls = append(calls, req)
		return "sunny", false
	}

	events, err := m.Send(context.Background(), "weather?", handler)
	require.NoError(t, err)
	got := collect(t, events)

	// Exactly one completed tool-use request with the parsed JSON input.
	require.Len(t, calls, 1)
	assert.Equal(t, "tu-1", calls[0].ID)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.Equal(t, map[string]any{"city": "Oslo"}, calls[0].Input)

	// The turn continued to its result after the tool round trip.
	res, ok := got[len(got)-1].(protocol.ResultMessage)
	require.True(t, ok)
	assert.Equal(t, "done", res.Result)

	// Exactly one tool_result frame was written back.
	data, err := os.ReadFile(toolOut)
	require.NoError(t, err)
	ev, err := protocol.Parse(data)
	require.NoError(t, err)
	raw, ok := ev.(protocol.RawFrame)
	require.True(t, ok)
	assert.Equal(t, "tool_result", raw.Type())
	assert.Equal(t, "tu-1", raw["tool_use_id"])
	assert.Equal(t, "sunny", raw["content"])
	assert.Equal(t, false, raw["is_error"])
}

func TestSend_InterleavedToolBlocks(t *testing.T) {
	m := newTestManager(t, initLine+`
IFS= read -r line
echo '{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu-a","name":"first","input":{}}}'
echo '{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu-b","name":"second","input":{}}}'
echo '{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"n\":2}"}}'
echo '{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"n\":1}"}}'
echo '{"type":"content_block_stop","index":1}'
IFS= read -r r1
echo '{"type":"content_block_stop","index":2}'
IFS= read -r r2
echo '{"type":"result","result":"done","session_id":"s"}'
while IFS= read -r line; do :; done`)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	var calls []protocol.ToolUseRequest
	handler := func(_ context.Context, req protocol.ToolUseRequest) (string, bool) {
		calls = append(calls, req)
		return "ok", false
	}

	events, err := m.Send(context.Background(), "go", handler)
	require.NoError(t, err)
	collect(t, events)

	require.Len(t, calls, 2, "each interleaved block finalizes independently")
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, map[string]any{"n": float64(1)}, calls[0].Input)
	assert.Equal(t, "second", calls[1].Name)
	assert.Equal(t, map[string]any{"n": float64(2)}, calls[1].Input)
}

func TestSend_UnparseableToolInputDegradesToEmptyObject(t *testing.T) {
	m := newTestManager(t, initLine+`
IFS= read -r line
echo '{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu-1","name":"lookup","input":{}}}'
echo '{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{not json"}}'
echo '{"type":"content_block_stop","index":0}'
IFS= read -r toolresult
echo '{"type":"result","result":"done","session_id":"s"}'
while IFS= read -r line; do :; done`)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	var calls []protocol.ToolUseRequest
	events, err := m.Send(context.Background(), "go", func(_ context.Context, req protocol.ToolUseRequest) (string, bool) {
		calls = append(calls, req)
		return "ok", false
	})
	require.NoError(t, err)
	collect(t, events)

	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{}, calls[0].Input, "parse failure degrades to empty input, turn continues")
}

func TestSend_MalformedFrameIsSkipped(t *testing.T) {
	m := newTestManager(t, initLine+`
while IFS= read -r line; do
  echo '{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"a"}}'
  echo 'this is not json at all'
  echo '{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"b"}}'
  echo '{"type":"result","result":"ab","session_id":"s"}'
done`)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	events, err := m.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 3, "malformed line skipped, turn alive")
	assert.Equal(t, protocol.ContentDelta{Text: "a"}, got[0])
	assert.Equal(t, protocol.ContentDelta{Text: "b"}, got[1])
	assert.IsType(t, protocol.ResultMessage{}, got[2])
}

func TestSend_EOFMidTurnIsCleanEnd(t *testing.T) {
	m := newTestManager(t, initLine+`
IFS= read -r line
echo '{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}'
exit 0`)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	events, err := m.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 1, "streamed text is kept, no result frame arrives")
	assert.Equal(t, protocol.ContentDelta{Text: "partial"}, got[0])
	assert.Equal(t, "abc", m.SessionID(), "session id untouched without a result frame")
}

func TestSend_FramesBufferedAtExitAreDelivered(t *testing.T) {
	// The subprocess writes a burst of deltas and exits immediately, so the
	// frames sit in the stdout pipe when the process dies. Reaping the
	// process must not race the reader: every frame arrives, then the turn
	// ends cleanly.
	m := newTestManager(t, initLine+`
IFS= read -r line
for i in 1 2 3 4 5; do
  echo '{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"chunk-'$i'"}}'
done
exit 0`)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	events, err := m.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, protocol.ContentDelta{Text: fmt.Sprintf("chunk-%d", i+1)}, ev)
	}
	assert.Equal(t, "abc", m.SessionID())
}

func TestSend_NotRunning(t *testing.T) {
	m := newTestManager(t, initLine)
	_, err := m.Send(context.Background(), "hi", nil)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStop_IdempotentAndCallableWhenNeverStarted(t *testing.T) {
	m := newTestManager(t, initLine+`
while IFS= read -r line; do :; done`)

	// Never started: no-op.
	require.NoError(t, m.Stop())

	_, err := m.Start(context.Background())
	require.NoError(t, err)
	require.True(t, m.IsAlive())

	require.NoError(t, m.Stop())
	assert.False(t, m.IsAlive())

	require.NoError(t, m.Stop())
	assert.False(t, m.IsAlive())
}

func TestStop_DuringActiveTurn(t *testing.T) {
	m := newTestManager(t, initLine+`
IFS= read -r line
echo '{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"thinking"}}'
while IFS= read -r line; do :; done`)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	events, err := m.Send(context.Background(), "hi", nil)
	require.NoError(t, err)

	// Stop from another goroutine while the turn is draining.
	done := make(chan error, 1)
	go func() { done <- m.Stop() }()

	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, protocol.ContentDelta{Text: "thinking"}, got[0])

	require.NoError(t, <-done)
	assert.False(t, m.IsAlive())
}
