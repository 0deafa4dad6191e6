// Package protocol implements the stream-json wire protocol spoken by the
// Claude CLI over its standard streams: newline-delimited JSON frames in
// both directions. The package is a pure codec: no I/O, no state.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is one parsed inbound frame. Consumers switch exhaustively over the
// concrete types; frames the codec does not recognize come through as
// RawFrame with every field intact.
type Event interface {
	event()
}

// SystemMessage is the type=system, subtype=init frame, the first frame the
// CLI emits after startup.
type SystemMessage struct {
	SessionID  string
	Tools      []map[string]any
	Model      string
	MCPServers []map[string]any
}

// ContentDelta is a streaming text chunk (content_block_delta / text_delta).
type ContentDelta struct {
	Text  string
	Index int
}

// ToolUseRequest is a tool call from the assistant, parsed from a
// content_block_start tool_use block (Input empty, filled by later
// input_json_delta frames) or from a complete assistant message (Input
// already populated).
type ToolUseRequest struct {
	ID    string
	Name  string
	Input map[string]any
	Index int
}

// ResultMessage is the type=result frame marking the end of a turn.
type ResultMessage struct {
	Result     string
	SessionID  string
	CostUSD    float64
	Model      string
	IsError    bool
	DurationMS int64
}

// RawFrame is an unrecognized or pass-through frame. No fields are dropped.
type RawFrame map[string]any

func (SystemMessage) event()  {}
func (ContentDelta) event()   {}
func (ToolUseRequest) event() {}
func (ResultMessage) event()  {}
func (RawFrame) event()       {}

// Type returns the frame's top-level "type" field.
func (f RawFrame) Type() string {
	s, _ := f["type"].(string)
	return s
}

// Index returns the frame's content block index.
func (f RawFrame) Index() int {
	n, _ := f["index"].(float64)
	return int(n)
}

// DeltaType returns delta.type for content_block_delta frames.
func (f RawFrame) DeltaType() string {
	delta, _ := f["delta"].(map[string]any)
	s, _ := delta["type"].(string)
	return s
}

// PartialJSON returns delta.partial_json for input_json_delta frames.
func (f RawFrame) PartialJSON() string {
	delta, _ := f["delta"].(map[string]any)
	s, _ := delta["partial_json"].(string)
	return s
}

// Parse decodes a single wire frame into a typed event. Unrecognized frames
// are returned as RawFrame; invalid JSON is a hard error, never a partial
// result.
func Parse(line []byte) (Event, error) {
	var frame map[string]any
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("protocol: invalid frame: %w", err)
	}

	frameType, _ := frame["type"].(string)
	switch frameType {
	case "system":
		if subtype, _ := frame["subtype"].(string); subtype == "init" {
			return parseSystemInit(frame), nil
		}

	case "content_block_delta":
		delta, _ := frame["delta"].(map[string]any)
		if deltaType, _ := delta["type"].(string); deltaType == "text_delta" {
			text, _ := delta["text"].(string)
			return ContentDelta{Text: text, Index: asInt(frame["index"])}, nil
		}
		// input_json_delta and friends pass through raw; the driver
		// accumulates partial_json fragments itself.

	case "content_block_start":
		block, _ := frame["content_block"].(map[string]any)
		if blockType, _ := block["type"].(string); blockType == "tool_use" {
			return ToolUseRequest{
				ID:    asString(block["id"]),
				Name:  asString(block["name"]),
				Input: asObject(block["input"]),
				Index: asInt(frame["index"]),
			}, nil
		}

	case "assistant":
		// Complete assistant message, possibly carrying tool_use blocks
		// (non-streaming variant: input arrives fully populated).
		message, _ := frame["message"].(map[string]any)
		content, _ := message["content"].([]any)
		for _, raw := range content {
			block, _ := raw.(map[string]any)
			if blockType, _ := block["type"].(string); blockType == "tool_use" {
				return ToolUseRequest{
					ID:    asString(block["id"]),
					Name:  asString(block["name"]),
					Input: asObject(block["input"]),
				}, nil
			}
		}

	case "result":
		return ResultMessage{
			Result:     asString(frame["result"]),
			SessionID:  asString(frame["session_id"]),
			CostUSD:    asFloat(frame["cost_usd"]),
			Model:      asString(frame["model"]),
			IsError:    frame["is_error"] == true,
			DurationMS: int64(asFloat(frame["duration_ms"])),
		}, nil
	}

	return RawFrame(frame), nil
}

// FormatUser encodes a user message for CLI stdin. The returned frame has no
// trailing newline.
func FormatUser(text string) ([]byte, error) {
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode user frame: %w", err)
	}
	return data, nil
}

// FormatToolResult encodes a tool result for CLI stdin. The returned frame
// has no trailing newline.
func FormatToolResult(toolUseID, content string, isError bool) ([]byte, error) {
	frame := map[string]any{
		"type":        "tool_result",
		"tool_use_id": toolUseID,
		"content":     content,
		"is_error":    isError,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode tool result frame: %w", err)
	}
	return data, nil
}

func parseSystemInit(frame map[string]any) SystemMessage {
	return SystemMessage{
		SessionID:  asString(frame["session_id"]),
		Tools:      asObjectList(frame["tools"]),
		Model:      asString(frame["model"]),
		MCPServers: asObjectList(frame["mcp_servers"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	f, _ := v.(float64)
	return int(f)
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asObjectList(v any) []map[string]any {
	list, _ := v.([]any)
	if list == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
