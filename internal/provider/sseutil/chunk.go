package sseutil

import (
	"encoding/json"
	"strconv"

	gateway "github.com/eugener/ccmux/internal"
)

// Frame builds a complete SSE frame: "event: <name>\ndata: <json>\n\n".
func Frame(event string, data []byte) []byte {
	out := make([]byte, 0, len(event)+len(data)+18)
	out = append(out, "event: "...)
	out = append(out, event...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

// FrameJSON marshals v and wraps it in an SSE frame for event.
func FrameJSON(event string, v any) []byte {
	b, _ := json.Marshal(v)
	return Frame(event, b)
}

// MessageStart builds a message_start frame announcing the response envelope.
func MessageStart(id, model string, inputTokens int) []byte {
	return FrameJSON("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})
}

// ContentBlockStart builds a content_block_start frame. block holds the empty
// shell of the opening block (text, thinking, or tool_use).
func ContentBlockStart(index int, block map[string]any) []byte {
	return FrameJSON("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": block,
	})
}

// TextDelta builds a content_block_delta frame carrying a text_delta.
func TextDelta(index int, text string) []byte {
	return FrameJSON("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
}

// ThinkingDelta builds a content_block_delta frame carrying a thinking_delta.
func ThinkingDelta(index int, thinking string) []byte {
	return FrameJSON("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]string{"type": "thinking_delta", "thinking": thinking},
	})
}

// InputJSONDelta builds a content_block_delta frame carrying a partial tool
// input JSON fragment.
func InputJSONDelta(index int, partial string) []byte {
	return FrameJSON("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]string{"type": "input_json_delta", "partial_json": partial},
	})
}

// ContentBlockStop builds a content_block_stop frame.
func ContentBlockStop(index int) []byte {
	return Frame("content_block_stop",
		[]byte(`{"type":"content_block_stop","index":`+strconv.Itoa(index)+`}`))
}

// MessageDelta builds a message_delta frame with the stop reason and final
// output token count.
func MessageDelta(stopReason string, usage gateway.Usage) []byte {
	var reason any
	if stopReason != "" {
		reason = stopReason
	}
	return FrameJSON("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": reason, "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": usage.OutputTokens},
	})
}

// MessageStop builds the terminal message_stop frame.
func MessageStop() []byte {
	return Frame("message_stop", []byte(`{"type":"message_stop"}`))
}

// Ping builds a keep-alive ping frame.
func Ping() []byte {
	return Frame("ping", []byte(`{"type":"ping"}`))
}
