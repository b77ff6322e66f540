package sseutil

import (
	"encoding/json"
	"strings"
	"testing"

	gateway "github.com/eugener/ccmux/internal"
)

// parseFrame splits a framed SSE chunk into event name and decoded data.
func parseFrame(t *testing.T, frame []byte) (string, map[string]any) {
	t.Helper()
	s := string(frame)
	if !strings.HasSuffix(s, "\n\n") {
		t.Fatalf("frame missing trailing blank line: %q", s)
	}
	lines := strings.Split(strings.TrimSuffix(s, "\n\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("frame should have event+data lines, got %q", s)
	}
	event := strings.TrimPrefix(lines[0], "event: ")
	var data map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &data); err != nil {
		t.Fatalf("frame data not JSON: %v", err)
	}
	return event, data
}

func TestMessageStart(t *testing.T) {
	t.Parallel()

	event, data := parseFrame(t, MessageStart("msg_01", "gpt-4o", 12))
	if event != "message_start" {
		t.Errorf("event = %q", event)
	}
	msg := data["message"].(map[string]any)
	if msg["id"] != "msg_01" || msg["model"] != "gpt-4o" || msg["role"] != "assistant" {
		t.Errorf("unexpected message: %v", msg)
	}
	usage := msg["usage"].(map[string]any)
	if usage["input_tokens"].(float64) != 12 {
		t.Errorf("input_tokens = %v", usage["input_tokens"])
	}
	if msg["stop_reason"] != nil {
		t.Errorf("stop_reason = %v, want null", msg["stop_reason"])
	}
}

func TestTextDelta(t *testing.T) {
	t.Parallel()

	event, data := parseFrame(t, TextDelta(2, "hello"))
	if event != "content_block_delta" {
		t.Errorf("event = %q", event)
	}
	if data["index"].(float64) != 2 {
		t.Errorf("index = %v", data["index"])
	}
	delta := data["delta"].(map[string]any)
	if delta["type"] != "text_delta" || delta["text"] != "hello" {
		t.Errorf("delta = %v", delta)
	}
}

func TestInputJSONDelta(t *testing.T) {
	t.Parallel()

	_, data := parseFrame(t, InputJSONDelta(1, `{"city":"Os`))
	delta := data["delta"].(map[string]any)
	if delta["type"] != "input_json_delta" || delta["partial_json"] != `{"city":"Os` {
		t.Errorf("delta = %v", delta)
	}
}

func TestMessageDelta(t *testing.T) {
	t.Parallel()

	event, data := parseFrame(t, MessageDelta(gateway.StopEndTurn, gateway.Usage{OutputTokens: 9}))
	if event != "message_delta" {
		t.Errorf("event = %q", event)
	}
	delta := data["delta"].(map[string]any)
	if delta["stop_reason"] != "end_turn" {
		t.Errorf("stop_reason = %v", delta["stop_reason"])
	}
	usage := data["usage"].(map[string]any)
	if usage["output_tokens"].(float64) != 9 {
		t.Errorf("output_tokens = %v", usage["output_tokens"])
	}

	// Unknown upstream finish reasons map to a null stop_reason.
	_, data = parseFrame(t, MessageDelta("", gateway.Usage{}))
	if data["delta"].(map[string]any)["stop_reason"] != nil {
		t.Error("empty stop reason should serialize as null")
	}
}

func TestContentBlockStartStop(t *testing.T) {
	t.Parallel()

	event, data := parseFrame(t, ContentBlockStart(0, map[string]any{"type": "text", "text": ""}))
	if event != "content_block_start" {
		t.Errorf("event = %q", event)
	}
	if data["content_block"].(map[string]any)["type"] != "text" {
		t.Errorf("content_block = %v", data["content_block"])
	}

	event, data = parseFrame(t, ContentBlockStop(3))
	if event != "content_block_stop" || data["index"].(float64) != 3 {
		t.Errorf("stop frame: event=%q data=%v", event, data)
	}
}

func TestMessageStopAndPing(t *testing.T) {
	t.Parallel()

	event, data := parseFrame(t, MessageStop())
	if event != "message_stop" || data["type"] != "message_stop" {
		t.Errorf("event=%q data=%v", event, data)
	}

	event, data = parseFrame(t, Ping())
	if event != "ping" || data["type"] != "ping" {
		t.Errorf("event=%q data=%v", event, data)
	}
}
