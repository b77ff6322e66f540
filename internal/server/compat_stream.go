package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/ccmux/internal"
)

func (s *server) streamChatCompletions(w http.ResponseWriter, r *http.Request, req *gateway.MessagesRequest) {
	req2 := *req
	req2.Stream = true

	ch, err := s.deps.Dispatcher.Stream(r.Context(), &req2)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	tr := newChatStreamTranslator(req.Model)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				writeSSEError(w, chunk.Err.Error())
				flusher.Flush()
				return
			}
			for _, out := range tr.Translate(chunk.Data) {
				writeSSEData(w, out)
			}
			flusher.Flush()
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// chatStreamTranslator converts Anthropic-format SSE frames into OpenAI
// chat-completion chunks. Content block indices do not map one to one:
// OpenAI numbers tool calls independently of text, so the translator tracks
// which block index holds which tool call.
type chatStreamTranslator struct {
	id        string
	model     string
	created   int64
	sentRole  bool
	toolIndex map[int64]int // content block index -> tool_calls index
	stop      string
}

func newChatStreamTranslator(model string) *chatStreamTranslator {
	return &chatStreamTranslator{
		id:        newChatCompletionID(),
		model:     model,
		created:   time.Now().Unix(),
		toolIndex: make(map[int64]int),
	}
}

// Translate consumes one or more framed SSE events and returns the OpenAI
// chunk payloads to emit, already JSON encoded.
func (t *chatStreamTranslator) Translate(frames []byte) [][]byte {
	var out [][]byte
	for _, frame := range strings.Split(string(frames), "\n\n") {
		data := sseFrameData(frame)
		if data == "" {
			continue
		}
		if p := t.translateEvent(data); p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (t *chatStreamTranslator) translateEvent(data string) []byte {
	switch gjson.Get(data, "type").String() {
	case "message_start":
		if model := gjson.Get(data, "message.model").String(); model != "" {
			t.model = model
		}
		t.sentRole = true
		return t.chunk(&chatCompletionResult{Role: "assistant"}, nil)

	case "content_block_start":
		block := gjson.Get(data, "content_block")
		if block.Get("type").String() != "tool_use" {
			return nil
		}
		idx := gjson.Get(data, "index").Int()
		n := len(t.toolIndex)
		t.toolIndex[idx] = n
		tc := chatToolCall{Index: &n, ID: block.Get("id").String(), Type: "function"}
		tc.Function.Name = block.Get("name").String()
		return t.chunk(&chatCompletionResult{ToolCalls: []chatToolCall{tc}}, nil)

	case "content_block_delta":
		delta := gjson.Get(data, "delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return t.chunk(&chatCompletionResult{Content: delta.Get("text").String()}, nil)
		case "input_json_delta":
			idx := gjson.Get(data, "index").Int()
			n, ok := t.toolIndex[idx]
			if !ok {
				return nil
			}
			var tc chatToolCall
			tc.Index = &n
			tc.Function.Arguments = delta.Get("partial_json").String()
			return t.chunk(&chatCompletionResult{ToolCalls: []chatToolCall{tc}}, nil)
		}
		return nil

	case "message_delta":
		if sr := gjson.Get(data, "delta.stop_reason").String(); sr != "" {
			t.stop = sr
		}
		return nil

	case "message_stop":
		finish := shimFinishReason(gateway.StopReasonPtr(t.stop), len(t.toolIndex) > 0)
		return t.chunk(&chatCompletionResult{}, &finish)
	}
	return nil
}

func (t *chatStreamTranslator) chunk(delta *chatCompletionResult, finish *string) []byte {
	resp := chatCompletionResponse{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []chatCompletionChoice{{Delta: delta, FinishReason: finish}},
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return payload
}

// sseFrameData extracts the data payload from a single SSE frame.
func sseFrameData(frame string) string {
	for line := range strings.Lines(frame) {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			return strings.TrimRight(rest, "\n")
		}
	}
	return ""
}
