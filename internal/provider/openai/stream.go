package openai

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/provider/sseutil"
)

// streamState tracks the translation of Chat Completions chunk SSE into
// Anthropic-format events.
type streamState struct {
	started    bool
	id         string
	model      string
	nextIndex  int
	blockIndex int // index of the currently open block
	blockOpen  bool
	blockType  string // "text" or "tool_use"
	stopReason string
	usage      gateway.Usage
}

// readChatStream reads OpenAI chunk SSE and emits Anthropic-format frames.
func readChatStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	var state streamState
	scanner := sseutil.NewScanner(body)

	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			for _, c := range state.finish() {
				if !send(ctx, ch, c) {
					return
				}
			}
			return
		}
		for _, c := range state.handleChunk(data) {
			if !send(ctx, ch, c) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("openai: read stream: %w", err)}
		return
	}
	// Upstream closed without [DONE]; still terminate the client stream.
	for _, c := range state.finish() {
		if !send(ctx, ch, c) {
			return
		}
	}
}

func send(ctx context.Context, ch chan<- gateway.StreamChunk, c gateway.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		ch <- gateway.StreamChunk{Err: ctx.Err()}
		return false
	}
}

// handleChunk translates one chunk JSON into zero or more framed events.
func (s *streamState) handleChunk(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	var out []gateway.StreamChunk

	if !s.started {
		s.started = true
		s.id = r.Get("id").String()
		s.model = r.Get("model").String()
		out = append(out, gateway.StreamChunk{Data: sseutil.MessageStart(s.id, s.model, 0)})
	}

	// Usage arrives in a trailing chunk with empty choices.
	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		s.usage.InputTokens = int(u.Get("prompt_tokens").Int())
		s.usage.OutputTokens = int(u.Get("completion_tokens").Int())
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return out
	}
	if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" {
		s.stopReason = mapFinishReason(fr.String())
	}

	delta := choice.Get("delta")

	if text := delta.Get("content"); text.Exists() && text.String() != "" {
		out = append(out, s.ensureBlock("text", nil)...)
		out = append(out, gateway.StreamChunk{Data: sseutil.TextDelta(s.blockIndex, text.String())})
	}

	if calls := delta.Get("tool_calls"); calls.IsArray() {
		for _, call := range calls.Array() {
			if name := call.Get("function.name"); name.Exists() && name.String() != "" {
				// New tool call starts a new block.
				shell := map[string]any{
					"type":  "tool_use",
					"id":    call.Get("id").String(),
					"name":  name.String(),
					"input": map[string]any{},
				}
				out = append(out, s.ensureBlock("tool_use", shell)...)
			}
			if args := call.Get("function.arguments"); args.Exists() && args.String() != "" {
				out = append(out, s.ensureBlock("tool_use", nil)...)
				out = append(out, gateway.StreamChunk{Data: sseutil.InputJSONDelta(s.blockIndex, args.String())})
			}
		}
	}

	return out
}

// ensureBlock opens a content block of the given type if one is not already
// open. A type change closes the previous block first.
func (s *streamState) ensureBlock(typ string, shell map[string]any) []gateway.StreamChunk {
	if s.blockOpen && s.blockType == typ && shell == nil {
		return nil
	}
	out := s.closeBlock()
	if shell == nil {
		shell = map[string]any{"type": "text", "text": ""}
	}
	s.blockIndex = s.nextIndex
	s.nextIndex++
	s.blockOpen = true
	s.blockType = typ
	out = append(out, gateway.StreamChunk{Data: sseutil.ContentBlockStart(s.blockIndex, shell)})
	return out
}

func (s *streamState) closeBlock() []gateway.StreamChunk {
	if !s.blockOpen {
		return nil
	}
	s.blockOpen = false
	return []gateway.StreamChunk{{Data: sseutil.ContentBlockStop(s.blockIndex)}}
}

// finish emits the terminal frames and the Done sentinel.
func (s *streamState) finish() []gateway.StreamChunk {
	var out []gateway.StreamChunk
	if !s.started {
		// Nothing arrived; still produce a well-formed stream.
		out = append(out, gateway.StreamChunk{Data: sseutil.MessageStart(s.id, s.model, 0)})
	}
	out = append(out, s.closeBlock()...)
	out = append(out, gateway.StreamChunk{Data: sseutil.MessageDelta(s.stopReason, s.usage)})
	u := s.usage
	out = append(out, gateway.StreamChunk{Data: sseutil.MessageStop(), Usage: &u, Done: true})
	return out
}
