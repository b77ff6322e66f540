package gemini

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/provider/sseutil"
)

// readStream reads Gemini alt=sse chunks and emits Anthropic-format frames.
// Gemini streaming has no "event:" field and no terminal sentinel; the stream
// is EOF-terminated and usage is cumulative across chunks.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	var (
		started    bool
		blockOpen  bool
		stopReason string
		usage      gateway.Usage
	)
	scanner := sseutil.NewScanner(body)

	emit := func(data []byte) bool {
		select {
		case ch <- gateway.StreamChunk{Data: data}:
			return true
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return false
		}
	}

	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}

		r := gjson.Parse(data)
		// Code Assist streams nest each chunk under "response".
		if nested := r.Get("response"); nested.Exists() {
			r = nested
		}

		if !started {
			started = true
			if !emit(sseutil.MessageStart(responseID(), model, 0)) {
				return
			}
		}

		if u := r.Get("usageMetadata"); u.Exists() {
			usage.InputTokens = int(u.Get("promptTokenCount").Int())
			usage.OutputTokens = int(u.Get("candidatesTokenCount").Int())
		}
		if fr := r.Get("candidates.0.finishReason"); fr.Exists() {
			stopReason = mapFinishReason(fr.String())
		}

		var failed bool
		r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			text := part.Get("text").String()
			if text == "" {
				return true
			}
			if !blockOpen {
				blockOpen = true
				if !emit(sseutil.ContentBlockStart(0, map[string]any{"type": "text", "text": ""})) {
					failed = true
					return false
				}
			}
			if !emit(sseutil.TextDelta(0, text)) {
				failed = true
				return false
			}
			return true
		})
		if failed {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("gemini: read stream: %w", err)}
		return
	}

	if !started {
		if !emit(sseutil.MessageStart(responseID(), model, 0)) {
			return
		}
	}
	if blockOpen {
		if !emit(sseutil.ContentBlockStop(0)) {
			return
		}
	}
	if !emit(sseutil.MessageDelta(stopReason, usage)) {
		return
	}
	u := usage
	select {
	case ch <- gateway.StreamChunk{Data: sseutil.MessageStop(), Usage: &u, Done: true}:
	case <-ctx.Done():
		ch <- gateway.StreamChunk{Err: ctx.Err()}
	}
}
