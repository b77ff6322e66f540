package sseutil

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/ccmux/internal"
)

// ForwardAnthropicStream reads an upstream Anthropic-format SSE response and
// forwards each event as a framed StreamChunk. Usage is picked out of
// message_start (input) and message_delta (output); message_stop marks Done.
// The channel is closed when the stream ends.
func ForwardAnthropicStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	var usage gateway.Usage
	var currentEvent string

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		event, data, ok := ParseSSELine(line)
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		chunk := gateway.StreamChunk{Data: Frame(currentEvent, []byte(data))}

		switch currentEvent {
		case "message_start":
			usage.InputTokens = int(gjson.Get(data, "message.usage.input_tokens").Int())
		case "message_delta":
			usage.OutputTokens = int(gjson.Get(data, "usage.output_tokens").Int())
		case "message_stop":
			u := usage
			chunk.Usage = &u
			chunk.Done = true
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
		if chunk.Done {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)}
	}
}
