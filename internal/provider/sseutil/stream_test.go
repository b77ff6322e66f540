package sseutil

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	gateway "github.com/eugener/ccmux/internal"
)

func collect(t *testing.T, ch <-chan gateway.StreamChunk) []gateway.StreamChunk {
	t.Helper()
	var out []gateway.StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func sseResponse(body string) *http.Response {
	return &http.Response{Body: io.NopCloser(strings.NewReader(body))}
}

func TestForwardAnthropicStream(t *testing.T) {
	t.Parallel()

	body := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":7,"output_tokens":0}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	ch := make(chan gateway.StreamChunk, 16)
	go ForwardAnthropicStream(t.Context(), "upstream", sseResponse(body), ch)
	chunks := collect(t, ch)

	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}

	// Frames are forwarded verbatim, re-framed with their event names.
	if !strings.HasPrefix(string(chunks[0].Data), "event: message_start\n") {
		t.Errorf("first chunk = %q", chunks[0].Data)
	}
	if !strings.Contains(string(chunks[1].Data), `"text":"hi"`) {
		t.Errorf("delta chunk = %q", chunks[1].Data)
	}

	final := chunks[3]
	if !final.Done {
		t.Error("message_stop chunk should be Done")
	}
	if final.Usage == nil || final.Usage.InputTokens != 7 || final.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestForwardAnthropicStreamIgnoresPings(t *testing.T) {
	t.Parallel()

	body := ": keep-alive comment\n\n" +
		"event: ping\n" +
		`data: {"type":"ping"}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	ch := make(chan gateway.StreamChunk, 16)
	go ForwardAnthropicStream(t.Context(), "upstream", sseResponse(body), ch)
	chunks := collect(t, ch)

	// Comments are dropped; ping frames are forwarded like any other event.
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if !strings.HasPrefix(string(chunks[0].Data), "event: ping\n") {
		t.Errorf("first chunk = %q", chunks[0].Data)
	}
}

func TestForwardAnthropicStreamContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())

	pr, pw := io.Pipe()
	resp := &http.Response{Body: pr}

	ch := make(chan gateway.StreamChunk) // unbuffered: forces the goroutine to block on send
	go ForwardAnthropicStream(ctx, "upstream", resp, ch)

	go func() {
		pw.Write([]byte("event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n"))
		pw.Write([]byte("event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"y\"}}\n\n"))
	}()

	<-ch // receive the first chunk
	cancel()

	var sawErr bool
	for c := range ch {
		if c.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("expected a context cancellation error chunk")
	}
	pw.Close()
}

func TestForwardAnthropicStreamReadError(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	resp := &http.Response{Body: pr}

	ch := make(chan gateway.StreamChunk, 16)
	go ForwardAnthropicStream(t.Context(), "upstream", resp, ch)

	pw.Write([]byte("event: message_start\ndata: {}\n\n"))
	pw.CloseWithError(io.ErrUnexpectedEOF)

	chunks := collect(t, ch)
	last := chunks[len(chunks)-1]
	if last.Err == nil {
		t.Fatal("expected error chunk after broken stream")
	}
	if !strings.Contains(last.Err.Error(), "upstream") {
		t.Errorf("error should name the provider: %v", last.Err)
	}
}
