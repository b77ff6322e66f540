// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"slices"

	gateway "github.com/eugener/ccmux/internal"
)

// FakeProvider is a configurable gateway.Provider for testing.
type FakeProvider struct {
	ProviderName string
	Models       []string

	SendFn   func(ctx context.Context, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error)
	StreamFn func(ctx context.Context, req *gateway.MessagesRequest) (<-chan gateway.StreamChunk, error)
	CountFn  func(ctx context.Context, req *gateway.CountTokensRequest) (*gateway.CountTokensResponse, error)
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// SupportsModel reports membership in the configured model list.
func (f *FakeProvider) SupportsModel(model string) bool {
	return slices.Contains(f.Models, model)
}

// SendMessage delegates to SendFn or returns a minimal response.
func (f *FakeProvider) SendMessage(ctx context.Context, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
	if f.SendFn != nil {
		return f.SendFn(ctx, req)
	}
	return &gateway.MessagesResponse{
		ID:         "msg_fake",
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		Content:    []gateway.ContentBlock{{Type: "text", Text: "hello"}},
		StopReason: gateway.StopReasonPtr(gateway.StopEndTurn),
		Usage:      gateway.Usage{InputTokens: 1, OutputTokens: 1},
	}, nil
}

// StreamMessage delegates to StreamFn or returns an error.
func (f *FakeProvider) StreamMessage(ctx context.Context, req *gateway.MessagesRequest) (<-chan gateway.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return nil, gateway.ErrProviderError
}

// CountTokens delegates to CountFn or returns a fixed count.
func (f *FakeProvider) CountTokens(ctx context.Context, req *gateway.CountTokensRequest) (*gateway.CountTokensResponse, error) {
	if f.CountFn != nil {
		return f.CountFn(ctx, req)
	}
	return &gateway.CountTokensResponse{InputTokens: 1}, nil
}

// FakeStreamChan returns a closed channel pre-loaded with the given chunks,
// followed by a Done sentinel.
func FakeStreamChan(chunks ...gateway.StreamChunk) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- gateway.StreamChunk{Done: true}
	close(ch)
	return ch
}
