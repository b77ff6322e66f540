package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/circuitbreaker"
	"github.com/eugener/ccmux/internal/config"
	"github.com/eugener/ccmux/internal/provider"
	"github.com/eugener/ccmux/internal/router"
	"github.com/eugener/ccmux/internal/testutil"
)

type captureSink struct {
	mu      sync.Mutex
	records []gateway.UsageRecord
}

func (s *captureSink) Record(r gateway.UsageRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func (s *captureSink) all() []gateway.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}

func newTestDispatcher(t *testing.T, rcfg config.RouterConfig, aliases map[string]ModelTarget,
	sink UsageSink, providers ...*testutil.FakeProvider) *Dispatcher {
	t.Helper()

	reg := provider.NewRegistry()
	for _, p := range providers {
		if err := reg.Register(p.ProviderName, p); err != nil {
			t.Fatalf("register %s: %v", p.ProviderName, err)
		}
		for _, m := range p.Models {
			reg.MapModel(m, p.ProviderName)
		}
	}
	return NewDispatcher(reg, router.New(rcfg, slog.Default()), aliases, sink, nil, slog.Default())
}

func messagesRequest(model string) *gateway.MessagesRequest {
	return &gateway.MessagesRequest{
		Model:     model,
		MaxTokens: 512,
		Messages:  []gateway.Message{{Role: "user", Content: gateway.TextContent("hi")}},
	}
}

func TestSendRoutesExplicitProvider(t *testing.T) {
	t.Parallel()

	var gotModel string
	fake := &testutil.FakeProvider{
		ProviderName: "prov-a",
		SendFn: func(_ context.Context, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
			gotModel = req.Model
			return &gateway.MessagesResponse{ID: "msg_1", Model: req.Model, Usage: gateway.Usage{InputTokens: 3, OutputTokens: 5}}, nil
		},
	}
	sink := &captureSink{}
	d := newTestDispatcher(t, config.RouterConfig{Default: "prov-a,model-x"}, nil, sink, fake)

	resp, err := d.Send(t.Context(), messagesRequest("claude-sonnet-4-5"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotModel != "model-x" {
		t.Errorf("upstream model = %q, want model-x", gotModel)
	}
	if resp.ID != "msg_1" {
		t.Errorf("resp = %+v", resp)
	}

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	r := recs[0]
	if r.Provider != "prov-a" || r.Model != "model-x" || r.Route != "default" ||
		r.InputTokens != 3 || r.OutputTokens != 5 || r.Stream || r.StatusCode != http.StatusOK {
		t.Errorf("record = %+v", r)
	}
}

func TestSendAliasResolution(t *testing.T) {
	t.Parallel()

	var gotModel string
	fake := &testutil.FakeProvider{
		ProviderName: "prov-b",
		SendFn: func(_ context.Context, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
			gotModel = req.Model
			return &gateway.MessagesResponse{Model: req.Model}, nil
		},
	}
	aliases := map[string]ModelTarget{
		"my-alias": {Provider: "prov-b", Model: "upstream-model"},
	}
	d := newTestDispatcher(t, config.RouterConfig{}, aliases, nil, fake)

	if _, err := d.Send(t.Context(), messagesRequest("my-alias")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotModel != "upstream-model" {
		t.Errorf("upstream model = %q", gotModel)
	}
}

func TestSendBareModelScansRegistry(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeProvider{ProviderName: "prov-c", Models: []string{"llama-3.3-70b"}}
	d := newTestDispatcher(t, config.RouterConfig{}, nil, nil, fake)

	resp, err := d.Send(t.Context(), messagesRequest("llama-3.3-70b"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Model != "llama-3.3-70b" {
		t.Errorf("resp model = %q", resp.Model)
	}
}

func TestSendUnknownModelFailsRouting(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, config.RouterConfig{}, nil, nil,
		&testutil.FakeProvider{ProviderName: "prov-d"})

	_, err := d.Send(t.Context(), messagesRequest("nope"))
	if !errors.Is(err, gateway.ErrRoutingFailed) {
		t.Fatalf("err = %v, want ErrRoutingFailed", err)
	}
}

func TestSendRecordsUpstreamErrorStatus(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeProvider{
		ProviderName: "prov-e",
		Models:       []string{"m"},
		SendFn: func(context.Context, *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
			return nil, &provider.APIError{Provider: "prov-e", StatusCode: http.StatusTooManyRequests, Body: "slow down"}
		},
	}
	sink := &captureSink{}
	d := newTestDispatcher(t, config.RouterConfig{}, nil, sink, fake)

	if _, err := d.Send(t.Context(), messagesRequest("m")); err == nil {
		t.Fatal("expected upstream error")
	}
	recs := sink.all()
	if len(recs) != 1 || recs[0].StatusCode != http.StatusTooManyRequests {
		t.Errorf("records = %+v", recs)
	}
}

func TestStreamRecordsFinalUsage(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeProvider{
		ProviderName: "prov-f",
		Models:       []string{"m"},
		StreamFn: func(context.Context, *gateway.MessagesRequest) (<-chan gateway.StreamChunk, error) {
			return testutil.FakeStreamChan(
				gateway.StreamChunk{Data: []byte("event: message_start\ndata: {}\n\n")},
				gateway.StreamChunk{Data: []byte("event: message_stop\ndata: {}\n\n"), Usage: &gateway.Usage{InputTokens: 9, OutputTokens: 4}},
			), nil
		},
	}
	sink := &captureSink{}
	d := newTestDispatcher(t, config.RouterConfig{}, nil, sink, fake)

	ch, err := d.Stream(t.Context(), messagesRequest("m"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var chunks int
	for range ch {
		chunks++
	}
	if chunks != 3 {
		t.Errorf("chunks = %d, want 3", chunks)
	}

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	r := recs[0]
	if !r.Stream || r.InputTokens != 9 || r.OutputTokens != 4 || r.StatusCode != http.StatusOK {
		t.Errorf("record = %+v", r)
	}
}

func TestStreamSetupErrorRecorded(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeProvider{
		ProviderName: "prov-g",
		Models:       []string{"m"},
		StreamFn: func(context.Context, *gateway.MessagesRequest) (<-chan gateway.StreamChunk, error) {
			return nil, &provider.APIError{Provider: "prov-g", StatusCode: http.StatusServiceUnavailable}
		},
	}
	sink := &captureSink{}
	d := newTestDispatcher(t, config.RouterConfig{}, nil, sink, fake)

	if _, err := d.Stream(t.Context(), messagesRequest("m")); err == nil {
		t.Fatal("expected stream setup error")
	}
	recs := sink.all()
	if len(recs) != 1 || recs[0].StatusCode != http.StatusServiceUnavailable || !recs[0].Stream {
		t.Errorf("records = %+v", recs)
	}
}

func TestCountTokensRoutes(t *testing.T) {
	t.Parallel()

	var gotModel string
	fake := &testutil.FakeProvider{
		ProviderName: "prov-h",
		CountFn: func(_ context.Context, req *gateway.CountTokensRequest) (*gateway.CountTokensResponse, error) {
			gotModel = req.Model
			return &gateway.CountTokensResponse{InputTokens: 42}, nil
		},
	}
	d := newTestDispatcher(t, config.RouterConfig{Default: "prov-h,model-y"}, nil, nil, fake)

	resp, err := d.CountTokens(t.Context(), &gateway.CountTokensRequest{Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if resp.InputTokens != 42 || gotModel != "model-y" {
		t.Errorf("resp = %+v, model = %q", resp, gotModel)
	}
}

func TestRouteTypeRecorded(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeProvider{ProviderName: "prov-i"}
	sink := &captureSink{}
	cfg := config.RouterConfig{
		Default:    "prov-i,base",
		Background: "prov-i,cheap",
	}
	d := newTestDispatcher(t, cfg, nil, sink, fake)

	if _, err := d.Send(t.Context(), messagesRequest("claude-haiku-4-5")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recs := sink.all()
	if len(recs) != 1 || recs[0].Route != "background" || recs[0].Model != "cheap" {
		t.Errorf("records = %+v", recs)
	}
}

func TestSendCircuitOpen(t *testing.T) {
	t.Parallel()

	calls := 0
	fake := &testutil.FakeProvider{
		ProviderName: "prov-j",
		Models:       []string{"m"},
		SendFn: func(context.Context, *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
			calls++
			return nil, &provider.APIError{Provider: "prov-j", StatusCode: 503, Body: "overloaded"}
		},
	}
	sink := &captureSink{}
	d := newTestDispatcher(t, config.RouterConfig{Default: "prov-j,model-x"}, nil, sink, fake)
	d.SetBreakers(circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: 0.5,
		MinSamples:     2,
		WindowSeconds:  60,
		OpenTimeout:    time.Minute,
	}))

	// Trip the breaker with consecutive upstream failures.
	for range 3 {
		if _, err := d.Send(t.Context(), messagesRequest("m")); err == nil {
			t.Fatal("expected upstream error")
		}
	}
	upstreamCalls := calls

	// The breaker is now open, so the provider is not called again.
	_, err := d.Send(t.Context(), messagesRequest("m"))
	if err == nil || !errors.Is(err, gateway.ErrProviderError) {
		t.Fatalf("err = %v, want provider error", err)
	}
	if calls != upstreamCalls {
		t.Errorf("provider called while circuit open")
	}

	recs := sink.all()
	last := recs[len(recs)-1]
	if last.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", last.StatusCode)
	}
}
