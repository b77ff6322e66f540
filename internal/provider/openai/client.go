// Package openai implements the gateway.Provider adapter for OpenAI and
// OpenAI-compatible upstreams, including the ChatGPT Codex Responses API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/auth"
	"github.com/eugener/ccmux/internal/provider"
	"github.com/eugener/ccmux/internal/tokencount"
)

const defaultBaseURL = "https://api.openai.com/v1"

var _ gateway.Provider = (*Client)(nil)

// preset carries the base URL and extra headers for an OpenAI-compatible vendor.
type preset struct {
	baseURL string
	headers map[string]string
}

// presets maps provider type strings to OpenAI-compatible vendor endpoints.
var presets = map[string]preset{
	"openai": {baseURL: defaultBaseURL},
	"openrouter": {
		baseURL: "https://openrouter.ai/api/v1",
		headers: map[string]string{
			"HTTP-Referer": "https://github.com/eugener/ccmux",
			"X-Title":      "ccmux",
		},
	},
	"deepinfra": {baseURL: "https://api.deepinfra.com/v1/openai"},
	"novita": {
		baseURL: "https://api.novita.ai/v3/openai",
		headers: map[string]string{"X-Novita-Source": "ccmux"},
	},
	"baseten":   {baseURL: "https://inference.baseten.co/v1"},
	"together":  {baseURL: "https://api.together.xyz/v1"},
	"fireworks": {baseURL: "https://api.fireworks.ai/inference/v1"},
	"groq":      {baseURL: "https://api.groq.com/openai/v1"},
	"nebius":    {baseURL: "https://api.studio.nebius.ai/v1"},
	"cerebras":  {baseURL: "https://api.cerebras.ai/v1"},
	"moonshot":  {baseURL: "https://api.moonshot.cn/v1"},
}

// PresetTypes lists the provider type strings this package serves.
func PresetTypes() []string {
	types := make([]string, 0, len(presets))
	for t := range presets {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Options configures a Client.
type Options struct {
	Name    string
	APIKey  string
	BaseURL string // empty means the preset/default base URL
	Models  []string
	Headers map[string]string

	// OAuthProvider keys into the token store; non-empty switches the
	// adapter to the ChatGPT Codex backend.
	OAuthProvider string
	Tokens        *auth.Client

	HTTPClient *http.Client
}

// Client is an OpenAI-wire-format provider adapter.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	headers map[string]string
	models  []string

	oauthProvider string
	tokens        *auth.Client

	http    *http.Client
	counter *tokencount.Counter
}

// New creates a Client for a direct OpenAI-compatible endpoint.
func New(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		name:          opts.Name,
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        opts.APIKey,
		headers:       opts.Headers,
		models:        opts.Models,
		oauthProvider: opts.OAuthProvider,
		tokens:        opts.Tokens,
		http:          httpClient,
		counter:       tokencount.NewCounter(),
	}
}

// NewPreset creates a Client for one of the known OpenAI-compatible vendors.
// A BaseURL in opts overrides the preset endpoint; preset headers merge under
// any caller-supplied ones.
func NewPreset(providerType string, opts Options) (*Client, error) {
	p, ok := presets[providerType]
	if !ok {
		return nil, fmt.Errorf("openai: unknown preset %q", providerType)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = p.baseURL
	}
	if len(p.headers) > 0 {
		merged := make(map[string]string, len(p.headers)+len(opts.Headers))
		for k, v := range p.headers {
			merged[k] = v
		}
		for k, v := range opts.Headers {
			merged[k] = v
		}
		opts.Headers = merged
	}
	return New(opts), nil
}

// Name returns the configured provider name.
func (c *Client) Name() string { return c.name }

// SupportsModel reports exact membership in the configured model list.
func (c *Client) SupportsModel(model string) bool {
	return slices.Contains(c.models, model)
}

func (c *Client) isOAuth() bool { return c.oauthProvider != "" }

// useResponses reports whether the request goes to the Responses API:
// always under OAuth, and for codex models under API-key auth.
func (c *Client) useResponses(model string) bool {
	return c.isOAuth() || strings.Contains(strings.ToLower(model), "codex")
}

// SendMessage sends a non-streaming request, translating to and from the
// upstream wire format.
func (c *Client) SendMessage(ctx context.Context, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
	if c.useResponses(req.Model) {
		return c.sendResponses(ctx, req)
	}

	resp, err := c.doChat(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: openai: decode response: %w", gateway.ErrUpstreamMalformed, err)
	}
	return fromChatResponse(&out)
}

// StreamMessage sends a streaming request. Upstream chunk SSE is translated
// into Anthropic-format events on the returned channel.
func (c *Client) StreamMessage(ctx context.Context, req *gateway.MessagesRequest) (<-chan gateway.StreamChunk, error) {
	if c.useResponses(req.Model) {
		return c.streamResponses(ctx, req)
	}

	resp, err := c.doChat(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readChatStream(ctx, resp.Body, ch)
	return ch, nil
}

// CountTokens counts input tokens locally; the upstream has no count endpoint.
func (c *Client) CountTokens(_ context.Context, req *gateway.CountTokensRequest) (*gateway.CountTokensResponse, error) {
	return &gateway.CountTokensResponse{InputTokens: c.counter.CountRequest(req)}, nil
}

// doChat builds and issues a Chat Completions HTTP request.
func (c *Client) doChat(ctx context.Context, req *gateway.MessagesRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(toChatRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.name, resp)
	}
	return resp, nil
}
