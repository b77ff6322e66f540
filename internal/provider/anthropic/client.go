// Package anthropic implements the gateway.Provider adapter for the
// Anthropic Messages API and compatible upstreams. Requests already use the
// Anthropic wire format, so the adapter forwards them without translation.
package anthropic

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
	"github.com/eugener/ccmux/internal/provider/sseutil"
	"github.com/eugener/ccmux/internal/tokencount"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	oauthBeta        = "oauth-2025-04-20"
)

var _ gateway.Provider = (*Client)(nil)

// presets maps provider type strings to Anthropic-compatible vendor base
// URLs. The messages path is appended per request.
var presets = map[string]string{
	"anthropic":   defaultBaseURL,
	"z.ai":        "https://api.z.ai/api/anthropic",
	"minimax":     "https://api.minimax.io/anthropic",
	"zenmux":      "https://zenmux.ai/api/anthropic",
	"kimi-coding": "https://api.moonshot.ai/anthropic",
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

	// OAuthProvider keys into the token store; non-empty switches auth to
	// Bearer tokens with the OAuth beta header.
	OAuthProvider string
	Tokens        *auth.Client

	HTTPClient *http.Client
}

// Client is a pass-through Anthropic provider adapter.
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

// New creates a Client for a direct Anthropic-compatible endpoint.
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

// NewPreset creates a Client for one of the known Anthropic-compatible
// vendors. A BaseURL in opts overrides the preset endpoint.
func NewPreset(providerType string, opts Options) (*Client, error) {
	base, ok := presets[providerType]
	if !ok {
		return nil, fmt.Errorf("anthropic: unknown preset %q", providerType)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = base
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

// SendMessage forwards a non-streaming request unchanged and decodes the
// Anthropic-format response.
func (c *Client) SendMessage(ctx context.Context, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
	resp, err := c.do(ctx, "/v1/messages", req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out gateway.MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: anthropic: decode response: %w", gateway.ErrUpstreamMalformed, err)
	}
	return &out, nil
}

// StreamMessage forwards a streaming request; upstream events are already in
// the right format and pass through verbatim.
func (c *Client) StreamMessage(ctx context.Context, req *gateway.MessagesRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := c.do(ctx, "/v1/messages", req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ForwardAnthropicStream(ctx, c.name, resp, ch)
	return ch, nil
}

// CountTokens forwards to the upstream count endpoint under API-key auth.
// OAuth upstreams reject the endpoint, so those count locally.
func (c *Client) CountTokens(ctx context.Context, req *gateway.CountTokensRequest) (*gateway.CountTokensResponse, error) {
	if c.isOAuth() {
		return &gateway.CountTokensResponse{InputTokens: c.counter.CountRequest(req)}, nil
	}

	resp, err := c.do(ctx, "/v1/messages/count_tokens", req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out gateway.CountTokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: anthropic: decode count response: %w", gateway.ErrUpstreamMalformed, err)
	}
	return &out, nil
}

// do builds and issues an HTTP request for the given endpoint path.
func (c *Client) do(ctx context.Context, path string, payload any, stream bool) (*http.Response, error) {
	if req, ok := payload.(*gateway.MessagesRequest); ok {
		// Copy so the caller's request is not mutated.
		r := *req
		r.Stream = stream
		payload = &r
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	if err := c.setAuth(ctx, httpReq.Header); err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.name, resp)
	}
	return resp, nil
}

// setAuth applies x-api-key or OAuth Bearer auth.
func (c *Client) setAuth(ctx context.Context, h http.Header) error {
	if !c.isOAuth() {
		h.Set("x-api-key", c.apiKey)
		return nil
	}
	token, err := c.tokens.AccessToken(ctx, c.oauthProvider)
	if err != nil {
		return fmt.Errorf("anthropic: oauth token: %w", err)
	}
	h.Set("Authorization", "Bearer "+token)
	h.Set("anthropic-beta", oauthBeta)
	return nil
}
