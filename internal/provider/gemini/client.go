package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/auth"
	"github.com/eugener/ccmux/internal/provider"
	"github.com/eugener/ccmux/internal/tokencount"
)

const (
	apiKeyBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	codeAssistBaseURL = "https://cloudcode-pa.googleapis.com/v1internal"
)

var _ gateway.Provider = (*Client)(nil)

// Options configures a Client. Exactly one auth mode applies: OAuthProvider
// (Code Assist), ProjectID+Location (Vertex AI), or APIKey (public API).
type Options struct {
	Name    string
	APIKey  string
	BaseURL string // empty means the mode's default base URL
	Models  []string
	Headers map[string]string

	// Vertex AI. The HTTPClient must inject ADC bearer tokens; see
	// cloudauth.NewGCPOAuthTransport.
	ProjectID string
	Location  string

	// Code Assist OAuth.
	OAuthProvider string
	Tokens        *auth.Client

	HTTPClient *http.Client
}

// Client is a Gemini provider adapter.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	headers map[string]string
	models  []string

	projectID string
	location  string

	oauthProvider string
	tokens        *auth.Client

	http    *http.Client
	counter *tokencount.Counter
}

// New creates a Gemini Client.
func New(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		switch {
		case opts.OAuthProvider != "":
			baseURL = codeAssistBaseURL
		case opts.ProjectID != "" && opts.Location != "":
			baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", opts.Location)
		default:
			baseURL = apiKeyBaseURL
		}
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
		projectID:     opts.ProjectID,
		location:      opts.Location,
		oauthProvider: opts.OAuthProvider,
		tokens:        opts.Tokens,
		http:          httpClient,
		counter:       tokencount.NewCounter(),
	}
}

// Name returns the configured provider name.
func (c *Client) Name() string { return c.name }

// SupportsModel reports exact membership in the configured model list.
func (c *Client) SupportsModel(model string) bool {
	return slices.Contains(c.models, model)
}

func (c *Client) isOAuth() bool  { return c.oauthProvider != "" }
func (c *Client) isVertex() bool { return c.projectID != "" && c.location != "" }

// SendMessage sends a non-streaming request with 429 retry.
func (c *Client) SendMessage(ctx context.Context, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
	body, err := c.marshalRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, c.generateURL(req.Model, false), body)
	})
	if err != nil {
		return nil, c.wrapNotFound(err, req.Model)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.wrapNotFound(provider.ParseAPIError(c.name, resp), req.Model)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	return fromGeminiResponse(respBody, req.Model)
}

// StreamMessage sends a streaming request; upstream alt=sse chunks are
// re-framed as Anthropic-format events.
func (c *Client) StreamMessage(ctx context.Context, req *gateway.MessagesRequest) (<-chan gateway.StreamChunk, error) {
	body, err := c.marshalRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, c.generateURL(req.Model, true), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.wrapNotFound(provider.ParseAPIError(c.name, resp), req.Model)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, req.Model)
	return ch, nil
}

// CountTokens counts input tokens locally.
func (c *Client) CountTokens(_ context.Context, req *gateway.CountTokensRequest) (*gateway.CountTokensResponse, error) {
	return &gateway.CountTokensResponse{InputTokens: c.counter.CountRequest(req)}, nil
}

// marshalRequest builds the request body for the active backend. Code Assist
// wraps the payload and carries the GCP project from the token record.
func (c *Client) marshalRequest(ctx context.Context, req *gateway.MessagesRequest) ([]byte, error) {
	gReq := toGeminiRequest(req)
	if !c.isOAuth() {
		body, err := json.Marshal(gReq)
		if err != nil {
			return nil, fmt.Errorf("gemini: marshal request: %w", err)
		}
		return body, nil
	}

	var project string
	if rec, ok := c.tokens.Record(c.oauthProvider); ok {
		project = rec.ProjectID
	}
	wrapped := codeAssistRequest{
		Model:        req.Model,
		Project:      project,
		UserPromptID: responseID(),
		Request: codeAssistInner{
			Contents:          gReq.Contents,
			SystemInstruction: gReq.SystemInstruction,
			GenerationConfig:  gReq.GenerationConfig,
			Tools:             gReq.Tools,
		},
	}
	body, err := json.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}
	return body, nil
}

// generateURL builds the generateContent URL for the active backend.
func (c *Client) generateURL(model string, stream bool) string {
	method := "generateContent"
	if stream {
		method = "streamGenerateContent"
	}

	switch {
	case c.isOAuth():
		u := fmt.Sprintf("%s:%s", c.baseURL, method)
		if stream {
			u += "?alt=sse"
		}
		return u
	case c.isVertex():
		u := fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/%s:%s",
			c.baseURL, c.projectID, c.location, url.PathEscape(model), method)
		if stream {
			u += "?alt=sse"
		}
		return u
	default:
		u := fmt.Sprintf("%s/models/%s:%s?key=%s", c.baseURL, url.PathEscape(model), method, url.QueryEscape(c.apiKey))
		if stream {
			u += "&alt=sse"
		}
		return u
	}
}

// newRequest builds a POST with mode-appropriate auth headers.
func (c *Client) newRequest(ctx context.Context, u string, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.isOAuth() {
		token, err := c.tokens.AccessToken(ctx, c.oauthProvider)
		if err != nil {
			return nil, fmt.Errorf("gemini: oauth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	// Vertex auth rides on the HTTP client's ADC transport.

	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// wrapNotFound annotates 404 errors, which usually mean a preview model the
// account cannot reach.
func (c *Client) wrapNotFound(err error, model string) error {
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		return err
	}
	if strings.Contains(model, "gemini-3") || strings.Contains(model, "preview") {
		return fmt.Errorf("gemini: model %q is not available; it may be a preview model requiring special access: %w", model, err)
	}
	return fmt.Errorf("gemini: model %q not found: %w", model, err)
}
