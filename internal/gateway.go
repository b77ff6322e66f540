// Package gateway defines domain types and interfaces for the ccmux gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// --- Provider ---

// Provider is the interface that all upstream provider adapters implement.
// Requests and responses are in the Anthropic Messages format regardless of
// the upstream wire protocol; adapters translate as needed.
type Provider interface {
	// Name returns the configured provider name (e.g. "my-openrouter").
	Name() string
	// SendMessage sends a non-streaming messages request.
	SendMessage(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error)
	// StreamMessage sends a streaming request. The returned channel carries
	// fully framed Anthropic-format SSE bytes ready to forward to the client.
	StreamMessage(ctx context.Context, req *MessagesRequest) (<-chan StreamChunk, error)
	// CountTokens estimates or measures input token usage for a request.
	CountTokens(ctx context.Context, req *CountTokensRequest) (*CountTokensResponse, error)
	// SupportsModel reports whether this provider serves the given model.
	SupportsModel(model string) bool
}

// --- Messages wire format ---

// MessagesRequest is an Anthropic Messages API request.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or a list of content blocks on the
// wire. It always normalizes to blocks in memory.
type MessageContent struct {
	Blocks []ContentBlock
	// raw set means the content arrived as a bare string
	raw bool
}

// Text returns the concatenated text of all text blocks.
func (c MessageContent) Text() string {
	var s string
	for _, b := range c.Blocks {
		if b.Type == "text" {
			s += b.Text
		}
	}
	return s
}

// TextContent returns a MessageContent holding a single text block that
// round-trips as a bare JSON string.
func TextContent(s string) MessageContent {
	return MessageContent{Blocks: []ContentBlock{{Type: "text", Text: s}}, raw: true}
}

// BlockContent returns a MessageContent holding the given blocks.
func BlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.raw && len(c.Blocks) == 1 && c.Blocks[0].Type == "text" {
		return json.Marshal(c.Blocks[0].Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = TextContent(s)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("message content must be a string or block array: %w", err)
	}
	*c = MessageContent{Blocks: blocks}
	return nil
}

// ContentBlock is a tagged union of Anthropic content block variants.
// Only the fields for the active Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "image"
	Source *ImageSource `json:"source,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// type == "thinking"
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ImageSource is a base64-encoded inline image.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// SystemPrompt is either a plain string or a list of text blocks on the wire.
type SystemPrompt struct {
	Blocks []ContentBlock
	raw    bool
}

// Text returns the concatenated text of all system blocks.
func (s SystemPrompt) Text() string {
	var out string
	for _, b := range s.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// IsZero reports whether no system prompt was supplied.
func (s SystemPrompt) IsZero() bool { return len(s.Blocks) == 0 }

// SystemText returns a SystemPrompt that round-trips as a bare JSON string.
func SystemText(text string) SystemPrompt {
	return SystemPrompt{Blocks: []ContentBlock{{Type: "text", Text: text}}, raw: true}
}

// SystemBlocks returns a SystemPrompt holding the given blocks.
func SystemBlocks(blocks ...ContentBlock) SystemPrompt {
	return SystemPrompt{Blocks: blocks}
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if len(s.Blocks) == 0 {
		return []byte("null"), nil
	}
	if s.raw && len(s.Blocks) == 1 {
		return json.Marshal(s.Blocks[0].Text)
	}
	return json.Marshal(s.Blocks)
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = SystemPrompt{}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = SystemText(str)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system must be a string or block array: %w", err)
	}
	*s = SystemPrompt{Blocks: blocks}
	return nil
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	MaxUses     *int            `json:"max_uses,omitempty"`
}

// ThinkingConfig enables extended thinking.
type ThinkingConfig struct {
	Type         string `json:"type"` // "enabled" or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// MessagesResponse is an Anthropic Messages API response.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // always "message"
	Role         string         `json:"role"` // always "assistant"
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"` // end_turn | max_tokens | nil
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Stop reason values.
const (
	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
)

// StopReasonPtr returns a pointer to s, or nil for the empty string.
func StopReasonPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Usage holds token accounting for a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CountTokensRequest mirrors the messages request minus generation options.
type CountTokensRequest struct {
	Model    string       `json:"model"`
	Messages []Message    `json:"messages"`
	System   SystemPrompt `json:"system,omitempty"`
	Tools    []Tool       `json:"tools,omitempty"`
}

// CountTokensResponse reports the input token count.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// StreamChunk is a single unit in a streaming response. Data carries fully
// framed SSE bytes (one or more "event:"/"data:" lines plus trailing blank
// line) that the server forwards verbatim.
type StreamChunk struct {
	Data  []byte
	Usage *Usage // non-nil once final usage is known
	Done  bool
	Err   error
}

// --- Routing ---

// RouteType identifies which routing rule selected the target model.
type RouteType string

const (
	RouteDefault    RouteType = "default"
	RouteWebSearch  RouteType = "websearch"
	RouteThink      RouteType = "think"
	RouteBackground RouteType = "background"
)

// RouteDecision is the router's verdict for a request. Model may carry a
// "provider,model" pair or a bare model name.
type RouteDecision struct {
	Model string
	Route RouteType
}

// --- Usage accounting ---

// UsageRecord is a single completed request, persisted asynchronously.
type UsageRecord struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	Route        string    `json:"route"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Stream       bool      `json:"stream"`
	LatencyMs    int       `json:"latency_ms"`
	StatusCode   int       `json:"status_code"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageFilter narrows usage queries.
type UsageFilter struct {
	Model    string
	Provider string
	Since    time.Time
	Limit    int
	Offset   int
}

// UsageSummary aggregates usage per model and provider.
type UsageSummary struct {
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	Requests     int    `json:"requests"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
