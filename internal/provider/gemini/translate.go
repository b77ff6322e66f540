// Package gemini implements the gateway.Provider adapter for Google Gemini
// across three backends: the public API (key auth), Vertex AI (ADC bearer
// tokens), and the Code Assist API (OAuth).
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/ccmux/internal"
)

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// geminiTool is a oneof: exactly one field is set per entry.
type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
	URLContext           *struct{}             `json:"urlContext,omitempty"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// codeAssistRequest wraps a geminiRequest for the Code Assist API.
type codeAssistRequest struct {
	Model        string          `json:"model"`
	Project      string          `json:"project,omitempty"`
	UserPromptID string          `json:"user_prompt_id,omitempty"`
	Request      codeAssistInner `json:"request"`
}

type codeAssistInner struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
}

// defaultTopK is applied when the caller sets none.
const defaultTopK = 40

// supportsTools reports whether the model accepts function calling. The lite
// tier rejects a tools field outright.
func supportsTools(model string) bool {
	return !strings.Contains(model, "lite")
}

// toGeminiRequest translates an Anthropic-format request to the
// generateContent shape. Assistant maps to the "model" role; tool_use and
// tool_result blocks have no stable mapping and are dropped.
func toGeminiRequest(req *gateway.MessagesRequest) *geminiRequest {
	out := &geminiRequest{}

	if !req.System.IsZero() {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.System.Text()}},
		}
	}

	for _, msg := range req.Messages {
		var role string
		switch msg.Role {
		case "user":
			role = "user"
		case "assistant":
			role = "model"
		default:
			continue
		}

		var parts []geminiPart
		for _, b := range msg.Content.Blocks {
			switch b.Type {
			case "text":
				parts = append(parts, geminiPart{Text: b.Text})
			case "image":
				if b.Source != nil && b.Source.Type == "base64" {
					parts = append(parts, geminiPart{InlineData: &inlineData{
						MimeType: b.Source.MediaType,
						Data:     b.Source.Data,
					}})
				}
			case "thinking":
				parts = append(parts, geminiPart{Text: b.Thinking})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: parts})
	}

	topK := defaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	out.GenerationConfig = &generationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            &topK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.StopSequences,
	}

	if len(req.Tools) > 0 && supportsTools(req.Model) {
		out.Tools = translateTools(req.Tools)
	}

	return out
}

// translateTools maps tools to native Gemini tools where possible; everything
// else becomes a single functionDeclarations group.
func translateTools(tools []gateway.Tool) []geminiTool {
	var out []geminiTool
	var decls []functionDeclaration

	for _, t := range tools {
		switch t.Name {
		case "WebSearch":
			out = append(out, geminiTool{GoogleSearch: &struct{}{}})
		case "WebFetch":
			out = append(out, geminiTool{URLContext: &struct{}{}})
		case "":
			// server tools (type-only) have no Gemini equivalent
		default:
			decls = append(decls, functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  cleanSchema(t.InputSchema),
			})
		}
	}
	if len(decls) > 0 {
		out = append(out, geminiTool{FunctionDeclarations: decls})
	}
	return out
}

// schemaMetaKeys are JSON Schema fields the Gemini API rejects.
var schemaMetaKeys = []string{
	"$schema", "$id", "$ref", "$comment",
	"exclusiveMinimum", "exclusiveMaximum", "definitions", "$defs",
}

// cleanSchema strips unsupported JSON Schema metadata, recursively.
func cleanSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	cleanValue(v)
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func cleanValue(v any) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range schemaMetaKeys {
			delete(t, k)
		}
		for _, child := range t {
			cleanValue(child)
		}
	case []any:
		for _, child := range t {
			cleanValue(child)
		}
	}
}

// responseID builds the synthetic message ID; the upstream has none.
func responseID() string {
	return fmt.Sprintf("gemini-%d", time.Now().UnixMilli())
}

// fromGeminiResponse translates a generateContent JSON body to the Anthropic
// shape. Code Assist responses nest the payload under "response".
func fromGeminiResponse(data []byte, model string) (*gateway.MessagesResponse, error) {
	r := gjson.ParseBytes(data)
	if nested := r.Get("response"); nested.Exists() {
		r = nested
	}

	candidate := r.Get("candidates.0")
	if !candidate.Exists() {
		return nil, fmt.Errorf("%w: gemini: response has no candidates", gateway.ErrUpstreamMalformed)
	}

	var content []gateway.ContentBlock
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			content = append(content, gateway.ContentBlock{Type: "text", Text: text.String()})
		}
		return true
	})

	usage := r.Get("usageMetadata")
	return &gateway.MessagesResponse{
		ID:         responseID(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: gateway.StopReasonPtr(mapFinishReason(candidate.Get("finishReason").String())),
		Usage: gateway.Usage{
			InputTokens:  int(usage.Get("promptTokenCount").Int()),
			OutputTokens: int(usage.Get("candidatesTokenCount").Int()),
		},
	}, nil
}

// mapFinishReason maps a Gemini finish reason to an Anthropic stop_reason.
// Unknown reasons map to the empty string, serialized as null.
func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return gateway.StopEndTurn
	case "MAX_TOKENS":
		return gateway.StopMaxTokens
	default:
		return ""
	}
}
