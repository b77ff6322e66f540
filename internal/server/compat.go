package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/ccmux/internal"
)

// The chat-completions shim accepts OpenAI-shaped requests, translates them
// to the canonical Messages format, dispatches through the normal path, and
// translates the response back.

const shimDefaultMaxTokens = 4096

type chatCompletionRequest struct {
	Model               string                  `json:"model"`
	Messages            []chatCompletionMessage `json:"messages"`
	MaxTokens           int                     `json:"max_tokens"`
	MaxCompletionTokens int                     `json:"max_completion_tokens"`
	Temperature         *float64                `json:"temperature"`
	TopP                *float64                `json:"top_p"`
	Stop                json.RawMessage         `json:"stop"`
	Stream              bool                    `json:"stream"`
	Tools               []chatCompletionTool    `json:"tools"`
	ToolChoice          json.RawMessage         `json:"tool_choice"`
}

type chatCompletionMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	// Index is only present on streaming deltas.
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatCompletionTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   chatCompletionUsage    `json:"usage"`
}

type chatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      *chatCompletionResult `json:"message,omitempty"`
	Delta        *chatCompletionResult `json:"delta,omitempty"`
	FinishReason *string               `json:"finish_reason"`
}

type chatCompletionResult struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var cr chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("parse request: "+err.Error()))
		return
	}

	req, err := shimToMessages(&cr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if cr.Stream {
		s.streamChatCompletions(w, r, req)
		return
	}

	resp, err := s.deps.Dispatcher.Send(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shimFromMessages(resp))
}

// shimToMessages converts an OpenAI request to the canonical format.
func shimToMessages(cr *chatCompletionRequest) (*gateway.MessagesRequest, error) {
	if cr.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(cr.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}

	maxTokens := cr.MaxCompletionTokens
	if maxTokens == 0 {
		maxTokens = cr.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = shimDefaultMaxTokens
	}

	req := &gateway.MessagesRequest{
		Model:       cr.Model,
		MaxTokens:   maxTokens,
		Temperature: cr.Temperature,
		TopP:        cr.TopP,
	}

	if len(cr.Stop) > 0 {
		var one string
		if err := json.Unmarshal(cr.Stop, &one); err == nil {
			req.StopSequences = []string{one}
		} else if err := json.Unmarshal(cr.Stop, &req.StopSequences); err != nil {
			return nil, fmt.Errorf("stop must be a string or string array")
		}
	}

	var systemParts []string
	for _, m := range cr.Messages {
		switch m.Role {
		case "system", "developer":
			systemParts = append(systemParts, contentText(m.Content))

		case "user":
			content, err := userContent(m.Content)
			if err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, gateway.Message{Role: "user", Content: content})

		case "assistant":
			var blocks []gateway.ContentBlock
			if text := contentText(m.Content); text != "" {
				blocks = append(blocks, gateway.ContentBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, gateway.ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			req.Messages = append(req.Messages, gateway.Message{Role: "assistant", Content: gateway.BlockContent(blocks...)})

		case "tool":
			result, _ := json.Marshal(contentText(m.Content))
			req.Messages = append(req.Messages, gateway.Message{
				Role: "user",
				Content: gateway.BlockContent(gateway.ContentBlock{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   result,
				}),
			})

		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(systemParts) > 0 {
		req.System = gateway.SystemText(strings.Join(systemParts, "\n\n"))
	}

	for _, t := range cr.Tools {
		if t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, gateway.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return req, nil
}

// contentText extracts plain text from a string or content-part array.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []chatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// userContent converts user message content, preserving inline images sent
// as base64 data URIs.
func userContent(raw json.RawMessage) (gateway.MessageContent, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return gateway.TextContent(s), nil
	}

	var parts []chatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return gateway.MessageContent{}, fmt.Errorf("content must be a string or part array")
	}

	var blocks []gateway.ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, gateway.ContentBlock{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			mediaType, data, ok := parseDataURI(p.ImageURL.URL)
			if !ok {
				return gateway.MessageContent{}, fmt.Errorf("image_url must be a base64 data URI")
			}
			blocks = append(blocks, gateway.ContentBlock{
				Type:   "image",
				Source: &gateway.ImageSource{Type: "base64", MediaType: mediaType, Data: data},
			})
		}
	}
	return gateway.BlockContent(blocks...), nil
}

// parseDataURI splits "data:<media type>;base64,<data>".
func parseDataURI(uri string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	mediaType, data, found = strings.Cut(rest, ";base64,")
	if !found {
		return "", "", false
	}
	return mediaType, data, true
}

// shimFromMessages converts a canonical response to OpenAI shape.
func shimFromMessages(resp *gateway.MessagesResponse) *chatCompletionResponse {
	result := &chatCompletionResult{Role: "assistant"}
	var text strings.Builder
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			tc := chatToolCall{ID: b.ID, Type: "function"}
			tc.Function.Name = b.Name
			tc.Function.Arguments = string(b.Input)
			result.ToolCalls = append(result.ToolCalls, tc)
		}
	}
	result.Content = text.String()

	finish := shimFinishReason(resp.StopReason, len(result.ToolCalls) > 0)
	return &chatCompletionResponse{
		ID:      newChatCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatCompletionChoice{{Message: result, FinishReason: &finish}},
		Usage: chatCompletionUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func shimFinishReason(stopReason *string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	if stopReason == nil {
		return "stop"
	}
	switch *stopReason {
	case gateway.StopMaxTokens:
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func newChatCompletionID() string {
	return "chatcmpl-" + uuid.Must(uuid.NewV7()).String()
}
