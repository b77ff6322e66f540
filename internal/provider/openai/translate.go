package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	gateway "github.com/eugener/ccmux/internal"
)

// chatRequest is the OpenAI Chat Completions request shape.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"` // string or []contentPart
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   json.RawMessage `json:"content"`
			Reasoning string          `json:"reasoning"`
			ToolCalls []chatToolCall  `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// toChatRequest translates an Anthropic-format request to the Chat
// Completions shape. Tool results become separate role:"tool" messages,
// tool_use blocks become assistant tool_calls, and images become data URIs.
func toChatRequest(req *gateway.MessagesRequest, stream bool) *chatRequest {
	out := &chatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      stream,
	}

	if !req.System.IsZero() {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: systemText(req.System)})
	}

	for _, msg := range req.Messages {
		var parts []contentPart
		var toolCalls []chatToolCall
		var toolResults []gateway.ContentBlock

		for _, b := range msg.Content.Blocks {
			switch b.Type {
			case "text":
				parts = append(parts, contentPart{Type: "text", Text: b.Text})
			case "image":
				if b.Source != nil && b.Source.Type == "base64" {
					uri := fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
					parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: uri}})
				}
			case "tool_use":
				toolCalls = append(toolCalls, chatToolCall{
					ID:       b.ID,
					Type:     "function",
					Function: functionCall{Name: b.Name, Arguments: string(b.Input)},
				})
			case "tool_result":
				toolResults = append(toolResults, b)
			}
			// thinking blocks have no Chat Completions equivalent
		}

		if len(parts) > 0 || len(toolCalls) > 0 {
			m := chatMessage{Role: msg.Role, ToolCalls: toolCalls}
			if len(parts) == 1 && parts[0].Type == "text" {
				m.Content = parts[0].Text
			} else if len(parts) > 0 {
				m.Content = parts
			}
			out.Messages = append(out.Messages, m)
		}

		for _, tr := range toolResults {
			out.Messages = append(out.Messages, chatMessage{
				Role:       "tool",
				Content:    toolResultText(tr.Content),
				ToolCallID: tr.ToolUseID,
			})
		}
	}

	for _, tool := range req.Tools {
		if tool.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: functionDef{Name: tool.Name, Description: tool.Description, Parameters: tool.InputSchema},
		})
	}

	return out
}

// fromChatResponse translates a Chat Completions response back to the
// Anthropic shape.
func fromChatResponse(resp *chatResponse) (*gateway.MessagesResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	choice := resp.Choices[0]

	var content []gateway.ContentBlock
	if text := contentText(choice.Message.Content); text != "" {
		content = append(content, gateway.ContentBlock{Type: "text", Text: text})
	} else if choice.Message.Reasoning != "" {
		// Some OpenAI-compatible upstreams put the answer in reasoning.
		content = append(content, gateway.ContentBlock{Type: "text", Text: choice.Message.Reasoning})
	}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, gateway.ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}

	return &gateway.MessagesResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      resp.Model,
		StopReason: gateway.StopReasonPtr(choice.FinishReason),
		Usage: gateway.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// mapFinishReason maps an OpenAI finish_reason to an Anthropic stop_reason
// for the synthesized streaming message_delta frame. Non-streaming responses
// carry the upstream finish_reason through untouched.
// Unknown reasons map to the empty string, serialized as null.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return gateway.StopEndTurn
	case "length":
		return gateway.StopMaxTokens
	default:
		return ""
	}
}

// systemText flattens a system prompt to newline-joined text.
func systemText(s gateway.SystemPrompt) string {
	texts := make([]string, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// contentText extracts text from a message content value that may be a bare
// string, a part array, or null.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []contentPart
	if json.Unmarshal(raw, &parts) == nil {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Type == "text" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

// toolResultText flattens a tool_result payload to plain text.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []gateway.ContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		texts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}
