package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/provider"
	"github.com/eugener/ccmux/internal/provider/sseutil"
)

// chatgptBaseURL is the backend used for OAuth (ChatGPT Codex) requests.
const chatgptBaseURL = "https://chatgpt.com/backend-api"

// codexInstructions is the fixed system prompt the Codex backend expects.
// The backend rejects requests whose instructions it does not recognize, so
// the caller's system prompt travels as a user input item instead.
const codexInstructions = "You are Codex, based on GPT-5. You are running as a coding agent in the Codex CLI on a user's computer."

// responsesRequest is the Responses API request shape. The Codex backend
// supports none of max_output_tokens, temperature, top_p, or stop.
type responsesRequest struct {
	Model        string          `json:"model"`
	Input        []responseInput `json:"input"`
	Instructions string          `json:"instructions"`
	Store        bool            `json:"store"`
	Stream       bool            `json:"stream"`
}

type responseInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// toResponsesRequest flattens an Anthropic-format request into Responses API
// input items. The system prompt is prepended as a user item because the
// Codex backend has no separate system role.
func toResponsesRequest(req *gateway.MessagesRequest) *responsesRequest {
	var input []responseInput
	if !req.System.IsZero() {
		input = append(input, responseInput{Role: "user", Content: systemText(req.System)})
	}
	for _, msg := range req.Messages {
		var texts []string
		for _, b := range msg.Content.Blocks {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			}
		}
		input = append(input, responseInput{Role: msg.Role, Content: strings.Join(texts, "\n")})
	}
	return &responsesRequest{
		Model:        req.Model,
		Input:        input,
		Instructions: codexInstructions,
		Store:        false,
		Stream:       true,
	}
}

// accountIDFromToken extracts the ChatGPT account ID claim from the access
// token without verifying the signature; the backend does its own checks.
func accountIDFromToken(accessToken string) string {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	return gjson.GetBytes(payload, `https://api\.openai\.com/auth.chatgpt_account_id`).String()
}

// setCodexHeaders applies the header set the ChatGPT backend requires,
// including browser-mimicking headers that keep Cloudflare from rejecting
// non-browser clients.
func setCodexHeaders(h http.Header, accessToken string) {
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	h.Set("OpenAI-Beta", "responses=experimental")
	h.Set("originator", "codex_cli_rs")
	h.Set("session_id", uuid.Must(uuid.NewV7()).String())
	if accountID := accountIDFromToken(accessToken); accountID != "" {
		h.Set("chatgpt-account-id", accountID)
	}
	h.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	h.Set("Origin", "https://chatgpt.com")
	h.Set("Referer", "https://chatgpt.com/")
	h.Set("sec-ch-ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
	h.Set("sec-ch-ua-mobile", "?0")
	h.Set("sec-ch-ua-platform", `"macOS"`)
	h.Set("sec-fetch-dest", "empty")
	h.Set("sec-fetch-mode", "cors")
	h.Set("sec-fetch-site", "same-origin")
}

// sendResponses issues a Responses API call and assembles the final message
// from the response.completed event.
func (c *Client) sendResponses(ctx context.Context, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
	resp, err := c.doResponses(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	completed, err := scanForCompleted(resp.Body)
	if err != nil {
		return nil, err
	}

	var content []gateway.ContentBlock
	for _, item := range gjson.Get(completed, "response.output").Array() {
		text := item.Get("content.0.text").String()
		if text == "" {
			continue
		}
		switch item.Get("type").String() {
		case "reasoning":
			content = append(content, gateway.ContentBlock{Type: "thinking", Thinking: text, Signature: ""})
		case "message":
			content = append(content, gateway.ContentBlock{Type: "text", Text: text})
		}
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("openai: responses stream contained no content")
	}

	// The Codex backend reports no usable token counts.
	return &gateway.MessagesResponse{
		ID:         gjson.Get(completed, "response.id").String(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      req.Model,
		StopReason: gateway.StopReasonPtr(gateway.StopEndTurn),
	}, nil
}

// streamResponses issues a streaming Responses API call, translating
// response.* events into Anthropic-format frames.
func (c *Client) streamResponses(ctx context.Context, req *gateway.MessagesRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := c.doResponses(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 8)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var state responsesStreamState
		scanner := sseutil.NewScanner(resp.Body)
		var currentEvent string
		for scanner.Scan() {
			event, data, ok := sseutil.ParseSSELine(scanner.Text())
			if !ok {
				continue
			}
			if event != "" {
				currentEvent = event
				continue
			}
			if data == "" {
				continue
			}
			for _, chunk := range state.handleEvent(currentEvent, data) {
				if !send(ctx, ch, chunk) {
					return
				}
				if chunk.Done {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- gateway.StreamChunk{Err: fmt.Errorf("openai: read responses stream: %w", err)}
		}
	}()
	return ch, nil
}

// responsesStreamState translates Responses API events into Anthropic frames.
type responsesStreamState struct {
	started   bool
	id        string
	model     string
	nextIndex int
	blockOpen bool
}

func (s *responsesStreamState) handleEvent(event, data string) []gateway.StreamChunk {
	switch event {
	case "response.created":
		s.started = true
		s.id = gjson.Get(data, "response.id").String()
		s.model = gjson.Get(data, "response.model").String()
		return []gateway.StreamChunk{{Data: sseutil.MessageStart(s.id, s.model, 0)}}

	case "response.output_item.added":
		var out []gateway.StreamChunk
		out = append(out, s.close()...)
		idx := s.nextIndex
		s.nextIndex++
		s.blockOpen = true
		shell := map[string]any{"type": "text", "text": ""}
		if gjson.Get(data, "item.type").String() == "reasoning" {
			shell = map[string]any{"type": "thinking", "thinking": "", "signature": ""}
		}
		return append(out, gateway.StreamChunk{Data: sseutil.ContentBlockStart(idx, shell)})

	case "response.output_text.delta":
		return []gateway.StreamChunk{{Data: sseutil.TextDelta(s.openIndex(), gjson.Get(data, "delta").String())}}

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return []gateway.StreamChunk{{Data: sseutil.ThinkingDelta(s.openIndex(), gjson.Get(data, "delta").String())}}

	case "response.completed":
		var out []gateway.StreamChunk
		out = append(out, s.close()...)
		usage := gateway.Usage{
			InputTokens:  int(gjson.Get(data, "response.usage.input_tokens").Int()),
			OutputTokens: int(gjson.Get(data, "response.usage.output_tokens").Int()),
		}
		out = append(out, gateway.StreamChunk{Data: sseutil.MessageDelta(gateway.StopEndTurn, usage)})
		out = append(out, gateway.StreamChunk{Data: sseutil.MessageStop(), Usage: &usage, Done: true})
		return out

	default:
		return nil
	}
}

func (s *responsesStreamState) openIndex() int {
	if s.nextIndex == 0 {
		return 0
	}
	return s.nextIndex - 1
}

func (s *responsesStreamState) close() []gateway.StreamChunk {
	if !s.blockOpen {
		return nil
	}
	s.blockOpen = false
	return []gateway.StreamChunk{{Data: sseutil.ContentBlockStop(s.openIndex())}}
}

// doResponses builds and issues the Responses API HTTP request.
func (c *Client) doResponses(ctx context.Context, req *gateway.MessagesRequest) (*http.Response, error) {
	body, err := json.Marshal(toResponsesRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal responses request: %w", err)
	}

	baseURL, endpoint := c.baseURL, "/responses"
	token := c.apiKey
	if c.isOAuth() {
		baseURL, endpoint = chatgptBaseURL, "/codex/responses"
		token, err = c.tokens.AccessToken(ctx, c.oauthProvider)
		if err != nil {
			return nil, fmt.Errorf("openai: oauth token: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create responses request: %w", err)
	}
	if c.isOAuth() {
		setCodexHeaders(httpReq.Header, token)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do responses request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.name, resp)
	}
	return resp, nil
}

// scanForCompleted reads SSE lines until the response.completed event and
// returns its data payload.
func scanForCompleted(body io.Reader) (string, error) {
	scanner := sseutil.NewScanner(body)
	var completed bool
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			completed = event == "response.completed"
			continue
		}
		if completed && data != "" {
			return data, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("openai: read responses stream: %w", err)
	}
	return "", fmt.Errorf("openai: responses stream ended without response.completed")
}
