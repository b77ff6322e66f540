// Package tokencount provides input token counting for providers without a
// count endpoint. OpenAI-family models get exact counts via tiktoken; all
// other models fall back to a ~4 chars per token heuristic.
package tokencount

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	gateway "github.com/eugener/ccmux/internal"
)

// Counter counts or estimates tokens for messages requests.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{encodings: map[string]*tiktoken.Tiktoken{}}
}

// CountRequest counts the input tokens of a request. Accounts for per-message
// overhead (role, formatting) per the OpenAI tokenization spec.
func (c *Counter) CountRequest(req *gateway.CountTokensRequest) int {
	count := c.textCounter(req.Model)

	total := 0
	if !req.System.IsZero() {
		total += count(req.System.Text())
	}
	for _, m := range req.Messages {
		total += 4 // per-message overhead
		total += count(m.Role)
		for _, b := range m.Content.Blocks {
			total += count(blockText(b))
		}
	}
	for _, tool := range req.Tools {
		total += count(tool.Name) + count(tool.Description) + count(string(tool.InputSchema))
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText counts tokens for a plain text string with the model's tokenizer.
func (c *Counter) CountText(model, text string) int {
	return max(c.textCounter(model)(text), 1)
}

// textCounter returns the counting function for model: tiktoken when the
// model has a known encoding, the byte heuristic otherwise.
func (c *Counter) textCounter(model string) func(string) int {
	if enc := c.encoding(model); enc != nil {
		return func(s string) int {
			if s == "" {
				return 0
			}
			return len(enc.Encode(s, nil, nil))
		}
	}
	return estimateTokens
}

func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model: cache the miss so we do not retry per request.
		c.encodings[model] = nil
		return nil
	}
	c.encodings[model] = enc
	return enc
}

// blockText flattens a content block to the text that costs tokens.
func blockText(b gateway.ContentBlock) string {
	switch b.Type {
	case "text":
		return b.Text
	case "thinking":
		return b.Thinking
	case "tool_use":
		return b.Name + string(b.Input)
	case "tool_result":
		return flattenToolResult(b.Content)
	default:
		return ""
	}
}

// flattenToolResult extracts text from a tool_result content payload, which
// may be a bare string or a block array.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []gateway.ContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var sb strings.Builder
		for _, b := range blocks {
			sb.WriteString(b.Text)
		}
		return sb.String()
	}
	return string(raw)
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}
