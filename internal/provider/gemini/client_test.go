package gemini

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/auth"
)

func testRequest(model string) *gateway.MessagesRequest {
	return &gateway.MessagesRequest{
		Model:     model,
		MaxTokens: 100,
		Messages: []gateway.Message{
			{Role: "user", Content: gateway.TextContent("hello")},
		},
	}
}

const okResponse = `{
	"candidates": [{"content": {"role": "model", "parts": [{"text": "hi"}]}, "finishReason": "STOP"}],
	"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 2}
}`

func TestSendMessageAPIKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-pro:generateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "gk-test" {
			t.Errorf("key = %q", got)
		}

		var req geminiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Contents) != 1 || req.Contents[0].Role != "user" {
			t.Errorf("contents: %+v", req.Contents)
		}
		if req.GenerationConfig == nil || req.GenerationConfig.MaxOutputTokens != 100 {
			t.Errorf("generation config: %+v", req.GenerationConfig)
		}
		if req.GenerationConfig.TopK == nil || *req.GenerationConfig.TopK != 40 {
			t.Errorf("topK should default to 40: %+v", req.GenerationConfig.TopK)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(okResponse))
	}))
	defer srv.Close()

	c := New(Options{Name: "gem", APIKey: "gk-test", BaseURL: srv.URL, Models: []string{"gemini-2.5-pro"}})

	resp, err := c.SendMessage(t.Context(), testRequest("gemini-2.5-pro"))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hi" {
		t.Errorf("content: %+v", resp.Content)
	}
	if resp.StopReason == nil || *resp.StopReason != "end_turn" {
		t.Errorf("stop_reason: %v", resp.StopReason)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage: %+v", resp.Usage)
	}
	if !strings.HasPrefix(resp.ID, "gemini-") {
		t.Errorf("id = %q", resp.ID)
	}
}

func TestSendMessageCodeAssist(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:generateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gt-123" {
			t.Errorf("authorization = %q", got)
		}

		var req codeAssistRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gemini-2.5-pro" || req.Project != "my-project" {
			t.Errorf("wrapper: model=%q project=%q", req.Model, req.Project)
		}
		if !strings.HasPrefix(req.UserPromptID, "gemini-") {
			t.Errorf("user_prompt_id = %q", req.UserPromptID)
		}
		if len(req.Request.Contents) != 1 {
			t.Errorf("inner contents: %+v", req.Request.Contents)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response": ` + okResponse + `}`))
	}))
	defer srv.Close()

	store, err := auth.NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(auth.TokenRecord{
		ProviderID:  "gem",
		AccessToken: "gt-123",
		ProjectID:   "my-project",
		ExpiresAt:   time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	c := New(Options{
		Name:          "gem",
		BaseURL:       srv.URL + "/v1internal",
		OAuthProvider: "gem",
		Tokens:        auth.NewClient(auth.Gemini(), store),
	})

	resp, err := c.SendMessage(t.Context(), testRequest("gemini-2.5-pro"))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hi" {
		t.Errorf("content: %+v", resp.Content)
	}
}

func TestVertexURL(t *testing.T) {
	t.Parallel()

	c := New(Options{Name: "v", ProjectID: "proj", Location: "us-central1"})
	if c.baseURL != "https://us-central1-aiplatform.googleapis.com/v1" {
		t.Errorf("base = %q", c.baseURL)
	}
	want := "https://us-central1-aiplatform.googleapis.com/v1/projects/proj/locations/us-central1/publishers/google/models/gemini-2.5-pro:generateContent"
	if got := c.generateURL("gemini-2.5-pro", false); got != want {
		t.Errorf("url = %q, want %q", got, want)
	}
	if got := c.generateURL("gemini-2.5-pro", true); !strings.HasSuffix(got, ":streamGenerateContent?alt=sse") {
		t.Errorf("stream url = %q", got)
	}
}

func TestRateLimitRetry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":429,"details":[
				{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"10ms"}]}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(okResponse))
	}))
	defer srv.Close()

	c := New(Options{Name: "gem", APIKey: "k", BaseURL: srv.URL})
	if _, err := c.SendMessage(t.Context(), testRequest("gemini-2.5-pro")); err != nil {
		t.Fatal(err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestRateLimitNoDelayFailsFast(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"quota"}}`))
	}))
	defer srv.Close()

	c := New(Options{Name: "gem", APIKey: "k", BaseURL: srv.URL})
	_, err := c.SendMessage(t.Context(), testRequest("gemini-2.5-pro"))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestNotFoundHint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Options{Name: "gem", APIKey: "k", BaseURL: srv.URL})
	_, err := c.SendMessage(t.Context(), testRequest("gemini-3-pro-preview"))
	if err == nil || !strings.Contains(err.Error(), "preview model") {
		t.Errorf("expected preview hint, got %v", err)
	}
}

func TestStreamMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("alt"); got != "sse" {
			t.Errorf("alt = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}` + "\n\n"))
		w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}` + "\n\n"))
	}))
	defer srv.Close()

	c := New(Options{Name: "gem", APIKey: "k", BaseURL: srv.URL})
	ch, err := c.StreamMessage(t.Context(), testRequest("gemini-2.5-pro"))
	if err != nil {
		t.Fatal(err)
	}

	var joined strings.Builder
	var final gateway.StreamChunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		joined.Write(chunk.Data)
		if chunk.Done {
			final = chunk
		}
	}
	s := joined.String()

	for _, want := range []string{
		"event: message_start\n",
		"event: content_block_start\n",
		`"text":"Hel"`,
		`"text":"lo"`,
		"event: content_block_stop\n",
		`"stop_reason":"end_turn"`,
		"event: message_stop\n",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("stream missing %q\nstream:\n%s", want, s)
		}
	}
	if final.Usage == nil || final.Usage.InputTokens != 4 || final.Usage.OutputTokens != 2 {
		t.Errorf("final usage = %+v", final.Usage)
	}
}

func TestSupportsModel(t *testing.T) {
	t.Parallel()

	c := New(Options{Name: "gem", Models: []string{"gemini-2.5-pro"}})
	if !c.SupportsModel("gemini-2.5-pro") {
		t.Error("listed model should be supported")
	}
	if c.SupportsModel("gemini-2.0-flash") {
		t.Error("unlisted model should not be supported")
	}
}
