package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *TokenStore {
	t.Helper()
	store, err := NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestGeneratePKCE(t *testing.T) {
	t.Parallel()

	pkce, err := GeneratePKCE()
	if err != nil {
		t.Fatal(err)
	}

	// 32 bytes of entropy encode to 43 URL-safe chars without padding.
	if len(pkce.Verifier) != 43 {
		t.Errorf("verifier length = %d, want 43", len(pkce.Verifier))
	}
	if strings.ContainsAny(pkce.Verifier, "+/=") {
		t.Errorf("verifier not URL-safe: %q", pkce.Verifier)
	}

	sum := sha256.Sum256([]byte(pkce.Verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if pkce.Challenge != want {
		t.Errorf("challenge = %q, want %q", pkce.Challenge, want)
	}

	other, err := GeneratePKCE()
	if err != nil {
		t.Fatal(err)
	}
	if other.Verifier == pkce.Verifier {
		t.Error("two PKCE verifiers should differ")
	}
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()

	client := NewClient(Anthropic(), newTestStore(t))
	authURL, err := client.AuthorizationURL()
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(authURL.URL)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "claude.ai" || u.Path != "/oauth/authorize" {
		t.Errorf("unexpected endpoint: %s", authURL.URL)
	}

	q := u.Query()
	checks := map[string]string{
		"code":                  "true",
		"client_id":             "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		"response_type":         "code",
		"redirect_uri":          "https://console.anthropic.com/oauth/code/callback",
		"scope":                 "org:create_api_key user:profile user:inference",
		"code_challenge_method": "S256",
		"state":                 authURL.Verifier,
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("query %s = %q, want %q", k, got, want)
		}
	}
	if q.Get("code_challenge") != ChallengeS256(authURL.Verifier) {
		t.Error("code_challenge does not match verifier")
	}
}

func TestAnthropicConsoleConfig(t *testing.T) {
	t.Parallel()

	c := AnthropicConsole()
	if c.AuthURL != "https://console.anthropic.com/oauth/authorize" {
		t.Errorf("auth url = %q", c.AuthURL)
	}
	// Everything else matches the claude.ai flow.
	if c.TokenURL != Anthropic().TokenURL || c.ClientID != Anthropic().ClientID {
		t.Error("console config should share token endpoint and client id")
	}
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	store := newTestStore(t)
	client := NewClient(Anthropic(), store)
	client.SetTokenURL(srv.URL)

	rec, err := client.ExchangeCode(t.Context(), "authcode#somestate", "verifier-v", "claude-max")
	if err != nil {
		t.Fatal(err)
	}

	if got["code"] != "authcode" {
		t.Errorf("code = %q, want authcode", got["code"])
	}
	if got["state"] != "somestate" {
		t.Errorf("state = %q, want somestate", got["state"])
	}
	if got["grant_type"] != "authorization_code" || got["code_verifier"] != "verifier-v" {
		t.Errorf("unexpected request: %v", got)
	}

	if rec.AccessToken != "at-1" || rec.RefreshToken != "rt-1" {
		t.Errorf("unexpected record: %+v", rec)
	}
	until := time.Until(rec.ExpiresAt)
	if until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("expires_at %v not ~1h out", until)
	}

	if _, ok := store.Get("claude-max"); !ok {
		t.Error("exchanged token not persisted")
	}
}

func TestExchangeCodeWithoutState(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "a", "refresh_token": "r", "expires_in": 60})
	}))
	defer srv.Close()

	client := NewClient(Anthropic(), newTestStore(t))
	client.SetTokenURL(srv.URL)

	// No '#' in the pasted code: state falls back to the verifier.
	if _, err := client.ExchangeCode(t.Context(), "bare-code", "my-verifier", "p"); err != nil {
		t.Fatal(err)
	}
	if got["code"] != "bare-code" || got["state"] != "my-verifier" {
		t.Errorf("unexpected request: %v", got)
	}
}

func TestRefreshPreservesMetadata(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]string
		json.NewDecoder(r.Body).Decode(&got)
		if got["grant_type"] != "refresh_token" || got["refresh_token"] != "old-rt" {
			t.Errorf("unexpected refresh request: %v", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "new-at", "refresh_token": "new-rt", "expires_in": 3600})
	}))
	defer srv.Close()

	store := newTestStore(t)
	store.Save(TokenRecord{
		ProviderID:    "gemini-oauth",
		AccessToken:   "old-at",
		RefreshToken:  "old-rt",
		ExpiresAt:     time.Now().Add(-time.Minute),
		EnterpriseURL: "https://corp.example.com",
		ProjectID:     "proj-1",
	})

	client := NewClient(Anthropic(), store)
	client.SetTokenURL(srv.URL)

	rec, err := client.Refresh(t.Context(), "gemini-oauth")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessToken != "new-at" || rec.RefreshToken != "new-rt" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.EnterpriseURL != "https://corp.example.com" || rec.ProjectID != "proj-1" {
		t.Error("refresh must preserve enterprise_url and project_id")
	}
}

func TestRefreshFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	store := newTestStore(t)
	store.Save(TokenRecord{ProviderID: "p", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Hour)})

	client := NewClient(Anthropic(), store)
	client.SetTokenURL(srv.URL)

	_, err := client.Refresh(t.Context(), "p")
	if err == nil {
		t.Fatal("expected refresh error")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Status != http.StatusBadRequest {
		t.Errorf("unexpected error: %v", err)
	}

	// The stale record must survive so the user can re-auth or retry.
	if _, ok := store.Get("p"); !ok {
		t.Error("record deleted after failed refresh")
	}
}

func TestAccessTokenRefreshesOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "refresh_token": "rt2", "expires_in": 3600})
	}))
	defer srv.Close()

	store := newTestStore(t)
	store.Save(TokenRecord{ProviderID: "p", AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Minute)})

	client := NewClient(Anthropic(), store)
	client.SetTokenURL(srv.URL)

	for range 3 {
		tok, err := client.AccessToken(t.Context(), "p")
		if err != nil {
			t.Fatal(err)
		}
		if tok != "fresh" {
			t.Errorf("token = %q, want fresh", tok)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
}

func TestAccessTokenValid(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.Save(TokenRecord{ProviderID: "p", AccessToken: "valid", ExpiresAt: time.Now().Add(time.Hour)})

	// Token endpoint unreachable on purpose: a valid token needs no refresh.
	client := NewClient(Anthropic(), store)
	client.SetTokenURL("http://127.0.0.1:0")

	tok, err := client.AccessToken(t.Context(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "valid" {
		t.Errorf("token = %q", tok)
	}
}
