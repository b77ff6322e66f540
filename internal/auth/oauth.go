package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const createAPIKeyURL = "https://api.anthropic.com/api/oauth/claude_cli/create_api_key"

// Config describes one OAuth authorization server.
type Config struct {
	ClientID    string
	AuthURL     string
	TokenURL    string
	RedirectURI string
	Scopes      []string
}

// Anthropic returns the claude.ai OAuth configuration (Claude Max flow).
func Anthropic() Config {
	return Config{
		ClientID:    "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		AuthURL:     "https://claude.ai/oauth/authorize",
		TokenURL:    "https://console.anthropic.com/v1/oauth/token",
		RedirectURI: "https://console.anthropic.com/oauth/code/callback",
		Scopes:      []string{"org:create_api_key", "user:profile", "user:inference"},
	}
}

// AnthropicConsole returns the console.anthropic.com OAuth configuration.
// Same client, different authorization page.
func AnthropicConsole() Config {
	c := Anthropic()
	c.AuthURL = "https://console.anthropic.com/oauth/authorize"
	return c
}

// Gemini returns the Google OAuth configuration used by the Code Assist API.
func Gemini() Config {
	return Config{
		ClientID:    "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
		AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:    "https://oauth2.googleapis.com/token",
		RedirectURI: "http://localhost:8085/oauth2callback",
		Scopes: []string{
			"https://www.googleapis.com/auth/cloud-platform",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
	}
}

// OpenAI returns the ChatGPT OAuth configuration used by the Codex backend.
func OpenAI() Config {
	return Config{
		ClientID:    "app_EMoamEEZ73f0CkXaXp7hrann",
		AuthURL:     "https://auth.openai.com/oauth/authorize",
		TokenURL:    "https://auth.openai.com/oauth/token",
		RedirectURI: "http://localhost:1455/auth/callback",
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
	}
}

// ConfigForType returns the OAuth config for an oauth_type string used by the
// management API ("anthropic", "anthropic-console", "gemini" or "openai").
func ConfigForType(oauthType string) (Config, error) {
	switch oauthType {
	case "", "anthropic", "claude-max":
		return Anthropic(), nil
	case "anthropic-console", "console":
		return AnthropicConsole(), nil
	case "gemini", "google":
		return Gemini(), nil
	case "openai", "codex", "chatgpt":
		return OpenAI(), nil
	default:
		return Config{}, fmt.Errorf("unknown oauth type %q", oauthType)
	}
}

// PKCE holds a generated verifier/challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE creates a PKCE pair: 32 random bytes, URL-safe base64 without
// padding, with an S256 challenge.
func GeneratePKCE() (PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PKCE{}, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	return PKCE{Verifier: verifier, Challenge: ChallengeS256(verifier)}, nil
}

// ChallengeS256 computes the S256 code challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthorizationURL is a PKCE authorize URL plus the verifier the caller must
// keep for the exchange step.
type AuthorizationURL struct {
	URL      string `json:"url"`
	Verifier string `json:"verifier"`
}

// Client drives the OAuth flow for a single authorization server, persisting
// results to a shared token store.
type Client struct {
	config Config
	store  *TokenStore
	http   *http.Client

	// one refresh in flight per provider
	refreshMu sync.Mutex
	refreshes map[string]*sync.Mutex
}

// NewClient returns a Client for config backed by store.
func NewClient(config Config, store *TokenStore) *Client {
	return &Client{
		config:    config,
		store:     store,
		http:      &http.Client{Timeout: 30 * time.Second},
		refreshes: map[string]*sync.Mutex{},
	}
}

// AuthorizationURL builds the PKCE authorize URL. The verifier doubles as the
// OAuth state parameter.
func (c *Client) AuthorizationURL() (AuthorizationURL, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return AuthorizationURL{}, err
	}

	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", c.config.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", c.config.RedirectURI)
	q.Set("scope", strings.Join(c.config.Scopes, " "))
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", pkce.Verifier)

	return AuthorizationURL{
		URL:      c.config.AuthURL + "?" + q.Encode(),
		Verifier: pkce.Verifier,
	}, nil
}

// AuthError is a non-2xx response from the authorization server.
type AuthError struct {
	Op     string
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("oauth %s failed: status %d: %s", e.Op, e.Status, e.Body)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExchangeCode trades a pasted authorization code for tokens and saves them
// under providerID. Codes pasted from the browser arrive as "code#state";
// when the state half is missing, the verifier stands in for it.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, providerID string) (TokenRecord, error) {
	authCode, state, found := strings.Cut(code, "#")
	if !found || state == "" {
		state = verifier
	}

	body := map[string]string{
		"code":          authCode,
		"state":         state,
		"grant_type":    "authorization_code",
		"client_id":     c.config.ClientID,
		"redirect_uri":  c.config.RedirectURI,
		"code_verifier": verifier,
	}

	tr, err := c.postToken(ctx, "exchange", body)
	if err != nil {
		return TokenRecord{}, err
	}

	rec := TokenRecord{
		ProviderID:   providerID,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	if err := c.store.Save(rec); err != nil {
		return TokenRecord{}, err
	}
	return rec, nil
}

// Refresh exchanges the stored refresh token for a new access token. The
// stored record survives a failed refresh so the user can retry or re-auth.
func (c *Client) Refresh(ctx context.Context, providerID string) (TokenRecord, error) {
	existing, ok := c.store.Get(providerID)
	if !ok {
		return TokenRecord{}, fmt.Errorf("provider %q: %w", providerID, ErrNoToken)
	}

	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": existing.RefreshToken,
		"client_id":     c.config.ClientID,
	}

	tr, err := c.postToken(ctx, "refresh", body)
	if err != nil {
		return TokenRecord{}, err
	}

	rec := TokenRecord{
		ProviderID:    providerID,
		AccessToken:   tr.AccessToken,
		RefreshToken:  tr.RefreshToken,
		ExpiresAt:     time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		EnterpriseURL: existing.EnterpriseURL,
		ProjectID:     existing.ProjectID,
	}
	if err := c.store.Save(rec); err != nil {
		return TokenRecord{}, err
	}
	return rec, nil
}

// AccessToken returns a valid access token for providerID, refreshing first
// when the stored token is inside the refresh window. At most one refresh per
// provider runs at a time; latecomers reuse its result.
func (c *Client) AccessToken(ctx context.Context, providerID string) (string, error) {
	rec, ok := c.store.Get(providerID)
	if !ok {
		return "", fmt.Errorf("provider %q: %w", providerID, ErrNoToken)
	}
	if !rec.NeedsRefresh() {
		return rec.AccessToken, nil
	}

	mu := c.providerMutex(providerID)
	mu.Lock()
	defer mu.Unlock()

	// Re-check: another caller may have refreshed while we waited.
	if rec, ok := c.store.Get(providerID); ok && !rec.NeedsRefresh() {
		return rec.AccessToken, nil
	}

	refreshed, err := c.Refresh(ctx, providerID)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Record returns the stored token record for providerID. Callers that need
// record metadata (Gemini project ID, enterprise URL) use this instead of
// AccessToken.
func (c *Client) Record(providerID string) (TokenRecord, bool) {
	return c.store.Get(providerID)
}

// CreateAPIKey mints a long-lived Anthropic API key using the stored OAuth
// credential (console flow).
func (c *Client) CreateAPIKey(ctx context.Context, providerID string) (string, error) {
	token, err := c.AccessToken(ctx, providerID)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, createAPIKeyURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &AuthError{Op: "create_api_key", Status: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		RawKey string `json:"raw_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse api key response: %w", err)
	}
	return out.RawKey, nil
}

func (c *Client) postToken(ctx context.Context, op string, body map[string]string) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &AuthError{Op: op, Status: resp.StatusCode, Body: string(respBody)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", op, err)
	}
	return &tr, nil
}

func (c *Client) providerMutex(providerID string) *sync.Mutex {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	mu, ok := c.refreshes[providerID]
	if !ok {
		mu = &sync.Mutex{}
		c.refreshes[providerID] = mu
	}
	return mu
}

// SetHTTPClient overrides the HTTP client. Intended for tests and for sharing
// the gateway's pooled transport.
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// SetTokenURL overrides the token endpoint. Intended for tests.
func (c *Client) SetTokenURL(u string) { c.config.TokenURL = u }
