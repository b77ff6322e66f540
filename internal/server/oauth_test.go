package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/eugener/ccmux/internal/auth"
	"github.com/eugener/ccmux/internal/provider"
)

func newOAuthHandler(t *testing.T) (http.Handler, *auth.TokenStore) {
	t.Helper()
	store, err := auth.NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatal(err)
	}
	reg := provider.NewRegistry()
	h := New(Deps{Dispatcher: &fakeDispatcher{}, Providers: reg, Tokens: store})
	return h, store
}

func TestOAuthAuthorize(t *testing.T) {
	h, _ := newOAuthHandler(t)
	w := postJSON(t, h, "/api/oauth/authorize", `{"oauth_type":"anthropic"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["url"] == "" || resp["verifier"] == "" {
		t.Fatalf("incomplete response: %v", resp)
	}
}

func TestOAuthAuthorizeUnknownType(t *testing.T) {
	h, _ := newOAuthHandler(t)
	w := postJSON(t, h, "/api/oauth/authorize", `{"oauth_type":"mystery"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOAuthExchange(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-123",
			"refresh_token": "rt-456",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	store, err := auth.NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatal(err)
	}
	reg := provider.NewRegistry()
	h := New(Deps{
		Dispatcher: &fakeDispatcher{},
		Providers:  reg,
		Tokens:     store,
		NewAuthClient: func(oauthType string) (*auth.Client, error) {
			cfg, err := auth.ConfigForType(oauthType)
			if err != nil {
				return nil, err
			}
			c := auth.NewClient(cfg, store)
			c.SetTokenURL(tokenSrv.URL)
			return c, nil
		},
	})

	w := postJSON(t, h, "/api/oauth/exchange",
		`{"oauth_type":"anthropic","code":"auth-code","verifier":"pkce-verifier","provider_id":"my-claude"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var info TokenInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.ProviderID != "my-claude" || info.IsExpired {
		t.Fatalf("unexpected token info: %+v", info)
	}

	rec, ok := store.Get("my-claude")
	if !ok || rec.AccessToken != "at-123" {
		t.Fatalf("token not persisted: %+v", rec)
	}
}

func TestOAuthCallback(t *testing.T) {
	h, _ := newOAuthHandler(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/oauth/callback?code=auth-code&state=xyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["code"] != "auth-code" || resp["state"] != "xyz" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestOAuthCallbackProviderError(t *testing.T) {
	h, _ := newOAuthHandler(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/oauth/callback?error=access_denied&error_description=user+said+no", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOAuthCallbackMissingCode(t *testing.T) {
	h, _ := newOAuthHandler(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/oauth/callback", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOAuthExchangeMissingCode(t *testing.T) {
	h, _ := newOAuthHandler(t)
	w := postJSON(t, h, "/api/oauth/exchange", `{"oauth_type":"anthropic"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOAuthTokensList(t *testing.T) {
	h, store := newOAuthHandler(t)
	now := time.Now()
	store.Save(auth.TokenRecord{ProviderID: "gemini", AccessToken: "g", ExpiresAt: now.Add(time.Hour)})
	store.Save(auth.TokenRecord{ProviderID: "anthropic", AccessToken: "a", ExpiresAt: now.Add(-time.Hour)})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/oauth/tokens", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var infos []TokenInfo
	if err := json.Unmarshal(w.Body.Bytes(), &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d tokens, want 2", len(infos))
	}
	// sorted by provider id
	if infos[0].ProviderID != "anthropic" || !infos[0].IsExpired {
		t.Fatalf("first token: %+v", infos[0])
	}
	if infos[1].ProviderID != "gemini" || infos[1].IsExpired {
		t.Fatalf("second token: %+v", infos[1])
	}
}

func TestOAuthDelete(t *testing.T) {
	h, store := newOAuthHandler(t)
	store.Save(auth.TokenRecord{ProviderID: "gemini", AccessToken: "g"})

	w := postJSON(t, h, "/api/oauth/tokens/delete", `{"provider_id":"gemini"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if _, ok := store.Get("gemini"); ok {
		t.Fatal("token still present after delete")
	}
}

func TestOAuthDeleteMissing(t *testing.T) {
	h, _ := newOAuthHandler(t)
	w := postJSON(t, h, "/api/oauth/tokens/delete", `{"provider_id":"nope"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestOAuthEndpointsDisabled(t *testing.T) {
	reg := provider.NewRegistry()
	h := New(Deps{Dispatcher: &fakeDispatcher{}, Providers: reg})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/oauth/tokens", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
