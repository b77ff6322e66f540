package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/eugener/ccmux/internal/auth"
)

// authClientCache memoizes one oauth client per config family so that token
// refreshes for providers sharing credentials serialize on the same client.
type authClientCache struct {
	mu      sync.Mutex
	clients map[string]*auth.Client
}

func (s *server) authClient(oauthType string) (*auth.Client, error) {
	s.authClients.mu.Lock()
	defer s.authClients.mu.Unlock()

	if c, ok := s.authClients.clients[oauthType]; ok {
		return c, nil
	}

	var c *auth.Client
	if s.deps.NewAuthClient != nil {
		var err error
		c, err = s.deps.NewAuthClient(oauthType)
		if err != nil {
			return nil, err
		}
	} else {
		cfg, err := auth.ConfigForType(oauthType)
		if err != nil {
			return nil, err
		}
		c = auth.NewClient(cfg, s.deps.Tokens)
	}

	if s.authClients.clients == nil {
		s.authClients.clients = make(map[string]*auth.Client)
	}
	s.authClients.clients[oauthType] = c
	return c, nil
}

// TokenInfo describes a stored oauth credential without exposing the token.
type TokenInfo struct {
	ProviderID   string    `json:"provider_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsExpired    bool      `json:"is_expired"`
	NeedsRefresh bool      `json:"needs_refresh"`
}

type oauthRequest struct {
	OAuthType  string `json:"oauth_type"`
	ProviderID string `json:"provider_id"`
	Code       string `json:"code"`
	Verifier   string `json:"verifier"`
}

func (s *server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	var req oauthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("parse request: "+err.Error()))
		return
	}

	client, err := s.authClient(req.OAuthType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	u, err := client.AuthorizationURL()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":      u.URL,
		"verifier": u.Verifier,
	})
}

func (s *server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req oauthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("parse request: "+err.Error()))
		return
	}
	if req.Code == "" || req.Verifier == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("code and verifier are required"))
		return
	}
	if req.ProviderID == "" {
		req.ProviderID = req.OAuthType
	}

	client, err := s.authClient(req.OAuthType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	rec, err := client.ExchangeCode(r.Context(), req.Code, req.Verifier, req.ProviderID)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, tokenInfo(rec))
}

func (s *server) handleOAuthTokens(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Tokens.All()
	infos := make([]TokenInfo, 0, len(all))
	for _, rec := range all {
		infos = append(infos, tokenInfo(rec))
	}
	slices.SortFunc(infos, func(a, b TokenInfo) int {
		return strings.Compare(a.ProviderID, b.ProviderID)
	})
	writeJSON(w, http.StatusOK, infos)
}

func (s *server) handleOAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req oauthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("parse request: "+err.Error()))
		return
	}
	if req.ProviderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("provider_id is required"))
		return
	}

	client, err := s.authClient(req.OAuthType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	rec, err := client.Refresh(r.Context(), req.ProviderID)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, tokenInfo(rec))
}

func (s *server) handleOAuthDelete(w http.ResponseWriter, r *http.Request) {
	var req oauthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("parse request: "+err.Error()))
		return
	}
	if req.ProviderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("provider_id is required"))
		return
	}
	if _, ok := s.deps.Tokens.Get(req.ProviderID); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("no token for provider "+req.ProviderID))
		return
	}
	if err := s.deps.Tokens.Remove(req.ProviderID); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleOAuthCallback receives the browser redirect at the end of an oauth
// flow and relays the authorization code to the client. The PKCE verifier
// never leaves the client that started the flow, so completing the exchange
// stays a separate call.
func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errMsg := q.Get("error"); errMsg != "" {
		if desc := q.Get("error_description"); desc != "" {
			errMsg += ": " + desc
		}
		writeJSON(w, http.StatusBadRequest, errorResponse(errMsg))
		return
	}
	code := q.Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("code is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"code":  code,
		"state": q.Get("state"),
	})
}

func tokenInfo(rec auth.TokenRecord) TokenInfo {
	return TokenInfo{
		ProviderID:   rec.ProviderID,
		ExpiresAt:    rec.ExpiresAt,
		IsExpired:    rec.IsExpired(),
		NeedsRefresh: rec.NeedsRefresh(),
	}
}
