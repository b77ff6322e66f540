// Package auth implements the OAuth credential lifecycle: PKCE authorization,
// code exchange, token refresh, and a disk-backed token store.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoToken is returned when no credential is stored for a provider.
var ErrNoToken = errors.New("no oauth token for provider")

// refreshWindow is how long before expiry a token is considered stale.
const refreshWindow = 5 * time.Minute

// TokenRecord is a stored OAuth credential for one provider.
type TokenRecord struct {
	ProviderID    string    `json:"provider_id"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	EnterpriseURL string    `json:"enterprise_url,omitempty"`
	ProjectID     string    `json:"project_id,omitempty"`
}

// IsExpired reports whether the access token is past its expiry.
func (t TokenRecord) IsExpired() bool {
	return !time.Now().Before(t.ExpiresAt)
}

// NeedsRefresh reports whether the token expires within the refresh window.
func (t TokenRecord) NeedsRefresh() bool {
	return !time.Now().Add(refreshWindow).Before(t.ExpiresAt)
}

// TokenStore persists OAuth tokens to a single JSON file keyed by provider ID.
// Every mutation rewrites the full file with 0600 permissions.
type TokenStore struct {
	path string

	mu     sync.RWMutex
	tokens map[string]TokenRecord
}

// NewTokenStore loads tokens from path, which need not exist yet.
func NewTokenStore(path string) (*TokenStore, error) {
	s := &TokenStore{path: path, tokens: map[string]TokenRecord{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	return s, nil
}

// DefaultTokenPath returns ~/.claude-code-mux/oauth_tokens.json, creating the
// directory if needed.
func DefaultTokenPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".claude-code-mux")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return filepath.Join(dir, "oauth_tokens.json"), nil
}

// Save stores the token and persists the file.
func (s *TokenStore) Save(rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[rec.ProviderID] = rec
	return s.persistLocked()
}

// Get returns the token for providerID.
func (s *TokenStore) Get(providerID string) (TokenRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tokens[providerID]
	return rec, ok
}

// Remove deletes the token for providerID and persists the file.
func (s *TokenStore) Remove(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, providerID)
	return s.persistLocked()
}

// ProviderIDs lists all provider IDs with stored tokens.
func (s *TokenStore) ProviderIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tokens))
	for id := range s.tokens {
		ids = append(ids, id)
	}
	return ids
}

// All returns a copy of every stored token.
func (s *TokenStore) All() map[string]TokenRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TokenRecord, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out
}

// persistLocked writes the token map atomically. Caller holds mu.
func (s *TokenStore) persistLocked() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize tokens: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace token file: %w", err)
	}
	// WriteFile permissions are subject to umask; enforce 0600 explicitly.
	if err := os.Chmod(s.path, 0o600); err != nil {
		return fmt.Errorf("chmod token file: %w", err)
	}
	return nil
}
