// Package app assembles the gateway from configuration: provider
// construction, model mapping, and request dispatch.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/auth"
	"github.com/eugener/ccmux/internal/cloudauth"
	"github.com/eugener/ccmux/internal/config"
	"github.com/eugener/ccmux/internal/provider"
	"github.com/eugener/ccmux/internal/provider/anthropic"
	"github.com/eugener/ccmux/internal/provider/gemini"
	"github.com/eugener/ccmux/internal/provider/openai"
)

const gcpScope = "https://www.googleapis.com/auth/cloud-platform"

// ModelTarget is the winning mapping for a public model name: the provider
// serving it and the upstream model to request.
type ModelTarget struct {
	Provider string
	Model    string
}

// BuildOptions carries shared infrastructure for provider construction.
type BuildOptions struct {
	Tokens     *auth.TokenStore
	HTTPClient *http.Client
}

// BuildRegistry constructs one adapter per enabled provider entry and the
// model alias table from the models section. Providers referenced by a model
// mapping must exist.
func BuildRegistry(ctx context.Context, cfg *config.Config, opts BuildOptions) (*provider.Registry, map[string]ModelTarget, error) {
	b := &builder{
		tokens:      opts.Tokens,
		httpClient:  opts.HTTPClient,
		authClients: map[string]*auth.Client{},
	}
	reg := provider.NewRegistry()

	for _, entry := range cfg.Providers {
		if !entry.IsEnabled() {
			continue
		}
		p, err := b.build(ctx, entry)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %q: %w", entry.Name, err)
		}
		if err := reg.Register(entry.Name, p); err != nil {
			return nil, nil, err
		}
		for _, m := range entry.Models {
			reg.MapModel(m, entry.Name)
		}
	}

	aliases, err := buildAliases(cfg, reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, aliases, nil
}

// buildAliases resolves each model entry to its winning mapping, the one with
// the lowest priority number (first wins among equals).
func buildAliases(cfg *config.Config, reg *provider.Registry) (map[string]ModelTarget, error) {
	aliases := make(map[string]ModelTarget, len(cfg.Models))
	for _, m := range cfg.Models {
		if len(m.Mappings) == 0 {
			continue
		}
		best := m.Mappings[0]
		for _, cand := range m.Mappings[1:] {
			if cand.Priority < best.Priority {
				best = cand
			}
		}
		if _, err := reg.Get(best.Provider); err != nil {
			return nil, fmt.Errorf("model %q: %w", m.Name, err)
		}
		target := best.Model
		if target == "" {
			target = m.Name
		}
		aliases[m.Name] = ModelTarget{Provider: best.Provider, Model: target}
		reg.MapModel(m.Name, best.Provider)
	}
	return aliases, nil
}

type builder struct {
	tokens      *auth.TokenStore
	httpClient  *http.Client
	authClients map[string]*auth.Client // one per oauth config type
}

var anthropicTypes = func() map[string]bool {
	set := map[string]bool{}
	for _, t := range anthropic.PresetTypes() {
		set[t] = true
	}
	return set
}()

func (b *builder) build(ctx context.Context, entry config.ProviderEntry) (gateway.Provider, error) {
	if !provider.KnownType(entry.Type) {
		return nil, fmt.Errorf("unknown provider type %q", entry.Type)
	}

	switch entry.Type {
	case "gemini":
		oauthKey, tokens, err := b.oauth(entry)
		if err != nil {
			return nil, err
		}
		return gemini.New(gemini.Options{
			Name:          entry.Name,
			APIKey:        entry.APIKey,
			BaseURL:       entry.BaseURL,
			Models:        entry.Models,
			Headers:       entry.Headers,
			OAuthProvider: oauthKey,
			Tokens:        tokens,
			HTTPClient:    b.httpClient,
		}), nil

	case "vertex-ai":
		if entry.Project == "" || entry.Location == "" {
			return nil, fmt.Errorf("vertex-ai requires project and location")
		}
		hc, err := b.vertexClient(ctx)
		if err != nil {
			return nil, err
		}
		return gemini.New(gemini.Options{
			Name:       entry.Name,
			BaseURL:    entry.BaseURL,
			Models:     entry.Models,
			Headers:    entry.Headers,
			ProjectID:  entry.Project,
			Location:   entry.Location,
			HTTPClient: hc,
		}), nil
	}

	oauthKey, tokens, err := b.oauth(entry)
	if err != nil {
		return nil, err
	}
	if anthropicTypes[entry.Type] {
		return anthropic.NewPreset(entry.Type, anthropic.Options{
			Name:          entry.Name,
			APIKey:        entry.APIKey,
			BaseURL:       entry.BaseURL,
			Models:        entry.Models,
			Headers:       entry.Headers,
			OAuthProvider: oauthKey,
			Tokens:        tokens,
			HTTPClient:    b.httpClient,
		})
	}
	return openai.NewPreset(entry.Type, openai.Options{
		Name:          entry.Name,
		APIKey:        entry.APIKey,
		BaseURL:       entry.BaseURL,
		Models:        entry.Models,
		Headers:       entry.Headers,
		OAuthProvider: oauthKey,
		Tokens:        tokens,
		HTTPClient:    b.httpClient,
	})
}

// oauth resolves the token store key and auth client for an OAuth-backed
// provider entry. Auth clients are shared per oauth config type so refresh
// serialization covers every provider using the same credentials.
func (b *builder) oauth(entry config.ProviderEntry) (string, *auth.Client, error) {
	if !entry.IsOAuth() {
		return "", nil, nil
	}
	if b.tokens == nil {
		return "", nil, fmt.Errorf("oauth provider configured without a token store")
	}

	cfgType := oauthConfigType(entry.Type)
	client, ok := b.authClients[cfgType]
	if !ok {
		oc, err := auth.ConfigForType(cfgType)
		if err != nil {
			return "", nil, err
		}
		client = auth.NewClient(oc, b.tokens)
		if b.httpClient != nil {
			client.SetHTTPClient(b.httpClient)
		}
		b.authClients[cfgType] = client
	}
	return entry.ResolvedOAuthProvider(), client, nil
}

func oauthConfigType(providerType string) string {
	switch {
	case providerType == "gemini" || providerType == "vertex-ai":
		return "gemini"
	case anthropicTypes[providerType]:
		return "anthropic"
	default:
		return "openai"
	}
}

// vertexClient wraps the shared transport with ADC bearer injection.
func (b *builder) vertexClient(ctx context.Context) (*http.Client, error) {
	var base http.RoundTripper
	var timeout time.Duration
	if b.httpClient != nil {
		base = b.httpClient.Transport
		timeout = b.httpClient.Timeout
	}
	transport, err := cloudauth.NewGCPOAuthTransport(ctx, base, gcpScope)
	if err != nil {
		return nil, fmt.Errorf("vertex credentials: %w", err)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
