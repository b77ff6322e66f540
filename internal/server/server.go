// Package server implements the HTTP transport layer for the gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/auth"
	"github.com/eugener/ccmux/internal/provider"
	"github.com/eugener/ccmux/internal/storage"
	"github.com/eugener/ccmux/internal/telemetry"
)

// Dispatcher routes messages requests to providers. Implemented by
// app.Dispatcher.
type Dispatcher interface {
	Send(ctx context.Context, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error)
	Stream(ctx context.Context, req *gateway.MessagesRequest) (<-chan gateway.StreamChunk, error)
	CountTokens(ctx context.Context, req *gateway.CountTokensRequest) (*gateway.CountTokensResponse, error)
}

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Dispatcher Dispatcher
	Providers  *provider.Registry

	// APIKey, when set, is required on the /v1 endpoints via x-api-key or
	// a bearer Authorization header.
	APIKey string

	Tokens  *auth.TokenStore     // nil = oauth management endpoints disabled
	Usage   storage.UsageStore   // nil = /api/usage disabled
	Prom    *prometheus.Registry // nil = /metrics disabled
	Metrics *telemetry.Metrics   // nil = no metrics middleware

	ReadyCheck ReadyChecker // nil = always ready

	// NewAuthClient overrides oauth client construction (tests).
	NewAuthClient func(oauthType string) (*auth.Client, error)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Get("/health", s.handleHealth)

	// Client-facing API -- Anthropic wire format plus the OpenAI shim.
	r.Group(func(r chi.Router) {
		if deps.APIKey != "" {
			r.Use(s.requireKey)
		}
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1/messages/count_tokens", s.handleCountTokens)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
	})

	// Management API
	r.Get("/api/models", s.handleListModels)
	r.Get("/api/providers", s.handleListProviders)
	if deps.Usage != nil {
		r.Get("/api/usage", s.handleUsage)
	}
	if deps.Tokens != nil {
		r.Post("/api/oauth/authorize", s.handleOAuthAuthorize)
		r.Get("/api/oauth/callback", s.handleOAuthCallback)
		r.Post("/api/oauth/exchange", s.handleOAuthExchange)
		r.Get("/api/oauth/tokens", s.handleOAuthTokens)
		r.Post("/api/oauth/tokens/refresh", s.handleOAuthRefresh)
		r.Post("/api/oauth/tokens/delete", s.handleOAuthDelete)
	}
	if deps.Prom != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.Prom, promhttp.HandlerOpts{}))
	}

	return r
}

type server struct {
	deps Deps

	authClients authClientCache
}
