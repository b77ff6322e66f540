package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrBadRequest        = errors.New("bad request")
	ErrRoutingFailed     = errors.New("routing failed")
	ErrModelNotSupported = errors.New("model not supported")
	ErrProviderError     = errors.New("provider error")
	ErrUpstreamMalformed = errors.New("malformed upstream response")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrTokenNotFound     = errors.New("oauth token not found")
	ErrTokenExpired      = errors.New("oauth token expired")
	ErrNotFound          = errors.New("not found")
)
