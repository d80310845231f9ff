package oauthclient

import (
	"context"

	"modulbank/token"
)

// AuthorizationOptions are the caller-supplied inputs to an authorization URL.
// Scope may be a string or a []string; Extra is passed through as query
// parameters.
type AuthorizationOptions struct {
	State string
	Scope any
	Extra map[string]any
}

// Provider is the behaviour a host needs from a provider adapter to run the
// authorization-code flow.
type Provider interface {
	AuthorizationURL(opts AuthorizationOptions) string
	State() string
	GetAccessToken(ctx context.Context, grant Grant, options map[string]any) (*token.AccessToken, error)
	CheckResponse(resp *Response, data any) error
}
