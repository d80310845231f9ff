package oauthclient

import (
	"errors"
	"fmt"
	"maps"
)

// ErrMissingGrantParam is returned when a grant lacks a required parameter.
var ErrMissingGrantParam = errors.New("required grant parameter missing")

// Grant produces the token-request parameters for one OAuth2 grant type.
type Grant interface {
	Name() string
	// Params merges defaults, the grant's own parameters and caller options
	// (in that order of precedence, lowest first) and adds grant_type.
	Params(defaults, options map[string]any) (map[string]any, error)
}

// AuthorizationCode exchanges the code returned to the redirect URI.
type AuthorizationCode struct {
	Code string
}

func (AuthorizationCode) Name() string { return "authorization_code" }

func (g AuthorizationCode) Params(defaults, options map[string]any) (map[string]any, error) {
	return build(g.Name(), defaults, options, map[string]string{"code": g.Code})
}

// RefreshToken trades a refresh token for a new access token.
type RefreshToken struct {
	Token string
}

func (RefreshToken) Name() string { return "refresh_token" }

func (g RefreshToken) Params(defaults, options map[string]any) (map[string]any, error) {
	return build(g.Name(), defaults, options, map[string]string{"refresh_token": g.Token})
}

// ClientCredentials authenticates as the client itself.
type ClientCredentials struct{}

func (ClientCredentials) Name() string { return "client_credentials" }

func (g ClientCredentials) Params(defaults, options map[string]any) (map[string]any, error) {
	return build(g.Name(), defaults, options, nil)
}

// Password is the resource-owner password credentials grant.
type Password struct {
	Username string
	Password string
}

func (Password) Name() string { return "password" }

func (g Password) Params(defaults, options map[string]any) (map[string]any, error) {
	return build(g.Name(), defaults, options, map[string]string{
		"username": g.Username,
		"password": g.Password,
	})
}

func build(name string, defaults, options map[string]any, required map[string]string) (map[string]any, error) {
	params := maps.Clone(defaults)
	if params == nil {
		params = make(map[string]any)
	}
	params["grant_type"] = name
	for k, v := range required {
		if v != "" {
			params[k] = v
		}
	}
	maps.Copy(params, options)

	for k := range required {
		if s, _ := params[k].(string); s == "" {
			return nil, fmt.Errorf("%s grant: %q: %w", name, k, ErrMissingGrantParam)
		}
	}
	return params, nil
}
