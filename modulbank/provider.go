// Package modulbank adapts the Modulbank OAuth2 dialect (JSON bodies,
// camelCase parameters, a sandbox switch) and exposes the account-info,
// balance, operation-history and registration endpoints.
//
// A Provider holds the state of one authorization flow: the last issued state
// and the bearer token obtained from the exchange. It is not safe for
// concurrent use; create one Provider per logical session.
package modulbank

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"modulbank/oauthclient"
	"modulbank/token"
)

const (
	// DefaultDomain is the API base all endpoints hang off.
	DefaultDomain = "https://api.modulbank.ru/v1"

	SandboxClientID     = "sandboxapp"
	SandboxClientSecret = "sandboxappsecret"

	scopeSeparator = " "
	stateBytes     = 16
)

// Config is fixed for the lifetime of a Provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Debug routes every request to the sandbox: sandbox credentials replace
	// ClientID/ClientSecret and a sandbox=on marker is added to URLs and
	// headers.
	Debug bool

	// Domain overrides DefaultDomain.
	Domain string

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Now overrides the clock used for token expiry checks.
	Now func() time.Time
}

// requester is the client capability the adapter consumes: build a request,
// with or without a bearer token, and send it. *oauthclient.Client satisfies it.
type requester interface {
	NewRequest(ctx context.Context, method, rawURL string, body any, headers map[string]string) (*http.Request, error)
	NewAuthenticatedRequest(ctx context.Context, method, rawURL string, tok *oauth2.Token, body any, headers map[string]string) (*http.Request, error)
	Send(req *http.Request) (*oauthclient.Response, error)
}

var _ requester = (*oauthclient.Client)(nil)

// Provider is the Modulbank OAuth2 adapter.
type Provider struct {
	clientID     string
	clientSecret string
	redirectURI  string
	debug        bool
	domain       string

	client requester
	logger *slog.Logger
	now    func() time.Time

	state string
	token *token.AccessToken
}

var _ oauthclient.Provider = (*Provider)(nil)

// New validates cfg and returns a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" && !cfg.Debug {
		return nil, ErrMissingClientID
	}

	domain := strings.TrimSuffix(cfg.Domain, "/")
	if domain == "" {
		domain = DefaultDomain
	}
	if !strings.HasPrefix(domain, "http://") && !strings.HasPrefix(domain, "https://") {
		return nil, fmt.Errorf("domain must start with http:// or https://, got: %s", cfg.Domain)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		debug:        cfg.Debug,
		domain:       domain,
		client: oauthclient.New(
			oauthclient.WithHTTPClient(cfg.HTTPClient),
			oauthclient.WithLogger(logger),
		),
		logger: logger,
		now:    now,
	}, nil
}

// Debug reports whether the provider talks to the sandbox.
func (p *Provider) Debug() bool { return p.debug }

// RedirectURI returns the configured redirect URI.
func (p *Provider) RedirectURI() string { return p.redirectURI }

// BaseAuthorizationURL is the authorize endpoint.
func (p *Provider) BaseAuthorizationURL() string {
	return p.domain + "/oauth/authorize"
}

// AuthorizationURLShort is the authorize endpoint with the sandbox marker
// when running in debug mode.
func (p *Provider) AuthorizationURLShort() string {
	u := p.BaseAuthorizationURL()
	if p.debug {
		u = oauthclient.AppendQuery(u, "sandbox=on")
	}
	return u
}

// BaseAccessTokenURL is the token endpoint. params are ignored.
func (p *Provider) BaseAccessTokenURL(params map[string]any) string {
	return p.domain + "/oauth/token"
}

// ResourceOwnerDetailsURL is the account-info endpoint.
func (p *Provider) ResourceOwnerDetailsURL(tok *token.AccessToken) string {
	return p.domain + "/account-info"
}

// Endpoint describes the bank's endpoints for x/oauth2 consumers. Token
// requests still have to go through GetAccessToken: the bank expects camelCase
// JSON bodies, not the form encoding oauth2.Config sends.
func (p *Provider) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   p.AuthorizationURLShort(),
		TokenURL:  p.BaseAccessTokenURL(nil),
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// DefaultScopes is the minimal scope list requested when none is given.
// Modulbank needs none.
func (p *Provider) DefaultScopes() []string {
	return []string{}
}

// AuthorizationParameters finalises the authorize query. A random state is
// generated when opts has none and is remembered on the provider; the caller
// must compare it with the state returned to the redirect URI.
func (p *Provider) AuthorizationParameters(opts oauthclient.AuthorizationOptions) map[string]any {
	params := make(map[string]any, len(opts.Extra)+6)
	for k, v := range opts.Extra {
		params[k] = v
	}

	state := opts.State
	if state == "" {
		state = oauthclient.RandomState(stateBytes)
	}

	scope := opts.Scope
	if scope == nil {
		scope = p.DefaultScopes()
	}

	if _, ok := params["responseType"]; !ok {
		params["responseType"] = "code"
	}
	if _, ok := params["approvalPrompt"]; !ok {
		params["approvalPrompt"] = "auto"
	}

	p.state = state

	params["scope"] = joinScope(scope)
	params["state"] = p.state
	params["clientId"] = p.requestClientID()
	params["redirectUri"] = p.redirectURI
	return params
}

// AuthorizationURL builds the full URL the user is redirected to.
func (p *Provider) AuthorizationURL(opts oauthclient.AuthorizationOptions) string {
	params := p.AuthorizationParameters(opts)
	if p.debug {
		params["sandbox"] = "on"
	}
	return oauthclient.AppendQuery(p.BaseAuthorizationURL(), oauthclient.BuildQuery(params))
}

// State returns the state issued by the last AuthorizationParameters call.
func (p *Provider) State() string { return p.state }

// DefaultHeaders are sent with every request.
func (p *Provider) DefaultHeaders() map[string]string {
	headers := map[string]string{"content-type": "application/json"}
	if p.debug {
		headers["sandbox"] = "on"
	}
	return headers
}

// Token returns the bearer token held by the provider, if any.
func (p *Provider) Token() *token.AccessToken { return p.token }

// SetToken replaces the held bearer token.
func (p *Provider) SetToken(tok *token.AccessToken) { p.token = tok }

// GetAccessToken exchanges grant at the token endpoint. Client credentials
// and the redirect URI are sent as defaults; options override them. On
// success the token is also held by the provider for authenticated calls.
func (p *Provider) GetAccessToken(ctx context.Context, grant oauthclient.Grant, options map[string]any) (*token.AccessToken, error) {
	params, err := grant.Params(map[string]any{
		"clientId":     p.requestClientID(),
		"clientSecret": p.requestClientSecret(),
		"redirectUri":  p.redirectURI,
	}, options)
	if err != nil {
		return nil, err
	}

	req, err := p.client.NewRequest(ctx, http.MethodPost, p.BaseAccessTokenURL(params), params, p.DefaultHeaders())
	if err != nil {
		return nil, err
	}
	data, err := p.send(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}

	fields, ok := data.(map[string]any)
	if !ok {
		return nil, &oauthclient.ParseError{Err: errUnexpectedShape("token response", "object")}
	}
	tok, err := token.New(normalizeTokenFields(fields), token.WithClock(p.now))
	if err != nil {
		return nil, err
	}

	p.token = tok
	p.logger.Debug("modulbank_token_issued",
		"grant", grant.Name(),
		"sandbox", p.debug,
		"has_refresh_token", tok.RefreshToken() != "",
		"expires", tok.Expires(),
	)
	return tok, nil
}

// CheckResponse rejects HTTP error statuses and bodies carrying an "error"
// field, in that order.
func (p *Provider) CheckResponse(resp *oauthclient.Response, data any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		return clientError(resp, data)
	}
	if m, ok := data.(map[string]any); ok && m["error"] != nil {
		return oauthError(resp, data)
	}
	return nil
}

// send executes req, parses the JSON body and runs CheckResponse.
func (p *Provider) send(req *http.Request) (any, error) {
	resp, err := p.client.Send(req)
	if err != nil {
		return nil, err
	}
	data, err := resp.Parse()
	if err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, clientError(resp, string(resp.Body))
		}
		return nil, err
	}
	if err := p.CheckResponse(resp, data); err != nil {
		return nil, err
	}
	return data, nil
}

// authenticated POSTs body to path with the held bearer token.
func (p *Provider) authenticated(ctx context.Context, path string, body any) (any, error) {
	tok, err := p.usableToken()
	if err != nil {
		return nil, err
	}
	return p.authenticatedWith(ctx, tok, p.domain+path, body)
}

func (p *Provider) authenticatedWith(ctx context.Context, tok *token.AccessToken, rawURL string, body any) (any, error) {
	req, err := p.client.NewAuthenticatedRequest(ctx, http.MethodPost, rawURL, tok.OAuth2(), body, p.DefaultHeaders())
	if err != nil {
		return nil, err
	}
	return p.send(req)
}

func (p *Provider) usableToken() (*token.AccessToken, error) {
	if p.token == nil {
		return nil, ErrNotAuthenticated
	}
	if expired, err := p.token.ExpiredAt(p.now()); err == nil && expired {
		return nil, ErrTokenExpired
	}
	return p.token, nil
}

func (p *Provider) requestClientID() string {
	if p.debug {
		return SandboxClientID
	}
	return p.clientID
}

func (p *Provider) requestClientSecret() string {
	if p.debug {
		return SandboxClientSecret
	}
	return p.clientSecret
}

func joinScope(scope any) string {
	switch s := scope.(type) {
	case string:
		return s
	case []string:
		return strings.Join(s, scopeSeparator)
	case []any:
		parts := make([]string, 0, len(s))
		for _, v := range s {
			parts = append(parts, fmt.Sprint(v))
		}
		return strings.Join(parts, scopeSeparator)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

// snake_case token fields some deployments return, mapped to the camelCase
// names token.New expects. camelCase wins when both are present.
var tokenFieldAliases = map[string]string{
	"access_token":      token.KeyAccessToken,
	"refresh_token":     token.KeyRefreshToken,
	"expires_in":        token.KeyExpiresIn,
	"resource_owner_id": token.KeyResourceOwnerID,
}

func normalizeTokenFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, ok := tokenFieldAliases[k]; !ok {
			out[k] = v
		}
	}
	for alias, canonical := range tokenFieldAliases {
		v, ok := fields[alias]
		if !ok {
			continue
		}
		if _, exists := out[canonical]; !exists {
			out[canonical] = v
		}
	}
	return out
}
