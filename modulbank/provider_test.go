package modulbank

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"modulbank/oauthclient"
	"modulbank/token"
)

func newTestProvider(t *testing.T, cfg Config) *Provider {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = "real-id"
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = "real-secret"
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = "https://app.example.com/callback"
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingClientID)

	p, err := New(Config{Debug: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultDomain+"/oauth/authorize", p.BaseAuthorizationURL())

	_, err = New(Config{ClientID: "id", Domain: "ftp://bank"})
	assert.Error(t, err)

	p, err = New(Config{ClientID: "id", Domain: "http://bank.test/v1/"})
	require.NoError(t, err)
	assert.Equal(t, "http://bank.test/v1/oauth/token", p.BaseAccessTokenURL(nil))
}

func TestFixedURLs(t *testing.T) {
	p := newTestProvider(t, Config{})
	assert.Equal(t, "https://api.modulbank.ru/v1/oauth/authorize", p.BaseAuthorizationURL())
	assert.Equal(t, "https://api.modulbank.ru/v1/oauth/token", p.BaseAccessTokenURL(map[string]any{"ignored": true}))
	assert.Equal(t, "https://api.modulbank.ru/v1/account-info", p.ResourceOwnerDetailsURL(nil))
}

func TestEndpoint(t *testing.T) {
	p := newTestProvider(t, Config{Debug: true})
	assert.Equal(t, oauth2.Endpoint{
		AuthURL:   "https://api.modulbank.ru/v1/oauth/authorize?sandbox=on",
		TokenURL:  "https://api.modulbank.ru/v1/oauth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}, p.Endpoint())
}

func TestAuthorizationURLShort(t *testing.T) {
	p := newTestProvider(t, Config{})
	assert.Equal(t, "https://api.modulbank.ru/v1/oauth/authorize", p.AuthorizationURLShort())
	assert.False(t, strings.HasSuffix(p.AuthorizationURLShort(), "sandbox=on"))

	sandbox := newTestProvider(t, Config{Debug: true})
	assert.True(t, strings.HasSuffix(sandbox.AuthorizationURLShort(), "sandbox=on"))
	assert.Equal(t, "https://api.modulbank.ru/v1/oauth/authorize?sandbox=on", sandbox.AuthorizationURLShort())
}

func TestAuthorizationParameters_Defaults(t *testing.T) {
	p := newTestProvider(t, Config{})
	params := p.AuthorizationParameters(oauthclient.AuthorizationOptions{})

	state, ok := params["state"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, state)
	assert.Equal(t, state, p.State())
	assert.Equal(t, "", params["scope"])
	assert.Equal(t, "code", params["responseType"])
	assert.Equal(t, "auto", params["approvalPrompt"])
	assert.Equal(t, "real-id", params["clientId"])
	assert.Equal(t, "https://app.example.com/callback", params["redirectUri"])

	// A second call issues a fresh state.
	next := p.AuthorizationParameters(oauthclient.AuthorizationOptions{})
	assert.NotEqual(t, state, next["state"])
	assert.Equal(t, next["state"], p.State())
}

func TestAuthorizationParameters_Options(t *testing.T) {
	p := newTestProvider(t, Config{Debug: true})
	params := p.AuthorizationParameters(oauthclient.AuthorizationOptions{
		State: "fixed-state",
		Scope: []string{"account-info", "operation-history"},
		Extra: map[string]any{
			"approvalPrompt": "force",
			"clientId":       "caller-supplied",
			"redirectUri":    "https://evil.example.com",
			"lang":           "ru",
		},
	})

	assert.Equal(t, "fixed-state", params["state"])
	assert.Equal(t, "fixed-state", p.State())
	assert.Equal(t, "account-info operation-history", params["scope"])
	assert.Equal(t, "code", params["responseType"])
	assert.Equal(t, "force", params["approvalPrompt"])
	assert.Equal(t, SandboxClientID, params["clientId"])
	assert.Equal(t, "https://app.example.com/callback", params["redirectUri"])
	assert.Equal(t, "ru", params["lang"])
}

func TestAuthorizationParameters_StringScope(t *testing.T) {
	p := newTestProvider(t, Config{})
	params := p.AuthorizationParameters(oauthclient.AuthorizationOptions{Scope: "account-info"})
	assert.Equal(t, "account-info", params["scope"])

	params = p.AuthorizationParameters(oauthclient.AuthorizationOptions{Scope: []any{"a", "b"}})
	assert.Equal(t, "a b", params["scope"])
}

func TestAuthorizationURL(t *testing.T) {
	p := newTestProvider(t, Config{Debug: true})
	raw := p.AuthorizationURL(oauthclient.AuthorizationOptions{State: "s1", Scope: []string{"a", "b"}})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/v1/oauth/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "s1", q.Get("state"))
	assert.Equal(t, "a b", q.Get("scope"))
	assert.Equal(t, "on", q.Get("sandbox"))
	assert.Equal(t, SandboxClientID, q.Get("clientId"))
	assert.Contains(t, raw, "scope=a%20b")

	live := newTestProvider(t, Config{})
	u, err = url.Parse(live.AuthorizationURL(oauthclient.AuthorizationOptions{}))
	require.NoError(t, err)
	assert.Empty(t, u.Query().Get("sandbox"))
	assert.Equal(t, live.State(), u.Query().Get("state"))
}

func TestDefaultHeaders(t *testing.T) {
	p := newTestProvider(t, Config{})
	assert.Equal(t, map[string]string{"content-type": "application/json"}, p.DefaultHeaders())

	sandbox := newTestProvider(t, Config{Debug: true})
	assert.Equal(t, map[string]string{"content-type": "application/json", "sandbox": "on"}, sandbox.DefaultHeaders())
}

func TestCheckResponse(t *testing.T) {
	p := newTestProvider(t, Config{})

	t.Run("client error", func(t *testing.T) {
		resp := &oauthclient.Response{StatusCode: 500, Status: "500 Internal Server Error"}
		body := map[string]any{"message": "boom"}
		err := p.CheckResponse(resp, body)

		var ipe *oauthclient.IdentityProviderError
		require.ErrorAs(t, err, &ipe)
		assert.ErrorIs(t, err, oauthclient.ErrClient)
		assert.Equal(t, 500, ipe.StatusCode)
		assert.Equal(t, body, ipe.Body)
		assert.Equal(t, "boom", ipe.Message)
	})

	t.Run("client error without message uses reason phrase", func(t *testing.T) {
		err := p.CheckResponse(&oauthclient.Response{StatusCode: 404, Status: "404 Not Found"}, nil)
		var ipe *oauthclient.IdentityProviderError
		require.ErrorAs(t, err, &ipe)
		assert.Equal(t, "Not Found", ipe.Message)
	})

	t.Run("oauth error on 2xx", func(t *testing.T) {
		body := map[string]any{"error": "invalid_grant"}
		err := p.CheckResponse(&oauthclient.Response{StatusCode: 200, Status: "200 OK"}, body)

		var ipe *oauthclient.IdentityProviderError
		require.ErrorAs(t, err, &ipe)
		assert.ErrorIs(t, err, oauthclient.ErrOAuth)
		assert.Equal(t, 200, ipe.StatusCode)
		assert.Equal(t, body, ipe.Body)
		assert.Equal(t, "invalid_grant", ipe.Message)
	})

	t.Run("status wins over error field", func(t *testing.T) {
		err := p.CheckResponse(&oauthclient.Response{StatusCode: 400, Status: "400 Bad Request"}, map[string]any{"error": "x"})
		assert.ErrorIs(t, err, oauthclient.ErrClient)
	})

	t.Run("success", func(t *testing.T) {
		assert.NoError(t, p.CheckResponse(&oauthclient.Response{StatusCode: 200}, map[string]any{"ok": true}))
		assert.NoError(t, p.CheckResponse(&oauthclient.Response{StatusCode: 200}, []any{}))
		assert.NoError(t, p.CheckResponse(&oauthclient.Response{StatusCode: 200}, map[string]any{"error": nil}))
	})
}

func TestGetAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/oauth/token", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body := decodeBody(t, r)
		assert.Equal(t, "real-id", body["clientId"])
		assert.Equal(t, "real-secret", body["clientSecret"])
		assert.Equal(t, "https://app.example.com/callback", body["redirectUri"])
		assert.Equal(t, "authorization_code", body["grant_type"])
		assert.Equal(t, "the-code", body["code"])
		assert.Equal(t, "extra", body["custom"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "tok-1", "expiresIn": 3600, "tokenType": "bearer"})
	}))
	defer server.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newTestProvider(t, Config{Domain: server.URL + "/v1", Now: func() time.Time { return now }})

	tok, err := p.GetAccessToken(context.Background(), oauthclient.AuthorizationCode{Code: "the-code"}, map[string]any{"custom": "extra"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Token())
	assert.Equal(t, now.Unix()+3600, tok.Expires())
	assert.Equal(t, "bearer", tok.Values()["tokenType"])
	assert.Same(t, tok, p.Token())
}

// fakeRequester builds real requests but answers them from memory.
type fakeRequester struct {
	*oauthclient.Client
	resp *oauthclient.Response
	sent []*http.Request
}

func (f *fakeRequester) Send(req *http.Request) (*oauthclient.Response, error) {
	f.sent = append(f.sent, req)
	return f.resp, nil
}

func TestGetAccessToken_ThroughRequesterInterface(t *testing.T) {
	p := newTestProvider(t, Config{Domain: "https://bank.invalid/v1"})
	fake := &fakeRequester{
		Client: oauthclient.New(),
		resp:   &oauthclient.Response{StatusCode: http.StatusOK, Body: []byte(`{"accessToken":"fake-tok"}`)},
	}
	p.client = fake

	tok, err := p.GetAccessToken(context.Background(), oauthclient.AuthorizationCode{Code: "c"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fake-tok", tok.Token())
	require.Len(t, fake.sent, 1)
	assert.Equal(t, http.MethodPost, fake.sent[0].Method)
	assert.Equal(t, "https://bank.invalid/v1/oauth/token", fake.sent[0].URL.String())

	fake.resp = &oauthclient.Response{StatusCode: http.StatusOK, Body: []byte(`[{"companyId":"c-9"}]`)}
	_, err = p.AccountInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, fake.sent, 2)
	assert.Equal(t, "Bearer fake-tok", fake.sent[1].Header.Get("Authorization"))
}

func TestGetAccessToken_SandboxCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "on", r.Header.Get("sandbox"))
		body := decodeBody(t, r)
		assert.Equal(t, SandboxClientID, body["clientId"])
		assert.Equal(t, SandboxClientSecret, body["clientSecret"])
		w.Write([]byte(`{"access_token":"snake-tok","refresh_token":"r1"}`))
	}))
	defer server.Close()

	p := newTestProvider(t, Config{Domain: server.URL, Debug: true})
	tok, err := p.GetAccessToken(context.Background(), oauthclient.AuthorizationCode{Code: "c"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "snake-tok", tok.Token())
	assert.Equal(t, "r1", tok.RefreshToken())
	assert.Empty(t, tok.Values())
}

func TestGetAccessToken_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "http error",
			status: http.StatusInternalServerError,
			body:   `{"message":"boom"}`,
			check: func(t *testing.T, err error) {
				var ipe *oauthclient.IdentityProviderError
				require.ErrorAs(t, err, &ipe)
				assert.Equal(t, oauthclient.KindClient, ipe.Kind)
				assert.Equal(t, 500, ipe.StatusCode)
				assert.Equal(t, map[string]any{"message": "boom"}, ipe.Body)
			},
		},
		{
			name:   "oauth error",
			status: http.StatusOK,
			body:   `{"error":"invalid_grant"}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, oauthclient.ErrOAuth)
			},
		},
		{
			name:   "html error page",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			check: func(t *testing.T, err error) {
				var ipe *oauthclient.IdentityProviderError
				require.ErrorAs(t, err, &ipe)
				assert.Equal(t, 502, ipe.StatusCode)
				assert.Equal(t, "<html>bad gateway</html>", ipe.Body)
			},
		},
		{
			name:   "malformed json",
			status: http.StatusOK,
			body:   `{"accessToken":`,
			check: func(t *testing.T, err error) {
				var pe *oauthclient.ParseError
				assert.ErrorAs(t, err, &pe)
			},
		},
		{
			name:   "not an object",
			status: http.StatusOK,
			body:   `"just-a-string"`,
			check: func(t *testing.T, err error) {
				var pe *oauthclient.ParseError
				assert.ErrorAs(t, err, &pe)
			},
		},
		{
			name:   "missing token",
			status: http.StatusOK,
			body:   `{"expiresIn":60}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, token.ErrMissingAccessToken)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := newTestProvider(t, Config{Domain: server.URL})
			tok, err := p.GetAccessToken(context.Background(), oauthclient.AuthorizationCode{Code: "c"}, nil)
			require.Error(t, err)
			assert.Nil(t, tok)
			assert.Nil(t, p.Token())
			tt.check(t, err)
		})
	}
}

func TestGetAccessToken_MissingCode(t *testing.T) {
	p := newTestProvider(t, Config{Domain: "http://127.0.0.1:1"})
	_, err := p.GetAccessToken(context.Background(), oauthclient.AuthorizationCode{}, nil)
	assert.ErrorIs(t, err, oauthclient.ErrMissingGrantParam)
}

func TestGetAccessToken_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	p := newTestProvider(t, Config{Domain: server.URL})
	_, err := p.GetAccessToken(context.Background(), oauthclient.AuthorizationCode{Code: "c"}, nil)
	require.Error(t, err)
	var ipe *oauthclient.IdentityProviderError
	assert.False(t, errors.As(err, &ipe))
}
