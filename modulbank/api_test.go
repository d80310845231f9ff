package modulbank

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modulbank/oauthclient"
	"modulbank/token"
)

type recordedRequest struct {
	Path   string
	Header http.Header
	Body   []byte
}

// fakeBank records requests and answers each path with a canned JSON body.
type fakeBank struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]string
	status    map[string]int
}

func newFakeBank(t *testing.T, responses map[string]string) (*fakeBank, *httptest.Server) {
	t.Helper()
	fb := &fakeBank{responses: responses, status: map[string]int{}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.requests = append(fb.requests, recordedRequest{Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		resp, ok := fb.responses[r.URL.Path]
		status := fb.status[r.URL.Path]
		fb.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, resp)
	}))
	t.Cleanup(server.Close)
	return fb, server
}

func (fb *fakeBank) last(t *testing.T) recordedRequest {
	t.Helper()
	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.NotEmpty(t, fb.requests)
	return fb.requests[len(fb.requests)-1]
}

func authenticatedProvider(t *testing.T, domain string, debug bool) *Provider {
	t.Helper()
	p := newTestProvider(t, Config{Domain: domain, Debug: debug})
	tok, err := token.New(map[string]any{"accessToken": "bearer-1"})
	require.NoError(t, err)
	p.SetToken(tok)
	return p
}

func TestOperationHistory_Body(t *testing.T) {
	fb, server := newFakeBank(t, map[string]string{"/operation-history/acc-1": `[]`})
	p := authenticatedProvider(t, server.URL, false)

	_, err := p.OperationHistory(context.Background(), "acc-1", HistoryFilter{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(fb.last(t).Body))

	_, err = p.OperationHistory(context.Background(), "acc-1", HistoryFilter{Category: "food"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"food"}`, string(fb.last(t).Body))

	_, err = p.OperationHistory(context.Background(), "acc-1", HistoryFilter{
		Category: "Debet",
		Records:  20,
		From:     "2024-01-01",
		Till:     "2024-01-31",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"Debet","records":20,"from":"2024-01-01","till":"2024-01-31"}`, string(fb.last(t).Body))
}

func TestOperationHistory_Response(t *testing.T) {
	_, server := newFakeBank(t, map[string]string{
		"/operation-history/acc-1": `[{"id":"op-1","amount":125.5,"category":"Credit"}]`,
	})
	p := authenticatedProvider(t, server.URL, false)

	data, err := p.OperationHistory(context.Background(), "acc-1", HistoryFilter{})
	require.NoError(t, err)
	ops, ok := data.([]any)
	require.True(t, ok)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-1", ops[0].(map[string]any)["id"])
}

func TestAuthenticatedRequestHeaders(t *testing.T) {
	fb, server := newFakeBank(t, map[string]string{"/account-info": `[]`})

	p := authenticatedProvider(t, server.URL, true)
	_, err := p.AccountInfo(context.Background())
	require.NoError(t, err)

	req := fb.last(t)
	assert.Equal(t, "Bearer bearer-1", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "on", req.Header.Get("sandbox"))
	assert.Empty(t, req.Body)

	p = authenticatedProvider(t, server.URL, false)
	_, err = p.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fb.last(t).Header.Get("sandbox"))
}

func TestBalance(t *testing.T) {
	fb, server := newFakeBank(t, map[string]string{"/account-info/balance/acc 2": `1520.75`})
	p := authenticatedProvider(t, server.URL, false)

	data, err := p.Balance(context.Background(), "acc 2")
	require.NoError(t, err)
	assert.Equal(t, json.Number("1520.75"), data)
	assert.Equal(t, "/account-info/balance/acc 2", fb.last(t).Path)

	_, err = p.Balance(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingAccountID)
	_, err = p.OperationHistory(context.Background(), "", HistoryFilter{})
	assert.ErrorIs(t, err, ErrMissingAccountID)
}

func TestAPIErrors(t *testing.T) {
	fb, server := newFakeBank(t, map[string]string{"/account-info": `{"message":"token revoked"}`})
	fb.status["/account-info"] = http.StatusUnauthorized
	p := authenticatedProvider(t, server.URL, false)

	_, err := p.AccountInfo(context.Background())
	var ipe *oauthclient.IdentityProviderError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, oauthclient.KindClient, ipe.Kind)
	assert.Equal(t, http.StatusUnauthorized, ipe.StatusCode)
	assert.Equal(t, "token revoked", ipe.Message)
}

func TestNotAuthenticated(t *testing.T) {
	p := newTestProvider(t, Config{Domain: "http://127.0.0.1:1"})
	ctx := context.Background()

	_, err := p.AccountInfo(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = p.Balance(ctx, "acc")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = p.OperationHistory(ctx, "acc", HistoryFilter{})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = p.ResourceOwner(ctx, nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestTokenExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProvider(t, Config{Domain: "http://127.0.0.1:1", Now: func() time.Time { return now }})

	tok, err := token.New(map[string]any{"accessToken": "old", "expires": now.Add(-time.Minute).Unix()})
	require.NoError(t, err)
	p.SetToken(tok)

	_, err = p.AccountInfo(context.Background())
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenWithoutExpiryIsUsable(t *testing.T) {
	_, server := newFakeBank(t, map[string]string{"/account-info": `[]`})
	p := authenticatedProvider(t, server.URL, false)
	require.False(t, p.Token().HasExpiry())

	_, err := p.AccountInfo(context.Background())
	assert.NoError(t, err)
}

func TestRegistrationURL(t *testing.T) {
	fb, server := newFakeBank(t, map[string]string{"/registration/setdata": `"reg-code-1"`})

	t.Run("live", func(t *testing.T) {
		p := newTestProvider(t, Config{Domain: server.URL})
		got, err := p.RegistrationURL(context.Background(), Registration{
			FirstName: "Ivan",
			LastName:  "Petrov",
			Email:     "ivan@example.com",
		})
		require.NoError(t, err)
		assert.Equal(t, server.URL+"/registration/register?code=reg-code-1", got)

		assert.JSONEq(t, `{
			"clientId": "real-id",
			"firstName": "Ivan",
			"lastName": "Petrov",
			"email": "ivan@example.com",
			"cellPhone": null,
			"city": null,
			"other": {},
			"redirectUri": "https://app.example.com/callback"
		}`, string(fb.last(t).Body))
	})

	t.Run("sandbox", func(t *testing.T) {
		p := newTestProvider(t, Config{Domain: server.URL, Debug: true})
		got, err := p.RegistrationURL(context.Background(), Registration{
			FirstName: "Ivan",
			LastName:  "Petrov",
			CellPhone: "+79990000000",
			City:      "Moscow",
			Other:     map[string]any{"inn": "7700000000"},
		})
		require.NoError(t, err)

		u, err := url.Parse(got)
		require.NoError(t, err)
		assert.Equal(t, "/registration/register", u.Path)
		assert.Equal(t, "reg-code-1", u.Query().Get("code"))
		assert.Equal(t, "on", u.Query().Get("sandbox"))
		assert.Equal(t, "https://app.example.com/callback", u.Query().Get("redirecturi"))

		var body map[string]any
		require.NoError(t, json.Unmarshal(fb.last(t).Body, &body))
		assert.Equal(t, SandboxClientID, body["clientId"])
		assert.Equal(t, "+79990000000", body["cellPhone"])
		assert.Equal(t, "Moscow", body["city"])
		assert.Equal(t, map[string]any{"inn": "7700000000"}, body["other"])
		assert.NotContains(t, body, "email")
	})
}

func TestRegistrationURL_BadResponse(t *testing.T) {
	for name, resp := range map[string]string{
		"object": `{"code":"x"}`,
		"empty":  `""`,
	} {
		t.Run(name, func(t *testing.T) {
			_, server := newFakeBank(t, map[string]string{"/registration/setdata": resp})
			p := newTestProvider(t, Config{Domain: server.URL})
			_, err := p.RegistrationURL(context.Background(), Registration{FirstName: "A", LastName: "B"})
			var pe *oauthclient.ParseError
			assert.ErrorAs(t, err, &pe)
		})
	}
}

const accountInfoJSON = `[
	{
		"companyId": "c-1",
		"companyName": "OOO Romashka",
		"bankAccounts": [
			{"id": "acc-1", "number": "40702810000000000001", "accountName": "Main", "balance": 1000.5, "currency": "RUR", "category": "CheckingAccount", "status": "New", "bankName": "Modulbank", "bankBic": "044525092"},
			{"id": "acc-2", "number": "40702810000000000002", "balance": "20", "currency": "USD"}
		]
	},
	{
		"companyId": "c-2",
		"companyName": "IP Ivanov",
		"bankAccounts": []
	}
]`

func TestResourceOwner(t *testing.T) {
	fb, server := newFakeBank(t, map[string]string{"/account-info": accountInfoJSON})
	p := authenticatedProvider(t, server.URL, false)

	owner, err := p.ResourceOwner(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer bearer-1", fb.last(t).Header.Get("Authorization"))

	assert.Equal(t, "c-1", owner.ID())
	assert.Equal(t, "OOO Romashka", owner.CompanyName())
	require.Len(t, owner.Companies(), 2)

	accounts := owner.BankAccounts()
	require.Len(t, accounts, 2)
	assert.Equal(t, BankAccount{
		ID:          "acc-1",
		Number:      "40702810000000000001",
		AccountName: "Main",
		Balance:     1000.5,
		Currency:    "RUR",
		Category:    "CheckingAccount",
		Status:      "New",
		BankName:    "Modulbank",
		BankBIC:     "044525092",
	}, accounts[0])
	assert.Equal(t, 20.0, accounts[1].Balance)

	m := owner.ToMap()
	assert.Equal(t, "c-1", m["id"])
	assert.Equal(t, owner.Raw(), m["companies"])
}

func TestResourceOwner_ExplicitToken(t *testing.T) {
	fb, server := newFakeBank(t, map[string]string{"/account-info": `[]`})
	p := newTestProvider(t, Config{Domain: server.URL})

	other, err := token.New(map[string]any{"accessToken": "other-token"})
	require.NoError(t, err)

	owner, err := p.ResourceOwner(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, "Bearer other-token", fb.last(t).Header.Get("Authorization"))
	assert.Empty(t, owner.ID())
	assert.Empty(t, owner.BankAccounts())
}

func TestCreateResourceOwner(t *testing.T) {
	p := newTestProvider(t, Config{})

	owner, err := p.CreateResourceOwner(map[string]any{"companyId": "solo", "companyName": "Solo"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "solo", owner.ID())
	assert.Equal(t, "Solo", owner.CompanyName())

	_, err = p.CreateResourceOwner("nope", nil)
	var pe *oauthclient.ParseError
	assert.ErrorAs(t, err, &pe)
}
