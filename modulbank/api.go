package modulbank

import (
	"context"
	"net/http"
	"net/url"

	"modulbank/oauthclient"
)

// HistoryFilter narrows an operation-history request. Zero fields are not
// sent. From and Till are dates in YYYY-MM-DD form.
type HistoryFilter struct {
	Category string
	Records  int
	From     string
	Till     string
}

func (f HistoryFilter) body() map[string]any {
	body := map[string]any{}
	if f.Category != "" {
		body["category"] = f.Category
	}
	if f.Records != 0 {
		body["records"] = f.Records
	}
	if f.From != "" {
		body["from"] = f.From
	}
	if f.Till != "" {
		body["till"] = f.Till
	}
	return body
}

// AccountInfo returns the companies and bank accounts visible to the held
// token.
func (p *Provider) AccountInfo(ctx context.Context) (any, error) {
	return p.authenticated(ctx, "/account-info", nil)
}

// Balance returns the balance of one bank account. The bank answers with a
// bare number; callers should still check the shape.
func (p *Provider) Balance(ctx context.Context, bankAccountID string) (any, error) {
	if bankAccountID == "" {
		return nil, ErrMissingAccountID
	}
	return p.authenticated(ctx, "/account-info/balance/"+url.PathEscape(bankAccountID), nil)
}

// OperationHistory lists operations on a bank account.
func (p *Provider) OperationHistory(ctx context.Context, bankAccountID string, filter HistoryFilter) (any, error) {
	if bankAccountID == "" {
		return nil, ErrMissingAccountID
	}
	return p.authenticated(ctx, "/operation-history/"+url.PathEscape(bankAccountID), filter.body())
}

// Registration is the applicant data submitted before sending a new client
// to the bank's sign-up page.
type Registration struct {
	FirstName string
	LastName  string
	Email     string
	CellPhone string
	City      string
	Other     map[string]any
}

// RegistrationURL submits r to the registration endpoint and returns the
// sign-up URL carrying the code the bank issued for it.
func (p *Provider) RegistrationURL(ctx context.Context, r Registration) (string, error) {
	other := r.Other
	if other == nil {
		other = map[string]any{}
	}
	body := map[string]any{
		"clientId":    p.requestClientID(),
		"firstName":   r.FirstName,
		"lastName":    r.LastName,
		"cellPhone":   nullable(r.CellPhone),
		"city":        nullable(r.City),
		"other":       other,
		"redirectUri": p.redirectURI,
	}
	if r.Email != "" {
		body["email"] = r.Email
	}

	req, err := p.client.NewRequest(ctx, http.MethodPost, p.domain+"/registration/setdata", body, p.DefaultHeaders())
	if err != nil {
		return "", err
	}
	data, err := p.send(req)
	if err != nil {
		return "", err
	}

	code, ok := data.(string)
	if !ok || code == "" {
		return "", &oauthclient.ParseError{Err: errUnexpectedShape("registration response", "string")}
	}

	params := map[string]any{"code": code}
	if p.debug {
		params["sandbox"] = "on"
		params["redirecturi"] = p.redirectURI
	}
	return oauthclient.AppendQuery(p.domain+"/registration/register", oauthclient.BuildQuery(params)), nil
}

// nullable sends absent optional fields as JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
