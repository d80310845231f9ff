package modulbank

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"modulbank/oauthclient"
	"modulbank/token"
)

// BankAccount is one account entry of an account-info company.
type BankAccount struct {
	ID          string
	Number      string
	AccountName string
	Balance     float64
	Currency    string
	Category    string
	Status      string
	BankName    string
	BankBIC     string
}

// Company is one entry of the account-info response.
type Company struct {
	ID           string
	Name         string
	BankAccounts []BankAccount
}

// ResourceOwner is a read-only view over an account-info response.
type ResourceOwner struct {
	raw       any
	companies []Company
}

// CreateResourceOwner wraps an account-info response. The bank returns a
// list of companies; a single company object is accepted too.
func (p *Provider) CreateResourceOwner(data any, tok *token.AccessToken) (*ResourceOwner, error) {
	var entries []any
	switch v := data.(type) {
	case []any:
		entries = v
	case map[string]any:
		entries = []any{v}
	default:
		return nil, &oauthclient.ParseError{Err: errUnexpectedShape("account info", "array")}
	}

	owner := &ResourceOwner{raw: data, companies: make([]Company, 0, len(entries))}
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		c := Company{
			ID:   str(m["companyId"]),
			Name: str(m["companyName"]),
		}
		if accounts, ok := m["bankAccounts"].([]any); ok {
			for _, a := range accounts {
				if am, ok := a.(map[string]any); ok {
					c.BankAccounts = append(c.BankAccounts, bankAccount(am))
				}
			}
		}
		owner.companies = append(owner.companies, c)
	}
	return owner, nil
}

// ResourceOwner fetches account-info with tok, or the held token when tok is
// nil, and wraps it.
func (p *Provider) ResourceOwner(ctx context.Context, tok *token.AccessToken) (*ResourceOwner, error) {
	if tok == nil {
		held, err := p.usableToken()
		if err != nil {
			return nil, err
		}
		tok = held
	}
	data, err := p.authenticatedWith(ctx, tok, p.ResourceOwnerDetailsURL(tok), nil)
	if err != nil {
		return nil, err
	}
	return p.CreateResourceOwner(data, tok)
}

// ID is the first company's identifier.
func (o *ResourceOwner) ID() string {
	if len(o.companies) == 0 {
		return ""
	}
	return o.companies[0].ID
}

// CompanyName is the first company's name.
func (o *ResourceOwner) CompanyName() string {
	if len(o.companies) == 0 {
		return ""
	}
	return o.companies[0].Name
}

func (o *ResourceOwner) Companies() []Company {
	return o.companies
}

// BankAccounts flattens the accounts of every company.
func (o *ResourceOwner) BankAccounts() []BankAccount {
	var out []BankAccount
	for _, c := range o.companies {
		out = append(out, c.BankAccounts...)
	}
	return out
}

// Raw returns the response exactly as parsed.
func (o *ResourceOwner) Raw() any {
	return o.raw
}

// ToMap returns the response keyed for JSON output.
func (o *ResourceOwner) ToMap() map[string]any {
	return map[string]any{
		"id":        o.ID(),
		"companies": o.raw,
	}
}

func bankAccount(m map[string]any) BankAccount {
	return BankAccount{
		ID:          str(m["id"]),
		Number:      str(m["number"]),
		AccountName: str(m["accountName"]),
		Balance:     num(m["balance"]),
		Currency:    str(m["currency"]),
		Category:    str(m["category"]),
		Status:      str(m["status"]),
		BankName:    str(m["bankName"]),
		BankBIC:     str(m["bankBic"]),
	}
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func num(v any) float64 {
	switch x := v.(type) {
	case json.Number:
		f, _ := x.Float64()
		return f
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}
