package modulbank

import (
	"errors"
	"fmt"

	"modulbank/oauthclient"
)

var (
	ErrMissingClientID  = errors.New("client id is required outside sandbox mode")
	ErrNotAuthenticated = errors.New("no access token: complete the code exchange first")
	ErrTokenExpired     = errors.New("access token expired: run the code exchange again")
	ErrMissingAccountID = errors.New("bank account id is required")
)

// clientError reports a response with status 400 or above. The body's
// "message" is used when present, otherwise the reason phrase.
func clientError(resp *oauthclient.Response, data any) *oauthclient.IdentityProviderError {
	msg := resp.ReasonPhrase()
	if m, ok := data.(map[string]any); ok {
		if v, ok := m["message"]; ok && v != nil {
			msg = fmt.Sprint(v)
		}
	}
	return oauthclient.NewIdentityProviderError(oauthclient.KindClient, msg, resp, data)
}

// oauthError reports a successful response whose body carries "error".
func oauthError(resp *oauthclient.Response, data any) *oauthclient.IdentityProviderError {
	msg := resp.ReasonPhrase()
	if m, ok := data.(map[string]any); ok {
		if v, ok := m["error"]; ok && v != nil {
			msg = fmt.Sprint(v)
		}
		if desc, ok := m["error_description"].(string); ok && desc != "" {
			msg += ": " + desc
		}
	}
	return oauthclient.NewIdentityProviderError(oauthclient.KindOAuth, msg, resp, data)
}

func errUnexpectedShape(what, want string) error {
	return fmt.Errorf("%s is not a JSON %s", what, want)
}
