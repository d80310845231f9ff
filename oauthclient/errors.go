package oauthclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind distinguishes why a provider rejected a request.
type ErrorKind int

const (
	// KindClient marks an HTTP status of 400 or above.
	KindClient ErrorKind = iota + 1
	// KindOAuth marks a successful status whose body carries an "error" field.
	KindOAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindOAuth:
		return "oauth"
	default:
		return "unknown"
	}
}

var (
	ErrClient = errors.New("identity provider client error")
	ErrOAuth  = errors.New("identity provider oauth error")
)

// IdentityProviderError carries the response that a provider rejected along
// with its parsed body.
type IdentityProviderError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Header     http.Header
	Body       any
}

func (e *IdentityProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity provider %s error (status %d)", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("identity provider %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Is lets errors.Is match ErrClient and ErrOAuth by kind.
func (e *IdentityProviderError) Is(target error) bool {
	switch target {
	case ErrClient:
		return e.Kind == KindClient
	case ErrOAuth:
		return e.Kind == KindOAuth
	}
	return false
}

// NewIdentityProviderError builds an error of the given kind from resp.
func NewIdentityProviderError(kind ErrorKind, message string, resp *Response, body any) *IdentityProviderError {
	e := &IdentityProviderError{Kind: kind, Message: message, Body: body}
	if resp != nil {
		e.StatusCode = resp.StatusCode
		e.Header = resp.Header
	}
	return e
}

// ParseError reports a body that was expected to be JSON but was not.
type ParseError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *ParseError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("parse response: %v", e.Err)
	}
	return fmt.Sprintf("parse response (status %d): %v", e.StatusCode, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
