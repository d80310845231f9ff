// Package oauthclient is the provider-agnostic OAuth2 plumbing the Modulbank
// adapter is composed with: request construction and sending, bearer
// attachment, grant parameters and the identity-provider error type.
//
// Bearer handling and the token value itself come from golang.org/x/oauth2.
// Token endpoints that expect JSON bodies with non-standard parameter names
// cannot go through oauth2.Config.Exchange, which is why requests are built
// here instead.
package oauthclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoToken is returned when an authenticated request is built without a token.
var ErrNoToken = errors.New("bearer token required")

// Client builds and sends HTTP requests on behalf of a provider.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used to send requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client. Without options it uses http.DefaultClient and
// discards logs.
func New(opts ...Option) *Client {
	c := &Client{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// ReasonPhrase returns the status text without the numeric code.
func (r *Response) ReasonPhrase() string {
	if _, phrase, ok := strings.Cut(r.Status, " "); ok && phrase != "" {
		return phrase
	}
	return http.StatusText(r.StatusCode)
}

// Parse decodes the body as JSON. Numbers are kept as json.Number. An empty
// body yields nil.
func (r *Response) Parse() (any, error) {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, &ParseError{StatusCode: r.StatusCode, Body: r.Body, Err: err}
	}
	if dec.More() {
		return nil, &ParseError{StatusCode: r.StatusCode, Body: r.Body, Err: errors.New("trailing data after JSON value")}
	}
	return out, nil
}

// NewRequest builds an unauthenticated request. The body is encoded by type:
// nil sends nothing, []byte and string are sent raw, url.Values is form
// encoded and anything else is marshalled to JSON. Headers are applied last
// and override the inferred Content-Type.
func (c *Client) NewRequest(ctx context.Context, method, rawURL string, body any, headers map[string]string) (*http.Request, error) {
	var bodyReader io.Reader
	var contentType string

	switch v := body.(type) {
	case nil:
		// No body
	case string:
		bodyReader = strings.NewReader(v)
		contentType = "text/plain"
	case []byte:
		bodyReader = bytes.NewReader(v)
		contentType = "application/octet-stream"
	case url.Values:
		bodyReader = strings.NewReader(v.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		jsonBody, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

// NewAuthenticatedRequest is NewRequest plus an Authorization header carrying
// tok as a bearer credential.
func (c *Client) NewAuthenticatedRequest(ctx context.Context, method, rawURL string, tok *oauth2.Token, body any, headers map[string]string) (*http.Request, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, ErrNoToken
	}
	req, err := c.NewRequest(ctx, method, rawURL, body, headers)
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	return req, nil
}

// Send executes req and reads the whole response body. Transport errors are
// returned as-is (wrapped); HTTP error statuses are not errors at this level.
func (c *Client) Send(req *http.Request) (*Response, error) {
	start := time.Now()
	resp, err := c.client(req.Context()).Do(req)
	if err != nil {
		c.logger.Debug("oauth_request_failed",
			"method", req.Method,
			"url", redactedURL(req.URL),
			"error", err,
		)
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	var reader io.ReadCloser
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		reader, err = gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer reader.Close()
	default:
		reader = resp.Body
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug("oauth_request",
		"method", req.Method,
		"url", redactedURL(req.URL),
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// client picks the configured client, then one placed on the context with
// oauth2.HTTPClient, then http.DefaultClient.
func (c *Client) client(ctx context.Context) *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	if ctx != nil {
		if hc, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && hc != nil {
			return hc
		}
	}
	return http.DefaultClient
}

// redactedURL drops the query, which may carry codes or secrets.
func redactedURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.RawQuery = ""
	clean.User = nil
	return clean.String()
}
