// Package token models the bearer access tokens issued by the Modulbank token endpoint.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Option keys recognised by New. Everything else ends up in Values.
const (
	KeyAccessToken     = "accessToken"
	KeyRefreshToken    = "refreshToken"
	KeyResourceOwnerID = "resourceOwnerId"
	KeyExpiresIn       = "expiresIn"
	KeyExpires         = "expires"
)

// ExpirationThreshold separates relative "expires" values from absolute Unix
// timestamps. It is 2012-10-01T05:00:00Z; anything strictly greater is treated
// as a timestamp, anything else as seconds from now.
//
// The heuristic is magnitude based and can misread a relative value larger
// than ~42 years. It is kept as-is for compatibility with existing tokens.
const ExpirationThreshold int64 = 1349067600

var (
	ErrMissingAccessToken = errors.New(`required option not passed: "accessToken"`)
	ErrInvalidExpiry      = errors.New("expiry is not a number")
	ErrNoExpiry           = errors.New("access token has no expiry set")
)

// AccessToken is immutable once built.
type AccessToken struct {
	accessToken     string
	refreshToken    string
	resourceOwnerID string
	expires         int64
	values          map[string]any
}

// Option tweaks how New evaluates its input.
type Option func(*settings)

type settings struct {
	now func() time.Time
}

// WithClock overrides the clock used to resolve relative expiry values.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds an access token from the fields of a token response. The
// accessToken key is required; empty values for the optional keys are treated
// as absent.
func New(options map[string]any, opts ...Option) (*AccessToken, error) {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}

	if isEmpty(options[KeyAccessToken]) {
		return nil, ErrMissingAccessToken
	}

	t := &AccessToken{
		accessToken: stringValue(options[KeyAccessToken]),
		values:      make(map[string]any),
	}
	if v := options[KeyResourceOwnerID]; !isEmpty(v) {
		t.resourceOwnerID = stringValue(v)
	}
	if v := options[KeyRefreshToken]; !isEmpty(v) {
		t.refreshToken = stringValue(v)
	}

	// expiresIn is the RFC 6749 field, prefer it.
	if v := options[KeyExpiresIn]; !isEmpty(v) {
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyExpiresIn, err)
		}
		t.expires = s.now().Unix() + n
	} else if v := options[KeyExpires]; !isEmpty(v) {
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyExpires, err)
		}
		if !IsExpirationTimestamp(n) {
			n += s.now().Unix()
		}
		t.expires = n
	}

	for k, v := range options {
		switch k {
		case KeyAccessToken, KeyRefreshToken, KeyResourceOwnerID, KeyExpiresIn, KeyExpires:
			continue
		}
		t.values[k] = v
	}

	return t, nil
}

// IsExpirationTimestamp reports whether v reads as an absolute Unix timestamp.
func IsExpirationTimestamp(v int64) bool {
	return v > ExpirationThreshold
}

// Token returns the bearer token string.
func (t *AccessToken) Token() string { return t.accessToken }

// RefreshToken returns the refresh token, or "" when none was issued.
func (t *AccessToken) RefreshToken() string { return t.refreshToken }

// ResourceOwnerID returns the resource owner identifier, or "".
func (t *AccessToken) ResourceOwnerID() string { return t.resourceOwnerID }

// Expires returns the absolute expiry as Unix seconds, 0 when unknown.
func (t *AccessToken) Expires() int64 { return t.expires }

// HasExpiry reports whether the token carries an expiry.
func (t *AccessToken) HasExpiry() bool { return t.expires != 0 }

// ExpiresAt returns the expiry as a time.Time; the zero time when unknown.
func (t *AccessToken) ExpiresAt() time.Time {
	if t.expires == 0 {
		return time.Time{}
	}
	return time.Unix(t.expires, 0)
}

// Expired reports whether the expiry lies in the past.
func (t *AccessToken) Expired() (bool, error) {
	return t.ExpiredAt(time.Now())
}

// ExpiredAt is Expired against an explicit instant.
func (t *AccessToken) ExpiredAt(now time.Time) (bool, error) {
	if t.expires == 0 {
		return false, ErrNoExpiry
	}
	return t.expires < now.Unix(), nil
}

// Values returns a copy of the fields that were not recognised at construction.
func (t *AccessToken) Values() map[string]any {
	return maps.Clone(t.values)
}

// String returns the bearer token so the value can be used directly in headers.
func (t *AccessToken) String() string { return t.accessToken }

// Fields is the inverse of New: the extra values plus every field that is set.
func (t *AccessToken) Fields() map[string]any {
	out := maps.Clone(t.values)
	if out == nil {
		out = make(map[string]any)
	}
	if t.accessToken != "" {
		out[KeyAccessToken] = t.accessToken
	}
	if t.refreshToken != "" {
		out[KeyRefreshToken] = t.refreshToken
	}
	if t.expires != 0 {
		out[KeyExpires] = t.expires
	}
	if t.resourceOwnerID != "" {
		out[KeyResourceOwnerID] = t.resourceOwnerID
	}
	return out
}

// MarshalJSON encodes Fields.
func (t *AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Fields())
}

// UnmarshalJSON rebuilds the token through New.
func (t *AccessToken) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return err
	}
	parsed, err := New(fields)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}

// OAuth2 converts the token for use with golang.org/x/oauth2 transports.
func (t *AccessToken) OAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.accessToken,
		TokenType:    "Bearer",
		RefreshToken: t.refreshToken,
		Expiry:       t.ExpiresAt(),
	}
	if len(t.values) > 0 || t.resourceOwnerID != "" {
		tok = tok.WithExtra(t.Fields())
	}
	return tok
}

// FromOAuth2 builds an AccessToken from an oauth2.Token. The resource owner id
// is always restored. oauth2.Token cannot list its extra values, so other
// values come back only for the keys named in extraKeys.
func FromOAuth2(tok *oauth2.Token, extraKeys ...string) (*AccessToken, error) {
	if tok == nil {
		return nil, ErrMissingAccessToken
	}
	fields := map[string]any{
		KeyAccessToken:  tok.AccessToken,
		KeyRefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		fields[KeyExpires] = tok.Expiry.Unix()
	}
	if id, ok := tok.Extra(KeyResourceOwnerID).(string); ok {
		fields[KeyResourceOwnerID] = id
	}
	for _, k := range extraKeys {
		if _, reserved := fields[k]; reserved || k == KeyExpiresIn {
			continue
		}
		if v := tok.Extra(k); v != nil {
			fields[k] = v
		}
	}
	return New(fields)
}

// isEmpty mirrors the loose emptiness check of the token response: zero
// numbers, "", "0" and false all mean "not provided".
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == "" || x == "0"
	case bool:
		return !x
	case json.Number:
		return x == "" || x == "0"
	case float64:
		return x == 0
	case float32:
		return x == 0
	case int:
		return x == 0
	case int64:
		return x == 0
	case int32:
		return x == 0
	case uint:
		return x == 0
	case uint64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, ErrInvalidExpiry
		}
		return int64(x), nil
	case float32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, ErrInvalidExpiry
		}
		return int64(f), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, ErrInvalidExpiry
		}
		return n, nil
	}
	return 0, ErrInvalidExpiry
}
