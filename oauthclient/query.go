package oauthclient

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// BuildQuery encodes params as an RFC 3986 query string. Keys are sorted,
// spaces become %20, slices repeat the key and nil values are skipped.
func BuildQuery(params map[string]any) string {
	values := url.Values{}
	for k, v := range params {
		switch x := v.(type) {
		case nil:
			continue
		case []string:
			for _, s := range x {
				values.Add(k, s)
			}
		case []any:
			for _, s := range x {
				values.Add(k, fmt.Sprint(s))
			}
		case string:
			values.Set(k, x)
		default:
			values.Set(k, fmt.Sprint(x))
		}
	}
	// url.Values encodes spaces as '+'; a literal '+' is already %2B.
	return strings.ReplaceAll(values.Encode(), "+", "%20")
}

// AppendQuery appends query to rawURL, using '&' when rawURL already has one.
func AppendQuery(rawURL, query string) string {
	query = strings.TrimLeft(query, "?&")
	if query == "" {
		return rawURL
	}
	glue := "?"
	if strings.Contains(rawURL, "?") {
		glue = "&"
	}
	return rawURL + glue + query
}

// RandomState returns a hex string of length 2*n for use as an OAuth state.
func RandomState(n int) string {
	if n <= 0 {
		n = 16
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
