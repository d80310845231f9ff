package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	breakerMaxRequests      = 1
	breakerInterval         = 60 * time.Second
	breakerTimeout          = 30 * time.Second
	breakerFailureThreshold = 5
)

// errUpstreamStatus marks a 5xx answer as a breaker failure while the
// response itself is still handed back to the caller.
var errUpstreamStatus = errors.New("upstream server error")

// UpstreamTransport guards calls to the bank API with a circuit breaker and
// records their outcome.
type UpstreamTransport struct {
	next    http.RoundTripper
	breaker *gobreaker.CircuitBreaker[*http.Response]
	metrics *Metrics
}

// NewUpstreamTransport wraps next. A nil next uses http.DefaultTransport.
func NewUpstreamTransport(next http.RoundTripper, logger *slog.Logger, metrics *Metrics) *UpstreamTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	t := &UpstreamTransport{next: next, metrics: metrics}
	t.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "modulbank",
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upstream_breaker", "name", name, "from", from.String(), "to", to.String())
			if metrics != nil {
				metrics.BreakerState.Set(float64(to))
			}
		},
	})
	return t
}

// State reports the breaker state.
func (t *UpstreamTransport) State() gobreaker.State {
	return t.breaker.State()
}

// countsAsSuccess reports whether a call proved the bank healthy. Only a
// response below 500 does; a cancelled call proves nothing and must not close
// a half-open breaker.
func countsAsSuccess(err error) bool {
	return err == nil
}

// RoundTrip implements http.RoundTripper.
func (t *UpstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Requests cancelled before they start never reach the breaker.
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errUpstreamStatus
		}
		return resp, nil
	})

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if t.metrics != nil {
		t.metrics.RecordUpstream(endpointLabel(req.URL.Path), status, time.Since(start))
	}

	if errors.Is(err, errUpstreamStatus) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

var bankEndpoints = []string{
	"/oauth/token",
	"/oauth/authorize",
	"/account-info/balance",
	"/account-info",
	"/operation-history",
	"/registration/setdata",
	"/registration/register",
}

// endpointLabel maps a request path to a bounded metric label so account
// ids never become label values.
func endpointLabel(path string) string {
	for _, e := range bankEndpoints {
		if i := strings.Index(path, e); i >= 0 {
			rest := path[i+len(e):]
			if rest == "" || strings.HasPrefix(rest, "/") {
				return strings.TrimPrefix(e, "/")
			}
		}
	}
	return "other"
}

// isBreakerOpen reports whether err came from a tripped breaker.
func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
