package agent

import (
	"context"
	"net/http"
)

// delegatedUserHeader carries the acting user's identity when a delegated
// token is in use, so server-side audit logs attribute actions correctly.
const delegatedUserHeader = "X-Delegated-User"

// tokenSource supplies a bearer token for outgoing requests, possibly for a
// delegated user.
type tokenSource interface {
	AccessToken(ctx context.Context, delegatedUser string) (string, error)
}

// authRoundTripper is an HTTP RoundTripper that attaches the session's
// bearer token (and delegation header, when active) to every request.
type authRoundTripper struct {
	transport     http.RoundTripper
	tokens        tokenSource
	delegatedUser func() string
}

// newAuthRoundTripper creates a RoundTripper injecting flow-controller
// tokens. delegatedUser is read per request so switching users mid-session
// takes effect immediately.
func newAuthRoundTripper(tokens tokenSource, delegatedUser func() string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authRoundTripper{
		transport:     base,
		tokens:        tokens,
		delegatedUser: delegatedUser,
	}
}

// RoundTrip implements the http.RoundTripper interface
func (rt *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())

	user := ""
	if rt.delegatedUser != nil {
		user = rt.delegatedUser()
	}

	token, err := rt.tokens.AccessToken(req.Context(), user)
	if err != nil {
		return nil, err
	}
	cloned.Header.Set("Authorization", "Bearer "+token)
	if user != "" {
		cloned.Header.Set(delegatedUserHeader, user)
	}

	return rt.transport.RoundTrip(cloned)
}
