package oauth

import "fmt"

// DiscoveryError indicates that authorization server metadata could not be
// located or was unusable for the given MCP server.
type DiscoveryError struct {
	ServerURL string
	Reason    string
	Err       error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oauth discovery failed for %s: %s: %v", e.ServerURL, e.Reason, e.Err)
	}
	return fmt.Sprintf("oauth discovery failed for %s: %s", e.ServerURL, e.Reason)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// RegistrationError indicates that dynamic client registration (RFC 7591)
// failed at the registration endpoint.
type RegistrationError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *RegistrationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("client registration at %s failed with status %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("client registration at %s failed: %v", e.Endpoint, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// AuthorizationError indicates a failure in the authorization leg of the
// flow, including CSRF state mismatches on the callback.
type AuthorizationError struct {
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authorization failed: %s", e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// TokenExchangeError indicates that exchanging an authorization code (or a
// subject token during delegation) at the token endpoint failed.
type TokenExchangeError struct {
	Reason string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token exchange failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("token exchange failed: %s", e.Reason)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenRefreshError indicates that the refresh_token grant failed. Stored
// tokens are cleared when this is returned so callers restart the full flow.
type TokenRefreshError struct {
	Err error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// FlowStateError indicates an operation was invoked in a flow step that does
// not permit it, for example completing a flow that was never started.
type FlowStateError struct {
	Step Step
	Op   string
}

func (e *FlowStateError) Error() string {
	return fmt.Sprintf("cannot %s in flow step %q", e.Op, e.Step)
}
