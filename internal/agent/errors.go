package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// SessionExpiredError indicates the session could not be re-authenticated:
// a request failed with an auth error, the one permitted token refresh was
// attempted, and the retry failed again. The caller must run a full
// authorization flow.
type SessionExpiredError struct {
	Operation string
	Err       error
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session expired during %s, re-authentication required: %v", e.Operation, e.Err)
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

// isAuthError reports whether err looks like an authentication failure that
// a token refresh could cure. MCP transports surface these as HTTP 401/403
// or OAuth error strings rather than typed errors.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid_token") ||
		strings.Contains(msg, "token expired") ||
		strings.Contains(msg, "authorization required")
}

// shouldReconnect reports whether err indicates a broken transport rather
// than a protocol-level failure.
func shouldReconnect(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "transport is closing") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected eof")
}
