package piazza

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	rateLimitMarkers = []string{"too fast", "please wait", "rate limit", "too many requests"}
	authMarkers      = []string{"not logged in", "log in", "login required", "session expired"}
)

// Post is one post record exactly as content.get returned it.
type Post struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// RemoteError is an error reported by the Piazza API, either as an RPC error
// envelope or as a non-2xx HTTP status.
type RemoteError struct {
	Method     string
	StatusCode int
	Message    string
	// RetryAfter is parsed from the Retry-After header, zero if absent.
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		return fmt.Sprintf("remote %s: status %d: %s", e.Method, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

// RateLimited reports a 429 status or a throttling message.
func (e *RemoteError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || containsAny(strings.ToLower(e.Message), rateLimitMarkers)
}

// AuthFailed reports an expired or missing session: a 401 or a
// login-required message.
func (e *RemoteError) AuthFailed() bool {
	return e.StatusCode == http.StatusUnauthorized || containsAny(strings.ToLower(e.Message), authMarkers)
}

// Retryable reports whether the same call may succeed later: throttling,
// a 5xx, or a network failure.
func Retryable(err error) bool {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.RateLimited() || remoteErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isAuthError(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.AuthFailed()
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
