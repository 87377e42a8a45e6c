package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jaam8/piazza_poll_bot/pkg/piazza"
)

type OutcomeKind int

const (
	Success OutcomeKind = iota
	AlreadyVoted
	Closed
	RateLimited
	TransientError
	FatalError
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case AlreadyVoted:
		return "already_voted"
	case Closed:
		return "closed"
	case RateLimited:
		return "rate_limited"
	case TransientError:
		return "transient_error"
	case FatalError:
		return "fatal_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// VoteOutcome is the result of one network-bound attempt.
type VoteOutcome struct {
	Kind OutcomeKind
	// RetryAfter is the server's hint, only set for RateLimited.
	RetryAfter time.Duration
	Err        error
	// Result is the raw RPC result on Success.
	Result []byte
}

// Retryable reports whether another attempt could change the outcome.
func (o VoteOutcome) Retryable() bool {
	return o.Kind == RateLimited || o.Kind == TransientError
}

// Answered reports whether the poll should be recorded as answered.
func (o VoteOutcome) Answered() bool {
	return o.Kind == Success || o.Kind == AlreadyVoted
}

func SuccessOutcome(result []byte) VoteOutcome {
	return VoteOutcome{Kind: Success, Result: result}
}

var (
	alreadyVotedMarkers = []string{"already", "voted"}
	closedMarkers       = []string{"closed", "expired", "not accept"}
)

// Classify maps an error returned by the remote client onto an outcome.
// A nil error is a Success.
func Classify(err error) VoteOutcome {
	if err == nil {
		return VoteOutcome{Kind: Success}
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return VoteOutcome{Kind: FatalError, Err: err}
	}

	var remoteErr *piazza.RemoteError
	if errors.As(err, &remoteErr) {
		msg := strings.ToLower(remoteErr.Message)
		switch {
		case remoteErr.StatusCode == http.StatusTooManyRequests:
			return VoteOutcome{Kind: RateLimited, RetryAfter: remoteErr.RetryAfter, Err: err}
		case containsAny(msg, alreadyVotedMarkers):
			return VoteOutcome{Kind: AlreadyVoted, Err: err}
		case remoteErr.AuthFailed():
			// the client already tried a fresh login, the next cycle tries again
			return VoteOutcome{Kind: TransientError, Err: err}
		case containsAny(msg, closedMarkers):
			return VoteOutcome{Kind: Closed, Err: err}
		case remoteErr.RateLimited():
			return VoteOutcome{Kind: RateLimited, RetryAfter: remoteErr.RetryAfter, Err: err}
		case remoteErr.StatusCode >= http.StatusInternalServerError:
			return VoteOutcome{Kind: TransientError, Err: err}
		default:
			return VoteOutcome{Kind: FatalError, Err: err}
		}
	}

	if isTransient(err) {
		return VoteOutcome{Kind: TransientError, Err: err}
	}
	return VoteOutcome{Kind: FatalError, Err: err}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
