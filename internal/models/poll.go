package models

import (
	"errors"
	"fmt"

	"github.com/jaam8/piazza_poll_bot/pkg/piazza"
)

var (
	ErrMalformedPoll      = errors.New("poll structure is malformed")
	ErrInvalidAnswerIndex = errors.New("answer index does not match any active option")
	ErrNoActiveOptions    = errors.New("poll has no active options")
	ErrFetchFailed        = errors.New("failed to fetch posts")
)

// RawPost is one post record exactly as the remote client returned it.
type RawPost = piazza.Post

// PollView is the normalized, read-only view of a poll post from a single fetch.
type PollView struct {
	PostID   string   `json:"post_id"`
	Subject  string   `json:"subject"`
	IsClosed bool     `json:"is_closed"`
	HasVoted bool     `json:"has_voted"`
	Options  []Option `json:"options"`
	// VoteCounts: option id -> count, informational only
	VoteCounts map[string]int `json:"vote_counts"`
	TotalVotes int            `json:"total_votes"`
}

type Option struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	IsDeleted bool   `json:"is_deleted"`
}

// ActiveOptions returns the non-deleted options in server order.
func (v PollView) ActiveOptions() []Option {
	active := make([]Option, 0, len(v.Options))
	for _, opt := range v.Options {
		if !opt.IsDeleted {
			active = append(active, opt)
		}
	}
	return active
}

// VotePayload is the body of the content.vote RPC.
type VotePayload struct {
	CID   string   `json:"cid"`
	Votes []string `json:"votes"`
}

// ParseError marks a post tagged as a poll whose nested structure could not be read.
type ParseError struct {
	PostID string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse poll %s: %s: %v", e.PostID, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse poll %s: %s", e.PostID, e.Reason)
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedPoll}
	}
	return []error{ErrMalformedPoll, e.Err}
}

// ConfigurationError reports a configured value that can never succeed for a poll.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
