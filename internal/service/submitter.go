package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jaam8/piazza_poll_bot/internal/models"
	"github.com/jaam8/piazza_poll_bot/internal/retry"
	"go.uber.org/zap"
)

const (
	VoteMethod = "content.vote"

	DefaultVoteDelayMin = 2 * time.Second
	DefaultVoteDelayMax = 5 * time.Second
)

// RemoteClient is the session-authenticated forum client the loop depends on.
type RemoteClient interface {
	FetchRecentPosts(ctx context.Context, classID string, limit int) ([]models.RawPost, error)
	Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error)
}

type VoteSubmitter struct {
	client   RemoteClient
	sleeper  retry.Sleeper
	rnd      retry.Rand
	delayMin time.Duration
	delayMax time.Duration
	l        *zap.Logger
}

func NewVoteSubmitter(client RemoteClient, sleeper retry.Sleeper, rnd retry.Rand, delayMin, delayMax time.Duration, l *zap.Logger) *VoteSubmitter {
	return &VoteSubmitter{
		client:   client,
		sleeper:  sleeper,
		rnd:      rnd,
		delayMin: delayMin,
		delayMax: delayMax,
		l:        l,
	}
}

// ResolveOption picks the option at the zero-based index among the poll's
// non-deleted options, in server order.
func ResolveOption(view models.PollView, index int) (models.Option, error) {
	active := view.ActiveOptions()
	if len(active) == 0 {
		return models.Option{}, &models.ConfigurationError{Field: "POLL_ANSWER_INDEX", Err: models.ErrNoActiveOptions}
	}
	if index < 0 || index >= len(active) {
		return models.Option{}, &models.ConfigurationError{
			Field: "POLL_ANSWER_INDEX",
			Err:   fmt.Errorf("%w: index %d, %d active options", models.ErrInvalidAnswerIndex, index, len(active)),
		}
	}
	return active[index], nil
}

// SubmitVote waits a human-like delay and then casts a single vote.
// The RPC itself is not interrupted by cancellation of ctx.
func (s *VoteSubmitter) SubmitVote(ctx context.Context, postID, optionID string) models.VoteOutcome {
	delay := retry.Uniform(s.rnd, s.delayMin, s.delayMax)
	s.l.Debug("waiting before vote",
		zap.String("post_id", postID),
		zap.Duration("delay", delay))
	if err := s.sleeper.Sleep(ctx, delay); err != nil {
		return models.VoteOutcome{Kind: models.TransientError, Err: fmt.Errorf("service: vote delay: %w", err)}
	}

	payload := models.VotePayload{CID: postID, Votes: []string{optionID}}
	resp, err := s.client.Invoke(context.WithoutCancel(ctx), VoteMethod, payload)
	if err != nil {
		outcome := models.Classify(err)
		s.l.Debug("vote rejected",
			zap.String("post_id", postID),
			zap.String("option_id", optionID),
			zap.Stringer("outcome", outcome.Kind),
			zap.Error(err))
		return outcome
	}
	return models.SuccessOutcome(resp)
}
