package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jaam8/piazza_poll_bot/internal/extractor"
	"github.com/jaam8/piazza_poll_bot/internal/metrics"
	"github.com/jaam8/piazza_poll_bot/internal/models"
	"github.com/jaam8/piazza_poll_bot/internal/repository"
	"github.com/jaam8/piazza_poll_bot/internal/retry"
	"go.uber.org/zap"
)

const (
	fetchOperation = "fetch"
	voteOperation  = "vote"

	DefaultIntervalJitter = 0.25
)

type State int

const (
	Idle State = iota
	Fetching
	Extracting
	Evaluating
	Submitting
	Sleeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Extracting:
		return "extracting"
	case Evaluating:
		return "evaluating"
	case Submitting:
		return "submitting"
	case Sleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Notifier is told about every successful vote.
type Notifier interface {
	NotifyVote(view models.PollView, option models.Option) error
}

// Dumper receives every fetched batch of raw posts.
type Dumper interface {
	Dump(posts []models.RawPost) error
}

type LoopConfig struct {
	ClassID     string
	AnswerIndex int
	Interval    time.Duration
	// IntervalJitter is the fractional spread applied to Interval.
	IntervalJitter float64
	// FetchLimit of zero fetches every post the feed returns.
	FetchLimit  int
	MaxAttempts int
}

// CycleSummary counts what one cycle saw and did.
type CycleSummary struct {
	CycleID         string
	FetchFailed     bool
	Posts           int
	Polls           int
	ParseErrors     int
	Candidates      int
	Voted           int
	AlreadyAnswered int
	AlreadyVoted    int
	Closed          int
	Failed          int
}

type Orchestrator struct {
	cfg       LoopConfig
	client    RemoteClient
	extractor *extractor.Extractor
	submitter *VoteSubmitter
	retry     *retry.Controller
	pacer     *retry.Pacer
	answered  *repository.AnsweredRepository
	sleeper   retry.Sleeper
	rnd       retry.Rand
	metrics   *metrics.Metrics
	notifier  Notifier
	dumper    Dumper
	state     State
	l         *zap.Logger
}

type Deps struct {
	Client    RemoteClient
	Extractor *extractor.Extractor
	Submitter *VoteSubmitter
	Retry     *retry.Controller
	Pacer     *retry.Pacer
	Answered  *repository.AnsweredRepository
	Sleeper   retry.Sleeper
	Rand      retry.Rand
	Metrics   *metrics.Metrics
	// Notifier and Dumper are optional.
	Notifier Notifier
	Dumper   Dumper
}

func New(cfg LoopConfig, deps Deps, l *zap.Logger) *Orchestrator {
	if cfg.IntervalJitter <= 0 {
		cfg.IntervalJitter = DefaultIntervalJitter
	}
	return &Orchestrator{
		cfg:       cfg,
		client:    deps.Client,
		extractor: deps.Extractor,
		submitter: deps.Submitter,
		retry:     deps.Retry,
		pacer:     deps.Pacer,
		answered:  deps.Answered,
		sleeper:   deps.Sleeper,
		rnd:       deps.Rand,
		metrics:   deps.Metrics,
		notifier:  deps.Notifier,
		dumper:    deps.Dumper,
		state:     Idle,
		l:         l,
	}
}

func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) setState(l *zap.Logger, s State) {
	l.Debug("state transition",
		zap.Stringer("from", o.state),
		zap.Stringer("to", s))
	o.state = s
}

// Run cycles until ctx is cancelled and returns the context error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.l.Info("poll loop started",
		zap.String("class_id", o.cfg.ClassID),
		zap.Int("answer_index", o.cfg.AnswerIndex),
		zap.Duration("interval", o.cfg.Interval),
		zap.Int("fetch_limit", o.cfg.FetchLimit))
	for {
		o.RunCycle(ctx)
		if err := ctx.Err(); err != nil {
			o.l.Info("poll loop stopped", zap.Int("answered", o.answered.Len()))
			return err
		}

		o.setState(o.l, Sleeping)
		wait := retry.Jitter(o.rnd, o.cfg.Interval, o.cfg.IntervalJitter)
		o.l.Info("waiting before next check",
			zap.Duration("base", o.cfg.Interval),
			zap.Duration("wait", wait))
		if err := o.sleeper.Sleep(ctx, wait); err != nil {
			o.l.Info("poll loop stopped", zap.Int("answered", o.answered.Len()))
			return err
		}
	}
}

// RunCycle performs one fetch, extract, evaluate, submit pass.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleSummary {
	summary := CycleSummary{CycleID: uuid.NewString()}
	l := o.l.With(zap.String("cycle_id", summary.CycleID))
	defer func() {
		o.metrics.Cycles.Inc()
		o.metrics.Answered.Set(float64(o.answered.Len()))
		l.Info("cycle summary",
			zap.String("event", "cycle_summary"),
			zap.Bool("fetch_failed", summary.FetchFailed),
			zap.Int("posts", summary.Posts),
			zap.Int("polls", summary.Polls),
			zap.Int("parse_errors", summary.ParseErrors),
			zap.Int("candidates", summary.Candidates),
			zap.Int("voted", summary.Voted),
			zap.Int("already_answered", summary.AlreadyAnswered),
			zap.Int("already_voted", summary.AlreadyVoted),
			zap.Int("closed", summary.Closed),
			zap.Int("failed", summary.Failed))
	}()

	o.setState(l, Fetching)
	posts, err := o.fetch(ctx, l)
	if err != nil {
		summary.FetchFailed = true
		o.metrics.FetchFailures.Inc()
		l.Error("failed to fetch posts", zap.Error(err))
		return summary
	}
	summary.Posts = len(posts)
	if o.dumper != nil {
		if err := o.dumper.Dump(posts); err != nil {
			l.Warn("failed to dump posts", zap.Error(err))
		}
	}

	o.setState(l, Extracting)
	views := o.extract(l, posts, &summary)

	o.setState(l, Evaluating)
	candidates := make([]models.PollView, 0, len(views))
	for _, view := range views {
		ok, reason := Evaluate(view, o.answered)
		if ok {
			candidates = append(candidates, view)
			continue
		}
		switch reason {
		case SkipClosed:
			summary.Closed++
		case SkipAnswered:
			summary.AlreadyAnswered++
		case SkipAlreadyVoted:
			summary.AlreadyVoted++
		}
		o.metrics.ObserveSkip(string(reason))
		l.Debug("poll skipped",
			zap.String("event", "vote_skipped"),
			zap.String("post_id", view.PostID),
			zap.String("reason", string(reason)))
	}
	summary.Candidates = len(candidates)

	o.setState(l, Submitting)
	for i, view := range candidates {
		if ctx.Err() != nil {
			l.Info("cancelled, leaving remaining polls for a later run",
				zap.Int("remaining", len(candidates)-i))
			break
		}
		o.vote(ctx, l, view, &summary)
	}
	return summary
}

func (o *Orchestrator) fetch(ctx context.Context, l *zap.Logger) ([]models.RawPost, error) {
	var posts []models.RawPost
	outcome, attempts := o.retry.Do(ctx, fetchOperation, o.cfg.MaxAttempts, func(ctx context.Context) models.VoteOutcome {
		if err := o.pacer.Wait(ctx); err != nil {
			return models.VoteOutcome{Kind: models.TransientError, Err: err}
		}
		p, err := o.client.FetchRecentPosts(ctx, o.cfg.ClassID, o.cfg.FetchLimit)
		if err != nil {
			return models.Classify(err)
		}
		posts = p
		return models.SuccessOutcome(nil)
	})
	if outcome.Kind != models.Success {
		return nil, fmt.Errorf("%w after %d attempts (%s): %w", models.ErrFetchFailed, attempts, outcome.Kind, outcome.Err)
	}
	l.Debug("fetched posts", zap.Int("count", len(posts)), zap.Int("attempts", attempts))
	return posts, nil
}

func (o *Orchestrator) extract(l *zap.Logger, posts []models.RawPost, summary *CycleSummary) []models.PollView {
	views := make([]models.PollView, 0, len(posts))
	for _, post := range posts {
		view, err := o.extractor.Extract(post)
		if err != nil {
			summary.ParseErrors++
			o.metrics.ParseErrors.Inc()
			l.Warn("failed to parse poll",
				zap.String("event", "parse_error"),
				zap.String("post_id", post.ID),
				zap.Error(err))
			continue
		}
		if view == nil {
			continue
		}
		summary.Polls++
		o.metrics.PollsDetected.Inc()
		l.Info("poll detected",
			zap.String("event", "poll_detected"),
			zap.String("post_id", view.PostID),
			zap.String("subject", view.Subject),
			zap.Bool("is_closed", view.IsClosed),
			zap.Bool("has_voted", view.HasVoted),
			zap.Int("options", len(view.Options)))
		views = append(views, *view)
	}
	return views
}

func (o *Orchestrator) vote(ctx context.Context, l *zap.Logger, view models.PollView, summary *CycleSummary) {
	l = l.With(zap.String("post_id", view.PostID), zap.String("subject", view.Subject))

	option, err := ResolveOption(view, o.cfg.AnswerIndex)
	if err != nil {
		summary.Failed++
		o.metrics.ObserveVote(models.FatalError)
		l.Error("cannot choose an option",
			zap.String("event", "fatal_error"),
			zap.Int("answer_index", o.cfg.AnswerIndex),
			zap.Int("active_options", len(view.ActiveOptions())),
			zap.Error(err))
		return
	}
	l.Info("attempting to answer poll",
		zap.String("option_id", option.ID),
		zap.String("option", option.Label))

	outcome, attempts := o.retry.Do(ctx, voteOperation, o.cfg.MaxAttempts, func(ctx context.Context) models.VoteOutcome {
		return o.submitter.SubmitVote(ctx, view.PostID, option.ID)
	})
	o.metrics.ObserveVote(outcome.Kind)
	if outcome.Answered() {
		o.answered.Add(view.PostID)
	}

	switch outcome.Kind {
	case models.Success:
		summary.Voted++
		l.Info("poll answered",
			zap.String("event", "vote_success"),
			zap.String("option_id", option.ID),
			zap.String("option", option.Label),
			zap.Int("attempts", attempts),
			zap.Any("total_votes", totalVotes(outcome.Result)))
		if o.notifier != nil {
			if err := o.notifier.NotifyVote(view, option); err != nil {
				l.Warn("failed to notify about vote", zap.Error(err))
			}
		}
	case models.AlreadyVoted:
		summary.AlreadyVoted++
		l.Info("poll already voted",
			zap.String("event", "vote_skipped"),
			zap.String("reason", string(SkipAlreadyVoted)),
			zap.Error(outcome.Err))
	case models.Closed:
		summary.Closed++
		l.Info("poll closed",
			zap.String("event", "vote_skipped"),
			zap.String("reason", string(SkipClosed)),
			zap.Error(outcome.Err))
	case models.RateLimited, models.TransientError:
		summary.Failed++
		l.Warn("giving up on poll until next cycle",
			zap.String("event", "vote_skipped"),
			zap.String("reason", "retries_exhausted"),
			zap.Stringer("outcome", outcome.Kind),
			zap.Int("attempts", attempts),
			zap.Error(outcome.Err))
	default:
		summary.Failed++
		l.Error("vote failed",
			zap.String("event", "fatal_error"),
			zap.Error(outcome.Err))
	}
}

// totalVotes reads total_votes from a vote result, nil when absent.
func totalVotes(result []byte) any {
	if len(result) == 0 {
		return nil
	}
	var r struct {
		TotalVotes *int `json:"total_votes"`
	}
	if err := json.Unmarshal(result, &r); err != nil || r.TotalVotes == nil {
		return nil
	}
	return *r.TotalVotes
}
