package service

import (
	"github.com/jaam8/piazza_poll_bot/internal/models"
	"github.com/jaam8/piazza_poll_bot/internal/repository"
)

type SkipReason string

const (
	SkipNone         SkipReason = ""
	SkipClosed       SkipReason = "closed"
	SkipAnswered     SkipReason = "answered"
	SkipAlreadyVoted SkipReason = "already_voted"
)

// Evaluate decides whether a vote should be attempted for view. The cheap
// local answered check runs before the server-reported has_voted flag; a
// has_voted poll is recorded as answered so later cycles short-circuit.
func Evaluate(view models.PollView, answered *repository.AnsweredRepository) (bool, SkipReason) {
	switch {
	case view.IsClosed:
		return false, SkipClosed
	case answered.Contains(view.PostID):
		return false, SkipAnswered
	case view.HasVoted:
		answered.Add(view.PostID)
		return false, SkipAlreadyVoted
	default:
		return true, SkipNone
	}
}

func IsEligible(view models.PollView, answered *repository.AnsweredRepository) bool {
	ok, _ := Evaluate(view, answered)
	return ok
}
