package repository

import (
	"go.uber.org/zap"
)

// AnsweredRepository remembers the polls this process has voted on, or has
// seen the server report as voted. It lives only as long as the process and
// is owned by a single loop, so it takes no locks.
type AnsweredRepository struct {
	ids map[string]struct{}
	l   *zap.Logger
}

func New(l *zap.Logger) *AnsweredRepository {
	return &AnsweredRepository{
		ids: make(map[string]struct{}),
		l:   l,
	}
}

func (r *AnsweredRepository) Contains(postID string) bool {
	_, ok := r.ids[postID]
	return ok
}

// Add records postID and reports whether it was newly added.
func (r *AnsweredRepository) Add(postID string) bool {
	if _, ok := r.ids[postID]; ok {
		return false
	}
	r.ids[postID] = struct{}{}
	r.l.Debug("poll marked as answered",
		zap.String("post_id", postID),
		zap.Int("answered_total", len(r.ids)))
	return true
}

func (r *AnsweredRepository) Len() int {
	return len(r.ids)
}
