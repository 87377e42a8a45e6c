// Package notify reports cast votes to a Mattermost channel.
package notify

import (
	"fmt"
	"strings"

	"github.com/jaam8/piazza_poll_bot/internal/models"
	"github.com/mattermost/mattermost-server/v6/model"
	"go.uber.org/zap"
)

// PostCreator is the part of *model.Client4 the notifier needs.
type PostCreator interface {
	CreatePost(post *model.Post) (*model.Post, *model.Response, error)
}

type MattermostNotifier struct {
	client    PostCreator
	channelID string
	l         *zap.Logger
}

// NewMattermost builds a notifier that posts as the bot owning token.
func NewMattermost(url, token, channelID string, l *zap.Logger) *MattermostNotifier {
	client := model.NewAPIv4Client(url)
	client.SetToken(token)
	return New(client, channelID, l)
}

func New(client PostCreator, channelID string, l *zap.Logger) *MattermostNotifier {
	return &MattermostNotifier{
		client:    client,
		channelID: channelID,
		l:         l,
	}
}

func (n *MattermostNotifier) NotifyVote(view models.PollView, option models.Option) error {
	var b strings.Builder
	fmt.Fprintf(&b, "**Poll answered**: %s\n", view.Subject)
	fmt.Fprintf(&b, "**Post ID**: %s\n", view.PostID)
	b.WriteString("**Options**:\n")
	for i, opt := range view.ActiveOptions() {
		marker := ""
		if opt.ID == option.ID {
			marker = " <- voted"
		}
		fmt.Fprintf(&b, "  [%d] *%s*%s\n", i, opt.Label, marker)
	}
	if err := n.SendMsg(b.String()); err != nil {
		return fmt.Errorf("notify: failed to send vote message: %w", err)
	}
	return nil
}

func (n *MattermostNotifier) SendMsg(message string) error {
	post := &model.Post{
		ChannelId: n.channelID,
		Message:   message,
	}
	_, resp, err := n.client.CreatePost(post)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	n.l.Debug("send new message",
		zap.String("channel_id", n.channelID),
		zap.String("message", message),
		zap.Int("status_code", statusCode))
	if err != nil {
		return err
	}
	return nil
}
