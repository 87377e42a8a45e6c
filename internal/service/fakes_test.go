package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jaam8/piazza_poll_bot/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return ctx.Err()
}

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

type invocation struct {
	method  string
	payload any
}

// fakeClient serves scripted fetch and vote results. Vote errors are consumed
// in order per post id; once exhausted every vote succeeds.
type fakeClient struct {
	t           *testing.T
	batches     [][]models.RawPost
	fetchErrs   []error
	fetches     int
	voteErrs    map[string][]error
	invocations []invocation
	onInvoke    func()
}

func (c *fakeClient) FetchRecentPosts(_ context.Context, _ string, _ int) ([]models.RawPost, error) {
	c.fetches++
	if len(c.fetchErrs) > 0 {
		err := c.fetchErrs[0]
		c.fetchErrs = c.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(c.batches) == 0 {
		return nil, nil
	}
	batch := c.batches[0]
	if len(c.batches) > 1 {
		c.batches = c.batches[1:]
	}
	return batch, nil
}

func (c *fakeClient) Invoke(_ context.Context, method string, payload any) (json.RawMessage, error) {
	c.invocations = append(c.invocations, invocation{method: method, payload: payload})
	if c.onInvoke != nil {
		c.onInvoke()
	}
	vote, ok := payload.(models.VotePayload)
	require.True(c.t, ok, "unexpected payload %T", payload)
	if errs := c.voteErrs[vote.CID]; len(errs) > 0 {
		c.voteErrs[vote.CID] = errs[1:]
		return nil, errs[0]
	}
	return json.RawMessage(`{"total_votes":1}`), nil
}

func (c *fakeClient) votesFor(postID string) int {
	n := 0
	for _, inv := range c.invocations {
		if vote, ok := inv.payload.(models.VotePayload); ok && vote.CID == postID {
			n++
		}
	}
	return n
}

type answerSpec struct {
	id      string
	text    string
	deleted bool
}

func pollPost(t *testing.T, id string, closed, voted bool, answers ...answerSpec) models.RawPost {
	t.Helper()
	if len(answers) == 0 {
		answers = []answerSpec{{id: id + "-a", text: "A"}, {id: id + "-b", text: "B"}}
	}
	list := make([]any, 0, len(answers))
	for _, a := range answers {
		list = append(list, map[string]any{"id": a.id, "text": a.text, "deleted": a.deleted})
	}
	hasVoted := []string{}
	if voted {
		hasVoted = append(hasVoted, "me")
	}
	closedFlag := 0
	if closed {
		closedFlag = 1
	}
	body := map[string]any{
		"id":        id,
		"type":      "poll",
		"status":    "active",
		"config":    map[string]any{"poll_is_closed": closedFlag},
		"data":      map[string]any{"has_voted": hasVoted},
		"questions": []any{map[string]any{"answers": list}},
		"history":   []any{map[string]any{"subject": "poll " + id}},
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	return models.RawPost{ID: id, Payload: payload}
}

func notePost(id string) models.RawPost {
	return models.RawPost{ID: id, Payload: json.RawMessage(`{"id":"` + id + `","type":"note"}`)}
}

func malformedPoll(id string) models.RawPost {
	return models.RawPost{ID: id, Payload: json.RawMessage(`{"id":"` + id + `","type":"poll","questions":[{"text":"?"}]}`)}
}
