// Package extractor turns raw forum posts into poll views. It is the only
// place that knows the shape of a post record.
package extractor

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/jaam8/piazza_poll_bot/internal/models"
	"go.uber.org/zap"
)

const (
	pollType       = "poll"
	activeStatus   = "active"
	defaultSubject = "Untitled Poll"
)

type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Config    *postConfig     `json:"config"`
	Data      *pollData       `json:"data"`
	Questions json.RawMessage `json:"questions"`
	History   []revision      `json:"history"`
}

type postConfig struct {
	PollIsClosed flag `json:"poll_is_closed"`
}

type pollData struct {
	HasVoted []json.RawMessage `json:"has_voted"`
	// decoded separately by readCounts
	Results    json.RawMessage `json:"results"`
	TotalVotes json.RawMessage `json:"total_votes"`
}

type question struct {
	Answers json.RawMessage `json:"answers"`
}

type answer struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Deleted flag   `json:"deleted"`
}

type revision struct {
	Subject string `json:"subject"`
}

// flag accepts the forms the server uses for booleans: true, 1, "1", "true".
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = false
		return nil
	}
	s := string(bytes.Trim(b, `"`))
	if v, err := strconv.ParseBool(s); err == nil {
		*f = flag(v)
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = n != 0
	return nil
}

// Extractor builds poll views for one account.
type Extractor struct {
	accountID string
	l         *zap.Logger
}

func New(accountID string, l *zap.Logger) *Extractor {
	return &Extractor{accountID: accountID, l: l}
}

// Extract returns (nil, nil) when the post is not a poll and a *models.ParseError
// when it is tagged as a poll but its nested structure cannot be read.
func (e *Extractor) Extract(raw models.RawPost) (*models.PollView, error) {
	var env envelope
	if err := json.Unmarshal(raw.Payload, &env); err != nil {
		// an unreadable envelope carries no poll tag we can trust
		var tagged struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw.Payload, &tagged) == nil && tagged.Type == pollType {
			return nil, &models.ParseError{PostID: raw.ID, Reason: "invalid post record", Err: err}
		}
		return nil, nil
	}
	if env.Type != pollType {
		return nil, nil
	}

	postID := env.ID
	if postID == "" {
		postID = raw.ID
	}
	if postID == "" {
		return nil, &models.ParseError{Reason: "missing post id"}
	}

	options, err := parseOptions(postID, env.Questions)
	if err != nil {
		return nil, err
	}

	view := &models.PollView{
		PostID:     postID,
		Subject:    defaultSubject,
		IsClosed:   isClosed(env),
		HasVoted:   e.hasVoted(env.Data),
		Options:    options,
		VoteCounts: map[string]int{},
	}
	if len(env.History) > 0 && env.History[0].Subject != "" {
		view.Subject = env.History[0].Subject
	}
	if env.Data != nil {
		e.readCounts(view, env.Data)
	}
	return view, nil
}

// readCounts fills the vote counts, leaving them at zero when the server
// sends a shape it does not recognize.
func (e *Extractor) readCounts(view *models.PollView, data *pollData) {
	if present(data.Results) {
		var results map[string]int
		if err := json.Unmarshal(data.Results, &results); err != nil {
			e.l.Debug("ignoring unreadable poll results",
				zap.String("post_id", view.PostID),
				zap.Error(err))
		} else {
			for id, n := range results {
				view.VoteCounts[id] = n
				view.TotalVotes += n
			}
		}
	}
	if present(data.TotalVotes) {
		var total int
		if err := json.Unmarshal(data.TotalVotes, &total); err != nil {
			e.l.Debug("ignoring unreadable total votes",
				zap.String("post_id", view.PostID),
				zap.Error(err))
			return
		}
		view.TotalVotes = total
	}
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func parseOptions(postID string, rawQuestions json.RawMessage) ([]models.Option, error) {
	if len(rawQuestions) == 0 || bytes.Equal(rawQuestions, []byte("null")) {
		return nil, &models.ParseError{PostID: postID, Reason: "missing questions"}
	}
	var questions []question
	if err := json.Unmarshal(rawQuestions, &questions); err != nil {
		return nil, &models.ParseError{PostID: postID, Reason: "invalid questions", Err: err}
	}
	if len(questions) == 0 {
		return nil, &models.ParseError{PostID: postID, Reason: "empty questions"}
	}

	rawAnswers := questions[0].Answers
	if len(rawAnswers) == 0 || bytes.Equal(rawAnswers, []byte("null")) {
		return nil, &models.ParseError{PostID: postID, Reason: "missing answers"}
	}
	var answers []answer
	if err := json.Unmarshal(rawAnswers, &answers); err != nil {
		return nil, &models.ParseError{PostID: postID, Reason: "invalid answers", Err: err}
	}
	if len(answers) == 0 {
		return nil, &models.ParseError{PostID: postID, Reason: "empty answers"}
	}

	options := make([]models.Option, 0, len(answers))
	for i, a := range answers {
		if a.ID == "" {
			return nil, &models.ParseError{PostID: postID, Reason: "answer " + strconv.Itoa(i) + " has no id"}
		}
		options = append(options, models.Option{
			ID:        a.ID,
			Label:     a.Text,
			IsDeleted: bool(a.Deleted),
		})
	}
	return options, nil
}

func isClosed(env envelope) bool {
	if env.Config != nil && bool(env.Config.PollIsClosed) {
		return true
	}
	return env.Status != "" && env.Status != activeStatus
}

func (e *Extractor) hasVoted(data *pollData) bool {
	if data == nil || len(data.HasVoted) == 0 {
		return false
	}
	if e.accountID == "" {
		return true
	}
	for _, raw := range data.HasVoted {
		if voterID(raw) == e.accountID {
			return true
		}
	}
	return false
}

// voterID reads a voter entry that may be a bare id or an object with an id.
func voterID(raw json.RawMessage) string {
	var id string
	if json.Unmarshal(raw, &id) == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}
