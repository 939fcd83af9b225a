package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/go-github/v66/github"
	"github.com/samber/lo"
)

const (
	EventHeader    = "X-GitHub-Event"
	DeliveryHeader = "X-GitHub-Delivery"

	// Unknown stands in for header values and payload fields that were not sent.
	Unknown = "unknown"

	// MaxCommitSummaries bounds how many commits of a push end up in the log.
	MaxCommitSummaries = 5

	shortIDLength    = 7
	maxMessageLength = 50
	branchRefPrefix  = "refs/heads/"
)

// ErrMalformedPayload is returned by Classify when the body is not JSON.
var ErrMalformedPayload = errors.New("malformed payload")

// Envelope is an authenticated notification before interpretation.
type Envelope struct {
	EventType  string
	DeliveryID string
	Payload    json.RawMessage
}

// Classify builds an Envelope from the request headers and raw body.
func Classify(header http.Header, body []byte) (Envelope, error) {
	var payload json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return Envelope{
		EventType:  lo.CoalesceOrEmpty(strings.TrimSpace(header.Get(EventHeader)), Unknown),
		DeliveryID: lo.CoalesceOrEmpty(strings.TrimSpace(header.Get(DeliveryHeader)), Unknown),
		Payload:    payload,
	}, nil
}

// Kind names an Event variant.
type Kind string

const (
	KindPing        Kind = "ping"
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
	KindUnhandled   Kind = "unhandled"
)

// Event is one of Ping, Push, PullRequest or Unhandled.
type Event interface {
	Kind() Kind
	isEvent()
}

// Ping is sent by GitHub when a webhook is first configured.
type Ping struct{}

// Push describes a push to a repository.
type Push struct {
	Branch       string
	Pusher       string
	RepoFullName string
	// CommitCount is the number of commits delivered; Commits keeps at most
	// MaxCommitSummaries of them.
	CommitCount int
	Commits     []CommitSummary
}

// CommitSummary is the loggable projection of one pushed commit.
type CommitSummary struct {
	ShortID string
	Message string
	Author  string
}

// PullRequest describes a pull_request event. Pointer fields are nil when the
// payload did not carry them.
type PullRequest struct {
	Action    string
	Number    *int
	Title     *string
	UserLogin *string
}

// Unhandled is any event type without a dedicated variant.
type Unhandled struct {
	EventType string
}

func (Ping) Kind() Kind        { return KindPing }
func (Push) Kind() Kind        { return KindPush }
func (PullRequest) Kind() Kind { return KindPullRequest }
func (Unhandled) Kind() Kind   { return KindUnhandled }

func (Ping) isEvent()        {}
func (Push) isEvent()        {}
func (PullRequest) isEvent() {}
func (Unhandled) isEvent()   {}

// Interpret maps an Envelope to its Event variant. Payload fields that are
// missing or of the wrong type fall back to defaults instead of failing.
func Interpret(env Envelope) Event {
	switch env.EventType {
	case "ping":
		return Ping{}
	case "push":
		var e github.PushEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return decodePush(env.Payload)
		}
		return newPush(&e)
	case "pull_request":
		var e github.PullRequestEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return decodePullRequest(env.Payload)
		}
		return newPullRequest(&e)
	default:
		return Unhandled{EventType: env.EventType}
	}
}

func newPush(e *github.PushEvent) Push {
	return Push{
		Branch:       strings.TrimPrefix(e.GetRef(), branchRefPrefix),
		Pusher:       lo.CoalesceOrEmpty(e.GetPusher().GetName(), Unknown),
		RepoFullName: lo.CoalesceOrEmpty(e.GetRepo().GetFullName(), Unknown),
		CommitCount:  len(e.Commits),
		Commits: lo.Map(lo.Slice(e.Commits, 0, MaxCommitSummaries), func(c *github.HeadCommit, _ int) CommitSummary {
			return summarizeCommit(c.GetID(), c.GetMessage(), c.GetAuthor().GetName())
		}),
	}
}

// decodePush reads only the fields a Push needs. A type mismatch still
// leaves every other field populated.
func decodePush(payload json.RawMessage) Push {
	var p pushPayload
	_ = json.Unmarshal(payload, &p)
	return Push{
		Branch:       strings.TrimPrefix(p.Ref, branchRefPrefix),
		Pusher:       lo.CoalesceOrEmpty(p.Pusher.Name, Unknown),
		RepoFullName: lo.CoalesceOrEmpty(p.Repository.FullName, Unknown),
		CommitCount:  len(p.Commits),
		Commits: lo.Map(lo.Slice(p.Commits, 0, MaxCommitSummaries), func(c pushedCommit, _ int) CommitSummary {
			return summarizeCommit(c.ID, c.Message, c.Author.Name)
		}),
	}
}

func summarizeCommit(id, message, author string) CommitSummary {
	message, _, _ = strings.Cut(message, "\n")
	return CommitSummary{
		ShortID: truncateRunes(id, shortIDLength),
		Message: truncateRunes(message, maxMessageLength),
		Author:  lo.CoalesceOrEmpty(author, Unknown),
	}
}

func newPullRequest(e *github.PullRequestEvent) PullRequest {
	pr := PullRequest{Action: e.GetAction()}
	if e.PullRequest == nil {
		return pr
	}
	pr.Number = e.PullRequest.Number
	pr.Title = e.PullRequest.Title
	if e.PullRequest.User != nil {
		pr.UserLogin = e.PullRequest.User.Login
	}
	return pr
}

func decodePullRequest(payload json.RawMessage) PullRequest {
	var p pullRequestPayload
	_ = json.Unmarshal(payload, &p)
	pr := PullRequest{Action: p.Action}
	if p.PullRequest == nil {
		return pr
	}
	pr.Number = p.PullRequest.Number
	pr.Title = p.PullRequest.Title
	if p.PullRequest.User != nil {
		pr.UserLogin = p.PullRequest.User.Login
	}
	return pr
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
