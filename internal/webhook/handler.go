package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/kehao95/gh-deploy/internal/deploy"
)

// Deployer runs the update procedure for a repository path.
type Deployer interface {
	Run(ctx context.Context, repoPath string) deploy.Outcome
}

// AuditLog is the append-only trail of everything the handler decided.
type AuditLog interface {
	Record(ctx context.Context, event, deliveryID, message string)
}

// Request is one inbound notification.
type Request struct {
	Header http.Header
	Body   []byte
}

// Response is the status and JSON body to send back.
type Response struct {
	Status int
	Body   any
}

type ErrorBody struct {
	Error string `json:"error"`
}

type PongBody struct {
	Message string `json:"message"`
}

type PushBody struct {
	Event    string  `json:"event"`
	Branch   string  `json:"branch"`
	Deployed bool    `json:"deployed"`
	Output   *string `json:"output,omitempty"`
	Revision string  `json:"revision,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

type PullRequestBody struct {
	Event    string `json:"event"`
	Action   string `json:"action"`
	PRNumber *int   `json:"pr_number"`
}

type UnhandledBody struct {
	Event   string `json:"event"`
	Handled bool   `json:"handled"`
}

// Options configures a Handler.
type Options struct {
	Secret       string
	DeployBranch string
	RepoPath     string
	Logger       *slog.Logger
}

// Handler verifies, classifies and acts on webhook notifications. It holds no
// per-request state and is safe for concurrent use.
type Handler struct {
	secret       []byte
	deployBranch string
	repoPath     string
	deployer     Deployer
	audit        AuditLog
	log          *slog.Logger
}

func NewHandler(opts Options, deployer Deployer, audit AuditLog) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secret:       []byte(opts.Secret),
		deployBranch: opts.DeployBranch,
		repoPath:     opts.RepoPath,
		deployer:     deployer,
		audit:        audit,
		log:          logger,
	}
}

// Handle runs one notification through verify, parse and dispatch.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	event := lo.CoalesceOrEmpty(strings.TrimSpace(req.Header.Get(EventHeader)), Unknown)
	delivery := lo.CoalesceOrEmpty(strings.TrimSpace(req.Header.Get(DeliveryHeader)), Unknown)
	log := h.log.With("request_id", uuid.NewString(), "event", event, "delivery", delivery)
	audit := func(format string, args ...any) {
		h.audit.Record(ctx, event, delivery, fmt.Sprintf(format, args...))
	}

	if err := VerifySignature(req.Body, req.Header.Get(SignatureHeader), h.secret); err != nil {
		log.Warn("webhook signature verification failed", "err", err)
		audit("REJECTED: Invalid signature")
		return Response{Status: http.StatusUnauthorized, Body: ErrorBody{Error: "Invalid signature"}}
	}

	env, err := Classify(req.Header, req.Body)
	if err != nil {
		log.Warn("webhook payload rejected", "err", err)
		audit("REJECTED: Invalid JSON payload - %v", err)
		return Response{Status: http.StatusBadRequest, Body: ErrorBody{Error: "Invalid JSON"}}
	}

	// Audit entries are keyed the way stream subscribers filter.
	event, delivery = env.EventType, env.DeliveryID
	log.Info("webhook received", "bytes", len(req.Body))
	audit("Received event: %s (delivery: %s)", env.EventType, env.DeliveryID)

	switch ev := Interpret(env).(type) {
	case Ping:
		audit("Ping received - webhook is configured correctly!")
		return Response{Status: http.StatusOK, Body: PongBody{Message: "pong"}}

	case Push:
		return h.handlePush(ctx, log, ev, audit)

	case PullRequest:
		audit("PR #%s %s by %s: %s",
			orUnknown(ev.Number), lo.CoalesceOrEmpty(ev.Action, Unknown), orUnknown(ev.UserLogin), orUnknown(ev.Title))
		return Response{Status: http.StatusOK, Body: PullRequestBody{
			Event:    string(KindPullRequest),
			Action:   ev.Action,
			PRNumber: ev.Number,
		}}

	case Unhandled:
		audit("Received %s event (no handler)", ev.EventType)
		return Response{Status: http.StatusOK, Body: UnhandledBody{Event: ev.EventType, Handled: false}}

	default:
		panic(fmt.Sprintf("webhook: unexpected event variant %T", ev))
	}
}

func (h *Handler) handlePush(ctx context.Context, log *slog.Logger, ev Push, audit func(string, ...any)) Response {
	audit("Push to %s/%s by %s (%d commits)", ev.RepoFullName, ev.Branch, ev.Pusher, ev.CommitCount)
	for _, c := range ev.Commits {
		audit("  - %s: %s (%s)", c.ShortID, c.Message, c.Author)
	}

	if ev.Branch != h.deployBranch {
		audit("Skipping deploy - branch is %s, not %s", ev.Branch, h.deployBranch)
		return Response{Status: http.StatusOK, Body: PushBody{
			Event:    string(KindPush),
			Branch:   ev.Branch,
			Deployed: false,
			Reason:   fmt.Sprintf("Not the %s branch", h.deployBranch),
		}}
	}

	audit("Starting deployment in %s", h.repoPath)
	// Once a notification is authenticated its deploy runs to completion or
	// timeout, even if the sender hangs up.
	outcome := h.deployer.Run(context.WithoutCancel(ctx), h.repoPath)
	if outcome.Succeeded {
		log.Info("deploy succeeded", "repo_path", h.repoPath, "revision", outcome.Revision)
		audit("Deploy SUCCESS: %s", strings.TrimSpace(outcome.Output))
	} else {
		log.Error("deploy failed", "repo_path", h.repoPath, "output", outcome.Output)
		audit("Deploy FAILED: %s", strings.TrimSpace(outcome.Output))
	}

	return Response{Status: http.StatusOK, Body: PushBody{
		Event:    string(KindPush),
		Branch:   ev.Branch,
		Deployed: outcome.Succeeded,
		Output:   lo.ToPtr(outcome.Output),
		Revision: outcome.Revision,
	}}
}

func orUnknown[T any](v *T) string {
	if v == nil {
		return Unknown
	}
	return fmt.Sprint(*v)
}
