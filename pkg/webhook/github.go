package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/jira"
	ghprovider "github.com/AYCHIT/Aych.Gitjira/pkg/providers/github"
	"github.com/AYCHIT/Aych.Gitjira/pkg/push"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
	"github.com/go-playground/webhooks/v6/github"
)

// TrackerFactory binds a tracker client to the enabled installation for a host.
type TrackerFactory interface {
	ForHost(ctx context.Context, installationID int64, host string) (*jira.Client, error)
}

// AuthorLookups builds an author lookup authenticated as a GitHub installation.
type AuthorLookups interface {
	ForInstallation(ctx context.Context, installationID int64) (push.AuthorLookup, error)
}

// Subscriptions is the part of the subscription store the GitHub handler uses.
type Subscriptions interface {
	ListForInstallation(ctx context.Context, installationID int64) ([]storage.Subscription, error)
	Delete(ctx context.Context, installationID int64, host string) error
}

// GitHubOptions configures a GitHubHandler.
type GitHubOptions struct {
	Secret        string
	Rules         *internal.RuleEngine
	Processor     *push.Processor
	Subscriptions Subscriptions
	Trackers      TrackerFactory
	Authors       AuthorLookups
	Logger        *log.Logger
	MaxBody       int64
}

// GitHubHandler mirrors GitHub App events into every subscribed tracker host.
type GitHubHandler struct {
	hook          *github.Webhook
	rules         *internal.RuleEngine
	processor     *push.Processor
	subscriptions Subscriptions
	trackers      TrackerFactory
	authors       AuthorLookups
	logger        *log.Logger
	maxBody       int64
}

var githubEvents = []github.Event{
	github.PingEvent,
	github.PushEvent,
	github.DeleteEvent,
	github.RepositoryEvent,
	github.InstallationEvent,
}

// NewGitHubHandler creates a new GitHubHandler.
func NewGitHubHandler(opts GitHubOptions) (*GitHubHandler, error) {
	var hookOpts []github.Option
	if opts.Secret != "" {
		hookOpts = append(hookOpts, github.Options.Secret(opts.Secret))
	}
	hook, err := github.New(hookOpts...)
	if err != nil {
		return nil, err
	}
	if opts.Subscriptions == nil || opts.Trackers == nil || opts.Authors == nil {
		return nil, errors.New("github handler requires subscriptions, trackers and authors")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	processor := opts.Processor
	if processor == nil {
		processor = push.NewProcessor(logger)
	}
	return &GitHubHandler{
		hook:          hook,
		rules:         opts.Rules,
		processor:     processor,
		subscriptions: opts.Subscriptions,
		trackers:      opts.Trackers,
		authors:       opts.Authors,
		logger:        logger,
		maxBody:       opts.MaxBody,
	}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.IncRequest("github")
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	reqID := RequestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	payload, err := h.hook.Parse(r, githubEvents...)
	if err != nil {
		if errors.Is(err, github.ErrEventNotFound) {
			w.WriteHeader(http.StatusOK)
			return
		}
		internal.IncParseError("github")
		logger.Printf("github parse failed: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	eventName := r.Header.Get("X-GitHub-Event")
	switch p := payload.(type) {
	case github.PushPayload:
		err = h.handlePush(r.Context(), logger, pushEvent(p), rawBody)
	case github.DeletePayload:
		err = h.handleDelete(r.Context(), logger, p, rawBody)
	case github.RepositoryPayload:
		err = h.handleRepository(r.Context(), logger, p, rawBody)
	case github.InstallationPayload:
		err = h.handleInstallation(r.Context(), logger, p)
	}
	if err != nil {
		logger.Printf("github %s failed: %v", eventName, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handlePush mirrors a push. raw is only decoded again when rules are
// configured, since rule variables are keyed by JSON path.
func (h *GitHubHandler) handlePush(ctx context.Context, logger *log.Logger, event push.Event, raw []byte) error {
	subs, err := h.subscriptions.ListForInstallation(ctx, event.Installation.ID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		logger.Printf("push installation=%d has no subscriptions", event.Installation.ID)
		return nil
	}

	var opts jira.UpdateOptions
	if h.rules != nil {
		var decoded map[string]interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		decision := h.rules.Evaluate(decoded)
		if decision.Skip {
			logger.Printf("push repo=%s skipped by rules %v", event.Repository.FullName, decision.Matched)
			return nil
		}
		opts.PreventTransitions = decision.PreventTransitions
	}

	if push.Transform(event, nil) == nil {
		logger.Printf("push repo=%s has no issue keys, skipping", event.Repository.FullName)
		return nil
	}
	lookup, err := h.authors.ForInstallation(ctx, event.Installation.ID)
	if err != nil {
		return fmt.Errorf("github installation %d: %w", event.Installation.ID, err)
	}
	repo, err := h.processor.Prepare(ctx, event, lookup)
	if err != nil {
		return err
	}

	return h.eachTracker(ctx, logger, subs, func(client *jira.Client) error {
		_, err := h.processor.Submit(ctx, repo, client.Repositories, opts)
		if jira.IsPartialBatchFailure(err) {
			return nil
		}
		return err
	})
}

func (h *GitHubHandler) handleDelete(ctx context.Context, logger *log.Logger, p github.DeletePayload, raw []byte) error {
	if p.RefType != "branch" {
		return nil
	}
	installationID, err := payloadInstallationID(raw)
	if err != nil {
		return err
	}
	event := push.DeleteEvent{
		Ref:          p.Ref,
		RefType:      p.RefType,
		Repository:   push.Repository{ID: p.Repository.ID, Name: p.Repository.Name, FullName: p.Repository.FullName, HTMLURL: p.Repository.HTMLURL},
		Installation: push.Installation{ID: installationID},
	}
	subs, err := h.subscriptions.ListForInstallation(ctx, installationID)
	if err != nil {
		return err
	}
	return h.eachTracker(ctx, logger, subs, func(client *jira.Client) error {
		return h.processor.DeleteBranch(ctx, event, client.Branches)
	})
}

func (h *GitHubHandler) handleRepository(ctx context.Context, logger *log.Logger, p github.RepositoryPayload, raw []byte) error {
	if p.Action != "deleted" {
		return nil
	}
	installationID, err := payloadInstallationID(raw)
	if err != nil {
		return err
	}
	event := push.RepositoryEvent{
		Action:       p.Action,
		Repository:   push.Repository{ID: p.Repository.ID, Name: p.Repository.Name, FullName: p.Repository.FullName, HTMLURL: p.Repository.HTMLURL},
		Installation: push.Installation{ID: installationID},
	}
	subs, err := h.subscriptions.ListForInstallation(ctx, installationID)
	if err != nil {
		return err
	}
	return h.eachTracker(ctx, logger, subs, func(client *jira.Client) error {
		return h.processor.DeleteRepository(ctx, event, client.Repositories)
	})
}

// handleInstallation removes the tracker data and subscriptions of an
// uninstalled GitHub App installation.
func (h *GitHubHandler) handleInstallation(ctx context.Context, logger *log.Logger, p github.InstallationPayload) error {
	if p.Action != "deleted" {
		return nil
	}
	installationID := p.Installation.ID
	if installationID == 0 {
		return errors.New("installation id missing in webhook")
	}
	subs, err := h.subscriptions.ListForInstallation(ctx, installationID)
	if err != nil {
		return err
	}
	var errs []error
	for _, sub := range subs {
		client, err := h.trackers.ForHost(ctx, installationID, sub.JiraHost)
		switch {
		case err == nil:
			if err := client.Installations.Delete(ctx, installationID); err != nil {
				errs = append(errs, fmt.Errorf("jira host %s: %w", sub.JiraHost, err))
				continue
			}
		case errors.Is(err, storage.ErrNotFound):
			logger.Printf("jira host %s is not connected, removing subscription only", sub.JiraHost)
		default:
			errs = append(errs, err)
			continue
		}
		if err := h.subscriptions.Delete(ctx, installationID, sub.JiraHost); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Printf("subscription removed installation=%d host=%s", installationID, sub.JiraHost)
	}
	return errors.Join(errs...)
}

// eachTracker calls fn with a client for every subscribed host. Hosts whose
// credentials are gone are skipped; other failures are joined.
func (h *GitHubHandler) eachTracker(ctx context.Context, logger *log.Logger, subs []storage.Subscription, fn func(client *jira.Client) error) error {
	var errs []error
	for _, sub := range subs {
		client, err := h.trackers.ForHost(ctx, sub.GitHubInstallationID, sub.JiraHost)
		if errors.Is(err, storage.ErrNotFound) {
			logger.Printf("jira host %s is not connected, skipping", sub.JiraHost)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := fn(client); err != nil {
			errs = append(errs, fmt.Errorf("jira host %s: %w", sub.JiraHost, err))
		}
	}
	return errors.Join(errs...)
}

// pushEvent maps the library's push payload onto the transform input.
func pushEvent(p github.PushPayload) push.Event {
	event := push.Event{
		Ref:          p.Ref,
		Before:       p.Before,
		After:        p.After,
		Deleted:      p.Deleted,
		Commits:      make([]push.Commit, 0, len(p.Commits)),
		Repository:   push.Repository{ID: p.Repository.ID, Name: p.Repository.Name, FullName: p.Repository.FullName, HTMLURL: p.Repository.HTMLURL},
		Installation: push.Installation{ID: int64(p.Installation.ID)},
	}
	for _, c := range p.Commits {
		event.Commits = append(event.Commits, push.Commit{
			ID:        c.ID,
			Message:   c.Message,
			Timestamp: c.Timestamp,
			URL:       c.URL,
			Author:    push.CommitAuthor{Name: c.Author.Name, Email: c.Author.Email, Username: c.Author.Username},
			Added:     c.Added,
			Removed:   c.Removed,
			Modified:  c.Modified,
		})
	}
	return event
}

// payloadInstallationID reads the installation block the library's delete and
// repository payloads leave out.
func payloadInstallationID(raw []byte) (int64, error) {
	id, ok, err := ghprovider.InstallationIDFromPayload(raw)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("installation id missing in webhook")
	}
	return id, nil
}
