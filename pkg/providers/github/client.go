package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/AYCHIT/Aych.Gitjira/pkg/backfill"
	"github.com/AYCHIT/Aych.Gitjira/pkg/push"
)

// Client is the official GitHub SDK client.
type Client = gh.Client

// NewAppClient creates a GitHub SDK client by exchanging an installation token.
func NewAppClient(ctx context.Context, cfg AppConfig, installationID int64) (*Client, error) {
	if installationID == 0 {
		return nil, fmt.Errorf("github installation id is required")
	}
	authenticator := newAppAuthenticator(cfg)
	token, err := authenticator.installationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	return newClient(cfg.BaseURL, httpClient)
}

func newClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL != "" && baseURL != defaultBaseURL {
		return gh.NewEnterpriseClient(baseURL, baseURL, httpClient)
	}
	return gh.NewClient(httpClient), nil
}

// Users resolves commit authors through the GitHub users API.
type Users struct {
	client *Client
}

// NewUsers wraps client.
func NewUsers(client *Client) *Users {
	return &Users{client: client}
}

// LookupAuthor fetches the profile for username.
func (u *Users) LookupAuthor(ctx context.Context, username string) (push.Profile, error) {
	user, _, err := u.client.Users.Get(ctx, username)
	if err != nil {
		return push.Profile{}, err
	}
	return push.Profile{
		Login:     user.GetLogin(),
		Name:      user.GetName(),
		Email:     user.GetEmail(),
		AvatarURL: user.GetAvatarURL(),
		HTMLURL:   user.GetHTMLURL(),
	}, nil
}

// AuthorLookups builds an author lookup for a GitHub installation.
type AuthorLookups struct {
	App AppConfig
}

// ForInstallation returns a lookup authenticated as installationID.
func (a AuthorLookups) ForInstallation(ctx context.Context, installationID int64) (push.AuthorLookup, error) {
	client, err := NewAppClient(ctx, a.App, installationID)
	if err != nil {
		return nil, err
	}
	return NewUsers(client), nil
}

// Repos lists what an installation can see for the backfill worker.
type Repos struct {
	client  *Client
	perPage int
}

// NewRepos wraps client.
func NewRepos(client *Client) *Repos {
	return &Repos{client: client, perPage: 100}
}

// Repositories returns every repository granted to the installation.
func (r *Repos) Repositories(ctx context.Context) ([]backfill.Repository, error) {
	opts := &gh.ListOptions{PerPage: r.perPage}
	var out []backfill.Repository
	for {
		page, resp, err := r.client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, repo := range page.Repositories {
			out = append(out, backfill.Repository{
				ID:       repo.GetID(),
				FullName: repo.GetFullName(),
				HTMLURL:  repo.GetHTMLURL(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// Commits returns one page of the default branch history, newest first.
func (r *Repos) Commits(ctx context.Context, fullName string, page int) (backfill.CommitPage, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" {
		return backfill.CommitPage{}, fmt.Errorf("invalid repository name %q", fullName)
	}
	commits, resp, err := r.client.Repositories.ListCommits(ctx, owner, name, &gh.CommitsListOptions{
		ListOptions: gh.ListOptions{Page: page, PerPage: r.perPage},
	})
	if err != nil {
		return backfill.CommitPage{}, err
	}
	out := backfill.CommitPage{Commits: make([]push.Commit, 0, len(commits))}
	for _, c := range commits {
		author := c.GetCommit().GetAuthor()
		commit := push.Commit{
			ID:      c.GetSHA(),
			Message: c.GetCommit().GetMessage(),
			URL:     c.GetHTMLURL(),
			Author: push.CommitAuthor{
				Name:     author.GetName(),
				Email:    author.GetEmail(),
				Username: c.GetAuthor().GetLogin(),
			},
		}
		if author != nil && author.Date != nil {
			commit.Timestamp = author.Date.Time.Format(time.RFC3339)
		}
		out.Commits = append(out.Commits, commit)
	}
	if resp != nil {
		out.Next = resp.NextPage
	}
	return out, nil
}

// Sources builds repository sources for GitHub App installations.
type Sources struct {
	App AppConfig
}

// ForInstallation returns a source authenticated as installationID.
func (s Sources) ForInstallation(ctx context.Context, installationID int64) (backfill.Source, error) {
	client, err := NewAppClient(ctx, s.App, installationID)
	if err != nil {
		return nil, err
	}
	return NewRepos(client), nil
}
