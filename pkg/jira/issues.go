package jira

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const issueBase = "/rest/api/latest/issue/"

// issueFetchLimit bounds concurrent fetches in GetAll.
const issueFetchLimit = 8

// Issue is the subset of a tracker issue the app reads. Fields holds the
// requested fields undecoded.
type Issue struct {
	ID     string                     `json:"id"`
	Key    string                     `json:"key"`
	Self   string                     `json:"self,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

// Summary decodes the summary field, empty when it was not requested.
func (i Issue) Summary() string {
	var summary string
	if raw, ok := i.Fields["summary"]; ok {
		_ = json.Unmarshal(raw, &summary)
	}
	return summary
}

// User is a tracker account as embedded in comments and worklogs.
type User struct {
	AccountID   string `json:"accountId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Comment is an issue comment.
type Comment struct {
	ID      string `json:"id,omitempty"`
	Body    string `json:"body"`
	Author  *User  `json:"author,omitempty"`
	Created string `json:"created,omitempty"`
}

// Transition is a workflow transition available on an issue.
type Transition struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Worklog is time logged against an issue.
type Worklog struct {
	ID               string `json:"id,omitempty"`
	Comment          string `json:"comment,omitempty"`
	Started          string `json:"started,omitempty"`
	TimeSpent        string `json:"timeSpent,omitempty"`
	TimeSpentSeconds int64  `json:"timeSpentSeconds,omitempty"`
	Author           *User  `json:"author,omitempty"`
}

// IssueService covers the issue REST API.
type IssueService interface {
	// Get fetches one issue. With no fields only the summary is requested.
	Get(ctx context.Context, key string, fields ...string) (*Issue, error)
	// GetAll fetches keys concurrently and returns the issues that were
	// found, in key order. Failed fetches are dropped.
	GetAll(ctx context.Context, keys []string, fields ...string) []Issue
	Comments() CommentService
	Transitions() TransitionService
	Worklogs() WorklogService
}

// CommentService covers issue comments.
type CommentService interface {
	GetForIssue(ctx context.Context, key string) ([]Comment, error)
	AddForIssue(ctx context.Context, key string, comment Comment) (*Comment, error)
}

// TransitionService covers issue workflow transitions.
type TransitionService interface {
	GetForIssue(ctx context.Context, key string) ([]Transition, error)
	UpdateForIssue(ctx context.Context, key, transitionID string) error
}

// WorklogService covers issue worklogs.
type WorklogService interface {
	GetForIssue(ctx context.Context, key string) ([]Worklog, error)
	AddForIssue(ctx context.Context, key string, worklog Worklog) (*Worklog, error)
}

type issueService struct {
	client *Client
}

func (s *issueService) Get(ctx context.Context, key string, fields ...string) (*Issue, error) {
	path, err := issuePath(key, "")
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		fields = []string{"summary"}
	}
	query := url.Values{}
	query.Set("fields", strings.Join(fields, ","))
	var issue Issue
	if err := s.client.do(ctx, http.MethodGet, path, query, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (s *issueService) GetAll(ctx context.Context, keys []string, fields ...string) []Issue {
	found := make([]*Issue, len(keys))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(issueFetchLimit)
	for i, key := range keys {
		group.Go(func() error {
			issue, err := s.Get(groupCtx, key, fields...)
			if err != nil {
				return nil
			}
			mu.Lock()
			found[i] = issue
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	out := make([]Issue, 0, len(keys))
	for _, issue := range found {
		if issue != nil {
			out = append(out, *issue)
		}
	}
	return out
}

func (s *issueService) Comments() CommentService {
	return &commentService{client: s.client}
}

func (s *issueService) Transitions() TransitionService {
	return &transitionService{client: s.client}
}

func (s *issueService) Worklogs() WorklogService {
	return &worklogService{client: s.client}
}

type commentService struct {
	client *Client
}

func (s *commentService) GetForIssue(ctx context.Context, key string) ([]Comment, error) {
	path, err := issuePath(key, "/comment")
	if err != nil {
		return nil, err
	}
	var out struct {
		Comments []Comment `json:"comments"`
	}
	if err := s.client.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

func (s *commentService) AddForIssue(ctx context.Context, key string, comment Comment) (*Comment, error) {
	path, err := issuePath(key, "/comment")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(comment.Body) == "" {
		return nil, errors.New("comment body is required")
	}
	var created Comment
	if err := s.client.do(ctx, http.MethodPost, path, nil, Comment{Body: comment.Body}, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

type transitionService struct {
	client *Client
}

func (s *transitionService) GetForIssue(ctx context.Context, key string) ([]Transition, error) {
	path, err := issuePath(key, "/transitions")
	if err != nil {
		return nil, err
	}
	var out struct {
		Transitions []Transition `json:"transitions"`
	}
	if err := s.client.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

func (s *transitionService) UpdateForIssue(ctx context.Context, key, transitionID string) error {
	path, err := issuePath(key, "/transitions")
	if err != nil {
		return err
	}
	if transitionID == "" {
		return errors.New("transition id is required")
	}
	body := struct {
		Transition Transition `json:"transition"`
	}{Transition: Transition{ID: transitionID}}
	return s.client.do(ctx, http.MethodPost, path, nil, body, nil)
}

type worklogService struct {
	client *Client
}

func (s *worklogService) GetForIssue(ctx context.Context, key string) ([]Worklog, error) {
	path, err := issuePath(key, "/worklog")
	if err != nil {
		return nil, err
	}
	var out struct {
		Worklogs []Worklog `json:"worklogs"`
	}
	if err := s.client.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Worklogs, nil
}

func (s *worklogService) AddForIssue(ctx context.Context, key string, worklog Worklog) (*Worklog, error) {
	path, err := issuePath(key, "/worklog")
	if err != nil {
		return nil, err
	}
	if worklog.TimeSpent == "" && worklog.TimeSpentSeconds <= 0 {
		return nil, errors.New("worklog time spent is required")
	}
	worklog.ID = ""
	worklog.Author = nil
	var created Worklog
	if err := s.client.do(ctx, http.MethodPost, path, nil, worklog, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func issuePath(key, suffix string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("issue key is required")
	}
	return issueBase + url.PathEscape(key) + suffix, nil
}
