package jira

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

// RepositoryService covers devinfo repositories.
type RepositoryService interface {
	Get(ctx context.Context, repositoryID string) (*Repository, error)
	// Update uploads repo split into issue-key chunks, one concurrent bulk
	// request per chunk. A repository referencing no issue keys is a no-op.
	// Failed chunks are reported through *BatchError; the rest stay applied.
	Update(ctx context.Context, repo Repository, opts UpdateOptions) (BatchResult, error)
	Delete(ctx context.Context, repositoryID string) error
}

// PullRequestService covers devinfo pull requests.
type PullRequestService interface {
	Delete(ctx context.Context, repositoryID string, number int) error
}

// BranchService covers devinfo branches.
type BranchService interface {
	Delete(ctx context.Context, repositoryID, ref string) error
}

// InstallationService covers data tagged with a GitHub installation id.
type InstallationService interface {
	Exists(ctx context.Context, installationID int64) (bool, error)
	Delete(ctx context.Context, installationID int64) error
}

// MigrationService covers the GitHub migration flags.
type MigrationService interface {
	Complete(ctx context.Context) error
	Undo(ctx context.Context) error
}

type repositoryService struct {
	client *Client
}

func (s *repositoryService) Get(ctx context.Context, repositoryID string) (*Repository, error) {
	if repositoryID == "" {
		return nil, errors.New("repository id is required")
	}
	var repo Repository
	if err := s.client.do(ctx, http.MethodGet, devinfoBase+"/repository/"+url.PathEscape(repositoryID), nil, nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *repositoryService) Delete(ctx context.Context, repositoryID string) error {
	if repositoryID == "" {
		return errors.New("repository id is required")
	}
	path := devinfoBase + "/repository/" + url.PathEscape(repositoryID)
	return s.client.do(ctx, http.MethodDelete, path, s.client.sequenceQuery(), nil, nil)
}

func (s *repositoryService) Update(ctx context.Context, repo Repository, opts UpdateOptions) (BatchResult, error) {
	payloads, chunks := SplitRepository(repo, s.client.chunkSize)
	result := BatchResult{Chunks: len(chunks)}
	for _, chunk := range chunks {
		result.IssueKeys += len(chunk)
	}
	if len(payloads) == 0 {
		return result, nil
	}

	properties := map[string]string{
		"installationId": strconv.FormatInt(s.client.installationID, 10),
	}
	errs := make([]error, len(payloads))
	var wg sync.WaitGroup
	for i := range payloads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := bulkRequest{
				PreventTransitions: opts.PreventTransitions,
				Repositories:       []Repository{payloads[i]},
				Properties:         properties,
			}
			errs[i] = s.client.do(ctx, http.MethodPost, devinfoBase+"/bulk", nil, body, nil)
		}(i)
	}
	wg.Wait()

	var failed []ChunkError
	for i, err := range errs {
		if err != nil {
			failed = append(failed, ChunkError{Index: i, IssueKeys: chunks[i], Err: err})
		}
	}
	if len(failed) > 0 {
		return result, &BatchError{Total: len(payloads), Failed: failed}
	}
	return result, nil
}

type pullRequestService struct {
	client *Client
}

func (s *pullRequestService) Delete(ctx context.Context, repositoryID string, number int) error {
	if repositoryID == "" {
		return errors.New("repository id is required")
	}
	path := fmt.Sprintf("%s/repository/%s/pull_request/%d", devinfoBase, url.PathEscape(repositoryID), number)
	return s.client.do(ctx, http.MethodDelete, path, s.client.sequenceQuery(), nil, nil)
}

type branchService struct {
	client *Client
}

func (s *branchService) Delete(ctx context.Context, repositoryID, ref string) error {
	if repositoryID == "" || ref == "" {
		return errors.New("repository id and branch ref are required")
	}
	path := fmt.Sprintf("%s/repository/%s/branch/%s", devinfoBase, url.PathEscape(repositoryID), EncodeID(ref))
	return s.client.do(ctx, http.MethodDelete, path, s.client.sequenceQuery(), nil, nil)
}

type installationService struct {
	client *Client
}

func (s *installationService) Exists(ctx context.Context, installationID int64) (bool, error) {
	var out struct {
		HasDataMatchingProperties bool `json:"hasDataMatchingProperties"`
	}
	err := s.client.do(ctx, http.MethodGet, devinfoBase+"/existsByProperties", installationQuery(installationID), nil, &out)
	if err != nil {
		return false, err
	}
	return out.HasDataMatchingProperties, nil
}

func (s *installationService) Delete(ctx context.Context, installationID int64) error {
	return s.client.do(ctx, http.MethodDelete, devinfoBase+"/bulkByProperties", installationQuery(installationID), nil, nil)
}

func installationQuery(installationID int64) url.Values {
	query := url.Values{}
	query.Set("installationId", strconv.FormatInt(installationID, 10))
	return query
}

type migrationService struct {
	client *Client
}

// The migration endpoints reject empty bodies, so an empty object is sent.
func (s *migrationService) Complete(ctx context.Context) error {
	return s.client.do(ctx, http.MethodPost, devinfoBase+"/github/migrationComplete", nil, struct{}{}, nil)
}

func (s *migrationService) Undo(ctx context.Context) error {
	return s.client.do(ctx, http.MethodPost, devinfoBase+"/github/undoMigration", nil, struct{}{}, nil)
}
