package push

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/jira"
)

// AuthorLookup resolves a GitHub username to a profile.
type AuthorLookup interface {
	LookupAuthor(ctx context.Context, username string) (Profile, error)
}

// ResolveAuthors looks up every username concurrently. Any failed lookup
// fails the whole call so a partial author map is never used.
func ResolveAuthors(ctx context.Context, lookup AuthorLookup, usernames []string) (map[string]Profile, error) {
	authors := make(map[string]Profile, len(usernames))
	if len(usernames) == 0 {
		return authors, nil
	}
	if lookup == nil {
		return nil, errors.New("author lookup is required")
	}
	profiles := make([]Profile, len(usernames))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, username := range usernames {
		i, username := i, username
		group.Go(func() error {
			profile, err := lookup.LookupAuthor(groupCtx, username)
			if err != nil {
				return fmt.Errorf("lookup author %s: %w", username, err)
			}
			profiles[i] = profile
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	for i, profile := range profiles {
		key := profile.Login
		if key == "" {
			key = usernames[i]
		}
		authors[key] = profile
	}
	return authors, nil
}

// Processor mirrors GitHub events into the tracker.
type Processor struct {
	logger *log.Logger
	now    func() time.Time
}

// NewProcessor returns a processor logging to logger.
func NewProcessor(logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{logger: logger, now: time.Now}
}

// Prepare resolves authors and transforms the push. A nil repository means the
// push references no issue keys.
func (p *Processor) Prepare(ctx context.Context, event Event, lookup AuthorLookup) (*jira.Repository, error) {
	if Transform(event, nil) == nil {
		return nil, nil
	}
	authors, err := ResolveAuthors(ctx, lookup, event.Usernames())
	if err != nil {
		return nil, err
	}
	repo := Transform(event, authors)
	StampSequence(repo, p.now().UnixMilli())
	return repo, nil
}

// Submit uploads a prepared repository. Nil repositories make no call.
func (p *Processor) Submit(ctx context.Context, repo *jira.Repository, tracker jira.RepositoryService, opts jira.UpdateOptions) (jira.BatchResult, error) {
	if repo == nil {
		return jira.BatchResult{}, nil
	}
	if tracker == nil {
		return jira.BatchResult{}, errors.New("tracker is required")
	}
	result, err := tracker.Update(ctx, *repo, opts)
	if err != nil {
		var batchErr *jira.BatchError
		if errors.As(err, &batchErr) {
			internal.AddChunkFailures(len(batchErr.Failed))
		}
		if jira.IsPartialBatchFailure(err) {
			p.logger.Printf("partial bulk update repo=%s: %v", repo.ID, err)
		}
		return result, err
	}
	p.logger.Printf("repository updated repo=%s commits=%d chunks=%d", repo.ID, len(repo.Commits), result.Chunks)
	return result, nil
}

// Process is Prepare followed by Submit for a single tracker.
func (p *Processor) Process(ctx context.Context, event Event, lookup AuthorLookup, tracker jira.RepositoryService, opts jira.UpdateOptions) (*jira.Repository, error) {
	repo, err := p.Prepare(ctx, event, lookup)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		p.logger.Printf("push repo=%d has no issue keys, skipping", event.Repository.ID)
		return nil, nil
	}
	if _, err := p.Submit(ctx, repo, tracker, opts); err != nil {
		return repo, err
	}
	return repo, nil
}

// DeleteBranch removes a deleted branch from the tracker. Tag deletions are ignored.
func (p *Processor) DeleteBranch(ctx context.Context, event DeleteEvent, branches jira.BranchService) error {
	if event.RefType != "branch" {
		return nil
	}
	repoID := strconv.FormatInt(event.Repository.ID, 10)
	if err := branches.Delete(ctx, repoID, event.Ref); err != nil {
		return fmt.Errorf("delete branch %s: %w", event.Ref, err)
	}
	p.logger.Printf("branch deleted repo=%s ref=%s", repoID, event.Ref)
	return nil
}

// DeleteRepository removes a deleted repository from the tracker. Other
// repository actions are ignored.
func (p *Processor) DeleteRepository(ctx context.Context, event RepositoryEvent, repositories jira.RepositoryService) error {
	if event.Action != "deleted" {
		return nil
	}
	repoID := strconv.FormatInt(event.Repository.ID, 10)
	if err := repositories.Delete(ctx, repoID); err != nil {
		return fmt.Errorf("delete repository %s: %w", repoID, err)
	}
	p.logger.Printf("repository deleted repo=%s", repoID)
	return nil
}
