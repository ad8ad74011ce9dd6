// Package backfill runs the discovery and installation jobs the subscription
// controller enqueues: discovery seeds one cursor per repository, installation
// walks each unfinished repository's history page by page and uploads the
// commits that reference issue keys.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/jira"
	"github.com/AYCHIT/Aych.Gitjira/pkg/push"
	"github.com/AYCHIT/Aych.Gitjira/pkg/queue"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
)

// Repository is a repository visible to a GitHub installation.
type Repository struct {
	ID       int64
	FullName string
	HTMLURL  string
}

// CommitPage is one page of history. Next is zero on the last page.
type CommitPage struct {
	Commits []push.Commit
	Next    int
}

// Source reads repositories and history for one installation.
type Source interface {
	Repositories(ctx context.Context) ([]Repository, error)
	Commits(ctx context.Context, fullName string, page int) (CommitPage, error)
}

// Sources builds a Source per GitHub installation.
type Sources interface {
	ForInstallation(ctx context.Context, installationID int64) (Source, error)
}

// Subscriptions reads the subscription a job belongs to.
type Subscriptions interface {
	Get(ctx context.Context, installationID int64, host string) (*storage.Subscription, error)
}

// Recorder persists repository progress and closes out a sync pass.
type Recorder interface {
	RecordRepoProgress(ctx context.Context, installationID int64, host string, progress storage.RepoProgress) (*storage.Subscription, error)
	CompleteSync(ctx context.Context, installationID int64, host string) (*storage.Subscription, error)
}

// Trackers binds a tracker client to a host.
type Trackers interface {
	ForHost(ctx context.Context, installationID int64, host string) (*jira.Client, error)
}

// Syncer executes backfill jobs.
type Syncer struct {
	Sources       Sources
	Subscriptions Subscriptions
	Recorder      Recorder
	Trackers      Trackers
	// Installation receives the follow-up job after discovery.
	Installation queue.Queue
	Logger       *log.Logger
	Now          func() time.Time
}

// Discover seeds a pending cursor for every selected repository the
// installation can see and hands over to an installation job.
func (s *Syncer) Discover(ctx context.Context, job queue.Job) error {
	sub, err := s.Subscriptions.Get(ctx, job.InstallationID, job.JiraHost)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger().Printf("discovery installation=%d host=%s: subscription is gone", job.InstallationID, job.JiraHost)
		return nil
	}
	if err != nil {
		return err
	}
	source, err := s.Sources.ForInstallation(ctx, job.InstallationID)
	if err != nil {
		return err
	}
	repos, err := source.Repositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}

	selected := make(map[int64]struct{}, len(sub.SelectedRepositories))
	for _, id := range sub.SelectedRepositories {
		selected[id] = struct{}{}
	}
	seeded := 0
	for _, repo := range repos {
		if len(selected) > 0 {
			if _, ok := selected[repo.ID]; !ok {
				continue
			}
		}
		if sub.RepoSyncState != nil {
			if _, ok := sub.RepoSyncState.Repos[strconv.FormatInt(repo.ID, 10)]; ok {
				continue
			}
		}
		_, err := s.Recorder.RecordRepoProgress(ctx, job.InstallationID, job.JiraHost, storage.RepoProgress{
			RepositoryID:   repo.ID,
			RepositoryName: repo.FullName,
			RepositoryURL:  repo.HTMLURL,
			Status:         storage.RepoStatusPending,
		})
		if err != nil {
			return err
		}
		seeded++
	}
	s.logger().Printf("discovery installation=%d host=%s seeded=%d", job.InstallationID, job.JiraHost, seeded)
	return s.Installation.Add(ctx, job)
}

// Sync resumes every unfinished repository of the subscription from its
// cursor, then lets the recorder close out the pass. Errors are returned so
// the queue retries the job; a tracker that rejects the credentials fails the
// repository instead.
func (s *Syncer) Sync(ctx context.Context, job queue.Job) error {
	sub, err := s.Subscriptions.Get(ctx, job.InstallationID, job.JiraHost)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.SyncStatus == storage.SyncStatusFailed {
		s.logger().Printf("sync installation=%d host=%s: subscription failed, waiting for a full resync", job.InstallationID, job.JiraHost)
		return nil
	}

	unfinished := unfinishedRepos(sub.RepoSyncState)
	if len(unfinished) > 0 {
		tracker, err := s.Trackers.ForHost(ctx, job.InstallationID, job.JiraHost)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger().Printf("sync installation=%d host=%s: jira host is not connected", job.InstallationID, job.JiraHost)
			return nil
		}
		if err != nil {
			return err
		}
		source, err := s.Sources.ForInstallation(ctx, job.InstallationID)
		if err != nil {
			return err
		}
		for _, progress := range unfinished {
			if err := s.syncRepository(ctx, job, source, tracker, progress); err != nil {
				return fmt.Errorf("repository %s: %w", progress.RepositoryName, err)
			}
		}
	}

	final, err := s.Recorder.CompleteSync(ctx, job.InstallationID, job.JiraHost)
	if err != nil {
		return err
	}
	s.logger().Printf("sync installation=%d host=%s repos=%d status=%s", job.InstallationID, job.JiraHost, len(unfinished), final.SyncStatus)
	return nil
}

// unfinishedRepos returns the pending and active repositories ordered by id key.
func unfinishedRepos(state *storage.RepoSyncState) []storage.RepoProgress {
	if state == nil {
		return nil
	}
	keys := make([]string, 0, len(state.Repos))
	for key, progress := range state.Repos {
		if progress.Status == storage.RepoStatusComplete || progress.Status == storage.RepoStatusFailed {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]storage.RepoProgress, 0, len(keys))
	for _, key := range keys {
		out = append(out, state.Repos[key])
	}
	return out
}

func (s *Syncer) syncRepository(ctx context.Context, job queue.Job, source Source, tracker *jira.Client, progress storage.RepoProgress) error {
	page := 1
	if cursor := progress.Cursors[storage.CursorCommits]; cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n > 0 {
			page = n
		}
	}
	for {
		result, err := source.Commits(ctx, progress.RepositoryName, page)
		if err != nil {
			return err
		}
		event := push.Event{
			Commits: result.Commits,
			Repository: push.Repository{
				ID:       progress.RepositoryID,
				Name:     progress.RepositoryName,
				FullName: progress.RepositoryName,
				HTMLURL:  progress.RepositoryURL,
			},
		}
		if repo := push.Transform(event, nil); repo != nil {
			push.StampSequence(repo, s.now().UnixMilli())
			_, err := tracker.Repositories.Update(ctx, *repo, jira.UpdateOptions{PreventTransitions: true})
			if jira.IsUnauthorized(err) {
				_, recErr := s.record(ctx, job, progress, storage.RepoStatusFailed, page, err.Error())
				return recErr
			}
			if jira.IsPartialBatchFailure(err) {
				// The cursor stays on this page; updateSequenceId makes the replay safe.
				var batchErr *jira.BatchError
				if errors.As(err, &batchErr) {
					internal.AddChunkFailures(len(batchErr.Failed))
				}
				s.logger().Printf("sync installation=%d repo=%s page=%d: %v", job.InstallationID, progress.RepositoryName, page, err)
				if _, recErr := s.record(ctx, job, progress, storage.RepoStatusActive, page, err.Error()); recErr != nil {
					return errors.Join(err, recErr)
				}
				return err
			}
			if err != nil {
				return err
			}
		}

		status := storage.RepoStatusActive
		if result.Next == 0 {
			status = storage.RepoStatusComplete
		}
		if _, err := s.record(ctx, job, progress, status, result.Next, ""); err != nil {
			return err
		}
		if result.Next == 0 {
			return nil
		}
		page = result.Next
	}
}

func (s *Syncer) record(ctx context.Context, job queue.Job, progress storage.RepoProgress, status storage.RepoStatus, next int, lastError string) (*storage.Subscription, error) {
	cursor := ""
	if next > 0 {
		cursor = strconv.Itoa(next)
	}
	return s.Recorder.RecordRepoProgress(ctx, job.InstallationID, job.JiraHost, storage.RepoProgress{
		RepositoryID: progress.RepositoryID,
		Status:       status,
		Cursors:      map[string]string{storage.CursorCommits: cursor},
		LastError:    lastError,
	})
}

func (s *Syncer) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

func (s *Syncer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
