package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/queue"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
)

// SyncTypeFull forces a sync from scratch even when a cursor exists.
const SyncTypeFull = "full"

// Controller owns the subscription sync state machine. It persists cursors
// and submits jobs; it never waits for a job to run.
type Controller struct {
	store  storage.SubscriptionStore
	queues queue.Queues
	logger *log.Logger
	now    func() time.Time
}

// NewController wires a controller to its store and queues.
func NewController(store storage.SubscriptionStore, queues queue.Queues, logger *log.Logger) (*Controller, error) {
	if store == nil {
		return nil, errors.New("subscription store is required")
	}
	if err := queues.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		store:  store,
		queues: queues,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Install binds a GitHub installation to a tracker host and starts or resumes
// its sync. Installing an existing pair only re-triggers the sync.
func (c *Controller) Install(ctx context.Context, installationID int64, host, clientKey string) (*storage.Subscription, error) {
	sub, created, err := c.store.FindOrCreate(ctx, installationID, host, clientKey)
	if err != nil {
		return nil, fmt.Errorf("find or create subscription: %w", err)
	}
	if created {
		c.logger.Printf("subscription created installation=%d host=%s", installationID, sub.JiraHost)
	}
	if err := c.FindOrStartSync(ctx, sub, ""); err != nil {
		return sub, err
	}
	return sub, nil
}

// Uninstall removes the subscription for the pair.
func (c *Controller) Uninstall(ctx context.Context, installationID int64, host string) error {
	if err := c.store.Delete(ctx, installationID, host); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	c.logger.Printf("subscription removed installation=%d host=%s", installationID, host)
	return nil
}

// Resync looks up the subscription and applies FindOrStartSync with syncType.
func (c *Controller) Resync(ctx context.Context, installationID int64, host, syncType string) (*storage.Subscription, error) {
	sub, err := c.store.Get(ctx, installationID, host)
	if err != nil {
		return nil, err
	}
	if err := c.FindOrStartSync(ctx, sub, syncType); err != nil {
		return sub, err
	}
	return sub, nil
}

// FindOrStartSync decides between a fresh and a resumed sync. Without a
// cursor, or when syncType is "full", the cursor is reset, the status set to
// PENDING and a discovery job submitted. Otherwise the cursor is left alone
// and an installation job resumes from it.
func (c *Controller) FindOrStartSync(ctx context.Context, sub *storage.Subscription, syncType string) error {
	if sub == nil {
		return errors.New("subscription is required")
	}
	job := queue.Job{InstallationID: sub.GitHubInstallationID, JiraHost: sub.JiraHost}

	if sub.RepoSyncState == nil || syncType == SyncTypeFull {
		sub.RepoSyncState = storage.NewRepoSyncState(sub.GitHubInstallationID, sub.JiraHost)
		sub.SyncStatus = storage.SyncStatusPending
		if err := c.store.Save(ctx, sub); err != nil {
			return fmt.Errorf("reset sync state: %w", err)
		}
		c.logger.Printf("starting full sync installation=%d host=%s", job.InstallationID, job.JiraHost)
		if err := c.queues.Discovery.Add(ctx, job); err != nil {
			internal.IncEnqueueError(queue.DiscoveryQueue)
			return fmt.Errorf("enqueue discovery: %w", err)
		}
		return nil
	}

	c.logger.Printf("resuming sync installation=%d host=%s status=%s", job.InstallationID, job.JiraHost, sub.SyncStatus)
	if err := c.queues.Installation.Add(ctx, job); err != nil {
		internal.IncEnqueueError(queue.InstallationQueue)
		return fmt.Errorf("enqueue installation: %w", err)
	}
	return nil
}

// RecordRepoProgress stores the progress of one repository and re-derives the
// subscription status. Workers call it as they advance their cursors.
func (c *Controller) RecordRepoProgress(ctx context.Context, installationID int64, host string, progress storage.RepoProgress) (*storage.Subscription, error) {
	if progress.RepositoryID == 0 {
		return nil, errors.New("repository id is required")
	}
	sub, err := c.store.Get(ctx, installationID, host)
	if err != nil {
		return nil, err
	}
	if sub.RepoSyncState == nil {
		sub.RepoSyncState = storage.NewRepoSyncState(installationID, sub.JiraHost)
	}
	key := strconv.FormatInt(progress.RepositoryID, 10)
	if previous, ok := sub.RepoSyncState.Repos[key]; ok {
		progress.Cursors = mergeCursors(previous.Cursors, progress.Cursors)
		if progress.RepositoryName == "" {
			progress.RepositoryName = previous.RepositoryName
		}
		if progress.RepositoryURL == "" {
			progress.RepositoryURL = previous.RepositoryURL
		}
	}
	if progress.Status == "" {
		progress.Status = storage.RepoStatusActive
	}
	progress.UpdatedAt = c.now()
	sub.RepoSyncState.Repos[key] = progress

	next := DeriveSyncStatus(sub.SyncStatus, sub.RepoSyncState, sub.SelectedRepositories)
	if next != sub.SyncStatus {
		c.logger.Printf("sync status installation=%d host=%s %s -> %s", installationID, sub.JiraHost, sub.SyncStatus, next)
	}
	sub.SyncStatus = next
	if err := c.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save repo progress: %w", err)
	}
	return sub, nil
}

// CompleteSync marks the subscription COMPLETE once a sync pass left no
// repository unfinished. A discovery that found nothing to sync never reports
// repository progress, so workers call this after every pass.
func (c *Controller) CompleteSync(ctx context.Context, installationID int64, host string) (*storage.Subscription, error) {
	sub, err := c.store.Get(ctx, installationID, host)
	if err != nil {
		return nil, err
	}
	if sub.SyncStatus == storage.SyncStatusFailed || sub.SyncStatus == storage.SyncStatusComplete {
		return sub, nil
	}
	if sub.RepoSyncState != nil {
		for _, repo := range sub.RepoSyncState.Repos {
			if repo.Status != storage.RepoStatusComplete {
				return sub, nil
			}
		}
	}
	c.logger.Printf("sync status installation=%d host=%s %s -> %s", installationID, sub.JiraHost, sub.SyncStatus, storage.SyncStatusComplete)
	sub.SyncStatus = storage.SyncStatusComplete
	if err := c.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("complete sync: %w", err)
	}
	return sub, nil
}

// DeriveSyncStatus computes the subscription status from its cursor.
//
// FAILED is sticky: only a full resync (which resets the cursor and status)
// leaves it. Any failed repository fails the subscription. It is COMPLETE
// once every selected repository, or every known repository when none are
// selected, reports complete; ACTIVE once any repository has moved past
// pending. Repositories that were only discovered leave the status alone.
func DeriveSyncStatus(current storage.SyncStatus, state *storage.RepoSyncState, selected []int64) storage.SyncStatus {
	if current == storage.SyncStatusFailed {
		return current
	}
	if state == nil || len(state.Repos) == 0 {
		return current
	}
	started := false
	for _, repo := range state.Repos {
		if repo.Status == storage.RepoStatusFailed {
			return storage.SyncStatusFailed
		}
		if repo.Status != storage.RepoStatusPending {
			started = true
		}
	}
	if !started {
		return current
	}
	if allComplete(state, selected) {
		return storage.SyncStatusComplete
	}
	return storage.SyncStatusActive
}

func allComplete(state *storage.RepoSyncState, selected []int64) bool {
	if len(selected) == 0 {
		for _, repo := range state.Repos {
			if repo.Status != storage.RepoStatusComplete {
				return false
			}
		}
		return true
	}
	for _, id := range selected {
		repo, ok := state.Repos[strconv.FormatInt(id, 10)]
		if !ok || repo.Status != storage.RepoStatusComplete {
			return false
		}
	}
	return true
}

func mergeCursors(previous, next map[string]string) map[string]string {
	if len(previous) == 0 {
		return next
	}
	merged := make(map[string]string, len(previous)+len(next))
	for k, v := range previous {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}
