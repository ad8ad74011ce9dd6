package subscriptions

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/AYCHIT/Aych.Gitjira/pkg/queue"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
)

type pairKey struct {
	id   int64
	host string
}

type memoryStore struct {
	mu    sync.Mutex
	subs  map[pairKey]storage.Subscription
	saves int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{subs: map[pairKey]storage.Subscription{}}
}

func (m *memoryStore) FindOrCreate(ctx context.Context, installationID int64, host, clientKey string) (*storage.Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{installationID, host}
	if sub, ok := m.subs[key]; ok {
		return &sub, false, nil
	}
	sub := storage.Subscription{GitHubInstallationID: installationID, JiraHost: host, JiraClientKey: clientKey, SyncStatus: storage.SyncStatusPending}
	m.subs[key] = sub
	return &sub, true, nil
}

func (m *memoryStore) Get(ctx context.Context, installationID int64, host string) (*storage.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[pairKey{installationID, host}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &sub, nil
}

func (m *memoryStore) GetForClientKey(ctx context.Context, clientKey string, installationID int64) (*storage.Subscription, error) {
	return nil, storage.ErrNotFound
}

func (m *memoryStore) ListForHost(ctx context.Context, host string) ([]storage.Subscription, error) {
	return nil, nil
}

func (m *memoryStore) ListForInstallation(ctx context.Context, installationID int64) ([]storage.Subscription, error) {
	return nil, nil
}

func (m *memoryStore) ListForClientKey(ctx context.Context, clientKey string) ([]storage.Subscription, error) {
	return nil, nil
}

func (m *memoryStore) Save(ctx context.Context, sub *storage.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{sub.GitHubInstallationID, sub.JiraHost}
	if _, ok := m.subs[key]; !ok {
		return storage.ErrNotFound
	}
	m.saves++
	m.subs[key] = *sub
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, installationID int64, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, pairKey{installationID, host})
	return nil
}

func (m *memoryStore) Close() error { return nil }

type recordingQueue struct {
	jobs []queue.Job
	err  error
}

func (q *recordingQueue) Add(ctx context.Context, job queue.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newTestController(t *testing.T) (*Controller, *memoryStore, *recordingQueue, *recordingQueue) {
	t.Helper()
	store := newMemoryStore()
	discovery := &recordingQueue{}
	installation := &recordingQueue{}
	controller, err := NewController(store, queue.Queues{Discovery: discovery, Installation: installation}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return controller, store, discovery, installation
}

const host = "https://acme.atlassian.net"

func TestInstallWithoutStateStartsDiscovery(t *testing.T) {
	controller, store, discovery, installation := newTestController(t)

	sub, err := controller.Install(context.Background(), 7, host, "key-1")
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if sub.SyncStatus != storage.SyncStatusPending {
		t.Fatalf("expected PENDING, got %s", sub.SyncStatus)
	}
	if len(discovery.jobs) != 1 || len(installation.jobs) != 0 {
		t.Fatalf("expected one discovery job, got %d discovery %d installation", len(discovery.jobs), len(installation.jobs))
	}
	if discovery.jobs[0] != (queue.Job{InstallationID: 7, JiraHost: host}) {
		t.Fatalf("unexpected job %+v", discovery.jobs[0])
	}
	stored, _ := store.Get(context.Background(), 7, host)
	if stored.RepoSyncState == nil || stored.RepoSyncState.InstallationID != 7 || stored.RepoSyncState.JiraHost != host {
		t.Fatalf("expected seeded cursor, got %+v", stored.RepoSyncState)
	}
	if len(stored.RepoSyncState.Repos) != 0 {
		t.Fatalf("expected empty repo map")
	}
}

func TestExistingStateResumesWithoutTouchingCursor(t *testing.T) {
	controller, store, discovery, installation := newTestController(t)
	ctx := context.Background()
	if _, err := controller.Install(ctx, 7, host, "key-1"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := controller.RecordRepoProgress(ctx, 7, host, storage.RepoProgress{
		RepositoryID: 11,
		Status:       storage.RepoStatusActive,
		Cursors:      map[string]string{storage.CursorCommits: "page-3"},
	}); err != nil {
		t.Fatalf("record progress: %v", err)
	}
	savesBefore := store.saves

	if _, err := controller.Install(ctx, 7, host, "key-1"); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if len(discovery.jobs) != 1 {
		t.Fatalf("expected no new discovery job, got %d", len(discovery.jobs))
	}
	if len(installation.jobs) != 1 {
		t.Fatalf("expected one installation job, got %d", len(installation.jobs))
	}
	if store.saves != savesBefore {
		t.Fatalf("expected resume to leave the subscription unwritten")
	}
	stored, _ := store.Get(ctx, 7, host)
	if stored.RepoSyncState.Repos["11"].Cursors[storage.CursorCommits] != "page-3" {
		t.Fatalf("cursor changed: %+v", stored.RepoSyncState.Repos["11"])
	}
	if stored.SyncStatus != storage.SyncStatusActive {
		t.Fatalf("expected ACTIVE, got %s", stored.SyncStatus)
	}
}

func TestFullResyncResetsState(t *testing.T) {
	controller, store, discovery, _ := newTestController(t)
	ctx := context.Background()
	if _, err := controller.Install(ctx, 7, host, "key-1"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := controller.RecordRepoProgress(ctx, 7, host, storage.RepoProgress{RepositoryID: 11, Status: storage.RepoStatusFailed, LastError: "boom"}); err != nil {
		t.Fatalf("record progress: %v", err)
	}

	sub, err := controller.Resync(ctx, 7, host, SyncTypeFull)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if sub.SyncStatus != storage.SyncStatusPending {
		t.Fatalf("expected PENDING after full resync, got %s", sub.SyncStatus)
	}
	stored, _ := store.Get(ctx, 7, host)
	if len(stored.RepoSyncState.Repos) != 0 {
		t.Fatalf("expected cursor reset")
	}
	if len(discovery.jobs) != 2 {
		t.Fatalf("expected second discovery job, got %d", len(discovery.jobs))
	}
}

func TestResyncUnknownSubscription(t *testing.T) {
	controller, _, _, _ := newTestController(t)
	if _, err := controller.Resync(context.Background(), 1, host, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnqueueFailureIsReturned(t *testing.T) {
	store := newMemoryStore()
	discovery := &recordingQueue{err: errors.New("broker down")}
	controller, err := NewController(store, queue.Queues{Discovery: discovery, Installation: &recordingQueue{}}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if _, err := controller.Install(context.Background(), 7, host, "key-1"); err == nil {
		t.Fatalf("expected enqueue error")
	}
}

func TestUninstall(t *testing.T) {
	controller, store, _, _ := newTestController(t)
	ctx := context.Background()
	if _, err := controller.Install(ctx, 7, host, "key-1"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := controller.Uninstall(ctx, 7, host); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if _, err := store.Get(ctx, 7, host); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected subscription removed")
	}
}

func TestNewControllerRequiresQueues(t *testing.T) {
	if _, err := NewController(newMemoryStore(), queue.Queues{Discovery: &recordingQueue{}}, nil); err == nil {
		t.Fatalf("expected error for missing installation queue")
	}
}

func TestDeriveSyncStatus(t *testing.T) {
	state := func(statuses map[string]storage.RepoStatus) *storage.RepoSyncState {
		s := storage.NewRepoSyncState(1, host)
		for id, status := range statuses {
			s.Repos[id] = storage.RepoProgress{Status: status}
		}
		return s
	}
	cases := []struct {
		name     string
		current  storage.SyncStatus
		state    *storage.RepoSyncState
		selected []int64
		want     storage.SyncStatus
	}{
		{"no state keeps pending", storage.SyncStatusPending, nil, nil, storage.SyncStatusPending},
		{"empty repos keeps pending", storage.SyncStatusPending, state(nil), nil, storage.SyncStatusPending},
		{"partial is active", storage.SyncStatusPending, state(map[string]storage.RepoStatus{"1": storage.RepoStatusActive}), nil, storage.SyncStatusActive},
		{"discovered only keeps pending", storage.SyncStatusPending, state(map[string]storage.RepoStatus{"1": storage.RepoStatusPending, "2": storage.RepoStatusPending}), nil, storage.SyncStatusPending},
		{"all complete", storage.SyncStatusActive, state(map[string]storage.RepoStatus{"1": storage.RepoStatusComplete, "2": storage.RepoStatusComplete}), nil, storage.SyncStatusComplete},
		{"selected complete", storage.SyncStatusActive, state(map[string]storage.RepoStatus{"1": storage.RepoStatusComplete, "2": storage.RepoStatusActive}), []int64{1}, storage.SyncStatusComplete},
		{"selected missing", storage.SyncStatusActive, state(map[string]storage.RepoStatus{"1": storage.RepoStatusComplete}), []int64{1, 3}, storage.SyncStatusActive},
		{"repo failure fails", storage.SyncStatusActive, state(map[string]storage.RepoStatus{"1": storage.RepoStatusFailed, "2": storage.RepoStatusComplete}), nil, storage.SyncStatusFailed},
		{"failed is sticky", storage.SyncStatusFailed, state(map[string]storage.RepoStatus{"1": storage.RepoStatusActive}), nil, storage.SyncStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveSyncStatus(tc.current, tc.state, tc.selected); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCompleteSyncWithoutRepositories(t *testing.T) {
	controller, store, _, _ := newTestController(t)
	ctx := context.Background()
	if _, err := controller.Install(ctx, 7, host, "key-1"); err != nil {
		t.Fatalf("install: %v", err)
	}

	sub, err := controller.CompleteSync(ctx, 7, host)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if sub.SyncStatus != storage.SyncStatusComplete {
		t.Fatalf("expected COMPLETE, got %s", sub.SyncStatus)
	}
	stored, _ := store.Get(ctx, 7, host)
	if stored.SyncStatus != storage.SyncStatusComplete {
		t.Fatalf("expected COMPLETE persisted, got %s", stored.SyncStatus)
	}
}

func TestCompleteSyncLeavesUnfinishedAndFailed(t *testing.T) {
	controller, store, _, _ := newTestController(t)
	ctx := context.Background()
	if _, err := controller.Install(ctx, 7, host, "key-1"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := controller.RecordRepoProgress(ctx, 7, host, storage.RepoProgress{RepositoryID: 1, Status: storage.RepoStatusActive}); err != nil {
		t.Fatalf("record: %v", err)
	}
	sub, err := controller.CompleteSync(ctx, 7, host)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if sub.SyncStatus != storage.SyncStatusActive {
		t.Fatalf("expected ACTIVE with an active repository, got %s", sub.SyncStatus)
	}

	if _, err := controller.RecordRepoProgress(ctx, 7, host, storage.RepoProgress{RepositoryID: 2, Status: storage.RepoStatusFailed}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := controller.CompleteSync(ctx, 7, host); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stored, _ := store.Get(ctx, 7, host)
	if stored.SyncStatus != storage.SyncStatusFailed {
		t.Fatalf("expected FAILED to stick, got %s", stored.SyncStatus)
	}
}
