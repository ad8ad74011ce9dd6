package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no matching record exists. Callers looking up
// credentials by host treat it as "host not connected", not as a retryable error.
var ErrNotFound = errors.New("storage: record not found")

// Installation is the credential record for one tracker host.
type Installation struct {
	ID           uint
	ClientKey    string
	JiraHost     string
	SharedSecret string
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SyncStatus is the coarse state of a subscription's sync.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusActive   SyncStatus = "ACTIVE"
	SyncStatusComplete SyncStatus = "COMPLETE"
	SyncStatusFailed   SyncStatus = "FAILED"
)

// Subscription binds a GitHub installation to a tracker host.
type Subscription struct {
	ID                   uint
	GitHubInstallationID int64
	JiraHost             string
	JiraClientKey        string
	SelectedRepositories []int64
	// RepoSyncState is nil until a sync has been started.
	RepoSyncState *RepoSyncState
	SyncStatus    SyncStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InstallationStore is the credential registry.
type InstallationStore interface {
	// GetByHost returns the enabled installation for host or ErrNotFound.
	GetByHost(ctx context.Context, host string) (*Installation, error)
	GetByClientKey(ctx context.Context, clientKey string) (*Installation, error)
	// Install creates the record or, when clientKey exists, refreshes the
	// shared secret and re-enables it.
	Install(ctx context.Context, clientKey, host, sharedSecret string) (*Installation, error)
	// Uninstall deletes every record for clientKey. Missing keys are not an error.
	Uninstall(ctx context.Context, clientKey string) error
	Enable(ctx context.Context, installation *Installation) error
	Disable(ctx context.Context, installation *Installation) error
	List(ctx context.Context) ([]Installation, error)
	Close() error
}

// SubscriptionStore persists subscriptions and their sync cursors.
type SubscriptionStore interface {
	// FindOrCreate returns the subscription for the pair, creating it when
	// absent. The bool reports whether a row was created.
	FindOrCreate(ctx context.Context, installationID int64, host, clientKey string) (*Subscription, bool, error)
	Get(ctx context.Context, installationID int64, host string) (*Subscription, error)
	GetForClientKey(ctx context.Context, clientKey string, installationID int64) (*Subscription, error)
	ListForHost(ctx context.Context, host string) ([]Subscription, error)
	ListForInstallation(ctx context.Context, installationID int64) ([]Subscription, error)
	ListForClientKey(ctx context.Context, clientKey string) ([]Subscription, error)
	// Save writes selected repositories, sync state and sync status.
	Save(ctx context.Context, subscription *Subscription) error
	Delete(ctx context.Context, installationID int64, host string) error
	Close() error
}
