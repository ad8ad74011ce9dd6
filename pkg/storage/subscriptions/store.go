package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config mirrors the storage configuration for the subscriptions table.
type Config = storage.Config

// Store implements storage.SubscriptionStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
	now   func() time.Time
}

type row struct {
	ID                   uint           `gorm:"column:id;primaryKey;autoIncrement"`
	GitHubInstallationID int64          `gorm:"column:github_installation_id;not null;uniqueIndex:idx_subscription_pair,priority:1"`
	JiraHost             string         `gorm:"column:jira_host;size:255;not null;uniqueIndex:idx_subscription_pair,priority:2"`
	JiraClientKey        string         `gorm:"column:jira_client_key;size:255;index"`
	SelectedRepositories datatypes.JSON `gorm:"column:selected_repositories"`
	RepoSyncState        datatypes.JSON `gorm:"column:repo_sync_state"`
	SyncStatus           string         `gorm:"column:sync_status;size:16"`
	CreatedAt            time.Time      `gorm:"column:created_at"`
	UpdatedAt            time.Time      `gorm:"column:updated_at"`
}

// Open creates a GORM-backed subscriptions store.
func Open(cfg Config) (*Store, error) {
	gormDB, err := storage.OpenGorm(cfg)
	if err != nil {
		return nil, err
	}
	return New(gormDB, cfg.Table, cfg.AutoMigrate)
}

// New wraps an existing GORM handle, which may be shared with other stores.
func New(db *gorm.DB, table string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if table == "" {
		table = "gitjira_subscriptions"
	}
	store := &Store{
		db:    db,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if autoMigrate {
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return storage.CloseGorm(s.db)
}

// FindOrCreate returns the subscription for the pair, inserting it when absent.
// Concurrent creators race on the unique pair index; the loser reads the winner's row.
func (s *Store) FindOrCreate(ctx context.Context, installationID int64, host, clientKey string) (*storage.Subscription, bool, error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	if installationID == 0 {
		return nil, false, errors.New("installation id is required")
	}
	host = normalizeHost(host)
	if host == "" {
		return nil, false, errors.New("jira host is required")
	}
	now := s.now()
	data := row{
		GitHubInstallationID: installationID,
		JiraHost:             host,
		JiraClientKey:        clientKey,
		SyncStatus:           string(storage.SyncStatusPending),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	res := s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&data)
	if res.Error != nil {
		return nil, false, res.Error
	}
	sub, err := s.Get(ctx, installationID, host)
	if err != nil {
		return nil, false, err
	}
	return sub, res.RowsAffected > 0, nil
}

// Get returns the subscription for the pair or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, installationID int64, host string) (*storage.Subscription, error) {
	return s.take(ctx, "github_installation_id = ? AND jira_host = ?", installationID, normalizeHost(host))
}

// GetForClientKey returns the subscription owned by clientKey for installationID.
func (s *Store) GetForClientKey(ctx context.Context, clientKey string, installationID int64) (*storage.Subscription, error) {
	return s.take(ctx, "jira_client_key = ? AND github_installation_id = ?", clientKey, installationID)
}

// ListForHost returns every subscription bound to host.
func (s *Store) ListForHost(ctx context.Context, host string) ([]storage.Subscription, error) {
	return s.find(ctx, "jira_host = ?", normalizeHost(host))
}

// ListForInstallation returns every subscription of a GitHub installation.
func (s *Store) ListForInstallation(ctx context.Context, installationID int64) ([]storage.Subscription, error) {
	return s.find(ctx, "github_installation_id = ?", installationID)
}

// ListForClientKey returns every subscription owned by a tracker installation.
func (s *Store) ListForClientKey(ctx context.Context, clientKey string) ([]storage.Subscription, error) {
	return s.find(ctx, "jira_client_key = ?", clientKey)
}

// Save writes the mutable columns of subscription.
func (s *Store) Save(ctx context.Context, subscription *storage.Subscription) error {
	if err := s.ready(); err != nil {
		return err
	}
	if subscription == nil {
		return errors.New("subscription is required")
	}
	selected, err := json.Marshal(normalizeSelected(subscription.SelectedRepositories))
	if err != nil {
		return fmt.Errorf("encode selected repositories: %w", err)
	}
	state, err := storage.MarshalRepoSyncState(subscription.RepoSyncState)
	if err != nil {
		return fmt.Errorf("encode repo sync state: %w", err)
	}
	now := s.now()
	res := s.tableDB().
		WithContext(ctx).
		Where("github_installation_id = ? AND jira_host = ?", subscription.GitHubInstallationID, normalizeHost(subscription.JiraHost)).
		Updates(map[string]interface{}{
			"selected_repositories": datatypes.JSON(selected),
			"repo_sync_state":       nullableJSON(state),
			"sync_status":           string(subscription.SyncStatus),
			"updated_at":            now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	subscription.UpdatedAt = now
	return nil
}

// Delete removes the subscription for the pair. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, installationID int64, host string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.tableDB().
		WithContext(ctx).
		Where("github_installation_id = ? AND jira_host = ?", installationID, normalizeHost(host)).
		Delete(&row{}).Error
}

func (s *Store) take(ctx context.Context, query string, args ...interface{}) (*storage.Subscription, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var data row
	err := s.tableDB().WithContext(ctx).Where(query, args...).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(data)
}

func (s *Store) find(ctx context.Context, query string, args ...interface{}) ([]storage.Subscription, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var data []row
	if err := s.tableDB().WithContext(ctx).Where(query, args...).Order("id asc").Find(&data).Error; err != nil {
		return nil, err
	}
	records := make([]storage.Subscription, 0, len(data))
	for _, item := range data {
		record, err := fromRow(item)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	return nil
}

func (s *Store) migrate() error {
	return s.tableDB().AutoMigrate(&row{})
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func fromRow(data row) (*storage.Subscription, error) {
	var selected []int64
	if len(data.SelectedRepositories) > 0 && string(data.SelectedRepositories) != "null" {
		if err := json.Unmarshal(data.SelectedRepositories, &selected); err != nil {
			return nil, fmt.Errorf("decode selected repositories: %w", err)
		}
	}
	state, err := storage.UnmarshalRepoSyncState(data.RepoSyncState)
	if err != nil {
		return nil, fmt.Errorf("decode repo sync state: %w", err)
	}
	return &storage.Subscription{
		ID:                   data.ID,
		GitHubInstallationID: data.GitHubInstallationID,
		JiraHost:             data.JiraHost,
		JiraClientKey:        data.JiraClientKey,
		SelectedRepositories: normalizeSelected(selected),
		RepoSyncState:        state,
		SyncStatus:           storage.SyncStatus(data.SyncStatus),
		CreatedAt:            data.CreatedAt,
		UpdatedAt:            data.UpdatedAt,
	}, nil
}

func normalizeSelected(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func nullableJSON(data []byte) interface{} {
	if data == nil {
		return nil
	}
	return datatypes.JSON(data)
}

func normalizeHost(host string) string {
	return strings.TrimRight(strings.TrimSpace(host), "/")
}
