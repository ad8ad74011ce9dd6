package installations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AYCHIT/Aych.Gitjira/pkg/secrets"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config mirrors the storage configuration for the installations table.
type Config = storage.Config

// Store implements storage.InstallationStore on top of GORM. Shared secrets
// are sealed with cipher before they reach the database.
type Store struct {
	db     *gorm.DB
	table  string
	cipher *secrets.Cipher
	now    func() time.Time
}

type row struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement"`
	ClientKey    string    `gorm:"column:client_key;size:255;not null;uniqueIndex"`
	JiraHost     string    `gorm:"column:jira_host;size:255;not null;index"`
	SharedSecret string    `gorm:"column:shared_secret;type:text;not null"`
	Enabled      bool      `gorm:"column:enabled;not null;default:true"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// Open creates a GORM-backed installations store.
func Open(cfg Config, cipher *secrets.Cipher) (*Store, error) {
	gormDB, err := storage.OpenGorm(cfg)
	if err != nil {
		return nil, err
	}
	return New(gormDB, cfg.Table, cfg.AutoMigrate, cipher)
}

// New wraps an existing GORM handle.
func New(db *gorm.DB, table string, autoMigrate bool, cipher *secrets.Cipher) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if cipher == nil {
		return nil, errors.New("secret cipher is required")
	}
	if table == "" {
		table = "gitjira_installations"
	}
	store := &Store{
		db:     db,
		table:  table,
		cipher: cipher,
		now:    func() time.Time { return time.Now().UTC() },
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

// GetByHost returns the most recently updated enabled installation for host.
func (s *Store) GetByHost(ctx context.Context, host string) (*storage.Installation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("jira_host = ? AND enabled = ?", normalizeHost(host), true).
		Order("updated_at desc").
		Take(&data).Error
	if err != nil {
		return nil, notFound(err)
	}
	return s.fromRow(data)
}

// GetByClientKey returns the installation for clientKey regardless of its enabled flag.
func (s *Store) GetByClientKey(ctx context.Context, clientKey string) (*storage.Installation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("client_key = ?", clientKey).
		Take(&data).Error
	if err != nil {
		return nil, notFound(err)
	}
	return s.fromRow(data)
}

// Install upserts the record for clientKey. An existing record keeps its host
// and gets the new secret with enabled forced back to true.
func (s *Store) Install(ctx context.Context, clientKey, host, sharedSecret string) (*storage.Installation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if clientKey == "" {
		return nil, errors.New("client key is required")
	}
	if host == "" {
		return nil, errors.New("jira host is required")
	}
	if sharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	sealed, err := s.cipher.Seal(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("seal shared secret: %w", err)
	}
	now := s.now()
	data := row{
		ClientKey:    clientKey,
		JiraHost:     normalizeHost(host),
		SharedSecret: sealed,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"shared_secret", "enabled", "updated_at"}),
		}).
		Create(&data).Error
	if err != nil {
		return nil, err
	}
	return s.GetByClientKey(ctx, clientKey)
}

// Uninstall deletes every record for clientKey.
func (s *Store) Uninstall(ctx context.Context, clientKey string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.tableDB().
		WithContext(ctx).
		Where("client_key = ?", clientKey).
		Delete(&row{}).Error
}

// Enable flips the record to enabled.
func (s *Store) Enable(ctx context.Context, installation *storage.Installation) error {
	return s.setEnabled(ctx, installation, true)
}

// Disable flips the record to disabled.
func (s *Store) Disable(ctx context.Context, installation *storage.Installation) error {
	return s.setEnabled(ctx, installation, false)
}

// List returns every installation, enabled or not.
func (s *Store) List(ctx context.Context) ([]storage.Installation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var data []row
	if err := s.tableDB().WithContext(ctx).Order("id asc").Find(&data).Error; err != nil {
		return nil, err
	}
	records := make([]storage.Installation, 0, len(data))
	for _, item := range data {
		record, err := s.fromRow(item)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

func (s *Store) setEnabled(ctx context.Context, installation *storage.Installation, enabled bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	if installation == nil {
		return errors.New("installation is required")
	}
	now := s.now()
	res := s.tableDB().
		WithContext(ctx).
		Where("client_key = ?", installation.ClientKey).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	installation.Enabled = enabled
	installation.UpdatedAt = now
	return nil
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

func (s *Store) fromRow(data row) (*storage.Installation, error) {
	secret, err := s.cipher.Open(data.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("open shared secret for %s: %w", data.ClientKey, err)
	}
	return &storage.Installation{
		ID:           data.ID,
		ClientKey:    data.ClientKey,
		JiraHost:     data.JiraHost,
		SharedSecret: secret,
		Enabled:      data.Enabled,
		CreatedAt:    data.CreatedAt,
		UpdatedAt:    data.UpdatedAt,
	}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

func normalizeHost(host string) string {
	return strings.TrimRight(strings.TrimSpace(host), "/")
}
