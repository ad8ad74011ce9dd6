package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

// DiscoveryArgs is the river job that enumerates repositories for a subscription.
type DiscoveryArgs struct {
	Job
}

func (DiscoveryArgs) Kind() string { return DiscoveryQueue }

// InstallationArgs is the river job that resumes a subscription from its cursor.
type InstallationArgs struct {
	Job
}

func (InstallationArgs) Kind() string { return InstallationQueue }

// RiverBackend inserts jobs through an insert-only river client. Workers run
// in a separate process.
type RiverBackend struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
	cfg    RiverConfig
}

// OpenRiver connects to Postgres and builds an insert-only river client.
func OpenRiver(ctx context.Context, cfg RiverConfig) (*RiverBackend, error) {
	if cfg.DSN == "" {
		return nil, errors.New("river dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open river pool: %w", err)
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("river client: %w", err)
	}
	return &RiverBackend{pool: pool, client: client, cfg: cfg}, nil
}

// Queues returns the discovery and installation queues.
func (b *RiverBackend) Queues() Queues {
	return Queues{
		Discovery: riverQueue{backend: b, name: DiscoveryQueue, args: func(job Job) river.JobArgs {
			return DiscoveryArgs{Job: job}
		}},
		Installation: riverQueue{backend: b, name: InstallationQueue, args: func(job Job) river.JobArgs {
			return InstallationArgs{Job: job}
		}},
	}
}

// Close releases the connection pool.
func (b *RiverBackend) Close() error {
	if b == nil || b.pool == nil {
		return nil
	}
	b.pool.Close()
	return nil
}

func (b *RiverBackend) insertOpts(queueName string) *river.InsertOpts {
	return &river.InsertOpts{
		Queue:       queueName,
		MaxAttempts: b.cfg.MaxAttempts,
		Priority:    b.cfg.Priority,
		Tags:        b.cfg.Tags,
	}
}

type riverQueue struct {
	backend *RiverBackend
	name    string
	args    func(Job) river.JobArgs
}

func (q riverQueue) Add(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	if _, err := q.backend.client.Insert(ctx, q.args(job), q.backend.insertOpts(q.name)); err != nil {
		return fmt.Errorf("insert %s job: %w", q.name, err)
	}
	return nil
}
