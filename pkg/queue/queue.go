package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Queue names shared by every driver. River uses them as queue names, the
// watermill driver as topics.
const (
	DiscoveryQueue    = "discovery"
	InstallationQueue = "installation"
)

// Job is the payload of both sync queues.
type Job struct {
	InstallationID int64  `json:"installationId"`
	JiraHost       string `json:"jiraHost"`
}

// Queue accepts jobs for scheduling. A nil error means the job was accepted,
// not that it ran.
type Queue interface {
	Add(ctx context.Context, job Job) error
}

// Queues is the pair of named queues the sync controller submits to.
type Queues struct {
	Discovery    Queue
	Installation Queue
}

// Validate reports whether both queues are set.
func (q Queues) Validate() error {
	if q.Discovery == nil {
		return errors.New("discovery queue is required")
	}
	if q.Installation == nil {
		return errors.New("installation queue is required")
	}
	return nil
}

// Backend owns the connections behind a Queues pair.
type Backend interface {
	Queues() Queues
	Close() error
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "river", "riverqueue":
		return OpenRiver(ctx, cfg.River)
	case "watermill":
		return OpenWatermill(ctx, cfg.Watermill)
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

func validateJob(job Job) error {
	if job.InstallationID == 0 {
		return errors.New("job installation id is required")
	}
	if strings.TrimSpace(job.JiraHost) == "" {
		return errors.New("job jira host is required")
	}
	return nil
}
