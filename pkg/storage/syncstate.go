package storage

import (
	"encoding/json"
	"time"
)

// RepoSyncStateVersion is written into every cursor. Readers accept older
// versions; unknown JSON fields are ignored so fields can be added freely.
const RepoSyncStateVersion = 1

// RepoStatus is the progress of one repository within a subscription sync.
type RepoStatus string

const (
	RepoStatusPending  RepoStatus = "pending"
	RepoStatusActive   RepoStatus = "active"
	RepoStatusComplete RepoStatus = "complete"
	RepoStatusFailed   RepoStatus = "failed"
)

// Cursor names used in RepoProgress.Cursors.
const (
	CursorCommits      = "commits"
	CursorBranches     = "branches"
	CursorPullRequests = "pullRequests"
)

// RepoSyncState is the resumable cursor of a subscription sync.
type RepoSyncState struct {
	Version        int                     `json:"version"`
	InstallationID int64                   `json:"installationId"`
	JiraHost       string                  `json:"jiraHost"`
	Repos          map[string]RepoProgress `json:"repos"`
}

// RepoProgress tracks one repository.
type RepoProgress struct {
	RepositoryID   int64             `json:"repositoryId,omitempty"`
	RepositoryName string            `json:"repositoryName,omitempty"`
	RepositoryURL  string            `json:"repositoryUrl,omitempty"`
	Status         RepoStatus        `json:"status"`
	Cursors        map[string]string `json:"cursors,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt,omitempty"`
}

// NewRepoSyncState returns an empty cursor seeded with the subscription identity.
func NewRepoSyncState(installationID int64, host string) *RepoSyncState {
	return &RepoSyncState{
		Version:        RepoSyncStateVersion,
		InstallationID: installationID,
		JiraHost:       host,
		Repos:          map[string]RepoProgress{},
	}
}

// MarshalRepoSyncState encodes state; nil encodes to nil.
func MarshalRepoSyncState(state *RepoSyncState) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}

// UnmarshalRepoSyncState decodes data; empty input and JSON null decode to nil.
func UnmarshalRepoSyncState(data []byte) (*RepoSyncState, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var state RepoSyncState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Version == 0 {
		state.Version = RepoSyncStateVersion
	}
	if state.Repos == nil {
		state.Repos = map[string]RepoProgress{}
	}
	return &state, nil
}
