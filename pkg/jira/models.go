package jira

// Repository is the devinfo repository-update shape.
type Repository struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	URL              string        `json:"url"`
	UpdateSequenceID int64         `json:"updateSequenceId"`
	Commits          []Commit      `json:"commits"`
	Branches         []Branch      `json:"branches,omitempty"`
	PullRequests     []PullRequest `json:"pullRequests,omitempty"`
}

// Commit is one commit tagged with the issue keys it references.
type Commit struct {
	ID               string   `json:"id"`
	Hash             string   `json:"hash"`
	DisplayID        string   `json:"displayId"`
	Message          string   `json:"message"`
	Author           Author   `json:"author"`
	AuthorTimestamp  string   `json:"authorTimestamp"`
	FileCount        int      `json:"fileCount"`
	IssueKeys        []string `json:"issueKeys"`
	URL              string   `json:"url"`
	UpdateSequenceID int64    `json:"updateSequenceId"`
}

// Branch is a branch tagged with issue keys.
type Branch struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	IssueKeys            []string `json:"issueKeys"`
	URL                  string   `json:"url"`
	CreatePullRequestURL string   `json:"createPullRequestUrl,omitempty"`
	LastCommit           *Commit  `json:"lastCommit,omitempty"`
	UpdateSequenceID     int64    `json:"updateSequenceId"`
}

// PullRequest is passed through bulk updates unchanged.
type PullRequest struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Status            string   `json:"status"`
	URL               string   `json:"url"`
	SourceBranch      string   `json:"sourceBranch,omitempty"`
	DestinationBranch string   `json:"destinationBranch,omitempty"`
	Author            Author   `json:"author"`
	CommentCount      int      `json:"commentCount"`
	IssueKeys         []string `json:"issueKeys"`
	LastUpdate        string   `json:"lastUpdate,omitempty"`
	UpdateSequenceID  int64    `json:"updateSequenceId"`
}

// Author identifies a commit or pull request author.
type Author struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	URL      string `json:"url,omitempty"`
}

// UpdateOptions tunes a repository update.
type UpdateOptions struct {
	PreventTransitions bool
}

// BatchResult summarizes a chunked bulk update.
type BatchResult struct {
	Chunks    int
	IssueKeys int
}

type bulkRequest struct {
	PreventTransitions bool              `json:"preventTransitions"`
	Repositories       []Repository      `json:"repositories"`
	Properties         map[string]string `json:"properties"`
}
