package push

import "strings"

// Event is the part of a GitHub push payload the transform reads.
type Event struct {
	Ref          string       `json:"ref"`
	Before       string       `json:"before"`
	After        string       `json:"after"`
	Deleted      bool         `json:"deleted"`
	Commits      []Commit     `json:"commits"`
	Repository   Repository   `json:"repository"`
	Installation Installation `json:"installation"`
}

// Commit is one pushed commit.
type Commit struct {
	ID        string       `json:"id"`
	Message   string       `json:"message"`
	Timestamp string       `json:"timestamp"`
	URL       string       `json:"url"`
	Author    CommitAuthor `json:"author"`
	Added     []string     `json:"added"`
	Removed   []string     `json:"removed"`
	Modified  []string     `json:"modified"`
}

// CommitAuthor is the git author; Username is empty for authors without a
// GitHub account.
type CommitAuthor struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Repository identifies the pushed repository.
type Repository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
}

// Installation is the GitHub App installation that delivered the event.
type Installation struct {
	ID int64 `json:"id"`
}

// DeleteEvent is a GitHub "delete" payload (branch or tag removed).
type DeleteEvent struct {
	Ref          string       `json:"ref"`
	RefType      string       `json:"ref_type"`
	Repository   Repository   `json:"repository"`
	Installation Installation `json:"installation"`
}

// RepositoryEvent is a GitHub "repository" payload.
type RepositoryEvent struct {
	Action       string       `json:"action"`
	Repository   Repository   `json:"repository"`
	Installation Installation `json:"installation"`
}

// BranchName strips the refs/heads/ prefix.
func (e Event) BranchName() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// Usernames returns the distinct commit author usernames in order of first
// appearance, skipping authors without one.
func (e Event) Usernames() []string {
	seen := make(map[string]struct{}, len(e.Commits))
	var out []string
	for _, commit := range e.Commits {
		name := commit.Author.Username
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
