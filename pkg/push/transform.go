package push

import (
	"strconv"

	"github.com/AYCHIT/Aych.Gitjira/pkg/jira"
)

// Profile is a resolved GitHub user.
type Profile struct {
	Login     string
	Name      string
	Email     string
	AvatarURL string
	HTMLURL   string
}

// Transform maps a push to a devinfo repository update. Each commit is tagged
// with the issue keys of its message followed by those of the branch name.
// Commits with no keys are dropped; nil means there is nothing to send.
func Transform(event Event, authors map[string]Profile) *jira.Repository {
	if event.Deleted || len(event.Commits) == 0 {
		return nil
	}
	branchKeys := jira.ParseIssueKeys(event.BranchName())

	commits := make([]jira.Commit, 0, len(event.Commits))
	for _, commit := range event.Commits {
		keys := mergeKeys(jira.ParseIssueKeys(commit.Message), branchKeys)
		if len(keys) == 0 {
			continue
		}
		commits = append(commits, jira.Commit{
			ID:              commit.ID,
			Hash:            commit.ID,
			DisplayID:       shortHash(commit.ID),
			Message:         commit.Message,
			Author:          commitAuthor(commit.Author, authors),
			AuthorTimestamp: commit.Timestamp,
			FileCount:       len(commit.Added) + len(commit.Removed) + len(commit.Modified),
			IssueKeys:       keys,
			URL:             commit.URL,
		})
	}
	if len(commits) == 0 {
		return nil
	}

	name := event.Repository.FullName
	if name == "" {
		name = event.Repository.Name
	}
	return &jira.Repository{
		ID:      strconv.FormatInt(event.Repository.ID, 10),
		Name:    name,
		URL:     event.Repository.HTMLURL,
		Commits: commits,
	}
}

// StampSequence sets the update sequence id of the repository and its commits.
func StampSequence(repo *jira.Repository, sequence int64) {
	if repo == nil {
		return
	}
	repo.UpdateSequenceID = sequence
	for i := range repo.Commits {
		repo.Commits[i].UpdateSequenceID = sequence
	}
}

func commitAuthor(author CommitAuthor, profiles map[string]Profile) jira.Author {
	out := jira.Author{
		Name:     author.Name,
		Email:    author.Email,
		Username: author.Username,
	}
	profile, ok := profiles[author.Username]
	if author.Username == "" || !ok {
		return out
	}
	if out.Name == "" {
		out.Name = profile.Name
	}
	if out.Name == "" {
		out.Name = profile.Login
	}
	if out.Email == "" {
		out.Email = profile.Email
	}
	out.Avatar = profile.AvatarURL
	out.URL = profile.HTMLURL
	return out
}

func mergeKeys(first, second []string) []string {
	if len(second) == 0 {
		return first
	}
	seen := make(map[string]struct{}, len(first)+len(second))
	var out []string
	for _, list := range [][]string{first, second} {
		for _, key := range list {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

func shortHash(hash string) string {
	if len(hash) > 6 {
		return hash[:6]
	}
	return hash
}
