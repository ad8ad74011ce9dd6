package jira

// IssueKeyChunkSize is the most issue keys one bulk request may reference.
const IssueKeyChunkSize = 100

// CollectIssueKeys returns the distinct issue keys of every commit, then every
// branch, in order of discovery.
func CollectIssueKeys(repo Repository) []string {
	var keys []string
	for _, commit := range repo.Commits {
		keys = append(keys, commit.IssueKeys...)
	}
	for _, branch := range repo.Branches {
		keys = append(keys, branch.IssueKeys...)
	}
	return dedupe(keys)
}

// ChunkIssueKeys splits keys into consecutive chunks of at most size keys.
func ChunkIssueKeys(keys []string, size int) [][]string {
	if size <= 0 {
		size = IssueKeyChunkSize
	}
	var chunks [][]string
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}

// FilterCommits keeps the commits referencing a key in chunk and narrows each
// one's IssueKeys to that intersection, in chunk order.
func FilterCommits(chunk []string, commits []Commit) []Commit {
	out := make([]Commit, 0, len(commits))
	for _, commit := range commits {
		keys := intersect(chunk, commit.IssueKeys)
		if len(keys) == 0 {
			continue
		}
		commit.IssueKeys = keys
		out = append(out, commit)
	}
	return out
}

// FilterBranches is FilterCommits for branches.
func FilterBranches(chunk []string, branches []Branch) []Branch {
	out := make([]Branch, 0, len(branches))
	for _, branch := range branches {
		keys := intersect(chunk, branch.IssueKeys)
		if len(keys) == 0 {
			continue
		}
		branch.IssueKeys = keys
		out = append(out, branch)
	}
	return out
}

// SplitRepository builds one repository payload per issue-key chunk. Fields
// other than commits and branches are copied into every payload. Branches stay
// nil when repo carries none.
func SplitRepository(repo Repository, size int) ([]Repository, [][]string) {
	chunks := ChunkIssueKeys(CollectIssueKeys(repo), size)
	payloads := make([]Repository, 0, len(chunks))
	for _, chunk := range chunks {
		payload := repo
		payload.Commits = FilterCommits(chunk, repo.Commits)
		if repo.Branches != nil {
			payload.Branches = FilterBranches(chunk, repo.Branches)
		}
		payloads = append(payloads, payload)
	}
	return payloads, chunks
}

func intersect(chunk, keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		have[key] = struct{}{}
	}
	var out []string
	for _, key := range chunk {
		if _, ok := have[key]; ok {
			out = append(out, key)
		}
	}
	return out
}
