package jira

import (
	"encoding/hex"
	"regexp"
)

var issueKeyPattern = regexp.MustCompile(`[A-Z]+-[0-9]+`)

var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ParseIssueKeys returns the issue keys in text in order of first appearance.
// It returns nil when text references none.
func ParseIssueKeys(text string) []string {
	matches := issueKeyPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	return dedupe(matches)
}

// EncodeID makes a branch ref safe for devinfo ids and URL paths. Refs made
// only of [A-Za-z0-9_.-] are kept; anything else becomes "~" plus hex.
func EncodeID(ref string) string {
	if safeIDPattern.MatchString(ref) {
		return ref
	}
	return "~" + hex.EncodeToString([]byte(ref))
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
