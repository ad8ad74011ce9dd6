package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueGetRequestsSummaryByDefault(t *testing.T) {
	tracker := &fakeTracker{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		_, _ = w.Write([]byte(`{"id":"10001","key":"ABC-1","fields":{"summary":"Fix login"}}`))
	}}
	client := newTestClient(t, tracker, 0)

	issue, err := client.Issues.Get(context.Background(), "ABC-1")
	require.NoError(t, err)
	assert.Equal(t, "ABC-1", issue.Key)
	assert.Equal(t, "Fix login", issue.Summary())

	reqs := tracker.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/rest/api/latest/issue/ABC-1", reqs[0].Path)
	assert.Equal(t, "fields=summary", reqs[0].Query)
	assert.True(t, strings.HasPrefix(reqs[0].Auth, "JWT "))
}

func TestIssueGetAllDropsFailedFetches(t *testing.T) {
	tracker := &fakeTracker{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		key := strings.TrimPrefix(r.URL.Path, "/rest/api/latest/issue/")
		if key == "ABC-2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"1","key":"` + key + `"}`))
	}}
	client := newTestClient(t, tracker, 0)

	issues := client.Issues.GetAll(context.Background(), []string{"ABC-1", "ABC-2", "ABC-3"}, "summary", "status")
	require.Len(t, issues, 2)
	assert.Equal(t, "ABC-1", issues[0].Key)
	assert.Equal(t, "ABC-3", issues[1].Key)
	for _, req := range tracker.recorded() {
		assert.Equal(t, "fields=summary%2Cstatus", req.Query)
	}
}

func TestIssueCommentsRoundTrip(t *testing.T) {
	tracker := &fakeTracker{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"id":"9","body":"linked from GitHub"}`))
			return
		}
		_, _ = w.Write([]byte(`{"comments":[{"id":"8","body":"first","author":{"displayName":"Alice"}}]}`))
	}}
	client := newTestClient(t, tracker, 0)
	comments := client.Issues.Comments()

	listed, err := comments.GetForIssue(context.Background(), "ABC-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "Alice", listed[0].Author.DisplayName)

	created, err := comments.AddForIssue(context.Background(), "ABC-1", Comment{Body: "linked from GitHub"})
	require.NoError(t, err)
	assert.Equal(t, "9", created.ID)

	reqs := tracker.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/rest/api/latest/issue/ABC-1/comment", reqs[1].Path)
	assert.JSONEq(t, `{"body":"linked from GitHub"}`, string(reqs[1].Body))

	_, err = comments.AddForIssue(context.Background(), "ABC-1", Comment{Body: "  "})
	assert.Error(t, err)
}

func TestIssueTransitions(t *testing.T) {
	tracker := &fakeTracker{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`{"transitions":[{"id":"11","name":"To Do"},{"id":"31","name":"Done"}]}`))
	}}
	client := newTestClient(t, tracker, 0)
	transitions := client.Issues.Transitions()

	listed, err := transitions.GetForIssue(context.Background(), "ABC-1")
	require.NoError(t, err)
	assert.Equal(t, []Transition{{ID: "11", Name: "To Do"}, {ID: "31", Name: "Done"}}, listed)

	require.NoError(t, transitions.UpdateForIssue(context.Background(), "ABC-1", "31"))
	reqs := tracker.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/rest/api/latest/issue/ABC-1/transitions", reqs[1].Path)
	assert.JSONEq(t, `{"transition":{"id":"31"}}`, string(reqs[1].Body))

	assert.Error(t, transitions.UpdateForIssue(context.Background(), "ABC-1", ""))
}

func TestIssueWorklogs(t *testing.T) {
	tracker := &fakeTracker{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.Method == http.MethodPost {
			var in Worklog
			_ = json.Unmarshal(body, &in)
			in.ID = "5"
			_ = json.NewEncoder(w).Encode(in)
			return
		}
		_, _ = w.Write([]byte(`{"worklogs":[{"id":"4","timeSpent":"1h","timeSpentSeconds":3600}]}`))
	}}
	client := newTestClient(t, tracker, 0)
	worklogs := client.Issues.Worklogs()

	listed, err := worklogs.GetForIssue(context.Background(), "ABC-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, int64(3600), listed[0].TimeSpentSeconds)

	created, err := worklogs.AddForIssue(context.Background(), "ABC-1", Worklog{TimeSpent: "30m", Comment: "review"})
	require.NoError(t, err)
	assert.Equal(t, "5", created.ID)
	assert.Equal(t, "30m", created.TimeSpent)

	_, err = worklogs.AddForIssue(context.Background(), "ABC-1", Worklog{})
	assert.Error(t, err)
}

func TestIssueKeyRequired(t *testing.T) {
	tracker := &fakeTracker{}
	client := newTestClient(t, tracker, 0)
	_, err := client.Issues.Get(context.Background(), " ")
	assert.Error(t, err)
	_, err = client.Issues.Comments().GetForIssue(context.Background(), "")
	assert.Error(t, err)
	assert.Empty(t, tracker.recorded())
}
