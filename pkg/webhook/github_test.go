package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/jira"
	"github.com/AYCHIT/Aych.Gitjira/pkg/push"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
	"github.com/go-playground/webhooks/v6/github"
)

const testSecret = "hook-secret"

type trackerCall struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

type fakeTracker struct {
	mu     sync.Mutex
	calls  []trackerCall
	server *httptest.Server
}

func newFakeTracker(t *testing.T) *fakeTracker {
	t.Helper()
	tracker := &fakeTracker{}
	tracker.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		tracker.mu.Lock()
		tracker.calls = append(tracker.calls, trackerCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
		tracker.mu.Unlock()
		if !strings.HasPrefix(r.Header.Get("Authorization"), "JWT ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(tracker.server.Close)
	return tracker
}

func (f *fakeTracker) recorded() []trackerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trackerCall(nil), f.calls...)
}

type memoryCredentials map[string]*storage.Installation

func (m memoryCredentials) GetByHost(ctx context.Context, host string) (*storage.Installation, error) {
	inst, ok := m[host]
	if !ok || !inst.Enabled {
		return nil, storage.ErrNotFound
	}
	return inst, nil
}

type memorySubscriptions struct {
	subs    []storage.Subscription
	deleted []string
}

func (m *memorySubscriptions) ListForInstallation(ctx context.Context, installationID int64) ([]storage.Subscription, error) {
	var out []storage.Subscription
	for _, sub := range m.subs {
		if sub.GitHubInstallationID == installationID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memorySubscriptions) Delete(ctx context.Context, installationID int64, host string) error {
	m.deleted = append(m.deleted, host)
	return nil
}

type stubAuthors struct {
	profiles map[string]push.Profile
	err      error
	calls    int
}

func (s *stubAuthors) ForInstallation(ctx context.Context, installationID int64) (push.AuthorLookup, error) {
	s.calls++
	return s, nil
}

func (s *stubAuthors) LookupAuthor(ctx context.Context, username string) (push.Profile, error) {
	if s.err != nil {
		return push.Profile{}, s.err
	}
	return s.profiles[username], nil
}

type fixture struct {
	handler *GitHubHandler
	tracker *fakeTracker
	subs    *memorySubscriptions
	authors *stubAuthors
}

func newFixture(t *testing.T, rules []internal.Rule) *fixture {
	t.Helper()
	tracker := newFakeTracker(t)
	host := tracker.server.URL
	subs := &memorySubscriptions{subs: []storage.Subscription{{GitHubInstallationID: 42, JiraHost: host, JiraClientKey: "key-1"}}}
	authors := &stubAuthors{profiles: map[string]push.Profile{
		"alice": {Login: "alice", Name: "Alice Liddell", Email: "alice@example.com", AvatarURL: "https://avatars/alice"},
	}}
	quiet := log.New(io.Discard, "", 0)
	engine, err := internal.NewRuleEngine(internal.RulesConfig{Rules: rules, Logger: quiet})
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	handler, err := NewGitHubHandler(GitHubOptions{
		Secret:        testSecret,
		Rules:         engine,
		Subscriptions: subs,
		Trackers: jira.Factory{
			Installations: memoryCredentials{host: {ID: 1, ClientKey: "key-1", JiraHost: host, SharedSecret: "shh", Enabled: true}},
			AppKey:        "com.acme.gitjira",
		},
		Authors: authors,
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &fixture{handler: handler, tracker: tracker, subs: subs, authors: authors}
}

func (f *fixture) deliver(t *testing.T, event, body string) *httptest.ResponseRecorder {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, "/github/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

const pushWithKey = `{
  "ref": "refs/heads/main",
  "before": "0000000000000000000000000000000000000000",
  "after": "6dcb09b5b57875f334f61aebed695e2e4193db5e",
  "commits": [{
    "id": "6dcb09b5b57875f334f61aebed695e2e4193db5e",
    "message": "fix ABC-1",
    "timestamp": "2024-01-02T15:04:05Z",
    "url": "https://github.com/acme/widgets/commit/6dcb09b",
    "author": {"name": "alice", "email": "alice@users.noreply.github.com", "username": "alice"},
    "added": [], "removed": [], "modified": ["main.go"]
  }],
  "repository": {"id": 7, "name": "widgets", "full_name": "acme/widgets", "html_url": "https://github.com/acme/widgets"},
  "installation": {"id": 42}
}`

const pushWithoutKey = `{
  "ref": "refs/heads/main",
  "commits": [{
    "id": "6dcb09b5b57875f334f61aebed695e2e4193db5e",
    "message": "tidy up",
    "timestamp": "2024-01-02T15:04:05Z",
    "author": {"name": "alice", "email": "alice@example.com", "username": "alice"}
  }],
  "repository": {"id": 7, "name": "widgets", "full_name": "acme/widgets"},
  "installation": {"id": 42}
}`

type bulkBody struct {
	PreventTransitions bool `json:"preventTransitions"`
	Repositories       []struct {
		ID      string `json:"id"`
		Commits []struct {
			ID        string   `json:"id"`
			IssueKeys []string `json:"issueKeys"`
			Author    struct {
				Name   string `json:"name"`
				Avatar string `json:"avatar"`
			} `json:"author"`
		} `json:"commits"`
	} `json:"repositories"`
	Properties map[string]string `json:"properties"`
}

func TestPushWithIssueKeyUploadsOnce(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.deliver(t, "push", pushWithKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	calls := f.tracker.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected one tracker call, got %d", len(calls))
	}
	if calls[0].Method != http.MethodPost || calls[0].Path != "/rest/devinfo/0.10/bulk" {
		t.Fatalf("unexpected call %s %s", calls[0].Method, calls[0].Path)
	}
	var body bulkBody
	if err := json.Unmarshal(calls[0].Body, &body); err != nil {
		t.Fatalf("decode bulk body: %v", err)
	}
	if body.Properties["installationId"] != "42" || body.PreventTransitions {
		t.Fatalf("unexpected bulk envelope %+v", body)
	}
	if len(body.Repositories) != 1 || len(body.Repositories[0].Commits) != 1 {
		t.Fatalf("expected one repository with one commit, got %+v", body.Repositories)
	}
	commit := body.Repositories[0].Commits[0]
	if len(commit.IssueKeys) != 1 || commit.IssueKeys[0] != "ABC-1" {
		t.Fatalf("unexpected issue keys %v", commit.IssueKeys)
	}
	if commit.Author.Name != "alice" || commit.Author.Avatar != "https://avatars/alice" {
		t.Fatalf("expected resolved author, got %+v", commit.Author)
	}
}

func TestPushWithoutIssueKeyMakesNoCalls(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.deliver(t, "push", pushWithoutKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if calls := f.tracker.recorded(); len(calls) != 0 {
		t.Fatalf("expected no tracker calls, got %d", len(calls))
	}
	if f.authors.calls != 0 {
		t.Fatalf("expected no author lookups")
	}
}

func TestPushAuthorLookupFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.authors.err = errors.New("github unavailable")
	rec := f.deliver(t, "push", pushWithKey)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if calls := f.tracker.recorded(); len(calls) != 0 {
		t.Fatalf("expected no tracker calls, got %d", len(calls))
	}
}

func TestPushRules(t *testing.T) {
	f := newFixture(t, []internal.Rule{{When: `ref == "refs/heads/main"`, Action: internal.ActionPreventTransitions}})
	if rec := f.deliver(t, "push", pushWithKey); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	calls := f.tracker.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected one tracker call, got %d", len(calls))
	}
	var body bulkBody
	if err := json.Unmarshal(calls[0].Body, &body); err != nil {
		t.Fatalf("decode bulk body: %v", err)
	}
	if !body.PreventTransitions {
		t.Fatalf("expected preventTransitions from rule")
	}

	skip := newFixture(t, []internal.Rule{{When: `[repository.full_name] == "acme/widgets"`, Action: internal.ActionSkip}})
	if rec := skip.deliver(t, "push", pushWithKey); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if calls := skip.tracker.recorded(); len(calls) != 0 {
		t.Fatalf("expected skipped push, got %d calls", len(calls))
	}
}

func TestPushSkipsDisconnectedHost(t *testing.T) {
	f := newFixture(t, nil)
	f.subs.subs = append(f.subs.subs, storage.Subscription{GitHubInstallationID: 42, JiraHost: "https://gone.atlassian.net"})
	if rec := f.deliver(t, "push", pushWithKey); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if calls := f.tracker.recorded(); len(calls) != 1 {
		t.Fatalf("expected one call to the connected host, got %d", len(calls))
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/github/events", strings.NewReader(pushWithKey))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if calls := f.tracker.recorded(); len(calls) != 0 {
		t.Fatalf("expected no tracker calls")
	}
}

func TestUnhandledEventAccepted(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.deliver(t, "issues", `{"action":"opened"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDeleteBranchEvent(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"ref":"feat/x-1","ref_type":"branch","repository":{"id":7,"name":"widgets","full_name":"acme/widgets"},"installation":{"id":42}}`
	if rec := f.deliver(t, "delete", body); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	calls := f.tracker.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected one tracker call, got %d", len(calls))
	}
	if calls[0].Method != http.MethodDelete || calls[0].Path != "/rest/devinfo/0.10/repository/7/branch/~666561742f782d31" {
		t.Fatalf("unexpected call %s %s", calls[0].Method, calls[0].Path)
	}
	if !strings.Contains(calls[0].Query, "_updateSequenceId=") {
		t.Fatalf("expected sequence id on delete, got %q", calls[0].Query)
	}
}

func TestInstallationDeletedEvent(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"action":"deleted","installation":{"id":42}}`
	if rec := f.deliver(t, "installation", body); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	calls := f.tracker.recorded()
	if len(calls) != 1 || calls[0].Method != http.MethodDelete || calls[0].Path != "/rest/devinfo/0.10/bulkByProperties" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if calls[0].Query != "installationId=42" {
		t.Fatalf("unexpected query %q", calls[0].Query)
	}
	if len(f.subs.deleted) != 1 || f.subs.deleted[0] != f.tracker.server.URL {
		t.Fatalf("expected subscription removed, got %v", f.subs.deleted)
	}
}

func TestPushEventFromTypedPayload(t *testing.T) {
	var payload github.PushPayload
	if err := json.Unmarshal([]byte(pushWithKey), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	event := pushEvent(payload)
	if event.Installation.ID != 42 || event.Repository.FullName != "acme/widgets" || event.Repository.HTMLURL != "https://github.com/acme/widgets" {
		t.Fatalf("unexpected event %+v", event)
	}
	if len(event.Commits) != 1 {
		t.Fatalf("expected one commit, got %d", len(event.Commits))
	}
	got := event.Commits[0]
	if got.Message != "fix ABC-1" || got.Author.Username != "alice" || len(got.Modified) != 1 {
		t.Fatalf("unexpected commit %+v", got)
	}
}

func TestRepositoryDeletedRequiresInstallation(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"action":"deleted","repository":{"id":7,"name":"widgets","full_name":"acme/widgets"}}`
	if rec := f.deliver(t, "repository", body); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without installation, got %d", rec.Code)
	}
	if calls := f.tracker.recorded(); len(calls) != 0 {
		t.Fatalf("expected no tracker calls, got %+v", calls)
	}

	body = `{"action":"deleted","repository":{"id":7,"name":"widgets","full_name":"acme/widgets"},"installation":{"id":42}}`
	if rec := f.deliver(t, "repository", body); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	calls := f.tracker.recorded()
	if len(calls) != 1 || calls[0].Method != http.MethodDelete || calls[0].Path != "/rest/devinfo/0.10/repository/7" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}
