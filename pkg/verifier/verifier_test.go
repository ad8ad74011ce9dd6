package verifier

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
)

type memoryRegistry struct {
	installations map[string]*storage.Installation
	enabled       int
}

func (m *memoryRegistry) Enable(ctx context.Context, installation *storage.Installation) error {
	m.enabled++
	installation.Enabled = true
	m.installations[installation.ClientKey] = installation
	return nil
}

func (m *memoryRegistry) Uninstall(ctx context.Context, clientKey string) error {
	delete(m.installations, clientKey)
	return nil
}

func (m *memoryRegistry) List(ctx context.Context) ([]storage.Installation, error) {
	out := make([]storage.Installation, 0, len(m.installations))
	for _, inst := range m.installations {
		out = append(out, *inst)
	}
	return out, nil
}

type recordingReporter struct {
	errs []error
}

func (r *recordingReporter) Report(installation *storage.Installation, err error) {
	r.errs = append(r.errs, err)
}

func trackerReturning(t *testing.T, status int) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/devinfo/0.10/existsByProperties" || r.URL.Query().Get("fakeProperty") != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func setup(t *testing.T, status int) (*Verifier, *memoryRegistry, *recordingReporter, *storage.Installation) {
	t.Helper()
	inst := &storage.Installation{ID: 1, ClientKey: "key-1", JiraHost: trackerReturning(t, status), SharedSecret: "secret", Enabled: false}
	registry := &memoryRegistry{installations: map[string]*storage.Installation{"key-1": inst}}
	reporter := &recordingReporter{}
	v := New(registry, ClientProber{AppKey: "app"}, reporter, log.New(io.Discard, "", 0))
	return v, registry, reporter, inst
}

func TestVerifySuccessEnables(t *testing.T) {
	v, registry, reporter, inst := setup(t, http.StatusOK)
	outcome, err := v.Verify(context.Background(), inst)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome != OutcomeEnabled || !inst.Enabled || registry.enabled != 1 {
		t.Fatalf("expected installation enabled, got %s", outcome)
	}
	if len(reporter.errs) != 0 {
		t.Fatalf("expected no reports")
	}
}

func TestVerifyUnauthorizedDeletes(t *testing.T) {
	v, registry, _, inst := setup(t, http.StatusUnauthorized)
	outcome, err := v.Verify(context.Background(), inst)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome != OutcomeRetired {
		t.Fatalf("expected retired, got %s", outcome)
	}
	if _, ok := registry.installations["key-1"]; ok {
		t.Fatalf("expected installation deleted")
	}
}

func TestVerifyServerErrorOnlyReports(t *testing.T) {
	v, registry, reporter, inst := setup(t, http.StatusInternalServerError)
	inst.Enabled = true
	outcome, err := v.Verify(context.Background(), inst)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome != OutcomeReported || len(reporter.errs) != 1 {
		t.Fatalf("expected one report, got %s %d", outcome, len(reporter.errs))
	}
	stored, ok := registry.installations["key-1"]
	if !ok || !stored.Enabled {
		t.Fatalf("expected installation untouched and enabled")
	}
	if registry.enabled != 0 {
		t.Fatalf("expected no enable call")
	}
}

func TestVerifyNetworkErrorOnlyReports(t *testing.T) {
	inst := &storage.Installation{ID: 1, ClientKey: "key-1", JiraHost: "http://127.0.0.1:1", SharedSecret: "secret", Enabled: true}
	registry := &memoryRegistry{installations: map[string]*storage.Installation{"key-1": inst}}
	reporter := &recordingReporter{}
	v := New(registry, ClientProber{AppKey: "app"}, reporter, log.New(io.Discard, "", 0))
	outcome, err := v.Verify(context.Background(), inst)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome != OutcomeReported {
		t.Fatalf("expected reported, got %s", outcome)
	}
	if _, ok := registry.installations["key-1"]; !ok {
		t.Fatalf("expected installation kept")
	}
}

type failingRegistry struct {
	memoryRegistry
}

func (f *failingRegistry) List(ctx context.Context) ([]storage.Installation, error) {
	return nil, errors.New("db down")
}

func TestVerifyAllCountsOutcomes(t *testing.T) {
	v, _, _, _ := setup(t, http.StatusOK)
	counts, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if counts[OutcomeEnabled] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	broken := New(&failingRegistry{}, ClientProber{}, nil, log.New(io.Discard, "", 0))
	if _, err := broken.VerifyAll(context.Background()); err == nil {
		t.Fatalf("expected list error")
	}
}
