package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AYCHIT/Aych.Gitjira/pkg/jira"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
	"github.com/AYCHIT/Aych.Gitjira/pkg/webhook"
)

const victimKey = "victim-client-key"

type keyRegistry struct {
	installs    map[string]*storage.Installation
	uninstalled []string
}

func newKeyRegistry() *keyRegistry {
	return &keyRegistry{installs: map[string]*storage.Installation{
		testKey:   {ID: 1, ClientKey: testKey, JiraHost: testHost, SharedSecret: testSecret, Enabled: true},
		victimKey: {ID: 2, ClientKey: victimKey, JiraHost: "https://victim.atlassian.net", SharedSecret: "victim-secret", Enabled: true},
	}}
}

func (k *keyRegistry) GetByHost(ctx context.Context, host string) (*storage.Installation, error) {
	for _, inst := range k.installs {
		if inst.JiraHost == host {
			return inst, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (k *keyRegistry) GetByClientKey(ctx context.Context, clientKey string) (*storage.Installation, error) {
	inst, ok := k.installs[clientKey]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return inst, nil
}

func (k *keyRegistry) Install(ctx context.Context, clientKey, host, sharedSecret string) (*storage.Installation, error) {
	inst := &storage.Installation{ID: uint(len(k.installs) + 1), ClientKey: clientKey, JiraHost: host, SharedSecret: sharedSecret, Enabled: true}
	if existing, ok := k.installs[clientKey]; ok {
		existing.SharedSecret = sharedSecret
		return existing, nil
	}
	k.installs[clientKey] = inst
	return inst, nil
}

func (k *keyRegistry) Uninstall(ctx context.Context, clientKey string) error {
	delete(k.installs, clientKey)
	k.uninstalled = append(k.uninstalled, clientKey)
	return nil
}

func newLifecycleMux(registry *keyRegistry) *http.ServeMux {
	mux := http.NewServeMux()
	LifecycleRoutes(mux, &webhook.JiraLifecycleHandler{
		Registry: registry,
		Verifier: &JWTVerifier{Installations: registry, Logger: log.New(io.Discard, "", 0)},
		Logger:   log.New(io.Discard, "", 0),
	})
	return mux
}

func lifecycleRequest(t *testing.T, target, body, issuer, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		if err := jira.NewConnectSigner(issuer, secret).Sign(req); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}
	return req
}

func TestUninstallCannotTargetAnotherClientKey(t *testing.T) {
	registry := newKeyRegistry()
	mux := newLifecycleMux(registry)

	req := lifecycleRequest(t, "/jira/events/uninstalled", `{"clientKey":"`+victimKey+`","baseUrl":"`+testHost+`"}`, testKey, testSecret)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if _, ok := registry.installs[victimKey]; !ok || len(registry.uninstalled) != 0 {
		t.Fatalf("expected victim installation kept, uninstalled=%v", registry.uninstalled)
	}
}

func TestUninstallSignedByOwnKey(t *testing.T) {
	registry := newKeyRegistry()
	mux := newLifecycleMux(registry)

	req := lifecycleRequest(t, "/jira/events/uninstalled", `{"clientKey":"`+testKey+`","baseUrl":"`+testHost+`"}`, testKey, testSecret)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(registry.uninstalled) != 1 || registry.uninstalled[0] != testKey {
		t.Fatalf("unexpected uninstalls %v", registry.uninstalled)
	}
}

func TestReinstallRequiresStoredSecret(t *testing.T) {
	registry := newKeyRegistry()
	mux := newLifecycleMux(registry)
	body := `{"clientKey":"` + victimKey + `","sharedSecret":"attacker-secret","baseUrl":"https://victim.atlassian.net"}`

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, lifecycleRequest(t, "/jira/events/installed", body, "", ""))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned reinstall, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, lifecycleRequest(t, "/jira/events/installed", body, victimKey, "attacker-secret"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for reinstall signed with the new secret, got %d", rec.Code)
	}
	if got := registry.installs[victimKey].SharedSecret; got != "victim-secret" {
		t.Fatalf("expected stored secret kept, got %q", got)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, lifecycleRequest(t, "/jira/events/installed", body, victimKey, "victim-secret"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for signed reinstall, got %d", rec.Code)
	}
	if got := registry.installs[victimKey].SharedSecret; got != "attacker-secret" {
		t.Fatalf("expected rotated secret, got %q", got)
	}
}

func TestFirstInstallIsUnsigned(t *testing.T) {
	registry := newKeyRegistry()
	mux := newLifecycleMux(registry)

	req := lifecycleRequest(t, "/jira/events/installed", `{"clientKey":"new-key","sharedSecret":"fresh","baseUrl":"https://new.atlassian.net/"}`, "", "")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	inst, ok := registry.installs["new-key"]
	if !ok || inst.SharedSecret != "fresh" || inst.JiraHost != "https://new.atlassian.net" {
		t.Fatalf("unexpected installation %+v", inst)
	}
}

func TestTokenRequiresIssuerAndQSH(t *testing.T) {
	mux := newMux(&recordingController{})
	now := time.Now()

	cases := map[string]jira.ConnectClaims{
		"missing issuer": {
			QSH:              "context-qsh",
			RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))},
		},
		"missing qsh": {
			RegisteredClaims: jwt.RegisteredClaims{Issuer: testKey, IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))},
		},
	}
	for name, claims := range cases {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		req := httptest.NewRequest(http.MethodPost, "/jira/sync?xdm_e="+testHost, strings.NewReader(`{"installationId":7}`))
		req.Header.Set("Authorization", "JWT "+token)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}
