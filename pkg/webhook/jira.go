package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
)

// Registry is the part of the credential registry lifecycle events read and mutate.
type Registry interface {
	GetByClientKey(ctx context.Context, clientKey string) (*storage.Installation, error)
	Install(ctx context.Context, clientKey, host, sharedSecret string) (*storage.Installation, error)
	Uninstall(ctx context.Context, clientKey string) error
}

// RequestVerifier checks that a request carries a Connect JWT issued by inst
// and signed with its stored shared secret.
type RequestVerifier interface {
	VerifyRequest(r *http.Request, inst *storage.Installation) error
}

// ClientKeySubscriptions lists and removes the subscriptions of a tracker installation.
type ClientKeySubscriptions interface {
	ListForClientKey(ctx context.Context, clientKey string) ([]storage.Subscription, error)
	Delete(ctx context.Context, installationID int64, host string) error
}

// LifecyclePayload is the body Jira posts to the installed and uninstalled hooks.
type LifecyclePayload struct {
	Key          string `json:"key"`
	ClientKey    string `json:"clientKey"`
	SharedSecret string `json:"sharedSecret"`
	BaseURL      string `json:"baseUrl"`
	EventType    string `json:"eventType"`
}

var errUnauthorized = errors.New("lifecycle request not signed by the installation")

// JiraLifecycleHandler serves the Connect app installed and uninstalled hooks.
// A first install is accepted unsigned. Re-installing an existing client key
// or uninstalling it requires a JWT signed with the secret already on record.
type JiraLifecycleHandler struct {
	Registry      Registry
	Subscriptions ClientKeySubscriptions
	Verifier      RequestVerifier
	Logger        *log.Logger
	MaxBody       int64
}

// Installed returns the handler for the "installed" lifecycle event.
func (h *JiraLifecycleHandler) Installed() http.Handler {
	return h.handle("jira_installed", h.install)
}

// Uninstalled returns the handler for the "uninstalled" lifecycle event.
func (h *JiraLifecycleHandler) Uninstalled() http.Handler {
	return h.handle("jira_uninstalled", h.uninstall)
}

type lifecycleFunc func(r *http.Request, logger *log.Logger, payload LifecyclePayload) error

func (h *JiraLifecycleHandler) handle(route string, fn lifecycleFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internal.IncRequest(route)
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.MaxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, h.MaxBody)
		}
		reqID := RequestID(r)
		w.Header().Set("X-Request-Id", reqID)
		logger := internal.WithRequestID(h.logger(), reqID)

		var payload LifecyclePayload
		body, err := io.ReadAll(r.Body)
		if err == nil {
			err = json.Unmarshal(body, &payload)
		}
		if err != nil {
			internal.IncParseError(route)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		payload.ClientKey = strings.TrimSpace(payload.ClientKey)
		payload.BaseURL = strings.TrimRight(strings.TrimSpace(payload.BaseURL), "/")
		if payload.ClientKey == "" {
			http.Error(w, "missing clientKey", http.StatusBadRequest)
			return
		}
		err = fn(r, logger, payload)
		if errors.Is(err, errUnauthorized) {
			logger.Printf("%s client_key=%s rejected: %v", route, payload.ClientKey, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err != nil {
			logger.Printf("%s client_key=%s failed: %v", route, payload.ClientKey, err)
			http.Error(w, "lifecycle event failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (h *JiraLifecycleHandler) install(r *http.Request, logger *log.Logger, payload LifecyclePayload) error {
	ctx := r.Context()
	existing, err := h.Registry.GetByClientKey(ctx, payload.ClientKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		if err := h.authorize(r, existing); err != nil {
			return err
		}
	}
	if payload.BaseURL == "" || payload.SharedSecret == "" {
		return errors.New("installed event requires baseUrl and sharedSecret")
	}
	inst, err := h.Registry.Install(ctx, payload.ClientKey, payload.BaseURL, payload.SharedSecret)
	if err != nil {
		return err
	}
	logger.Printf("jira installed id=%d host=%s reinstall=%t", inst.ID, inst.JiraHost, existing != nil)
	return nil
}

// uninstall drops the subscriptions owned by the verified installation, then
// its credentials. An unknown client key is a no-op.
func (h *JiraLifecycleHandler) uninstall(r *http.Request, logger *log.Logger, payload LifecyclePayload) error {
	ctx := r.Context()
	inst, err := h.Registry.GetByClientKey(ctx, payload.ClientKey)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Printf("jira uninstall client_key=%s not installed", payload.ClientKey)
		return nil
	}
	if err != nil {
		return err
	}
	if err := h.authorize(r, inst); err != nil {
		return err
	}
	if h.Subscriptions != nil {
		subs, err := h.Subscriptions.ListForClientKey(ctx, inst.ClientKey)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if err := h.Subscriptions.Delete(ctx, sub.GitHubInstallationID, sub.JiraHost); err != nil {
				return err
			}
		}
	}
	if err := h.Registry.Uninstall(ctx, inst.ClientKey); err != nil {
		return err
	}
	logger.Printf("jira uninstalled client_key=%s host=%s", inst.ClientKey, inst.JiraHost)
	return nil
}

func (h *JiraLifecycleHandler) authorize(r *http.Request, inst *storage.Installation) error {
	if h.Verifier == nil {
		return errUnauthorized
	}
	if err := h.Verifier.VerifyRequest(r, inst); err != nil {
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	return nil
}

func (h *JiraLifecycleHandler) logger() *log.Logger {
	if h.Logger == nil {
		return log.Default()
	}
	return h.Logger
}
