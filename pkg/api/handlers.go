package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
	"github.com/AYCHIT/Aych.Gitjira/pkg/webhook"
)

// SyncController is the subscription lifecycle the handlers drive.
type SyncController interface {
	Install(ctx context.Context, installationID int64, host, clientKey string) (*storage.Subscription, error)
	Uninstall(ctx context.Context, installationID int64, host string) error
	Resync(ctx context.Context, installationID int64, host, syncType string) (*storage.Subscription, error)
}

type subscriptionRequest struct {
	InstallationID int64  `json:"installationId"`
	SyncType       string `json:"syncType"`
}

type subscriptionResponse struct {
	GitHubInstallationID int64              `json:"gitHubInstallationId"`
	JiraHost             string             `json:"jiraHost"`
	SyncStatus           storage.SyncStatus `json:"syncStatus"`
}

// ConfigurationHandler connects (POST) or disconnects (DELETE) a GitHub
// installation for the verified Jira host.
type ConfigurationHandler struct {
	Controller SyncController
	Logger     *log.Logger
}

func (h *ConfigurationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.IncRequest("jira_configuration")
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inst, body, ok := decodeSubscriptionRequest(w, r)
	if !ok {
		return
	}
	logger := internal.WithRequestID(loggerOrDefault(h.Logger), w.Header().Get("X-Request-Id"))

	if r.Method == http.MethodDelete {
		if err := h.Controller.Uninstall(r.Context(), body.InstallationID, inst.JiraHost); err != nil {
			logger.Printf("remove subscription installation=%d failed: %v", body.InstallationID, err)
			http.Error(w, "remove subscription failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sub, err := h.Controller.Install(r.Context(), body.InstallationID, inst.JiraHost, inst.ClientKey)
	if err != nil {
		logger.Printf("add subscription installation=%d failed: %v", body.InstallationID, err)
		http.Error(w, "add subscription failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sub))
}

// SyncHandler restarts or resumes the sync of an existing subscription.
type SyncHandler struct {
	Controller SyncController
	Logger     *log.Logger
}

func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.IncRequest("jira_sync")
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inst, body, ok := decodeSubscriptionRequest(w, r)
	if !ok {
		return
	}
	logger := internal.WithRequestID(loggerOrDefault(h.Logger), w.Header().Get("X-Request-Id"))

	sub, err := h.Controller.Resync(r.Context(), body.InstallationID, inst.JiraHost, body.SyncType)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Printf("resync installation=%d failed: %v", body.InstallationID, err)
		http.Error(w, "resync failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(sub))
}

func decodeSubscriptionRequest(w http.ResponseWriter, r *http.Request) (*storage.Installation, subscriptionRequest, bool) {
	var body subscriptionRequest
	inst, ok := InstallationFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, body, false
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		internal.IncParseError("jira_api")
		http.Error(w, "invalid body", http.StatusBadRequest)
		return nil, body, false
	}
	if body.InstallationID <= 0 {
		http.Error(w, "missing installationId", http.StatusBadRequest)
		return nil, body, false
	}
	return inst, body, true
}

func toResponse(sub *storage.Subscription) subscriptionResponse {
	return subscriptionResponse{
		GitHubInstallationID: sub.GitHubInstallationID,
		JiraHost:             sub.JiraHost,
		SyncStatus:           sub.SyncStatus,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggerOrDefault(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.Default()
	}
	return logger
}

// Routes mounts the authenticated Jira endpoints on mux.
func Routes(mux *http.ServeMux, verifier *JWTVerifier, controller SyncController, logger *log.Logger) {
	mux.Handle("/jira/configuration", verifier.Require(&ConfigurationHandler{Controller: controller, Logger: logger}))
	mux.Handle("/jira/sync", verifier.Require(&SyncHandler{Controller: controller, Logger: logger}))
}

// LifecycleRoutes mounts the Connect lifecycle hooks. The handler checks
// signatures itself against the record of the posted client key.
func LifecycleRoutes(mux *http.ServeMux, lifecycle *webhook.JiraLifecycleHandler) {
	mux.Handle("/jira/events/installed", lifecycle.Installed())
	mux.Handle("/jira/events/uninstalled", lifecycle.Uninstalled())
}
