package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultBaseURL = "https://api.github.com"

// AppConfig contains GitHub App authentication settings.
type AppConfig struct {
	AppID          int64
	PrivateKeyPath string
	// PrivateKey holds the PEM directly and wins over PrivateKeyPath.
	PrivateKey string
	BaseURL    string
}

// InstallationIDFromPayload extracts the GitHub App installation ID.
func InstallationIDFromPayload(payload []byte) (int64, bool, error) {
	var raw struct {
		Installation struct {
			ID int64 `json:"id"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return 0, false, err
	}
	if raw.Installation.ID == 0 {
		return 0, false, nil
	}
	return raw.Installation.ID, true, nil
}

type appAuthenticator struct {
	appID    int64
	keyPath  string
	keyPEM   string
	baseURL  string
	client   *http.Client
	now      func() time.Time
	keyOnce  sync.Once
	key      *rsa.PrivateKey
	keyError error
}

func newAppAuthenticator(cfg AppConfig) *appAuthenticator {
	return &appAuthenticator{
		appID:   cfg.AppID,
		keyPath: cfg.PrivateKeyPath,
		keyPEM:  cfg.PrivateKey,
		baseURL: normalizeBaseURL(cfg.BaseURL),
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

func (a *appAuthenticator) installationToken(ctx context.Context, installationID int64) (string, error) {
	token, err := a.jwt()
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("github token exchange failed: %s", strings.TrimSpace(string(body)))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("github installation token missing from response")
	}
	return out.Token, nil
}

// jwt signs the short-lived app token GitHub exchanges for installation tokens.
func (a *appAuthenticator) jwt() (string, error) {
	key, err := a.privateKey()
	if err != nil {
		return "", err
	}
	now := a.now().UTC()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", a.appID),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

func (a *appAuthenticator) privateKey() (*rsa.PrivateKey, error) {
	a.keyOnce.Do(func() {
		keyBytes := []byte(a.keyPEM)
		if len(keyBytes) == 0 {
			if a.keyPath == "" {
				a.keyError = errors.New("github private key is not configured")
				return
			}
			data, err := os.ReadFile(a.keyPath)
			if err != nil {
				a.keyError = err
				return
			}
			keyBytes = data
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)
		if err != nil {
			a.keyError = fmt.Errorf("github private key: %w", err)
			return
		}
		a.key = key
	})
	if a.keyError != nil {
		return nil, a.keyError
	}
	return a.key, nil
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}
