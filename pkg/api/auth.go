package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/jira"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
	"github.com/AYCHIT/Aych.Gitjira/pkg/webhook"
)

// contextQSH is the qsh value Jira uses for tokens minted in the browser.
const contextQSH = "context-qsh"

// CredentialLookup resolves the enabled installation for a host.
type CredentialLookup interface {
	GetByHost(ctx context.Context, host string) (*storage.Installation, error)
}

type installationKey struct{}

// InstallationFromContext returns the installation a request was verified against.
func InstallationFromContext(ctx context.Context) (*storage.Installation, bool) {
	inst, ok := ctx.Value(installationKey{}).(*storage.Installation)
	return inst, ok && inst != nil
}

// JWTVerifier authenticates requests signed by a connected Jira host.
type JWTVerifier struct {
	Installations CredentialLookup
	Logger        *log.Logger
	Leeway        time.Duration
	Now           func() time.Time
	MaxBody       int64
}

// Require rejects requests without a valid Jira JWT. The host comes from the
// xdm_e query parameter or the jiraHost/baseUrl body field; the token from the
// jwt query parameter, the token body field or an "Authorization: JWT" header.
// An unknown host is a 404 and a bad token a 401.
func (v *JWTVerifier) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := webhook.RequestID(r)
		w.Header().Set("X-Request-Id", reqID)
		logger := internal.WithRequestID(v.logger(), reqID)

		fields, err := v.bodyFields(w, r)
		if err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		host := strings.TrimSpace(r.URL.Query().Get("xdm_e"))
		if host == "" {
			host = fields.JiraHost
		}
		if host == "" {
			host = fields.BaseURL
		}
		host = strings.TrimRight(strings.TrimSpace(host), "/")
		if host == "" {
			http.Error(w, "missing jira host", http.StatusBadRequest)
			return
		}

		inst, err := v.Installations.GetByHost(r.Context(), host)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "jira host not connected", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Printf("credential lookup host=%s failed: %v", host, err)
			http.Error(w, "credential lookup failed", http.StatusInternalServerError)
			return
		}

		token := tokenFromRequest(r, fields.Token)
		if err := v.verify(r, token, inst); err != nil {
			logger.Printf("jwt rejected host=%s: %v", host, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), installationKey{}, inst)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (v *JWTVerifier) verify(r *http.Request, token string, inst *storage.Installation) error {
	if token == "" {
		return errors.New("missing token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.Leeway))
	}
	if v.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.Now))
	}
	claims := &jira.ConnectClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(inst.SharedSecret), nil
	}, opts...)
	if err != nil {
		return err
	}
	if claims.Issuer != inst.ClientKey {
		return errors.New("issuer does not match installation")
	}
	if claims.QSH == "" {
		return errors.New("missing query string hash")
	}
	if claims.QSH != contextQSH && claims.QSH != jira.QueryStringHash(r.Method, r.URL.Path, r.URL.Query()) {
		return errors.New("query string hash mismatch")
	}
	return nil
}

// VerifyRequest checks the JWT on r against inst. It reads the token from the
// jwt query parameter or the Authorization header, never from the body.
func (v *JWTVerifier) VerifyRequest(r *http.Request, inst *storage.Installation) error {
	return v.verify(r, tokenFromRequest(r, ""), inst)
}

type authFields struct {
	JiraHost string `json:"jiraHost"`
	BaseURL  string `json:"baseUrl"`
	Token    string `json:"token"`
}

// bodyFields reads the auth fields of a JSON body and restores the body.
func (v *JWTVerifier) bodyFields(w http.ResponseWriter, r *http.Request) (authFields, error) {
	var fields authFields
	if r.Body == nil || r.Body == http.NoBody {
		return fields, nil
	}
	if v.MaxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, v.MaxBody)
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return fields, err
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(bytes.TrimSpace(raw)) == 0 {
		return fields, nil
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return fields, nil
	}
	err = json.Unmarshal(raw, &fields)
	return fields, err
}

func tokenFromRequest(r *http.Request, bodyToken string) string {
	if token := r.URL.Query().Get("jwt"); token != "" {
		return token
	}
	if bodyToken != "" {
		return bodyToken
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "JWT ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "JWT "))
	}
	return ""
}

func (v *JWTVerifier) logger() *log.Logger {
	if v.Logger == nil {
		return log.Default()
	}
	return v.Logger
}
