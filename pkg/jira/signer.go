package jira

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer authenticates an outbound tracker request.
type Signer interface {
	Sign(req *http.Request) error
}

// ConnectSigner signs requests with an Atlassian Connect JWT: HS256 over the
// installation's shared secret with a query string hash bound to the request.
type ConnectSigner struct {
	Issuer string
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

// NewConnectSigner returns a signer for the app key and shared secret.
func NewConnectSigner(issuer, secret string) *ConnectSigner {
	return &ConnectSigner{Issuer: issuer, Secret: secret, TTL: 3 * time.Minute}
}

// ConnectClaims are the claims of an Atlassian Connect JWT.
type ConnectClaims struct {
	QSH string `json:"qsh"`
	jwt.RegisteredClaims
}

func (s *ConnectSigner) Sign(req *http.Request) error {
	if s == nil || s.Secret == "" {
		return errors.New("jira signer has no shared secret")
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	claims := ConnectClaims{
		QSH: QueryStringHash(req.Method, req.URL.Path, req.URL.Query()),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "JWT "+token)
	return nil
}

// QueryStringHash is the hex SHA-256 of the canonical request.
func QueryStringHash(method, path string, query url.Values) string {
	sum := sha256.Sum256([]byte(CanonicalRequest(method, path, query)))
	return hex.EncodeToString(sum[:])
}

// CanonicalRequest renders METHOD&path&query as Atlassian Connect expects:
// the jwt parameter is dropped, keys are sorted and repeated values joined
// with commas.
func CanonicalRequest(method, path string, query url.Values) string {
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	path = strings.ReplaceAll(path, "&", "%26")

	keys := make([]string, 0, len(query))
	for key := range query {
		if key == "jwt" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		values := append([]string(nil), query[key]...)
		sort.Strings(values)
		encoded := make([]string, 0, len(values))
		for _, value := range values {
			encoded = append(encoded, percentEncode(value))
		}
		parts = append(parts, percentEncode(key)+"="+strings.Join(encoded, ","))
	}
	return strings.ToUpper(method) + "&" + path + "&" + strings.Join(parts, "&")
}

func percentEncode(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}
