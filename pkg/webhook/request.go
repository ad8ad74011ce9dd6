package webhook

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestID returns the caller's X-Request-Id or a new one.
func RequestID(r *http.Request) string {
	if r != nil {
		if id := strings.TrimSpace(r.Header.Get("X-Request-Id")); id != "" {
			return id
		}
	}
	return uuid.NewString()
}
