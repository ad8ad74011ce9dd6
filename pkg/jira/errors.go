package jira

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrCredentialRejected marks a 401 from the tracker on a real call. It is
// the only signal that justifies retiring an installation.
var ErrCredentialRejected = errors.New("jira: credentials rejected")

// APIError is a non-2xx response from the tracker.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256]
	}
	if body == "" {
		return fmt.Sprintf("jira %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("jira %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Unwrap lets errors.Is(err, ErrCredentialRejected) match 401 responses.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrCredentialRejected
	}
	return nil
}

// IsUnauthorized reports whether err is a 401 from the tracker.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrCredentialRejected)
}

// IsNotFound reports whether err is a 404 from the tracker.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ChunkError is the failure of one issue-key chunk upload.
type ChunkError struct {
	Index     int
	IssueKeys []string
	Err       error
}

// BatchError reports the chunks of a bulk update that failed. Chunks not
// listed were applied; nothing is rolled back.
type BatchError struct {
	Total  int
	Failed []ChunkError
}

func (e *BatchError) Error() string {
	if len(e.Failed) == 1 {
		return fmt.Sprintf("jira bulk update: 1 of %d chunks failed: %v", e.Total, e.Failed[0].Err)
	}
	return fmt.Sprintf("jira bulk update: %d of %d chunks failed: %v", len(e.Failed), e.Total, e.Failed[0].Err)
}

// Unwrap exposes every chunk error to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, failed := range e.Failed {
		out = append(out, failed.Err)
	}
	return out
}

// Partial reports whether at least one chunk succeeded.
func (e *BatchError) Partial() bool {
	return len(e.Failed) < e.Total
}

// IsPartialBatchFailure reports whether err is a bulk update where some
// chunks failed and others were applied.
func IsPartialBatchFailure(err error) bool {
	var batchErr *BatchError
	return errors.As(err, &batchErr) && batchErr.Partial()
}
