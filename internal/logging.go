package internal

import (
	"log"
	"os"
)

func NewLogger(component string) *log.Logger {
	prefix := "gitjira"
	if component != "" {
		prefix = prefix + "/" + component
	}
	return log.New(os.Stdout, prefix+" ", log.LstdFlags|log.Lmicroseconds)
}

// WithRequestID returns a logger that writes through base with the request id
// appended to its prefix.
func WithRequestID(base *log.Logger, requestID string) *log.Logger {
	if base == nil {
		base = log.Default()
	}
	if requestID == "" {
		return base
	}
	return log.New(base.Writer(), base.Prefix()+"request_id="+requestID+" ", base.Flags())
}
