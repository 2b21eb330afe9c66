package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrNotConfigured is returned when no broker URL is present.
	ErrNotConfigured = errors.New("rabbitmq: broker not configured")
	// ErrNotConnected is returned when no channel is open.
	ErrNotConnected = errors.New("rabbitmq: not connected")
	// ErrTransportUnavailable is returned by a dialer that cannot provide
	// a broker transport at all. Treated like configuration-absent.
	ErrTransportUnavailable = errors.New("rabbitmq: broker transport unavailable")
	// ErrMaxRetriesExceeded is returned after exhausting connect attempts.
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum connect attempts exceeded")
)

// ConnectionError carries context about a failed connection operation.
type ConnectionError struct {
	Op        string
	URL       string // sanitized
	Err       error
	Attempts  int
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SanitizeURL strips credentials from a broker URL for logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
