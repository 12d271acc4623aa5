package chatvault

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by store lookups when no row matches.
var ErrNotFound = errors.New("not found")

// ErrValidation reports a bad request shape or out-of-range parameter.
// Callers map it to a 400-equivalent; it is never retried.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ErrUnknownFormat reports an archive that matched no registered extractor.
// Available lists the formats the registry knows about.
type ErrUnknownFormat struct {
	Available []string
}

func (e *ErrUnknownFormat) Error() string {
	return fmt.Sprintf("unknown archive format (available: %v)", e.Available)
}

// ErrHTTP reports a non-2xx response from an embedding API. RetryAfter
// carries the server's Retry-After hint when present, 0 otherwise.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrStore wraps a storage or embedder backend failure. Transient failures
// (timeouts, network blips) are retried with backoff by the job queue;
// permanent ones (schema violations, dangling references) fail immediately.
type ErrStore struct {
	Op        string
	Err       error
	Transient bool
}

func (e *ErrStore) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ErrStore) Unwrap() error { return e.Err }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ErrValidation
	return errors.As(err, &ve)
}

// IsTransient reports whether err should be retried. Backend failures marked
// transient and rate-limit or overload HTTP statuses qualify.
func IsTransient(err error) bool {
	var se *ErrStore
	if errors.As(err, &se) {
		return se.Transient
	}
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status == 503
	}
	return false
}
