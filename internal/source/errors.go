package source

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/user/wallbot/internal/storage"
)

// StatusError means the site answered with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// FatalError aborts the current crawl cycle: bad credentials, exhausted quota or a
// listing the site refuses to serve. The next cycle starts fresh.
type FatalError struct {
	Source storage.Source
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Source, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// TransientError is a network failure, timeout or 5xx that survived every retry.
type TransientError struct {
	Source   storage.Source
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Source, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrMalformed marks a record or page body that could not be mapped.
var ErrMalformed = errors.New("malformed record")

// IsFatal reports whether err should abort the crawl cycle rather than skip a record.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// fatalStatus reports whether a status code means auth or quota trouble.
func fatalStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusTooManyRequests
}
