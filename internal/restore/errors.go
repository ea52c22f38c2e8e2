package restore

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrConflict           = errors.New("etag conflict")
	ErrIdentityUnresolved = errors.New("identity unresolved")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrInvalidPayload     = errors.New("invalid export payload")
	ErrInvalidInput       = errors.New("invalid input")
	ErrMissingETag        = errors.New("missing etag")
	ErrNotImplemented     = errors.New("not implemented")
)

// APIError is a non-2xx response from the target API that was not recovered
// by the executor. Code and Message come from the Graph-style error body when
// one was present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
}

// ConflictError reports a stale-ETag rejection of an update. The guard never
// retries these; the caller decides whether a fresh read-modify-write is safe.
type ConflictError struct {
	Path string
	ETag string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "etag conflict"
	}
	return fmt.Sprintf("etag conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type failureClass int

const (
	classTransient failureClass = iota
	classRateLimited
	classPermanent
)

func (c failureClass) String() string {
	switch c {
	case classRateLimited:
		return "rate-limited"
	case classPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// classifyStatus buckets a non-2xx status code. 408 is a server-side request
// timeout and is retried like any other transient failure.
func classifyStatus(status int) failureClass {
	switch {
	case status == http.StatusTooManyRequests:
		return classRateLimited
	case status == http.StatusRequestTimeout:
		return classTransient
	case status >= 500:
		return classTransient
	case status >= 400:
		return classPermanent
	default:
		return classTransient
	}
}

// statusOf extracts the HTTP status from an error chain, 0 when the failure
// carried no structured status (DNS errors, connection resets and the like).
func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func messageOf(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
