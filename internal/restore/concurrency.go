package restore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// BuildUpdateFunc turns the freshly-read resource into an update payload.
// Returning a nil body skips the update entirely; empty payloads are never
// sent to the API.
type BuildUpdateFunc func(current Result) (body any, err error)

// ConcurrencyGuard performs read-modify-write updates against ETag-versioned
// resources. Each update fetches a fresh token immediately before the write;
// tokens are never reused across attempts. A stale-token rejection surfaces
// as *ConflictError without any automatic retry, since a blind retry could
// clobber a concurrent external edit.
type ConcurrencyGuard struct {
	executor *Executor
}

func NewConcurrencyGuard(executor *Executor) *ConcurrencyGuard {
	return &ConcurrencyGuard{executor: executor}
}

// Update reads the resource at path, builds the update payload and submits a
// PATCH with the current ETag as If-Match precondition.
func (g *ConcurrencyGuard) Update(ctx context.Context, path string, build BuildUpdateFunc) (Result, error) {
	if g == nil || g.executor == nil {
		return Result{}, fmt.Errorf("%w: concurrency guard requires an executor", ErrInvalidInput)
	}
	if build == nil {
		return Result{}, fmt.Errorf("%w: update builder is required", ErrInvalidInput)
	}

	current, err := g.executor.Do(ctx, Operation{Method: http.MethodGet, Path: path})
	if err != nil {
		return Result{}, fmt.Errorf("reading %s before update: %w", path, err)
	}
	etag := current.ETag()
	if etag == "" {
		return Result{}, fmt.Errorf("%w: %s returned no version token", ErrMissingETag, path)
	}

	body, err := build(current)
	if err != nil {
		return Result{}, err
	}
	if body == nil {
		return current, nil
	}

	result, err := g.executor.Do(ctx, Operation{
		Method:  http.MethodPatch,
		Path:    path,
		Body:    body,
		Headers: map[string]string{"If-Match": etag},
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusConflict || apiErr.StatusCode == http.StatusPreconditionFailed) {
			return Result{}, &ConflictError{Path: path, ETag: etag}
		}
		return Result{}, err
	}
	return result, nil
}
