// Package changesets runs changeset applies in the background and caches
// the status of each job so callers can poll it.
package changesets

import (
	"context"
	"time"

	"transitreg/internal/core"
)

// KeyPrefix namespaces apply job statuses in shared caches.
const KeyPrefix = "changeset-apply:"

// DefaultStatusTTL is how long a job status stays cached.
const DefaultStatusTTL = 10 * time.Minute

// CacheKey returns the cache key of a changeset's apply job.
func CacheKey(changesetID string) string {
	return KeyPrefix + changesetID
}

// StatusCache stores apply job statuses with a bounded lifetime.
type StatusCache interface {
	// Reserve stores status only if no entry exists for changesetID and
	// reports whether it did. Exactly one concurrent caller wins.
	Reserve(ctx context.Context, changesetID string, status core.AsyncJobStatus, ttl time.Duration) (bool, error)
	// Get returns the cached status, if any.
	Get(ctx context.Context, changesetID string) (core.AsyncJobStatus, bool, error)
	// Set overwrites the status and restarts its lifetime.
	Set(ctx context.Context, changesetID string, status core.AsyncJobStatus, ttl time.Duration) error
}
