// Package kv provides the primitive key/value stores the document layer is built on.
//
// Every backend offers the same four single-key operations and nothing more: there is no
// multi-key atomicity. Keys are listed in lexicographic order, and a key whose TTL has elapsed
// is invisible to Get and List even if the backend has not reclaimed it yet.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the primitive store contract.
type Store interface {
	// Get returns a copy of the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put overwrites the value under key. A ttl of zero stores the key without expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns keys beginning with prefix in ascending order, at most limit when limit > 0.
	List(ctx context.Context, prefix string, limit int) ([]string, error)
}

// Purger is implemented by backends that keep expired entries until reclaimed.
type Purger interface {
	// PurgeExpired deletes up to limit expired entries (all when limit <= 0) and reports how many.
	PurgeExpired(ctx context.Context, limit int) (int, error)
}

// prefixUpperBound returns the smallest string greater than every string carrying prefix,
// or "" when no such bound exists.
func prefixUpperBound(prefix string) string {
	bound := []byte(prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return string(bound[:i+1])
		}
	}
	return ""
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func isExpired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
