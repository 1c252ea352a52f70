// Package docstore layers typed entities and derived secondary indexes over a kv.Store.
//
// Nothing here is transactional. Each operation is a fixed sequence of independent single-key
// writes; a failure part-way leaves earlier writes in place. Dangling index entries are
// repaired when a read trips over them, and missing ones are left for reconciliation.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	"golang.org/x/sync/errgroup"
)

// fanOutLimit bounds concurrent store reads issued by one listing.
const fanOutLimit = 16

// Repository stores one entity kind under "{kind}:{id}" as JSON.
type Repository[T any] struct {
	store kv.Store
	kind  string
}

// NewRepository constructs a repository for kind.
func NewRepository[T any](store kv.Store, kind string) *Repository[T] {
	return &Repository[T]{store: store, kind: kind}
}

// Kind returns the key prefix of this repository.
func (r *Repository[T]) Kind() string {
	return r.kind
}

// Key returns the primary key for id.
func (r *Repository[T]) Key(id string) string {
	return JoinKey(r.kind, id)
}

// Create writes entity under id, overwriting anything already there.
func (r *Repository[T]) Create(ctx context.Context, id string, entity T) error {
	return r.Put(ctx, id, entity, 0)
}

// Put writes entity under id with the given ttl (zero for none).
func (r *Repository[T]) Put(ctx context.Context, id string, entity T, ttl time.Duration) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return Failed(r.kind+".put", "encode_failed", err)
	}
	if err := r.store.Put(ctx, r.Key(id), payload, ttl); err != nil {
		return Failed(r.kind+".put", "store_failed", err)
	}
	return nil
}

// Get loads the entity stored under id.
func (r *Repository[T]) Get(ctx context.Context, id string) (T, error) {
	var entity T
	if strings.TrimSpace(id) == "" {
		return entity, NotFound(r.kind+".get", "empty_id", nil)
	}
	payload, err := r.store.Get(ctx, r.Key(id))
	if errors.Is(err, kv.ErrNotFound) {
		return entity, NotFound(r.kind+".get", "missing", err)
	}
	if err != nil {
		return entity, Failed(r.kind+".get", "store_failed", err)
	}
	if err := json.Unmarshal(payload, &entity); err != nil {
		return entity, Failed(r.kind+".get", "decode_failed", err)
	}
	return entity, nil
}

// Delete removes the primary record. Index entries are the caller's responsibility.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, r.Key(id)); err != nil {
		return Failed(r.kind+".delete", "store_failed", err)
	}
	return nil
}

// IDs lists stored ids in key order, at most limit when limit > 0.
func (r *Repository[T]) IDs(ctx context.Context, limit int) ([]string, error) {
	prefix := r.kind + KeySeparator
	keys, err := r.store.List(ctx, prefix, limit)
	if err != nil {
		return nil, Failed(r.kind+".list", "store_failed", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, prefix))
	}
	return ids, nil
}

// Count returns the number of stored entities.
func (r *Repository[T]) Count(ctx context.Context) (int, error) {
	ids, err := r.IDs(ctx, 0)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// GetMany loads ids concurrently. Found entities keep the order of ids; ids whose record is
// absent are returned in missing. Any other failure aborts the whole call.
func (r *Repository[T]) GetMany(ctx context.Context, ids []string) ([]T, []string, error) {
	results := make([]T, len(ids))
	present := make([]bool, len(ids))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(fanOutLimit)
	for i, id := range ids {
		group.Go(func() error {
			entity, err := r.Get(groupCtx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = entity
			present[i] = true
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	found := make([]T, 0, len(ids))
	var missing []string
	for i, id := range ids {
		if present[i] {
			found = append(found, results[i])
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

// All loads every entity of the kind, skipping records that vanish mid-scan.
func (r *Repository[T]) All(ctx context.Context, limit int) ([]T, error) {
	ids, err := r.IDs(ctx, limit)
	if err != nil {
		return nil, err
	}
	found, _, err := r.GetMany(ctx, ids)
	return found, err
}
