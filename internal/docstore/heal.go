package docstore

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ResolveHealed follows a unique index entry to its entity. When the entry points at a record
// that no longer exists, the entry is deleted and a NotFound wrapping ErrStaleIndex is returned.
func ResolveHealed[T any](ctx context.Context, logger *zap.Logger, repo *Repository[T], index UniqueIndex, key string) (T, error) {
	var zero T
	id, found, err := index.Resolve(ctx, key)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, NotFound(index.name+".resolve", "unindexed", nil)
	}

	entity, err := repo.Get(ctx, id)
	if !errors.Is(err, ErrNotFound) {
		return entity, err
	}

	if releaseErr := index.ReleaseIfOwned(ctx, key, id); releaseErr != nil {
		loggerOrNop(logger).Warn("stale index cleanup failed",
			zap.String("index_key", key),
			zap.String("id", id),
			zap.Error(releaseErr))
	} else {
		loggerOrNop(logger).Warn("stale index entry healed",
			zap.String("index_key", key),
			zap.String("id", id))
	}
	return zero, NotFound(index.name+".resolve", "stale_index", ErrStaleIndex)
}

// ClaimHealed claims key for id on a unique index. A claim held by another id only conflicts
// when that id's record still exists; a dangling claim is released and taken over.
func ClaimHealed[T any](ctx context.Context, logger *zap.Logger, repo *Repository[T], index UniqueIndex, key, id string) error {
	if err := CheckClaimable(ctx, logger, repo, index, key, id); err != nil {
		return err
	}
	return index.Assign(ctx, key, id, 0)
}

// CheckClaimable reports a Conflict when key is held by a live entity other than id.
// It heals a dangling claim on the way but writes nothing else.
func CheckClaimable[T any](ctx context.Context, logger *zap.Logger, repo *Repository[T], index UniqueIndex, key, id string) error {
	existing, found, err := index.Resolve(ctx, key)
	if err != nil || !found || existing == id {
		return err
	}
	_, err = repo.Get(ctx, existing)
	if err == nil {
		return Conflict(index.name+".claim", "already_claimed", existing)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	loggerOrNop(logger).Warn("stale index entry healed",
		zap.String("index_key", key),
		zap.String("id", existing))
	return index.ReleaseIfOwned(ctx, key, existing)
}

// LoadListed fetches the entities referenced by list entries, preserving entry order. Entries
// whose entity is gone are skipped, logged and removed through remove; a failed removal is
// logged and otherwise ignored so one bad entry never fails the listing.
func LoadListed[T any](ctx context.Context, logger *zap.Logger, repo *Repository[T], entries []ListEntry, remove func(ctx context.Context, entry ListEntry) error) ([]T, error) {
	ids := make([]string, len(entries))
	byID := make(map[string][]ListEntry, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
		byID[entry.ID] = append(byID[entry.ID], entry)
	}

	found, missing, err := repo.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	log := loggerOrNop(logger)
	for _, id := range missing {
		for _, entry := range byID[id] {
			log.Warn("skipping stale list entry",
				zap.String("index_key", entry.Key),
				zap.String("id", id))
			if remove == nil {
				continue
			}
			if err := remove(ctx, entry); err != nil {
				log.Warn("stale list entry cleanup failed",
					zap.String("index_key", entry.Key),
					zap.Error(err))
			}
		}
	}
	return found, nil
}

func loggerOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
