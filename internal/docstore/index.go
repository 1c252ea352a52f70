package docstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	"golang.org/x/sync/errgroup"
)

// UniqueIndex maps an alternate key to exactly one owning id: "{name}:{scope...}" -> id.
type UniqueIndex struct {
	store kv.Store
	name  string
}

// NewUniqueIndex constructs a unique index.
func NewUniqueIndex(store kv.Store, name string) UniqueIndex {
	return UniqueIndex{store: store, name: name}
}

// Key builds the index key for scope values.
func (i UniqueIndex) Key(scope ...string) string {
	return JoinKey(append([]string{i.name}, scope...)...)
}

// Resolve returns the id holding key.
func (i UniqueIndex) Resolve(ctx context.Context, key string) (string, bool, error) {
	value, err := i.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Failed(i.name+".resolve", "store_failed", err)
	}
	return string(value), true, nil
}

// Claim takes key for id. It is a read-then-write, not an atomic claim: two concurrent
// claimants can both observe the key free and both write.
func (i UniqueIndex) Claim(ctx context.Context, key, id string) error {
	existing, found, err := i.Resolve(ctx, key)
	if err != nil {
		return err
	}
	if found && existing != id {
		return Conflict(i.name+".claim", "already_claimed", existing)
	}
	return i.Assign(ctx, key, id, 0)
}

// Assign writes key -> id unconditionally.
func (i UniqueIndex) Assign(ctx context.Context, key, id string, ttl time.Duration) error {
	if err := i.store.Put(ctx, key, []byte(id), ttl); err != nil {
		return Failed(i.name+".assign", "store_failed", err)
	}
	return nil
}

// Release removes key.
func (i UniqueIndex) Release(ctx context.Context, key string) error {
	if err := i.store.Delete(ctx, key); err != nil {
		return Failed(i.name+".release", "store_failed", err)
	}
	return nil
}

// ReleaseIfOwned removes key only when it still points at id.
func (i UniqueIndex) ReleaseIfOwned(ctx context.Context, key, id string) error {
	existing, found, err := i.Resolve(ctx, key)
	if err != nil || !found || existing != id {
		return err
	}
	return i.Release(ctx, key)
}

// ListEntry is one member of a list index.
type ListEntry struct {
	Key string
	ID  string
}

// ListIndex records membership of ids under a parent: "{name}:{parent}[:{sortKey}]:{id}" -> id.
// The id is always the final key segment, so scans need no value reads.
type ListIndex struct {
	store kv.Store
	name  string
}

// NewListIndex constructs a list index.
func NewListIndex(store kv.Store, name string) ListIndex {
	return ListIndex{store: store, name: name}
}

func (i ListIndex) prefix(parent string) string {
	return JoinKey(i.name, parent) + KeySeparator
}

// MemberKey returns the key recording id under parent.
func (i ListIndex) MemberKey(parent, id string) string {
	return JoinKey(i.name, parent, id)
}

// SortedMemberKey returns the key recording id under parent at sortKey.
func (i ListIndex) SortedMemberKey(parent, sortKey, id string) string {
	return JoinKey(i.name, parent, sortKey, id)
}

// Add records id under parent.
func (i ListIndex) Add(ctx context.Context, parent, id string, ttl time.Duration) error {
	return i.put(ctx, i.MemberKey(parent, id), id, ttl)
}

// AddSorted records id under parent so that scans order it by sortKey.
func (i ListIndex) AddSorted(ctx context.Context, parent, sortKey, id string, ttl time.Duration) error {
	return i.put(ctx, i.SortedMemberKey(parent, sortKey, id), id, ttl)
}

func (i ListIndex) put(ctx context.Context, key, id string, ttl time.Duration) error {
	if err := i.store.Put(ctx, key, []byte(id), ttl); err != nil {
		return Failed(i.name+".add", "store_failed", err)
	}
	return nil
}

// Remove drops id from parent.
func (i ListIndex) Remove(ctx context.Context, parent, id string) error {
	return i.RemoveKey(ctx, i.MemberKey(parent, id))
}

// RemoveSorted drops the sorted membership of id.
func (i ListIndex) RemoveSorted(ctx context.Context, parent, sortKey, id string) error {
	return i.RemoveKey(ctx, i.SortedMemberKey(parent, sortKey, id))
}

// RemoveKey drops an entry by its full key, as returned in a ListEntry.
func (i ListIndex) RemoveKey(ctx context.Context, key string) error {
	if err := i.store.Delete(ctx, key); err != nil {
		return Failed(i.name+".remove", "store_failed", err)
	}
	return nil
}

// Scan lists members of parent in store order (key order), at most limit when limit > 0.
func (i ListIndex) Scan(ctx context.Context, parent string, limit int) ([]ListEntry, error) {
	keys, err := i.store.List(ctx, i.prefix(parent), limit)
	if err != nil {
		return nil, Failed(i.name+".scan", "store_failed", err)
	}
	entries := make([]ListEntry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, ListEntry{Key: key, ID: lastSegment(key)})
	}
	return entries, nil
}

// Count returns the number of members under parent.
func (i ListIndex) Count(ctx context.Context, parent string) (int, error) {
	entries, err := i.Scan(ctx, parent, 0)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// OrderedIndex records positions of ids under a parent: "{name}:{parent}:{%06d}" -> id.
type OrderedIndex struct {
	store kv.Store
	name  string
}

// NewOrderedIndex constructs an ordered index.
func NewOrderedIndex(store kv.Store, name string) OrderedIndex {
	return OrderedIndex{store: store, name: name}
}

// PositionKey returns the key for position under parent.
func (i OrderedIndex) PositionKey(parent string, position int) string {
	return JoinKey(i.name, parent, EncodePosition(position))
}

// Set writes position -> id.
func (i OrderedIndex) Set(ctx context.Context, parent string, position int, id string) error {
	if err := i.store.Put(ctx, i.PositionKey(parent, position), []byte(id), 0); err != nil {
		return Failed(i.name+".set", "store_failed", err)
	}
	return nil
}

// Unset removes position.
func (i OrderedIndex) Unset(ctx context.Context, parent string, position int) error {
	if err := i.store.Delete(ctx, i.PositionKey(parent, position)); err != nil {
		return Failed(i.name+".unset", "store_failed", err)
	}
	return nil
}

// Resolve returns the id at position.
func (i OrderedIndex) Resolve(ctx context.Context, parent string, position int) (string, bool, error) {
	value, err := i.store.Get(ctx, i.PositionKey(parent, position))
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Failed(i.name+".resolve", "store_failed", err)
	}
	return string(value), true, nil
}

// Scan returns ids in ascending position order. An empty sequence yields an empty slice.
func (i OrderedIndex) Scan(ctx context.Context, parent string, limit int) ([]string, error) {
	prefix := JoinKey(i.name, parent) + KeySeparator
	keys, err := i.store.List(ctx, prefix, limit)
	if err != nil {
		return nil, Failed(i.name+".scan", "store_failed", err)
	}

	ids := make([]string, len(keys))
	found := make([]bool, len(keys))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(fanOutLimit)
	for n, key := range keys {
		if _, err := DecodePosition(strings.TrimPrefix(key, prefix)); err != nil {
			continue
		}
		group.Go(func() error {
			value, err := i.store.Get(groupCtx, key)
			if errors.Is(err, kv.ErrNotFound) {
				return nil
			}
			if err != nil {
				return Failed(i.name+".scan", "store_failed", err)
			}
			ids[n] = string(value)
			found[n] = true
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	ordered := make([]string, 0, len(keys))
	for n := range keys {
		if found[n] {
			ordered = append(ordered, ids[n])
		}
	}
	return ordered, nil
}
