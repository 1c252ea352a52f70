package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketEntries         = []byte("entries")           // key -> [8-byte expiry][value]
	bucketEntriesByExpiry = []byte("entries_by_expiry") // [8-byte expiry][key] -> key
)

const expiryHeaderSize = 8

// BoltStore implements Store on a local bbolt file.
// Expiry is enforced on read and reclaimed by PurgeExpired.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
	clock  func() time.Time
	noSync bool
}

// BoltStoreOption configures a BoltStore.
type BoltStoreOption func(*BoltStore)

// WithBoltLogger sets the logger.
func WithBoltLogger(logger *zap.Logger) BoltStoreOption {
	return func(b *BoltStore) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBoltClock sets the time source used for TTL evaluation.
func WithBoltClock(clock func() time.Time) BoltStoreOption {
	return func(b *BoltStore) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithBoltNoSync disables fsync per transaction. Only for tests.
func WithBoltNoSync(noSync bool) BoltStoreOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// OpenBoltStore opens (creating if needed) the bbolt file at path.
func OpenBoltStore(path string, opts ...BoltStoreOption) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt store path is required")
	}
	b := &BoltStore{
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketEntriesByExpiry} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	b.logger.Debug("opened bolt store", zap.String("path", path), zap.Bool("no_sync", b.noSync))
	return b, nil
}

// Close releases the underlying file.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil || len(raw) < expiryHeaderSize {
			return ErrNotFound
		}
		if isExpired(decodeExpiry(raw[:expiryHeaderSize]), b.clock()) {
			return ErrNotFound
		}
		value = make([]byte, len(raw)-expiryHeaderSize)
		copy(value, raw[expiryHeaderSize:])
		return nil
	})
	return value, err
}

func (b *BoltStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := expiryFor(b.clock(), ttl)
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if err := b.removeExpiryIndex(tx, key); err != nil {
			return err
		}

		header := encodeExpiry(expiresAt)
		stored := make([]byte, 0, expiryHeaderSize+len(value))
		stored = append(stored, header...)
		stored = append(stored, value...)
		if err := entries.Put([]byte(key), stored); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		if !expiresAt.IsZero() {
			if err := tx.Bucket(bucketEntriesByExpiry).Put(makeExpiryKey(header, key), []byte(key)); err != nil {
				return fmt.Errorf("putting expiry index: %w", err)
			}
		}
		return nil
	})
}

func (b *BoltStore) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := b.removeExpiryIndex(tx, key); err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

func (b *BoltStore) List(_ context.Context, prefix string, limit int) ([]string, error) {
	now := b.clock()
	keys := make([]string, 0)
	prefixBytes := []byte(prefix)

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, v := cursor.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, v = cursor.Next() {
			if len(v) >= expiryHeaderSize && isExpired(decodeExpiry(v[:expiryHeaderSize]), now) {
				continue
			}
			keys = append(keys, string(k))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	return keys, err
}

// PurgeExpired deletes up to limit entries whose expiry has passed and returns how many were removed.
func (b *BoltStore) PurgeExpired(_ context.Context, limit int) (int, error) {
	nowHeader := encodeExpiry(b.clock())
	purged := 0

	err := b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		byExpiry := tx.Bucket(bucketEntriesByExpiry)

		// Collect first: deleting under a live cursor skips neighbours.
		var indexKeys, entryKeys [][]byte
		cursor := byExpiry.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if bytes.Compare(k[:expiryHeaderSize], nowHeader) > 0 {
				break
			}
			indexKeys = append(indexKeys, append([]byte(nil), k...))
			entryKeys = append(entryKeys, append([]byte(nil), v...))
			if limit > 0 && len(indexKeys) >= limit {
				break
			}
		}

		for i := range indexKeys {
			if err := entries.Delete(entryKeys[i]); err != nil {
				return fmt.Errorf("deleting expired entry: %w", err)
			}
			if err := byExpiry.Delete(indexKeys[i]); err != nil {
				return fmt.Errorf("deleting expiry index: %w", err)
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return purged, err
	}
	if purged > 0 {
		b.logger.Debug("purged expired entries", zap.Int("count", purged))
	}
	return purged, nil
}

func (b *BoltStore) removeExpiryIndex(tx *bbolt.Tx, key string) error {
	raw := tx.Bucket(bucketEntries).Get([]byte(key))
	if len(raw) < expiryHeaderSize {
		return nil
	}
	header := raw[:expiryHeaderSize]
	if decodeExpiry(header).IsZero() {
		return nil
	}
	if err := tx.Bucket(bucketEntriesByExpiry).Delete(makeExpiryKey(header, key)); err != nil {
		return fmt.Errorf("deleting expiry index: %w", err)
	}
	return nil
}

// encodeExpiry writes unix nanoseconds big-endian so byte order equals time order.
// The zero time encodes as all zeros and means "never expires".
func encodeExpiry(t time.Time) []byte {
	buf := make([]byte, expiryHeaderSize)
	if t.IsZero() {
		return buf
	}
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano())) //nolint:gosec // post-1970 timestamps only
	return buf
}

func decodeExpiry(b []byte) time.Time {
	ns := binary.BigEndian.Uint64(b)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC() //nolint:gosec // round trip of encodeExpiry
}

func makeExpiryKey(header []byte, key string) []byte {
	result := make([]byte, 0, expiryHeaderSize+len(key))
	result = append(result, header...)
	return append(result, key...)
}
