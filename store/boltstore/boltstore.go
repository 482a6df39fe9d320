// Package boltstore implements a durable store.CacheStore on bbolt.
//
// Each partition is a top-level bucket named "partition:<name>". Entries are
// keyed by store.Key.String and hold a protobuf wire-format record with the
// status, headers and body. Bodies are zstd-compressed when that helps and
// carry a BLAKE3 digest that is verified on every read.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/offline-cache/store"
)

var partitionPrefix = []byte("partition:")

// ErrClosed is returned by operations on a Store after Close.
var ErrClosed = errors.New("partition store closed")

func bucketName(partition string) []byte {
	return append(append([]byte(nil), partitionPrefix...), partition...)
}

func partitionName(bucket []byte) (string, bool) {
	if !bytes.HasPrefix(bucket, partitionPrefix) {
		return "", false
	}
	return string(bucket[len(partitionPrefix):]), true
}

// Store implements store.CacheStore using bbolt.
type Store struct {
	// closeMu is held for reading by every operation, so Close waits for
	// them and operations after Close fail with ErrClosed.
	closeMu sync.RWMutex
	closed  bool

	db      *bbolt.DB
	codec   *codec
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool // disables fsync per transaction (for testing only)
	maxBody int64
}

// Option configures a Store instance.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function used to stamp entries without a StoredAt.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// WithMaxBodySize caps the size of stored bodies.
func WithMaxBodySize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger:  slog.Default(),
		now:     time.Now,
		maxBody: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	c, err := newCodec(s.maxBody)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating entry codec: %w", err)
	}

	s.db = db
	s.codec = c
	s.logger.Debug("opened partition store", "path", path, "noSync", s.noSync)
	return s, nil
}

// Close closes the database and releases resources.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closed = true

	if s.codec != nil {
		s.codec.close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing partition store")
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) acquire() (func(), error) {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil, ErrClosed
	}
	return s.closeMu.RUnlock, nil
}

// DB returns the underlying bbolt database.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Open implements store.CacheStore. The bucket is created on first Put.
func (s *Store) Open(_ context.Context, name string) (store.Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("partition name is required")
	}
	return &partition{store: s, name: name}, nil
}

// Match implements store.CacheStore. Partitions are searched in bucket order.
func (s *Store) Match(_ context.Context, key store.Key, opts ...store.MatchOption) (*store.Response, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	o := store.ApplyMatchOptions(opts)
	k := []byte(key.String())

	var raw []byte
	err = s.db.View(func(tx *bbolt.Tx) error {
		if o.Partition != "" {
			b := tx.Bucket(bucketName(o.Partition))
			if b == nil {
				return store.ErrNotFound
			}
			raw = copyValue(b.Get(k))
			return nil
		}

		c := tx.Cursor()
		for name, _ := c.Seek(partitionPrefix); name != nil && bytes.HasPrefix(name, partitionPrefix); name, _ = c.Next() {
			b := tx.Bucket(name)
			if b == nil {
				continue
			}
			if v := b.Get(k); v != nil {
				raw = copyValue(v)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}

	return s.decode(raw)
}

func (s *Store) decode(raw []byte) (*store.Response, error) {
	e, err := unmarshalEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling entry: %w", err)
	}
	resp, err := s.codec.decode(e)
	if err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", e.url, err)
	}
	return resp, nil
}

// Keys implements store.CacheStore.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	var names []string
	err = s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(bucket []byte, _ *bbolt.Bucket) error {
			if name, ok := partitionName(bucket); ok {
				names = append(names, name)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}
	return names, nil
}

// Delete implements store.CacheStore.
func (s *Store) Delete(_ context.Context, name string) (bool, error) {
	release, err := s.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	var existed bool
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := bucketName(name)
		if tx.Bucket(bucket) == nil {
			return nil
		}
		existed = true
		return tx.DeleteBucket(bucket)
	})
	if err != nil {
		return false, fmt.Errorf("deleting partition %s: %w", name, err)
	}
	if existed {
		s.logger.Debug("deleted partition", "partition", name)
	}
	return existed, nil
}

// DeleteAllExcept implements store.CacheStore. All deletions happen in one
// transaction.
func (s *Store) DeleteAllExcept(_ context.Context, keep ...string) ([]string, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}

	var deleted []string
	err = s.db.Update(func(tx *bbolt.Tx) error {
		var stale []string
		err := tx.ForEach(func(bucket []byte, _ *bbolt.Bucket) error {
			name, ok := partitionName(bucket)
			if !ok {
				return nil
			}
			if _, ok := keepSet[name]; !ok {
				stale = append(stale, name)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range stale {
			if err := tx.DeleteBucket(bucketName(name)); err != nil {
				return fmt.Errorf("deleting partition %s: %w", name, err)
			}
		}
		deleted = stale
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(deleted) > 0 {
		s.logger.Info("deleted stale partitions", "partitions", deleted)
	}
	return deleted, nil
}

// Stats implements store.CacheStore. BodyBytes counts uncompressed bytes.
func (s *Store) Stats(_ context.Context) ([]store.PartitionStats, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	var stats []store.PartitionStats
	err = s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(bucket []byte, b *bbolt.Bucket) error {
			name, ok := partitionName(bucket)
			if !ok {
				return nil
			}
			ps := store.PartitionStats{Name: name}
			err := b.ForEach(func(_, v []byte) error {
				size, err := entrySize(v)
				if err != nil {
					return err
				}
				ps.Entries++
				ps.BodyBytes += int64(size) //nolint:gosec // bounded by maxBody
				return nil
			})
			if err != nil {
				return fmt.Errorf("scanning partition %s: %w", name, err)
			}
			stats = append(stats, ps)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) put(partition string, key store.Key, resp *store.Response) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if resp.StoredAt.IsZero() {
		resp.StoredAt = s.now()
	}

	e, err := s.codec.encode(resp)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", key, err)
	}
	raw := marshalEntry(e)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(partition))
		if err != nil {
			return fmt.Errorf("creating partition %s: %w", partition, err)
		}
		if err := b.Put([]byte(key.String()), raw); err != nil {
			return fmt.Errorf("putting entry %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) get(partition string, key store.Key) (*store.Response, error) {
	return s.Match(context.Background(), key, store.InPartition(partition))
}

// copyValue copies a bbolt value, which is only valid inside its transaction.
func copyValue(v []byte) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// partition is a handle on one named bucket.
type partition struct {
	store *Store
	name  string
}

func (p *partition) Name() string { return p.name }

func (p *partition) Put(_ context.Context, key store.Key, resp *store.Response) error {
	return p.store.put(p.name, key, resp)
}

func (p *partition) Match(_ context.Context, key store.Key) (*store.Response, error) {
	return p.store.get(p.name, key)
}

// Compile-time interface checks
var (
	_ store.CacheStore = (*Store)(nil)
	_ store.Partition  = (*partition)(nil)
)
