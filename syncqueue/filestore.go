package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/offline-cache/backend"
)

const pendingPrefix = "pending"

// ErrNotQueued is returned by Remove for an unknown operation id.
var ErrNotQueued = errors.New("operation not queued")

// FileStore is a PendingStore that keeps one verified record per operation in
// a backend. Keys embed the enqueue time so lexical order is creation order.
type FileStore struct {
	backend backend.Backend
	now     func() time.Time
	logger  *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger *slog.Logger) FileStoreOption {
	return func(fs *FileStore) {
		fs.logger = logger
	}
}

// WithClock sets the time source used for enqueue timestamps.
func WithClock(now func() time.Time) FileStoreOption {
	return func(fs *FileStore) {
		fs.now = now
	}
}

// NewFileStore creates a FileStore over b.
func NewFileStore(b backend.Backend, opts ...FileStoreOption) *FileStore {
	fs := &FileStore{
		backend: b,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// Enqueue durably records payload and returns the new operation.
func (fs *FileStore) Enqueue(ctx context.Context, payload json.RawMessage) (Operation, error) {
	if !json.Valid(payload) {
		return Operation{}, errors.New("payload is not valid JSON")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Keys must sort in enqueue order even when the clock stalls.
	now := fs.now().UTC()
	if !now.After(fs.last) {
		now = fs.last.Add(time.Nanosecond)
	}
	fs.last = now

	op := Operation{
		ID:        uuid.NewString(),
		Payload:   bytes.Clone(payload),
		CreatedAt: now,
	}

	rec := &backend.Record{
		ID:          op.ID,
		CreatedAt:   op.CreatedAt,
		ContentType: "application/json",
		Payload:     op.Payload,
	}
	if err := backend.PutRecord(ctx, fs.backend, pendingKey(op), rec); err != nil {
		return Operation{}, fmt.Errorf("writing operation %s: %w", op.ID, err)
	}
	return op, nil
}

// Pending returns queued operations oldest first. Records that fail to decode
// are logged and skipped so one bad file cannot wedge the queue.
func (fs *FileStore) Pending(ctx context.Context) ([]Operation, error) {
	keys, err := fs.backend.List(ctx, pendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing pending operations: %w", err)
	}

	ops := make([]Operation, 0, len(keys))
	for _, key := range keys {
		op, err := fs.read(ctx, key)
		if errors.Is(err, backend.ErrNotFound) {
			// Removed since List.
			continue
		}
		if err != nil {
			fs.logger.Warn("skipping unreadable pending operation", "key", key, "error", err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Remove deletes the operation with the given id.
func (fs *FileStore) Remove(ctx context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	keys, err := fs.backend.List(ctx, pendingPrefix)
	if err != nil {
		return fmt.Errorf("listing pending operations: %w", err)
	}
	for _, key := range keys {
		if idFromKey(key) == id {
			if err := fs.backend.Delete(ctx, key); err != nil {
				return fmt.Errorf("deleting operation %s: %w", id, err)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotQueued, id)
}

func (fs *FileStore) read(ctx context.Context, key string) (Operation, error) {
	rec, err := backend.GetRecord(ctx, fs.backend, key)
	if err != nil {
		return Operation{}, err
	}
	if id := idFromKey(key); rec.ID != id {
		return Operation{}, fmt.Errorf("record %s holds operation %q", key, rec.ID)
	}
	return Operation{
		ID:        rec.ID,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// pendingKey is pending/<20-digit unix nanos>-<id>.json.
func pendingKey(op Operation) string {
	return fmt.Sprintf("%s/%020d-%s.json", pendingPrefix, op.CreatedAt.UnixNano(), op.ID)
}

func idFromKey(key string) string {
	name := strings.TrimSuffix(path.Base(key), ".json")
	_, id, ok := strings.Cut(name, "-")
	if !ok {
		return ""
	}
	return id
}

var _ PendingStore = (*FileStore)(nil)
