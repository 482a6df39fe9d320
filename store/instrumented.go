package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// Instrumented wraps a CacheStore with metrics recording.
type Instrumented struct {
	store CacheStore
}

// NewInstrumented creates a new instrumented store wrapper.
func NewInstrumented(s CacheStore) *Instrumented {
	return &Instrumented{store: s}
}

func (is *Instrumented) Open(ctx context.Context, name string) (Partition, error) {
	p, err := is.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &instrumentedPartition{partition: p}, nil
}

func (is *Instrumented) Match(ctx context.Context, key Key, opts ...MatchOption) (*Response, error) {
	start := time.Now()
	resp, err := is.store.Match(ctx, key, opts...)
	telemetry.RecordPartitionOp(ctx, "match", outcomeFromError(err), time.Since(start))
	return resp, err
}

func (is *Instrumented) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := is.store.Keys(ctx)
	telemetry.RecordPartitionOp(ctx, "keys", outcomeFromError(err), time.Since(start))
	return names, err
}

func (is *Instrumented) Delete(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	existed, err := is.store.Delete(ctx, name)
	telemetry.RecordPartitionOp(ctx, "delete", outcomeFromError(err), time.Since(start))
	return existed, err
}

func (is *Instrumented) DeleteAllExcept(ctx context.Context, keep ...string) ([]string, error) {
	start := time.Now()
	deleted, err := is.store.DeleteAllExcept(ctx, keep...)
	telemetry.RecordPartitionOp(ctx, "delete_all_except", outcomeFromError(err), time.Since(start))
	telemetry.RecordPartitionsDeleted(ctx, len(deleted))
	return deleted, err
}

func (is *Instrumented) Stats(ctx context.Context) ([]PartitionStats, error) {
	return is.store.Stats(ctx)
}

// Unwrap returns the wrapped store.
func (is *Instrumented) Unwrap() CacheStore {
	return is.store
}

type instrumentedPartition struct {
	partition Partition
}

func (ip *instrumentedPartition) Name() string { return ip.partition.Name() }

func (ip *instrumentedPartition) Put(ctx context.Context, key Key, resp *Response) error {
	start := time.Now()
	err := ip.partition.Put(ctx, key, resp)
	telemetry.RecordPartitionOp(ctx, "put", outcomeFromError(err), time.Since(start))
	return err
}

func (ip *instrumentedPartition) Match(ctx context.Context, key Key) (*Response, error) {
	start := time.Now()
	resp, err := ip.partition.Match(ctx, key)
	telemetry.RecordPartitionOp(ctx, "match", outcomeFromError(err), time.Since(start))
	return resp, err
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// Compile-time interface checks
var (
	_ CacheStore = (*Instrumented)(nil)
	_ Partition  = (*instrumentedPartition)(nil)
)
