// Package syncqueue replays writes that were deferred while the page was
// offline.
//
// Pending operations live in a durable PendingStore. When connectivity
// returns, a sync event drains the queue: each operation is posted to the sync
// endpoint in store order and removed once the origin accepts it. A failed
// replay stays queued for the next sync event and never blocks the rest of
// the batch.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// DefaultTag is the sync tag that triggers a drain.
	DefaultTag = "cart-sync"

	// DefaultEndpoint is where pending operations are replayed.
	DefaultEndpoint = "/api/cart/sync"
)

// ErrReplay wraps a failed replay of a single operation.
var ErrReplay = errors.New("replay failed")

// Operation is a write recorded while offline.
type Operation struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PendingStore is the durable list of operations awaiting replay.
type PendingStore interface {
	// Pending returns every queued operation in durable order.
	Pending(ctx context.Context) ([]Operation, error)

	// Remove deletes the operation with the given id.
	Remove(ctx context.Context, id string) error
}

// Poster sends a JSON body to an origin path.
type Poster interface {
	PostJSON(ctx context.Context, path string, body []byte) (*store.Response, error)
}

// Report summarises one drain.
type Report struct {
	Attempted int `json:"attempted"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
}

// Queue drains a PendingStore against the sync endpoint.
type Queue struct {
	drainMu  sync.Mutex // one drain at a time
	pending  PendingStore
	poster   Poster
	tag      string
	endpoint string
	logger   *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithTag sets the sync tag the queue answers to.
func WithTag(tag string) Option {
	return func(q *Queue) {
		if tag != "" {
			q.tag = tag
		}
	}
}

// WithEndpoint sets the origin path operations are replayed to.
func WithEndpoint(endpoint string) Option {
	return func(q *Queue) {
		if endpoint != "" {
			q.endpoint = endpoint
		}
	}
}

// New creates a Queue.
func New(pending PendingStore, poster Poster, opts ...Option) *Queue {
	q := &Queue{
		pending:  pending,
		poster:   poster,
		tag:      DefaultTag,
		endpoint: DefaultEndpoint,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Tag returns the sync tag that triggers this queue.
func (q *Queue) Tag() string {
	return q.tag
}

// Drain replays every pending operation once, in store order. Only a failure
// to read the pending list is returned; per-operation failures are logged,
// counted and left queued.
//
// Drains are serialised. A drain that starts while another is running waits
// for it and then sees only what is still queued, so an operation is never
// posted twice by overlapping sync events.
func (q *Queue) Drain(ctx context.Context) (Report, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	ops, err := q.pending.Pending(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reading pending operations: %w", err)
	}

	var report Report
	for _, op := range ops {
		report.Attempted++
		if err := q.replay(ctx, op); err != nil {
			report.Failed++
			telemetry.RecordSyncReplay(ctx, q.tag, "failed")
			q.logger.Error("sync replay failed", "id", op.ID, "tag", q.tag, "error", err)
			continue
		}
		report.Replayed++
		telemetry.RecordSyncReplay(ctx, q.tag, "replayed")
	}

	q.logger.Info("sync drained", "tag", q.tag,
		"attempted", report.Attempted, "replayed", report.Replayed, "failed", report.Failed)
	return report, nil
}

func (q *Queue) replay(ctx context.Context, op Operation) error {
	body := []byte(op.Payload)
	if len(body) == 0 {
		body = []byte("null")
	}

	resp, err := q.poster.PostJSON(ctx, q.endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrReplay, op.ID, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s: unexpected status %d", ErrReplay, op.ID, resp.Status)
	}

	// The origin has the write; a failed removal means it may be replayed
	// again on the next sync.
	if err := q.pending.Remove(ctx, op.ID); err != nil {
		return fmt.Errorf("removing %s: %w", op.ID, err)
	}
	return nil
}
