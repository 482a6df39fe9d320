package backend

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// Instrumented wraps a Backend and records a metric for every operation,
// labelled with the backend name (e.g. "outbox").
type Instrumented struct {
	next Backend
	name string
}

// NewInstrumented creates an instrumented wrapper around b.
func NewInstrumented(b Backend, name string) *Instrumented {
	return &Instrumented{next: b, name: name}
}

func (i *Instrumented) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := i.next.Write(ctx, key, cr)
	i.record(ctx, "write", start, err, cr.n)
	return err
}

// Read records the operation when the returned reader is closed, so the
// byte count covers what the caller actually consumed.
func (i *Instrumented) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := i.next.Read(ctx, key)
	if err != nil {
		i.record(ctx, "read", start, err, 0)
		return nil, err
	}
	return &countingReadCloser{
		ReadCloser: rc,
		done: func(n int64) {
			i.record(ctx, "read", start, nil, n)
		},
	}, nil
}

func (i *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.next.Delete(ctx, key)
	i.record(ctx, "delete", start, err, 0)
	return err
}

func (i *Instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := i.next.List(ctx, prefix)
	i.record(ctx, "list", start, err, 0)
	return keys, err
}

// Unwrap returns the wrapped backend.
func (i *Instrumented) Unwrap() Backend {
	return i.next
}

func (i *Instrumented) record(ctx context.Context, op string, start time.Time, err error, n int64) {
	telemetry.RecordBackendOp(ctx, i.name, op, outcomeFromError(err), time.Since(start), n)
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	io.ReadCloser
	n    int64
	done func(n int64)
	once sync.Once
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(func() { c.done(c.n) })
	return err
}

// Compile-time interface checks
var _ Backend = (*Instrumented)(nil)
