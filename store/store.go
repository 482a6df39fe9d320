// Package store provides the named cache partitions that hold intercepted
// responses.
package store

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when no stored response matches a key.
var ErrNotFound = errors.New("store: not found")

// Key identifies a stored response: request method plus path and query.
type Key struct {
	Method string
	URL    string
}

// NewKey builds a key, normalising the method to upper case.
func NewKey(method, requestURI string) Key {
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: strings.ToUpper(method), URL: requestURI}
}

// String returns the textual form of the key, e.g. "GET /api/products?page=1".
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey parses the textual form produced by String.
func ParseKey(s string) (Key, bool) {
	method, url, ok := strings.Cut(s, " ")
	if !ok || method == "" || url == "" {
		return Key{}, false
	}
	return Key{Method: method, URL: url}, true
}

// Response is a stored (or storable) HTTP response.
//
// A Response handed to Put belongs to the partition afterwards. Callers that
// keep serving the same response must store a Clone.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	StoredAt time.Time
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Partition is a handle on one named partition.
type Partition interface {
	// Name returns the partition name.
	Name() string

	// Put stores resp under key, overwriting any previous entry.
	// The partition is created on its first Put.
	Put(ctx context.Context, key Key, resp *Response) error

	// Match returns the entry stored under key in this partition only.
	// Returns ErrNotFound if there is none.
	Match(ctx context.Context, key Key) (*Response, error)
}

// CacheStore owns the set of partitions.
// Implementations must be safe for concurrent use.
type CacheStore interface {
	// Open returns a handle for the named partition without creating it.
	Open(ctx context.Context, name string) (Partition, error)

	// Match looks key up in every existing partition, in unspecified order,
	// unless scoped with InPartition. Returns ErrNotFound on a miss.
	Match(ctx context.Context, key Key, opts ...MatchOption) (*Response, error)

	// Keys returns the names of all existing partitions.
	Keys(ctx context.Context) ([]string, error)

	// Delete removes a partition. It reports whether the partition existed.
	Delete(ctx context.Context, name string) (bool, error)

	// DeleteAllExcept removes every partition not named in keep and returns
	// the deleted names.
	DeleteAllExcept(ctx context.Context, keep ...string) ([]string, error)

	// Stats returns per-partition entry counts and sizes.
	Stats(ctx context.Context) ([]PartitionStats, error)
}

// PartitionStats summarises one partition.
type PartitionStats struct {
	Name      string `json:"name"`
	Entries   int    `json:"entries"`
	BodyBytes int64  `json:"body_bytes"`
}

// MatchOptions controls a CacheStore.Match lookup.
type MatchOptions struct {
	Partition string
}

// MatchOption configures a lookup.
type MatchOption func(*MatchOptions)

// InPartition restricts a lookup to a single partition.
func InPartition(name string) MatchOption {
	return func(o *MatchOptions) {
		o.Partition = name
	}
}

// ApplyMatchOptions resolves options for implementations.
func ApplyMatchOptions(opts []MatchOption) MatchOptions {
	var o MatchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DeleteAllExcept is a helper for implementations: it deletes every name
// returned by Keys that is not in keep.
func DeleteAllExcept(ctx context.Context, s CacheStore, keep ...string) ([]string, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}

	var deleted []string
	for _, name := range names {
		if _, ok := keepSet[name]; ok {
			continue
		}
		existed, err := s.Delete(ctx, name)
		if err != nil {
			return deleted, err
		}
		if existed {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}
