// Package download coalesces concurrent origin fetches. While a GET for a
// resource is in flight, further GETs for the same resource wait for it
// instead of making their own round trip.
package download

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/store"
)

// Fetcher is the network capability being coalesced.
type Fetcher interface {
	Fetch(ctx context.Context, req *intercept.Request) (*store.Response, error)
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithLogger sets the logger for the coalescer.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coalescer) {
		c.logger = logger
	}
}

// Coalescer is a Fetcher that shares in-flight GET fetches between callers.
type Coalescer struct {
	next   Fetcher
	group  singleflight.Group
	logger *slog.Logger
}

// NewCoalescer wraps next.
func NewCoalescer(next Fetcher, opts ...Option) *Coalescer {
	c := &Coalescer{next: next, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch forwards non-GET requests untouched, as well as GETs that carry a
// Cookie or Authorization header: their responses may be specific to the
// caller and must not be handed to anyone else. Other GETs are keyed like
// cache entries, by method and path-and-query, and every caller gets its own
// clone of the shared response.
//
// The shared fetch runs detached from the caller that started it, so a caller
// whose context ends gets ctx.Err() while the fetch carries on for the rest.
func (c *Coalescer) Fetch(ctx context.Context, req *intercept.Request) (*store.Response, error) {
	if req.Method != http.MethodGet || credentialed(req) {
		return c.next.Fetch(ctx, req)
	}

	key := store.NewKey(req.Method, req.RequestURI()).String()
	ch := c.group.DoChan(key, func() (any, error) {
		return c.next.Fetch(context.WithoutCancel(ctx), req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("coalesced origin fetch", "key", key)
		}
		return res.Val.(*store.Response).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func credentialed(req *intercept.Request) bool {
	return req.Header.Get("Cookie") != "" || req.Header.Get("Authorization") != ""
}
