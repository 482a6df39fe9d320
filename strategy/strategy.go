// Package strategy runs the per-class caching strategies for intercepted
// requests.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/offline-cache/classify"
	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// ErrNetwork wraps origin transport failures that no strategy could recover.
var ErrNetwork = errors.New("network request failed")

// Source reports where a response came from.
type Source string

const (
	SourceNetwork   Source = "network"
	SourceCache     Source = "cache"
	SourceSynthetic Source = "synthetic"
)

const (
	strategyNetworkFirst = "network-first"
	strategyCacheFirst   = "cache-first"
	strategyPassthrough  = "passthrough"
)

// Network is the origin capability.
type Network interface {
	Fetch(ctx context.Context, req *intercept.Request) (*store.Response, error)
}

// Result is a response ready to hand back to the page.
type Result struct {
	Response    *store.Response
	Source      Source
	CacheResult telemetry.CacheResult
}

// Config names the partitions and tunes the fallback policy.
type Config struct {
	StaticPartition  string
	DynamicPartition string

	// FallbackOnServerError makes network-first treat a 5xx like a transport
	// failure and prefer a cached copy when one exists.
	FallbackOnServerError bool

	// CacheAnyStatus stores non-2xx responses as well as 2xx ones.
	CacheAnyStatus bool
}

// Engine executes strategies against a cache store and the network.
// It holds no per-request state and is safe for concurrent use.
type Engine struct {
	store   store.CacheStore
	network Network
	cfg     Config
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an engine.
func NewEngine(s store.CacheStore, network Network, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		network: network,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle dispatches req to the strategy for class.
func (e *Engine) Handle(ctx context.Context, class classify.Class, req *intercept.Request) (*Result, error) {
	switch class {
	case classify.ClassCacheableAPI:
		return e.NetworkFirst(ctx, req)
	case classify.ClassStaticAsset:
		return e.CacheFirst(ctx, req)
	default:
		return e.Passthrough(ctx, req)
	}
}

// NetworkFirst serves from the network, keeping successful responses in the
// dynamic partition, and falls back to any cached copy when the network fails.
// With no cached copy it answers with a synthetic 503.
func (e *Engine) NetworkFirst(ctx context.Context, req *intercept.Request) (*Result, error) {
	key := store.NewKey(req.Method, req.RequestURI())
	cacheable := isCacheableMethod(req.Method)

	resp, err := e.network.Fetch(ctx, req)
	if err == nil {
		serverError := resp.Status >= http.StatusInternalServerError
		if !(serverError && e.cfg.FallbackOnServerError && cacheable) {
			result := &Result{Response: resp, Source: SourceNetwork, CacheResult: telemetry.CacheMiss}
			if cacheable && e.storable(resp) {
				e.put(ctx, e.cfg.DynamicPartition, key, resp)
				result.CacheResult = telemetry.CacheRefresh
			}
			return e.done(ctx, strategyNetworkFirst, result), nil
		}
	}

	if err != nil {
		e.logger.Debug("network failed, trying cache", "key", key.String(), "error", err)
	} else {
		e.logger.Debug("origin server error, trying cache", "key", key.String(), "status", resp.Status)
	}

	if cacheable {
		cached, matchErr := e.match(ctx, key)
		if matchErr == nil {
			return e.done(ctx, strategyNetworkFirst, &Result{Response: cached, Source: SourceCache, CacheResult: telemetry.CacheFallback}), nil
		}
	}

	// A live 5xx beats a synthetic one.
	if err == nil {
		return e.done(ctx, strategyNetworkFirst, &Result{Response: resp, Source: SourceNetwork, CacheResult: telemetry.CacheMiss}), nil
	}

	return e.done(ctx, strategyNetworkFirst, &Result{Response: OfflineAPIResponse(), Source: SourceSynthetic, CacheResult: telemetry.CacheOffline}), nil
}

// CacheFirst serves a cached copy without touching the network. On a miss it
// fetches and keeps successful responses in the static partition. Documents
// that cannot be fetched get the offline page; anything else fails with
// ErrNetwork.
func (e *Engine) CacheFirst(ctx context.Context, req *intercept.Request) (*Result, error) {
	if !isCacheableMethod(req.Method) {
		return e.Passthrough(ctx, req)
	}

	key := store.NewKey(req.Method, req.RequestURI())

	cached, err := e.match(ctx, key)
	if err == nil {
		return e.done(ctx, strategyCacheFirst, &Result{Response: cached, Source: SourceCache, CacheResult: telemetry.CacheHit}), nil
	}

	resp, err := e.network.Fetch(ctx, req)
	if err != nil {
		if req.Destination == intercept.DestinationDocument {
			e.logger.Debug("network failed, serving offline page", "key", key.String(), "error", err)
			return e.done(ctx, strategyCacheFirst, &Result{Response: OfflineDocument(), Source: SourceSynthetic, CacheResult: telemetry.CacheOffline}), nil
		}
		telemetry.RecordStrategyResult(ctx, strategyCacheFirst, "error")
		return nil, fmt.Errorf("fetching %s: %w: %w", key, ErrNetwork, err)
	}

	result := &Result{Response: resp, Source: SourceNetwork, CacheResult: telemetry.CacheMiss}
	if e.storable(resp) {
		e.put(ctx, e.cfg.StaticPartition, key, resp)
		result.CacheResult = telemetry.CacheRefresh
	}
	return e.done(ctx, strategyCacheFirst, result), nil
}

// Passthrough forwards req with no cache interaction.
func (e *Engine) Passthrough(ctx context.Context, req *intercept.Request) (*Result, error) {
	resp, err := e.network.Fetch(ctx, req)
	if err != nil {
		telemetry.RecordStrategyResult(ctx, strategyPassthrough, "error")
		return nil, fmt.Errorf("fetching %s %s: %w: %w", req.Method, req.RequestURI(), ErrNetwork, err)
	}
	return e.done(ctx, strategyPassthrough, &Result{Response: resp, Source: SourceNetwork, CacheResult: telemetry.CacheBypass}), nil
}

func (e *Engine) done(ctx context.Context, strategy string, r *Result) *Result {
	telemetry.RecordStrategyResult(ctx, strategy, string(r.Source))
	return r
}

func (e *Engine) storable(resp *store.Response) bool {
	return resp.OK() || e.cfg.CacheAnyStatus
}

func (e *Engine) match(ctx context.Context, key store.Key) (*store.Response, error) {
	resp, err := e.store.Match(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("cache lookup failed", "key", key.String(), "error", err)
	}
	return resp, err
}

// put stores a clone of resp. Failures are logged and never fail the request.
func (e *Engine) put(ctx context.Context, partition string, key store.Key, resp *store.Response) {
	p, err := e.store.Open(ctx, partition)
	if err != nil {
		e.logger.Warn("opening partition failed", "partition", partition, "error", err)
		return
	}

	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now()
	}
	if err := p.Put(ctx, key, stored); err != nil {
		e.logger.Warn("cache write failed", "partition", partition, "key", key.String(), "error", err)
	}
}

// isCacheableMethod reports whether responses to method may be stored and
// replayed. Writes always reach the origin.
func isCacheableMethod(method string) bool {
	return method == http.MethodGet
}
