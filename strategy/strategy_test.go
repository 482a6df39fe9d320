package strategy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/offline-cache/classify"
	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

var errOffline = errors.New("dial tcp: connection refused")

// fakeNetwork answers from a function and counts calls.
type fakeNetwork struct {
	calls atomic.Int32
	fn    func(req *intercept.Request) (*store.Response, error)
}

func (f *fakeNetwork) Fetch(_ context.Context, req *intercept.Request) (*store.Response, error) {
	f.calls.Add(1)
	return f.fn(req)
}

func online(status int, body string) *fakeNetwork {
	return &fakeNetwork{fn: func(*intercept.Request) (*store.Response, error) {
		return &store.Response{
			Status: status,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   []byte(body),
		}, nil
	}}
}

func offline() *fakeNetwork {
	return &fakeNetwork{fn: func(*intercept.Request) (*store.Response, error) {
		return nil, errOffline
	}}
}

var testConfig = Config{StaticPartition: "static-v1", DynamicPartition: "dynamic-v1"}

func newRequest(t *testing.T, method, target, dest string) *intercept.Request {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	if dest != "" {
		r.Header.Set("Sec-Fetch-Dest", dest)
	}
	req, err := intercept.FromHTTP(r, 0)
	require.NoError(t, err)
	return req
}

func seed(t *testing.T, s store.CacheStore, partition, key, body string) {
	t.Helper()
	p, err := s.Open(context.Background(), partition)
	require.NoError(t, err)
	k, ok := store.ParseKey(key)
	require.True(t, ok)
	require.NoError(t, p.Put(context.Background(), k, &store.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}))
}

func TestNetworkFirst_StoresSuccessfulResponse(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	e := NewEngine(s, online(http.StatusOK, `{"success":true,"data":[1,2]}`), testConfig)

	res, err := e.NetworkFirst(ctx, newRequest(t, http.MethodGet, "/api/products?page=1", ""))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, telemetry.CacheRefresh, res.CacheResult)
	assert.Equal(t, `{"success":true,"data":[1,2]}`, string(res.Response.Body))

	stored, err := s.Match(ctx, store.NewKey("GET", "/api/products?page=1"), store.InPartition("dynamic-v1"))
	require.NoError(t, err)
	assert.Equal(t, res.Response.Body, stored.Body)

	// The caller's response and the stored entry are independent.
	res.Response.Body[0] = 'X'
	again, err := s.Match(ctx, store.NewKey("GET", "/api/products?page=1"))
	require.NoError(t, err)
	assert.Equal(t, `{"success":true,"data":[1,2]}`, string(again.Body))
}

func TestNetworkFirst_FallsBackToCache(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, "dynamic-v1", "GET /api/categories", `["shoes"]`)

	e := NewEngine(s, offline(), testConfig)
	res, err := e.NetworkFirst(ctx, newRequest(t, http.MethodGet, "/api/categories", ""))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, telemetry.CacheFallback, res.CacheResult)
	assert.Equal(t, `["shoes"]`, string(res.Response.Body))
	assert.Equal(t, "text/plain", res.Response.Header.Get("Content-Type"))
}

func TestNetworkFirst_SyntheticWhenNothingCached(t *testing.T) {
	e := NewEngine(store.NewMemory(), offline(), testConfig)

	res, err := e.NetworkFirst(context.Background(), newRequest(t, http.MethodGet, "/api/cart", ""))
	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, res.Source)
	assert.Equal(t, telemetry.CacheOffline, res.CacheResult)
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
	assert.Equal(t, "application/json", res.Response.Header.Get("Content-Type"))
	assert.Equal(t, `{"error":"Network error and no cached response available","offline":true}`, string(res.Response.Body))
}

func TestNetworkFirst_Non2xxReturnedButNotStored(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, "dynamic-v1", "GET /api/products", `cached`)

	e := NewEngine(s, online(http.StatusInternalServerError, `oops`), testConfig)
	res, err := e.NetworkFirst(ctx, newRequest(t, http.MethodGet, "/api/products", ""))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, http.StatusInternalServerError, res.Response.Status)

	stored, err := s.Match(ctx, store.NewKey("GET", "/api/products"))
	require.NoError(t, err)
	assert.Equal(t, "cached", string(stored.Body))
}

func TestNetworkFirst_CacheAnyStatus(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	cfg := testConfig
	cfg.CacheAnyStatus = true

	e := NewEngine(s, online(http.StatusNotFound, `missing`), cfg)
	_, err := e.NetworkFirst(ctx, newRequest(t, http.MethodGet, "/api/products/99", ""))
	require.NoError(t, err)

	stored, err := s.Match(ctx, store.NewKey("GET", "/api/products/99"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, stored.Status)
}

func TestNetworkFirst_FallbackOnServerError(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig
	cfg.FallbackOnServerError = true

	t.Run("cached copy wins over 5xx", func(t *testing.T) {
		s := store.NewMemory()
		seed(t, s, "dynamic-v1", "GET /api/products", `cached`)

		e := NewEngine(s, online(http.StatusBadGateway, `bad gateway`), cfg)
		res, err := e.NetworkFirst(ctx, newRequest(t, http.MethodGet, "/api/products", ""))
		require.NoError(t, err)
		assert.Equal(t, SourceCache, res.Source)
		assert.Equal(t, "cached", string(res.Response.Body))
	})

	t.Run("live 5xx when nothing cached", func(t *testing.T) {
		e := NewEngine(store.NewMemory(), online(http.StatusBadGateway, `bad gateway`), cfg)
		res, err := e.NetworkFirst(ctx, newRequest(t, http.MethodGet, "/api/products", ""))
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, res.Source)
		assert.Equal(t, http.StatusBadGateway, res.Response.Status)
	})
}

func TestNetworkFirst_WritesNeverCached(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, "dynamic-v1", "POST /api/cart", `should never be served`)

	e := NewEngine(s, online(http.StatusCreated, `{"ok":true}`), testConfig)
	res, err := e.NetworkFirst(ctx, newRequest(t, http.MethodPost, "/api/cart", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Response.Status)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Entries)

	e = NewEngine(s, offline(), testConfig)
	res, err = e.NetworkFirst(ctx, newRequest(t, http.MethodPost, "/api/cart", ""))
	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, res.Source)
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
}

func TestCacheFirst_HitSkipsNetwork(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "static-v1", "GET /static/js/main.js", `console.log(1)`)

	network := online(http.StatusOK, `fresh`)
	e := NewEngine(s, network, testConfig)

	res, err := e.CacheFirst(context.Background(), newRequest(t, http.MethodGet, "/static/js/main.js", "script"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, telemetry.CacheHit, res.CacheResult)
	assert.Equal(t, `console.log(1)`, string(res.Response.Body))
	assert.Zero(t, network.calls.Load())
}

func TestCacheFirst_MissFetchesAndStores(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	network := online(http.StatusOK, `body{}`)
	e := NewEngine(s, network, testConfig)

	req := newRequest(t, http.MethodGet, "/app.css", "style")
	res, err := e.CacheFirst(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, telemetry.CacheRefresh, res.CacheResult)

	stored, err := s.Match(ctx, store.NewKey("GET", "/app.css"), store.InPartition("static-v1"))
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(stored.Body))

	res, err = e.CacheFirst(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, int32(1), network.calls.Load())
}

func TestCacheFirst_Non2xxNotStored(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	e := NewEngine(s, online(http.StatusNotFound, `nope`), testConfig)

	res, err := e.CacheFirst(ctx, newRequest(t, http.MethodGet, "/missing.png", "image"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Response.Status)
	assert.Equal(t, telemetry.CacheMiss, res.CacheResult)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCacheFirst_OfflineDocument(t *testing.T) {
	e := NewEngine(store.NewMemory(), offline(), testConfig)

	res, err := e.CacheFirst(context.Background(), newRequest(t, http.MethodGet, "/index.html", "document"))
	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, res.Source)
	assert.Equal(t, http.StatusOK, res.Response.Status)
	assert.Equal(t, "text/html", res.Response.Header.Get("Content-Type"))
	assert.Contains(t, string(res.Response.Body), "You're offline")
	assert.Contains(t, strings.ToLower(string(res.Response.Body)), "offline")
}

func TestCacheFirst_FramedPageGetsNoOfflineShell(t *testing.T) {
	e := NewEngine(store.NewMemory(), offline(), testConfig)

	for _, dest := range []string{"iframe", "frame"} {
		res, err := e.CacheFirst(context.Background(), newRequest(t, http.MethodGet, "/embed.html", dest))
		require.ErrorIs(t, err, ErrNetwork, dest)
		assert.Nil(t, res, dest)
	}
}

func TestCacheFirst_ScriptFailurePropagates(t *testing.T) {
	e := NewEngine(store.NewMemory(), offline(), testConfig)

	res, err := e.CacheFirst(context.Background(), newRequest(t, http.MethodGet, "/static/js/main.js", "script"))
	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, errOffline)
	assert.Nil(t, res)
}

func TestPassthrough(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	e := NewEngine(s, online(http.StatusOK, `ok`), testConfig)
	res, err := e.Passthrough(ctx, newRequest(t, http.MethodPost, "/api/checkout", ""))
	require.NoError(t, err)
	assert.Equal(t, telemetry.CacheBypass, res.CacheResult)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	e = NewEngine(s, offline(), testConfig)
	_, err = e.Passthrough(ctx, newRequest(t, http.MethodGet, "/api/checkout", ""))
	require.ErrorIs(t, err, ErrNetwork)
}

func TestHandle_RoutesByClass(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	e := NewEngine(s, offline(), testConfig)

	res, err := e.Handle(ctx, classify.ClassCacheableAPI, newRequest(t, http.MethodGet, "/api/products", ""))
	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, res.Source)

	res, err = e.Handle(ctx, classify.ClassStaticAsset, newRequest(t, http.MethodGet, "/", "document"))
	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, res.Source)

	_, err = e.Handle(ctx, classify.ClassPassthrough, newRequest(t, http.MethodGet, "/favicon.ico", "empty"))
	require.ErrorIs(t, err, ErrNetwork)
}

// failingStore rejects writes; reads delegate to Memory.
type failingStore struct {
	*store.Memory
}

type failingPartition struct{ store.Partition }

func (failingPartition) Put(context.Context, store.Key, *store.Response) error {
	return errors.New("disk full")
}

func (f failingStore) Open(ctx context.Context, name string) (store.Partition, error) {
	p, err := f.Memory.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingPartition{p}, nil
}

func TestCacheWriteFailureDoesNotFailRequest(t *testing.T) {
	e := NewEngine(failingStore{store.NewMemory()}, online(http.StatusOK, `fine`), testConfig)

	res, err := e.NetworkFirst(context.Background(), newRequest(t, http.MethodGet, "/api/products", ""))
	require.NoError(t, err)
	assert.Equal(t, "fine", string(res.Response.Body))
}

func TestProductListingSurvivesOutage(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	body := `{"success":true,"data":[{"id":1},{"id":2}]}`

	network := online(http.StatusOK, body)
	e := NewEngine(s, network, testConfig)

	c := classify.MustNew(classify.DefaultAPIPrefix, classify.DefaultPatterns)
	req := newRequest(t, http.MethodGet, "/api/products?page=1", "")
	require.Equal(t, classify.ClassCacheableAPI, c.Classify(req))

	_, err := e.Handle(ctx, c.Classify(req), req)
	require.NoError(t, err)

	stored, err := s.Match(ctx, store.NewKey("GET", "/api/products?page=1"), store.InPartition("dynamic-v1"))
	require.NoError(t, err)
	assert.Equal(t, body, string(stored.Body))

	network.fn = offline().fn
	res, err := e.Handle(ctx, c.Classify(req), req)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, body, string(res.Response.Body))
}

func TestColdDocumentOffline(t *testing.T) {
	c := classify.MustNew(classify.DefaultAPIPrefix, classify.DefaultPatterns)
	e := NewEngine(store.NewMemory(), offline(), testConfig)

	req := newRequest(t, http.MethodGet, "/index.html", "document")
	require.Equal(t, classify.ClassStaticAsset, c.Classify(req))

	res, err := e.Handle(context.Background(), c.Classify(req), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Response.Status)
	assert.Contains(t, string(res.Response.Body), "offline")
}
