// Package telemetry holds the gateway's OpenTelemetry metrics and the
// per-request tags that handlers fill in for the access log.
package telemetry

import (
	"context"
	"net/http"
)

// CacheResult says how a request was served relative to the cache.
type CacheResult string

const (
	CacheHit      CacheResult = "hit"      // from a partition, no network
	CacheMiss     CacheResult = "miss"     // from the network, not stored
	CacheRefresh  CacheResult = "refresh"  // from the network and stored
	CacheFallback CacheResult = "fallback" // network failed, stored copy served
	CacheOffline  CacheResult = "offline"  // network failed, synthetic response served
	CacheBypass   CacheResult = "bypass"   // never eligible for caching
)

// RequestTags is filled in by handlers while a request is served and read
// back by the logging middleware and RecordHTTP once it completes.
type RequestTags struct {
	Class       string
	CacheResult CacheResult
	Endpoint    string
}

// Attrs returns the tags that were set as slog key/value pairs.
func (t *RequestTags) Attrs() []any {
	var attrs []any
	if t.Class != "" {
		attrs = append(attrs, "class", t.Class)
	}
	if t.Endpoint != "" {
		attrs = append(attrs, "endpoint", t.Endpoint)
	}
	if t.CacheResult != "" {
		attrs = append(attrs, "cache_result", string(t.CacheResult))
	}
	return attrs
}

type tagsKey struct{}

// InjectTags returns r carrying a fresh RequestTags. A request that is never
// tagged further reports CacheBypass.
func InjectTags(r *http.Request) *http.Request {
	ctx := context.WithValue(r.Context(), tagsKey{}, &RequestTags{CacheResult: CacheBypass})
	return r.WithContext(ctx)
}

// GetTags returns the tags injected into r, or nil.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext returns the tags carried by ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	tags, _ := ctx.Value(tagsKey{}).(*RequestTags)
	return tags
}

func update(r *http.Request, fn func(*RequestTags)) {
	if tags := GetTags(r); tags != nil {
		fn(tags)
	}
}

// SetCacheResult records how r was served. No-op on an untagged request.
func SetCacheResult(r *http.Request, result CacheResult) {
	update(r, func(t *RequestTags) { t.CacheResult = result })
}

// SetClass records the classifier's verdict for r.
func SetClass(r *http.Request, class string) {
	update(r, func(t *RequestTags) { t.Class = class })
}

// SetEndpoint names the control route that served r.
func SetEndpoint(r *http.Request, endpoint string) {
	update(r, func(t *RequestTags) { t.Endpoint = endpoint })
}
