// Package classify assigns intercepted requests to a handling class.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/wolfeidau/offline-cache/intercept"
)

// Class selects the strategy used for a request.
type Class string

const (
	// ClassCacheableAPI requests are served network-first with cache fallback.
	ClassCacheableAPI Class = "cacheable-api"
	// ClassStaticAsset requests are served cache-first.
	ClassStaticAsset Class = "static-asset"
	// ClassPassthrough requests go straight to the network.
	ClassPassthrough Class = "passthrough"
)

func (c Class) String() string { return string(c) }

const DefaultAPIPrefix = "/api/"

// DefaultPatterns are the read endpoints whose responses are worth keeping.
var DefaultPatterns = []string{"/api/products", "/api/categories", "/api/cart"}

// Classifier is a pure function of request path and destination. It holds
// only immutable configuration and is safe for concurrent use.
type Classifier struct {
	apiPrefix string
	patterns  []*regexp.Regexp
}

// New compiles the cache patterns. Patterns match anywhere in the path.
func New(apiPrefix string, patterns []string) (*Classifier, error) {
	if apiPrefix == "" {
		apiPrefix = DefaultAPIPrefix
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling cache pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	return &Classifier{apiPrefix: apiPrefix, patterns: compiled}, nil
}

// MustNew is like New but panics on an invalid pattern.
func MustNew(apiPrefix string, patterns []string) *Classifier {
	c, err := New(apiPrefix, patterns)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the class for req.
func (c *Classifier) Classify(req *intercept.Request) Class {
	return c.ClassifyPath(req.Path(), req.Destination)
}

// ClassifyPath classifies by path and destination alone.
//
// Paths under the API prefix are never static assets: an API path that
// matches no pattern is passthrough, whatever its destination.
func (c *Classifier) ClassifyPath(path string, dest intercept.Destination) Class {
	if strings.HasPrefix(path, c.apiPrefix) {
		for _, re := range c.patterns {
			if re.MatchString(path) {
				return ClassCacheableAPI
			}
		}
		return ClassPassthrough
	}

	switch dest {
	case intercept.DestinationDocument, intercept.DestinationScript,
		intercept.DestinationStyle, intercept.DestinationImage:
		return ClassStaticAsset
	default:
		return ClassPassthrough
	}
}
