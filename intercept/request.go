// Package intercept models a request intercepted on its way from a client page
// to the storefront origin.
package intercept

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Destination is the kind of resource a page asked for, as reported by the
// browser in the Sec-Fetch-Dest header.
type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationImage    Destination = "image"
	DestinationOther    Destination = "other"
)

// ErrBodyTooLarge is returned when a request body exceeds the read limit.
var ErrBodyTooLarge = errors.New("request body too large")

// Request is a read-only view of an intercepted request.
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Destination Destination
}

// FromHTTP builds a Request from an inbound server request, reading at most
// maxBody bytes of body. A maxBody of zero means no limit.
func FromHTTP(r *http.Request, maxBody int64) (*Request, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		reader := io.Reader(r.Body)
		if maxBody > 0 {
			reader = io.LimitReader(r.Body, maxBody+1)
		}
		b, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if maxBody > 0 && int64(len(b)) > maxBody {
			return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, maxBody)
		}
		body = b
	}

	u := *r.URL
	return &Request{
		Method:      r.Method,
		URL:         &u,
		Header:      r.Header.Clone(),
		Body:        body,
		Destination: DetectDestination(r.Header, r.URL.Path),
	}, nil
}

// NewRequest builds a bodiless Request for target, a path with optional
// query. Used for requests the gateway originates itself.
func NewRequest(method, target string) (*Request, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, fmt.Errorf("parsing request target %q: %w", target, err)
	}
	if method == "" {
		method = http.MethodGet
	}
	h := http.Header{}
	return &Request{
		Method:      method,
		URL:         u,
		Header:      h,
		Destination: DetectDestination(h, u.Path),
	}, nil
}

// Path returns the request path.
func (r *Request) Path() string {
	return r.URL.Path
}

// RequestURI returns the path and query used for cache keys and origin requests.
func (r *Request) RequestURI() string {
	return r.URL.RequestURI()
}

// DetectDestination reports the destination of a request. Sec-Fetch-Dest wins
// when present; otherwise it is inferred from Accept and the path extension.
func DetectDestination(h http.Header, p string) Destination {
	if dest := h.Get("Sec-Fetch-Dest"); dest != "" {
		return ParseDestination(dest)
	}

	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".mjs":
		return DestinationScript
	case ".css":
		return DestinationStyle
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif":
		return DestinationImage
	case ".html", ".htm":
		return DestinationDocument
	}

	// Navigations from browsers without fetch metadata still ask for HTML.
	if strings.Contains(h.Get("Accept"), "text/html") {
		return DestinationDocument
	}
	return DestinationOther
}

// ParseDestination maps a Sec-Fetch-Dest value onto the destinations the cache
// distinguishes. Only top-level navigations count as documents, so a framed
// page never receives the offline shell. Worker scripts are not page scripts
// and fall through to DestinationOther with frames.
func ParseDestination(s string) Destination {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "document":
		return DestinationDocument
	case "script":
		return DestinationScript
	case "style":
		return DestinationStyle
	case "image":
		return DestinationImage
	default:
		return DestinationOther
	}
}
