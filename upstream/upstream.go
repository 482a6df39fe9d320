// Package upstream is the gateway's network capability: it forwards
// intercepted requests to the storefront origin.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// DefaultMaxBodySize caps response bodies read from the origin.
const DefaultMaxBodySize = 32 * 1024 * 1024 // 32MB

// ErrBodyTooLarge is returned when an origin response exceeds the body cap.
var ErrBodyTooLarge = errors.New("upstream response body exceeds maximum size")

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client fetches from the storefront origin.
type Client struct {
	baseURL *url.URL
	client  *http.Client
	maxBody int64
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithTimeout bounds each origin round trip. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithMaxBodySize caps response bodies.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithNow sets the time function used to stamp responses.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a client for the origin at baseURL. Requests carry no timeout
// unless WithTimeout is given.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing origin url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin url %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL: u,
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport, "origin"),
			// The origin's redirects are handed back to the page unchanged.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody: DefaultMaxBodySize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the origin base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Fetch forwards req to the origin and buffers the response. Any HTTP status
// is a successful fetch; only transport failures return an error.
func (c *Client) Fetch(ctx context.Context, req *intercept.Request) (*store.Response, error) {
	target := c.resolve(req.RequestURI())

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = http.Header{}
	}
	removeHopHeaders(httpReq.Header)

	return c.do(httpReq)
}

// PostJSON posts body to path on the origin with a JSON content type.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) (*store.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (*store.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("%s: %w", req.URL.Path, ErrBodyTooLarge)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")

	return &store.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     data,
		URL:      req.URL.String(),
		StoredAt: c.now(),
	}, nil
}

// resolve joins a path-and-query onto the origin base URL.
func (c *Client) resolve(requestURI string) string {
	if !strings.HasPrefix(requestURI, "/") {
		requestURI = "/" + requestURI
	}
	return c.baseURL.String() + requestURI
}

func removeHopHeaders(h http.Header) {
	// Headers named in Connection are hop-by-hop too.
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
