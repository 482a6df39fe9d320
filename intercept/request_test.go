package intercept

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDestination(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		path   string
		want   Destination
	}{
		{"fetch metadata document", http.Header{"Sec-Fetch-Dest": {"document"}}, "/", DestinationDocument},
		{"fetch metadata iframe", http.Header{"Sec-Fetch-Dest": {"iframe"}}, "/embed", DestinationOther},
		{"fetch metadata frame", http.Header{"Sec-Fetch-Dest": {"frame"}}, "/embed.html", DestinationOther},
		{"fetch metadata worker", http.Header{"Sec-Fetch-Dest": {"worker"}}, "/worker.js", DestinationOther},
		{"fetch metadata sharedworker", http.Header{"Sec-Fetch-Dest": {"sharedworker"}}, "/shared.js", DestinationOther},
		{"fetch metadata script", http.Header{"Sec-Fetch-Dest": {"script"}}, "/app.js", DestinationScript},
		{"fetch metadata style", http.Header{"Sec-Fetch-Dest": {"style"}}, "/app.css", DestinationStyle},
		{"fetch metadata image", http.Header{"Sec-Fetch-Dest": {"image"}}, "/logo.png", DestinationImage},
		{"fetch metadata empty", http.Header{"Sec-Fetch-Dest": {"empty"}}, "/api/products", DestinationOther},
		{"header wins over extension", http.Header{"Sec-Fetch-Dest": {"empty"}}, "/bundle.js", DestinationOther},
		{"script extension", http.Header{}, "/assets/index-abc.js", DestinationScript},
		{"style extension", http.Header{}, "/assets/index-abc.CSS", DestinationStyle},
		{"image extension", http.Header{}, "/img/hero.webp", DestinationImage},
		{"html extension", http.Header{}, "/index.html", DestinationDocument},
		{"accept html", http.Header{"Accept": {"text/html,application/xhtml+xml"}}, "/products/42", DestinationDocument},
		{"json", http.Header{"Accept": {"application/json"}}, "/manifest.json", DestinationOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectDestination(tt.header, tt.path))
		})
	}
}

func TestFromHTTP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/cart?x=1", strings.NewReader(`{"sku":"A1"}`))
	r.Header.Set("Sec-Fetch-Dest", "empty")

	req, err := FromHTTP(r, 1024)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/cart", req.Path())
	assert.Equal(t, "/api/cart?x=1", req.RequestURI())
	assert.Equal(t, `{"sku":"A1"}`, string(req.Body))
	assert.Equal(t, DestinationOther, req.Destination)

	// The intercepted copy is detached from the inbound request.
	r.Header.Set("X-Changed", "1")
	assert.Empty(t, req.Header.Get("X-Changed"))
}

func TestFromHTTP_BodyLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/cart", strings.NewReader(strings.Repeat("x", 11)))

	_, err := FromHTTP(r, 10)
	require.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Contains(t, err.Error(), "exceeds")

	r = httptest.NewRequest(http.MethodPost, "/api/cart", iotest.ErrReader(errors.New("connection reset")))
	_, err = FromHTTP(r, 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBodyTooLarge)
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("", "/static/app.js?v=3")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/static/app.js?v=3", req.RequestURI())
	assert.Equal(t, DestinationScript, req.Destination)
	assert.NotNil(t, req.Header)

	_, err = NewRequest(http.MethodGet, "relative/path")
	require.Error(t, err)
}
