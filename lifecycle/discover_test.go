package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverAssets(t *testing.T) {
	doc := `<!DOCTYPE html>
<html>
<head>
  <link rel="manifest" href="/manifest.json">
  <link rel="icon" href="/favicon.ico">
  <link rel="stylesheet" href="/static/css/main.css?v=2#top">
  <link rel="modulepreload" href="./assets/vendor.js">
  <link rel="preconnect" href="https://api.example.com">
  <link rel="alternate" href="/feed.xml">
  <script src="/static/js/main.js"></script>
  <script src="https://cdn.example.com/analytics.js"></script>
  <script>inline()</script>
</head>
<body>
  <img src="/hero.png">
  <script src="/static/js/main.js"></script>
</body>
</html>`

	assets, err := DiscoverAssets([]byte(doc), "http://shop.test/app/index.html")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/manifest.json",
		"/favicon.ico",
		"/static/css/main.css?v=2",
		"/app/assets/vendor.js",
		"/static/js/main.js",
	}, assets)
}

func TestDiscoverAssets_RelRequiresMatchingToken(t *testing.T) {
	assets, err := DiscoverAssets([]byte(`<link rel="Shortcut Icon" href="/i.ico"><link href="/no-rel.css">`), "http://shop.test/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/i.ico"}, assets)
}

func TestDiscoverAssets_BadPageURL(t *testing.T) {
	_, err := DiscoverAssets([]byte(`<html></html>`), "://bad")
	require.Error(t, err)
}
