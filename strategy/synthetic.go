package strategy

import (
	"net/http"
	"time"

	"github.com/wolfeidau/offline-cache/store"
)

// OfflineAPIBody is the body of the synthetic 503 served when an API request
// fails with nothing cached.
const OfflineAPIBody = `{"error":"Network error and no cached response available","offline":true}`

// OfflineMessage is the headline of the offline document.
const OfflineMessage = "You're offline"

const offlineDocument = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
</head>
<body>
<h1>` + OfflineMessage + `</h1>
<p>Check your connection and try again.</p>
</body>
</html>
`

// OfflineAPIResponse returns a fresh synthetic 503.
func OfflineAPIResponse() *store.Response {
	return &store.Response{
		Status:   http.StatusServiceUnavailable,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     []byte(OfflineAPIBody),
		StoredAt: time.Now(),
	}
}

// OfflineDocument returns a fresh offline HTML page.
func OfflineDocument() *store.Response {
	return &store.Response{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte(offlineDocument),
		StoredAt: time.Now(),
	}
}
