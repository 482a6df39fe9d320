package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/worker"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		logger, err := newLogger("debug", format)
		require.NoError(t, err)
		require.NotNil(t, logger)
	}

	_, err := newLogger("loud", "text")
	require.Error(t, err)
	_, err = newLogger("info", "xml")
	require.Error(t, err)
}

func TestServeResolve_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
origin: http://file.test
version: v1
coalesce: true
upstream:
  timeout: 3s
`), 0o600))

	cmd := &ServeCmd{Config: path, CacheVersion: "v2", UpstreamTimeout: 5 * time.Second}
	cfg, err := cmd.resolve()
	require.NoError(t, err)

	assert.Equal(t, "http://file.test", cfg.Origin)
	assert.Equal(t, "v2", cfg.Version)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	assert.True(t, cfg.Coalesce)
	assert.Equal(t, "static-v2", cfg.StaticPartition())
}

func TestServeResolve_RequiresOriginAndVersion(t *testing.T) {
	_, err := (&ServeCmd{}).resolve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "origin is required")
	assert.Contains(t, err.Error(), "version is required")
}

func TestBuildRegistersWorker(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok " + r.URL.Path))
	}))
	defer origin.Close()

	cmd := &ServeCmd{Origin: origin.URL, CacheVersion: "v1", Coalesce: true}
	cfg, err := cmd.resolve()
	require.NoError(t, err)

	s := store.NewMemory()
	gw, err := build(cfg, s, t.TempDir(), newTestLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, gw.registration.Register(ctx, gw.worker))
	assert.Same(t, gw.worker, gw.registration.Active())

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1"}, names)

	ev := &worker.Event{Kind: worker.KindSync, Tag: "cart-sync"}
	require.NoError(t, gw.registration.Dispatch(ctx, ev))
	assert.Equal(t, 0, ev.Report.Attempted)
}

func newTestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	logger, err := newLogger("error", "json")
	require.NoError(t, err)
	return logger
}

func TestServeAdminToken_CredentialsFileWins(t *testing.T) {
	t.Setenv("GATEWAY_ADMIN", "from-template")
	path := filepath.Join(t.TempDir(), "secrets.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"admin_token": {{ env "GATEWAY_ADMIN" | json }}}`), 0o600))

	ctx := context.Background()
	token, err := (&ServeCmd{AdminToken: "from-flag"}).adminToken(ctx, newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "from-flag", token)

	token, err = (&ServeCmd{AdminToken: "from-flag", CredentialsFile: path}).adminToken(ctx, newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "from-template", token)

	_, err = (&ServeCmd{CredentialsFile: filepath.Join(t.TempDir(), "missing")}).adminToken(ctx, newTestLogger(t))
	require.Error(t, err)
}
