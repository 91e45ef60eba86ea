package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndFeedOverlay(t *testing.T) {
	dir := t.TempDir()
	feed := filepath.Join(dir, "feed.yaml")
	require.NoError(t, os.WriteFile(feed, []byte(`
statuses: [Active]
routes: [/, /listings]
rules:
  status:
    - fields: [MlsStatus]
    - fields: [StandardStatus]
`), 0644))

	t.Setenv("FEED_CONFIG", feed)
	t.Setenv("MLS_PAGE_SIZE", "100")
	t.Setenv("CACHE_DURATION", "12h")
	t.Setenv("CACHE_BACKEND", "SQLite")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 25, cfg.MLS.PageSize, "page size is capped at the upstream maximum")
	require.Equal(t, 2, cfg.MLS.MaxRPS)
	require.Equal(t, 30*time.Second, cfg.MLS.Timeout)
	require.Equal(t, 12*time.Hour, cfg.Refresh.CacheDuration)
	require.Equal(t, 50, cfg.Refresh.BatchSize)
	require.Equal(t, "sqlite", cfg.Backend)
	require.Equal(t, []string{"Active"}, cfg.Feed.Statuses)
	require.Equal(t, []string{"/", "/listings"}, cfg.Feed.Routes)
	require.Len(t, cfg.Feed.Rules["status"], 2)
	require.Equal(t, []string{"StandardStatus"}, cfg.Feed.Rules["status"][1].Fields)
}

func TestLoad_MissingFeedUsesDefaultStatuses(t *testing.T) {
	t.Setenv("FEED_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"Active", "Under Contract"}, cfg.Feed.Statuses)
}
