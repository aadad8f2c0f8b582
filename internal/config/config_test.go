package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/require"

	"github.com/onexay/hgrev/internal/storage"
)

func init() {
	homedir.DisableCache = true
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.APIAddr)
	require.Equal(t, storage.BackendMemory, cfg.Index.Backend)
	require.Equal(t, 30*time.Second, cfg.Hosting.Timeout)
	require.Equal(t, 24*time.Hour, cfg.Resolver.MaxTodoAge)
	require.Equal(t, []string{"try"}, cfg.Resolver.DoNotScan)
	require.Equal(t, []string{"try", "mozilla-inbound", "autoland"}, cfg.Resolver.LandingBranches)
	require.Equal(t, 3, cfg.Resolver.FinderWorkers)
	require.Equal(t, time.Hour, cfg.Resolver.RevisionTTL)
	require.Equal(t, time.Minute, cfg.Resolver.DiffTTL)
	require.True(t, cfg.Resolver.Daemon)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hgrev.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_addr: ":9090"
index:
  backend: KeyDB
  keydb:
    addr: "keydb:6379"
hosting:
  retry_delay: 2s
resolver:
  do_not_scan: [try, mozilla-beta]
  daemon: false
`), 0o600))

	t.Setenv("HGREV_API_ADDR", ":7070")
	t.Setenv("HGREV_KEYDB_DB", "4")
	t.Setenv("HGREV_RESOLVER_CACHE_SIZE", "25")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.APIAddr)
	require.Equal(t, storage.BackendKeyDB, cfg.Index.Backend)
	require.Equal(t, "keydb:6379", cfg.Index.KeyDB.Addr)
	require.Equal(t, 4, cfg.Index.KeyDB.Database)
	require.Equal(t, 2*time.Second, cfg.Hosting.RetryDelay)
	require.Equal(t, []string{"try", "mozilla-beta"}, cfg.Resolver.DoNotScan)
	require.Equal(t, 25, cfg.Resolver.CacheSize)
	require.False(t, cfg.Resolver.Daemon)
}

func TestLoadHomeConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".hgrev"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".hgrev", "config.yaml"), []byte("catalog:\n  path: /etc/hgrev/branches.yaml\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/etc/hgrev/branches.yaml", cfg.Catalog.Path)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
