package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Addr != ":8090" || cfg.StoreDriver != "redis" || cfg.IndexID != "default" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.IndexBounds.North() != 90 || cfg.IndexBounds.West() != -180 {
		t.Fatalf("bounds = %s", cfg.IndexBounds)
	}
	if cfg.SyncInterval != time.Minute || cfg.LeafReadWorkers != 8 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("INDEX_BOUNDS", "-1.0, 29.0, -2.9, 30.9")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("CATALOG_TIMEOUT", "5s")
	t.Setenv("INVALIDATION_ENABLED", "yes")
	t.Setenv("LEAF_READ_WORKERS", "not-a-number")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.IndexBounds.South() != -2.9 || cfg.IndexBounds.East() != 30.9 {
		t.Fatalf("bounds = %s", cfg.IndexBounds)
	}
	if cfg.StoreDriver != "memory" || cfg.Catalog.Timeout != 5*time.Second || !cfg.InvalidationEnabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.LeafReadWorkers != 8 {
		t.Fatalf("bad int should fall back to default, got %d", cfg.LeafReadWorkers)
	}
}

func TestFromEnv_RejectsBadValues(t *testing.T) {
	t.Setenv("INDEX_BOUNDS", "1,2,3")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for short bounds")
	}
	t.Setenv("INDEX_BOUNDS", "0,0,10,10")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for north below south")
	}
	t.Setenv("INDEX_BOUNDS", "10,0,0,10")
	t.Setenv("STORE_DRIVER", "dynamo")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestLoad_DotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("INDEX_ID=from-file\nSYNC_BATCH=7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INDEX_ID", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("SYNC_BATCH") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IndexID != "from-env" || cfg.SyncBatch != 7 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
