package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load(missing) = %+v, want Default()", cfg)
	}
}

func TestLoadOverridesOnlyPresentFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"cache_dir": "/tmp/dbt", "l1_capacity": 256}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheDir != "/tmp/dbt" {
		t.Errorf("CacheDir = %q", cfg.CacheDir)
	}
	if cfg.L1Capacity != 256 {
		t.Errorf("L1Capacity = %d", cfg.L1Capacity)
	}
	if cfg.L2MaxBytes != Default().L2MaxBytes {
		t.Errorf("L2MaxBytes = %d, want default unchanged", cfg.L2MaxBytes)
	}
}

func TestFlagSetOverridesLoadedConfig(t *testing.T) {
	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	FlagSet(fs, &cfg)

	if err := fs.Parse([]string{"-cache-dir=/custom", "-compress"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.CacheDir != "/custom" {
		t.Errorf("CacheDir = %q, want /custom", cfg.CacheDir)
	}
	if !cfg.CompressionEnabled {
		t.Error("expected CompressionEnabled to be set by flag")
	}
	if cfg.L1Capacity != Default().L1Capacity {
		t.Errorf("L1Capacity = %d, want unchanged default", cfg.L1Capacity)
	}
}
