// Package config loads the translator's configuration from a JSON
// document, then lets command-line flags override individual fields.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

// Config holds every runtime-tunable setting for the translator
// daemon.
type Config struct {
	// CacheDir is where rule tables, the signature database, and the
	// L2 cache files are stored.
	CacheDir string `json:"cache_dir"`

	// L1Capacity bounds the number of entries the in-memory translation
	// cache holds.
	L1Capacity int `json:"l1_capacity"`

	// L2MaxBytes bounds the total size of on-disk cache files before a
	// maintenance sweep evicts the oldest ones.
	L2MaxBytes int64 `json:"l2_max_bytes"`

	// OptimizationLevel is a pass-through hint to the translator; this
	// package does not interpret it.
	OptimizationLevel int `json:"optimization_level"`

	// PACEnabled, BTIEnabled, and MTEEnabled are pass-through feature
	// toggles for AArch64 hardware features; this package only carries
	// their values, it does not act on them.
	PACEnabled bool `json:"pac_enabled"`
	BTIEnabled bool `json:"bti_enabled"`
	MTEEnabled bool `json:"mte_enabled"`

	// CompressionEnabled turns on zstd compression of L2 cache files.
	CompressionEnabled bool `json:"compression_enabled"`

	// NotifyAddr is the listen address for the hot-block notification
	// gRPC service. Empty disables it.
	NotifyAddr string `json:"notify_addr"`
}

// Default returns the baseline configuration used when no config file
// is present.
func Default() Config {
	return Config{
		CacheDir:           "/var/lib/dbt",
		L1Capacity:         1024,
		L2MaxBytes:         1 << 30,
		OptimizationLevel:  1,
		CompressionEnabled: false,
		NotifyAddr:         "",
	}
}

// Load reads a JSON config document from path, starting from Default()
// so any field the file omits keeps its default. A missing file is not
// an error; Load returns Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// FlagSet registers one flag per Config field on fs, bound to cfg, so
// a command can apply command-line overrides on top of a loaded
// config. Flags default to cfg's current values, so calling this after
// Load means an unset flag keeps the file's (or Default()'s) value.
func FlagSet(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "directory for rule tables, signatures, and L2 cache files")
	fs.IntVar(&cfg.L1Capacity, "l1-capacity", cfg.L1Capacity, "number of entries the L1 translation cache holds")
	fs.Int64Var(&cfg.L2MaxBytes, "l2-max-bytes", cfg.L2MaxBytes, "size cap for the on-disk L2 cache, in bytes")
	fs.IntVar(&cfg.OptimizationLevel, "opt-level", cfg.OptimizationLevel, "translator optimization level")
	fs.BoolVar(&cfg.PACEnabled, "pac", cfg.PACEnabled, "target supports pointer authentication")
	fs.BoolVar(&cfg.BTIEnabled, "bti", cfg.BTIEnabled, "target supports branch target identification")
	fs.BoolVar(&cfg.MTEEnabled, "mte", cfg.MTEEnabled, "target supports memory tagging")
	fs.BoolVar(&cfg.CompressionEnabled, "compress", cfg.CompressionEnabled, "zstd-compress L2 cache files")
	fs.StringVar(&cfg.NotifyAddr, "notify-addr", cfg.NotifyAddr, "listen address for the hot-block notification service (empty disables it)")
}
