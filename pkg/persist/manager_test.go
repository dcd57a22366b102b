package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arcrosse/dbt/internal/guest"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Start(context.Background())
	t.Cleanup(func() { m.Close() })
	return m
}

func sampleFile() File {
	blob, offset, size := AppendHostWords(nil, []uint32{0xD503201F})
	return File{
		Header: Header{X86Hash: 1, CreationTime: 1, LastAccess: 1},
		Entries: []Entry{
			{X86Addr: 0x1000, X86Size: 1, X86Hash: 1, ARMOffset: offset, ARMSize: size},
		},
		Blob: blob,
	}
}

// TestSaveThenLoadRoundTrips is scenario 2: a cache saved in one run is
// readable in a later run.
func TestSaveThenLoadRoundTrips(t *testing.T) {
	m := newTestManager(t, Config{})
	id := guest.NewBinaryID(1, 1)

	if err := m.Save(id, sampleFile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := m.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Entries) != 1 || got.Entries[0].X86Addr != 0x1000 {
		t.Errorf("Load = %+v", got)
	}
}

func TestSaveThenLoadWithCompression(t *testing.T) {
	m := newTestManager(t, Config{CompressionEnabled: true})
	id := guest.NewBinaryID(2, 1)

	if err := m.Save(id, sampleFile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, err := m.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Entries) != 1 {
		t.Errorf("Load = %+v", got)
	}
}

// TestLoadRejectsFileNotMatchingIntegritySidecar is the corruption
// rejection case checked through the blake3 sidecar: if the cache file's
// bytes change without the sidecar being rewritten, Load must fail.
func TestLoadRejectsFileNotMatchingIntegritySidecar(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Config{Dir: dir})
	id := guest.NewBinaryID(3, 1)

	if err := m.Save(id, sampleFile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	path := m.pathFor(id)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Load(id); err == nil {
		t.Error("expected an integrity error for a tampered cache file")
	}
}

func TestFlushWaitsForPendingWrite(t *testing.T) {
	m := newTestManager(t, Config{})
	id := guest.NewBinaryID(4, 1)

	if err := m.Save(id, sampleFile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := os.Stat(m.pathFor(id)); err != nil {
		t.Errorf("expected cache file to exist after Flush: %v", err)
	}
}

func TestClearCacheRemovesAllFiles(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Config{Dir: dir})
	id := guest.NewBinaryID(5, 1)

	if err := m.Save(id, sampleFile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == cacheFileExt {
			t.Errorf("expected no .cache files after ClearCache, found %s", e.Name())
		}
	}
	if _, ok := m.registry.Get(id); ok {
		t.Error("expected registry entry to be cleared")
	}
}

// TestMaintenanceSweepEvictsOldestFirst is scenario 5: when the cache
// directory exceeds its cap, the oldest files are removed first, down
// to the sweep target fraction.
func TestMaintenanceSweepEvictsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, MaxCacheSize: 250})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	write := func(name string, size int, age time.Duration) {
		path := filepath.Join(dir, name+cacheFileExt)
		if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
			t.Fatal(err)
		}
		old := time.Now().Add(-age)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatal(err)
		}
	}

	write("a", 100, 3*time.Hour)
	write("b", 100, 2*time.Hour)
	write("c", 100, 1*time.Hour)

	if err := m.performMaintenance(); err != nil {
		t.Fatalf("performMaintenance: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "a.cache")); !os.IsNotExist(err) {
		t.Error("expected oldest file 'a' to be evicted")
	}
	if _, err := os.Stat(filepath.Join(dir, "c.cache")); err != nil {
		t.Error("expected newest file 'c' to survive")
	}
}

func TestMaintenanceSweepNoopUnderCap(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, MaxCacheSize: 10_000})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	path := filepath.Join(dir, "a.cache")
	if err := os.WriteFile(path, make([]byte, 10), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.performMaintenance(); err != nil {
		t.Fatalf("performMaintenance: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("expected file under cap to survive maintenance")
	}
}
