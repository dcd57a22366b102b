package persist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcrosse/dbt/internal/guest"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Manager errors.
var (
	ErrManagerClosed  = errors.New("persist: manager is closed")
	ErrAlreadyStarted = errors.New("persist: manager already started")
)

// DefaultMaintenanceInterval is how often the worker checks whether the
// cache directory has grown past its size cap.
const DefaultMaintenanceInterval = time.Hour

// DefaultMaxCacheSize is the size cap maintenance sweeps enforce.
const DefaultMaxCacheSize = 1 << 30 // 1 GiB

// sweepTargetFraction is how far under the cap maintenance frees space
// to, so a sweep doesn't run again on the very next tick.
const sweepTargetFraction = 0.8

const cacheFileExt = ".cache"
const integrityExt = ".cache.b3"

// writeJob is one unit of work for the background worker: replace the
// whole file at path with data (there is no partial write at an
// offset), then invoke done with the outcome. An empty path is the
// flush sentinel.
type writeJob struct {
	path string
	data []byte
	done func(error)
}

// Config controls a Manager's behaviour.
type Config struct {
	// Dir is the directory cache files are written to.
	Dir string
	// MaintenanceInterval overrides DefaultMaintenanceInterval.
	MaintenanceInterval time.Duration
	// MaxCacheSize overrides DefaultMaxCacheSize.
	MaxCacheSize int64
	// CompressionEnabled zstd-compresses the on-disk byte stream. The
	// structured header/entry layout is unchanged; only the bytes
	// written to the file are compressed.
	CompressionEnabled bool
	// Logger receives diagnostic output; nil uses log.Default().
	Logger *log.Logger
}

// Manager asynchronously persists cache files to disk on a single
// background worker, and periodically sweeps the cache directory back
// under its size cap.
type Manager struct {
	dir                 string
	maintenanceInterval time.Duration
	maxCacheSize        int64
	compress            bool
	logger              *log.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	registry *Registry

	jobs chan writeJob

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	lastMaintenance atomic.Int64
}

// NewManager constructs a Manager for cfg. The background worker does
// not run until Start is called.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("persist: Config.Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: creating cache directory: %w", err)
	}

	interval := cfg.MaintenanceInterval
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	maxSize := cfg.MaxCacheSize
	if maxSize <= 0 {
		maxSize = DefaultMaxCacheSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	registry, err := OpenRegistry(filepath.Join(cfg.Dir, "registry.bolt"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dir:                 cfg.Dir,
		maintenanceInterval: interval,
		maxCacheSize:        maxSize,
		compress:            cfg.CompressionEnabled,
		logger:              logger,
		registry:            registry,
		jobs:                make(chan writeJob, 64),
	}

	if cfg.CompressionEnabled {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("persist: creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("persist: creating zstd decoder: %w", err)
		}
		m.encoder = enc
		m.decoder = dec
	}

	return m, nil
}

// Start launches the background worker goroutine. Calling Start more
// than once is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if m.started.Swap(true) {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.lastMaintenance.Store(time.Now().UnixNano())

	m.wg.Add(1)
	go m.worker()
}

// Close stops the worker and releases the registry and zstd resources.
// Pending jobs already in the queue are drained before Close returns.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if m.encoder != nil {
		m.encoder.Close()
	}
	if m.decoder != nil {
		m.decoder.Close()
	}
	return m.registry.Close()
}

// pathFor returns the cache file path for a binary ID.
func (m *Manager) pathFor(id guest.BinaryID) string {
	return filepath.Join(m.dir, string(id)+cacheFileExt)
}

// Save enqueues f for asynchronous persistence under id, registering
// id's cache path in the binary registry. Save does not block on the
// write completing; use Flush for that guarantee.
func (m *Manager) Save(id guest.BinaryID, f File) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	path := m.pathFor(id)
	raw := Encode(f)

	payload, err := m.maybeCompress(raw)
	if err != nil {
		return err
	}

	if err := m.writeIntegritySidecar(path, payload); err != nil {
		return err
	}

	if err := m.registry.Put(id, path); err != nil {
		return err
	}

	m.jobs <- writeJob{path: path, data: payload}
	return nil
}

// Load reads and decodes the cache file for id, verifying its
// integrity sidecar first. A missing cache file is reported via
// os.IsNotExist on the returned error.
func (m *Manager) Load(id guest.BinaryID) (File, error) {
	path := m.pathFor(id)

	payload, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}

	if err := m.checkIntegritySidecar(path, payload); err != nil {
		return File{}, err
	}

	raw, err := m.maybeDecompress(payload)
	if err != nil {
		return File{}, err
	}

	return Decode(raw)
}

// Flush enqueues a sentinel job and blocks until the worker has
// processed every job enqueued before it, giving callers a
// point-in-time persistence barrier (for checkpointing).
func (m *Manager) Flush() error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	errCh := make(chan error, 1)
	m.jobs <- writeJob{done: func(err error) { errCh <- err }}
	return <-errCh
}

// ClearCache flushes pending writes, then deletes every cache file,
// integrity sidecar, and registry entry.
func (m *Manager) ClearCache() error {
	if err := m.Flush(); err != nil {
		return err
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("persist: listing cache directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == cacheFileExt || filepath.Ext(name) == ".b3" {
			if err := os.Remove(filepath.Join(m.dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("persist: removing %s: %w", name, err)
			}
		}
	}
	return m.registry.Clear()
}

// worker drains the job queue, processes each write, and checks
// whether a maintenance sweep is due after every job.
func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			m.drainRemaining()
			return
		case job := <-m.jobs:
			m.process(job)
			m.maybeRunMaintenance()
		}
	}
}

// drainRemaining processes any jobs still queued after cancellation,
// so a caller blocked in Flush/Save is never left waiting forever.
func (m *Manager) drainRemaining() {
	for {
		select {
		case job := <-m.jobs:
			m.process(job)
		default:
			return
		}
	}
}

func (m *Manager) process(job writeJob) {
	if job.path == "" {
		// Flush sentinel: nothing to write.
		if job.done != nil {
			job.done(nil)
		}
		return
	}

	err := os.WriteFile(job.path, job.data, 0o644)
	if err != nil {
		m.logger.Printf("persist: writing %s: %v", job.path, err)
	}
	if job.done != nil {
		job.done(err)
	}
}

func (m *Manager) maybeRunMaintenance() {
	last := m.lastMaintenance.Load()
	now := time.Now().UnixNano()
	if time.Duration(now-last) < m.maintenanceInterval {
		return
	}
	m.lastMaintenance.Store(now)
	if err := m.performMaintenance(); err != nil {
		m.logger.Printf("persist: maintenance sweep failed: %v", err)
	}
}

type fileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

// performMaintenance sums the size of every *.cache file and, if the
// total exceeds the configured cap, deletes the oldest-by-mtime files
// until the total is back under sweepTargetFraction of the cap.
func (m *Manager) performMaintenance() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("listing cache directory: %w", err)
	}

	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != cacheFileExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:    filepath.Join(m.dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}

	if total <= m.maxCacheSize {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	target := int64(float64(m.maxCacheSize) * sweepTargetFraction)
	var freed int64
	for _, f := range files {
		if total-freed <= target {
			break
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			m.logger.Printf("persist: sweep: removing %s: %v", f.path, err)
			continue
		}
		os.Remove(f.path + ".b3")
		freed += f.size
	}

	m.logger.Printf("persist: maintenance sweep freed %d bytes (total was %d, cap %d)", freed, total, m.maxCacheSize)
	return nil
}

func (m *Manager) maybeCompress(data []byte) ([]byte, error) {
	if !m.compress {
		return data, nil
	}
	return m.encoder.EncodeAll(data, nil), nil
}

func (m *Manager) maybeDecompress(data []byte) ([]byte, error) {
	if !m.compress {
		return data, nil
	}
	out, err := m.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: zstd decode: %w", err)
	}
	return out, nil
}

func (m *Manager) writeIntegritySidecar(path string, payload []byte) error {
	sum := blake3.Sum256(payload)
	return os.WriteFile(path+".b3", sum[:], 0o644)
}

func (m *Manager) checkIntegritySidecar(path string, payload []byte) error {
	want, err := os.ReadFile(path + ".b3")
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no sidecar recorded yet; nothing to verify against
		}
		return fmt.Errorf("persist: reading integrity sidecar: %w", err)
	}
	got := blake3.Sum256(payload)
	if len(want) != len(got) || string(want) != string(got[:]) {
		return fmt.Errorf("%w: integrity sidecar mismatch for %s", ErrCacheCorruption, path)
	}
	return nil
}
