// Package orchestrator ties the decoder, translator, signature engine,
// and two cache levels together into the load/run loop a host process
// drives: load a guest binary, then repeatedly find or create a
// translation for the block at the current guest address and hand it
// to an external executor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/arcrosse/dbt/internal/guest"
	"github.com/arcrosse/dbt/pkg/hashengine"
	"github.com/arcrosse/dbt/pkg/notify"
	"github.com/arcrosse/dbt/pkg/persist"
	"github.com/arcrosse/dbt/pkg/ruletables"
	"github.com/arcrosse/dbt/pkg/signature"
	"github.com/arcrosse/dbt/pkg/transcache"
	"github.com/arcrosse/dbt/pkg/translate"
	"github.com/arcrosse/dbt/pkg/x86decode"
)

// Orchestrator errors.
var (
	ErrNoBinaryLoaded = errors.New("orchestrator: no binary loaded")
	ErrAlreadyLoaded  = errors.New("orchestrator: a binary is already loaded")
)

// checkpointInterval is how many executed blocks pass between
// automatic checkpoints, matching the original run loop's cadence.
const checkpointInterval = 100

// Executor runs a translated block's AArch64 instruction words and
// reports the guest address execution should resume at. It stands in
// for the actual execution engine, which is out of scope here.
type Executor interface {
	Execute(addr guest.Addr, words []uint32) (nextRIP guest.Addr, err error)
}

// MemoryArena provides read access to guest memory. It stands in for
// the actual loader/memory-mapping layer, which is out of scope here.
type MemoryArena interface {
	ReadAt(addr guest.Addr, length int) ([]byte, error)
}

// Config configures an Orchestrator.
type Config struct {
	Rules      *ruletables.Store
	L1Capacity int
	Persist    *persist.Manager
	Signatures *signature.Engine
	Notifier   *notify.Server
	Executor   Executor
	Arena      MemoryArena
	Logger     *log.Logger
}

// Orchestrator owns one loaded guest binary's translation state: the
// L1 cache, the in-memory index of what has been persisted to L2, the
// signature database, and the executed-block access counts that drive
// hot-block notification.
type Orchestrator struct {
	rules      *ruletables.Store
	l1         *transcache.Cache
	persistMgr *persist.Manager
	signatures *signature.Engine
	notifier   *notify.Server
	executor   Executor
	arena      MemoryArena
	logger     *log.Logger

	mu          sync.Mutex
	binaryID    guest.BinaryID
	entryPoint  guest.Addr
	size        int
	l2Entries   map[guest.Hash64]persist.Entry
	l2Blob      []byte
	accessCount map[guest.Addr]int
	notified    map[guest.Addr]bool
	iteration   int
}

// New constructs an Orchestrator. cfg.Rules must be non-nil; every
// other field has a usable zero value or default.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Rules == nil {
		return nil, fmt.Errorf("orchestrator: Config.Rules is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	signatures := cfg.Signatures
	if signatures == nil {
		signatures = signature.New()
	}

	return &Orchestrator{
		rules:      cfg.Rules,
		l1:         transcache.New(cfg.L1Capacity),
		persistMgr: cfg.Persist,
		signatures: signatures,
		notifier:   cfg.Notifier,
		executor:   cfg.Executor,
		arena:      cfg.Arena,
		logger:     logger,
	}, nil
}

// Load prepares binary for execution starting at entryPoint: it derives
// the binary's content-addressed ID, attempts to restore an L2 cache
// for that ID, and runs static analysis to seed the signature database
// with function and loop candidates found before any block has
// actually executed.
func (o *Orchestrator) Load(binary []byte, entryPoint guest.Addr, creationNs int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	hash := guest.Hash64(hashengine.Sum64(binary, 0))
	id := guest.NewBinaryID(hash, creationNs)

	o.binaryID = id
	o.entryPoint = entryPoint
	o.size = len(binary)
	o.accessCount = make(map[guest.Addr]int)
	o.notified = make(map[guest.Addr]bool)
	o.iteration = 0
	o.l2Entries = make(map[guest.Hash64]persist.Entry)
	o.l2Blob = nil

	if o.persistMgr != nil {
		if cached, err := o.persistMgr.Load(id); err == nil {
			for _, e := range cached.Entries {
				o.l2Entries[e.X86Hash] = e
			}
			o.l2Blob = cached.Blob
			o.logger.Printf("orchestrator: restored %d cached translations for %s", len(cached.Entries), id)
		}
	}

	analyzer := signature.NewStaticAnalyzer(binary, entryPoint)
	sigs := analyzer.AnalyzeAndGenerateSignatures()
	o.signatures.BulkAdd(sigs)
	o.logger.Printf("orchestrator: static analysis seeded %d signatures for %s", len(sigs), id)

	return nil
}

// FindOrTranslate returns the host instruction words for the block
// starting at addr, translating and caching it if this is the first
// time it has been seen. The lookup order is L1, then L2, then a fresh
// translation.
func (o *Orchestrator) FindOrTranslate(addr guest.Addr) ([]uint32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.binaryID == "" {
		return nil, ErrNoBinaryLoaded
	}

	code, err := o.readBlock(addr)
	if err != nil {
		return nil, err
	}
	blockLen := x86decode.AnalyseBlock(code, len(code), o.rules)
	hash := guest.Hash64(hashengine.Sum64(code[:blockLen], 0))

	if entry, ok := o.l1.Lookup(hash); ok {
		return entry.HostWords, nil
	}

	if e, ok := o.l2Entries[hash]; ok {
		words, err := e.HostWords(o.l2Blob)
		if err == nil {
			o.l1.RecordL2Hit()
			o.l1.Store(transcache.Entry{Hash: hash, Addr: addr, HostWords: words})
			return words, nil
		}
		o.logger.Printf("orchestrator: discarding corrupted L2 entry for %s: %v", addr, err)
	}

	words := translate.TranslateBlock(code, blockLen, o.rules, o.logger)
	o.l1.Store(transcache.Entry{Hash: hash, Addr: addr, HostWords: words})

	if o.persistMgr != nil {
		offset, size := o.appendToBlob(words)
		o.l2Entries[hash] = persist.Entry{
			X86Addr:   addr,
			X86Size:   uint32(blockLen),
			X86Hash:   hash,
			ARMOffset: offset,
			ARMSize:   size,
		}
	}

	return words, nil
}

func (o *Orchestrator) appendToBlob(words []uint32) (offset uint64, size uint32) {
	o.l2Blob, offset, size = persist.AppendHostWords(o.l2Blob, words)
	return offset, size
}

func (o *Orchestrator) readBlock(addr guest.Addr) ([]byte, error) {
	if o.arena == nil {
		return nil, fmt.Errorf("orchestrator: no MemoryArena configured")
	}
	return o.arena.ReadAt(addr, guest.MaxBlockBytes)
}

// Run drives the load/execute loop from the binary's entry point until
// rip reaches or passes entryPoint+size, checkpointing every 100
// executed blocks. An rip below entryPoint does not end the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.binaryID == "" {
		o.mu.Unlock()
		return ErrNoBinaryLoaded
	}
	rip := o.entryPoint
	end := o.entryPoint + guest.Addr(o.size)
	o.mu.Unlock()

	if o.executor == nil {
		return fmt.Errorf("orchestrator: no Executor configured")
	}

	for rip < end {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		words, err := o.FindOrTranslate(rip)
		if err != nil {
			return fmt.Errorf("orchestrator: finding translation for %s: %w", rip, err)
		}

		o.recordAccess(rip)

		next, err := o.executor.Execute(rip, words)
		if err != nil {
			return fmt.Errorf("orchestrator: executing block at %s: %w", rip, err)
		}
		rip = next

		if o.shouldCheckpoint() {
			if err := o.Checkpoint(); err != nil {
				o.logger.Printf("orchestrator: checkpoint failed: %v", err)
			}
		}
	}

	return o.Checkpoint()
}

func (o *Orchestrator) recordAccess(addr guest.Addr) {
	o.mu.Lock()
	o.accessCount[addr]++
	count := o.accessCount[addr]
	alreadyNotified := o.notified[addr]
	if count > guest.HotAccessThreshold && !alreadyNotified {
		o.notified[addr] = true
	}
	o.mu.Unlock()

	if count > guest.HotAccessThreshold && !alreadyNotified && o.notifier != nil {
		o.notifier.Publish(&notify.OptimizationNotification{
			GuestAddr:   uint64(addr),
			AccessCount: uint32(count),
		})
	}
}

func (o *Orchestrator) shouldCheckpoint() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.iteration++
	return o.iteration%checkpointInterval == 0
}

// Checkpoint persists the current L2 index and blob for the loaded
// binary and blocks until the write is durable. Checkpoint is a no-op
// if no persistence manager is configured.
func (o *Orchestrator) Checkpoint() error {
	o.mu.Lock()
	if o.persistMgr == nil || o.binaryID == "" {
		o.mu.Unlock()
		return nil
	}
	id := o.binaryID
	entries := make([]persist.Entry, 0, len(o.l2Entries))
	for _, e := range o.l2Entries {
		entries = append(entries, e)
	}
	blob := o.l2Blob
	o.mu.Unlock()

	err := o.persistMgr.Save(id, persist.File{
		Header:  persist.Header{X86Hash: binaryHash(id)},
		Entries: entries,
		Blob:    blob,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: checkpoint save: %w", err)
	}
	return o.persistMgr.Flush()
}

func binaryHash(id guest.BinaryID) guest.Hash64 {
	h, err := id.Hash()
	if err != nil {
		return 0
	}
	return h
}

// Stats exposes the L1 cache's monotonic hit/miss counters for
// diagnostics.
func (o *Orchestrator) Stats() transcache.Stats {
	return o.l1.Stats
}
