// Package signature implements fuzzy matching of recurring guest basic
// blocks. A block that is byte-for-byte identical to a previously seen
// block matches exactly by content hash; a block that differs only in
// the bytes a signature's mask marks as insignificant (typically a
// relocatable displacement or immediate) still matches, within a
// per-signature similarity threshold.
package signature

import (
	"fmt"
	"sync"

	"github.com/arcrosse/dbt/internal/guest"
	"github.com/arcrosse/dbt/pkg/hashengine"
)

// BlockType classifies what a signature was recognised as, either by
// static analysis or by caller annotation.
type BlockType int

const (
	Generic BlockType = iota
	Function
	Loop
	Branch
	SIMD
	Hotspot
)

func (t BlockType) String() string {
	switch t {
	case Function:
		return "function"
	case Loop:
		return "loop"
	case Branch:
		return "branch"
	case SIMD:
		return "simd"
	case Hotspot:
		return "hotspot"
	default:
		return "generic"
	}
}

// Signature is one recognised block pattern. Bytes holds the sample
// block the signature was built from; Mask has the same length and
// marks which of those bytes a candidate must match exactly (1) versus
// may differ on (0). Threshold is the minimum fraction of masked bytes
// that must agree for a fuzzy match.
type Signature struct {
	Hash      guest.Hash64
	Type      BlockType
	Address   guest.Addr
	Size      int
	Bytes     []byte
	Mask      []byte
	Threshold float64
}

// Engine holds the signature database and a small memoisation cache of
// recent match results, keyed by the content hash of the block that was
// looked up. All methods are safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	db         map[guest.Hash64]Signature
	matchCache map[guest.Hash64]guest.Hash64
}

// New returns an empty signature engine.
func New() *Engine {
	return &Engine{
		db:         make(map[guest.Hash64]Signature),
		matchCache: make(map[guest.Hash64]guest.Hash64),
	}
}

// Add records a signature, keyed by its Hash. A later Add for the same
// hash overwrites the earlier one.
func (e *Engine) Add(sig Signature) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.db[sig.Hash] = sig
}

// BulkAdd records many signatures at once, holding the lock for the
// whole batch rather than once per signature.
func (e *Engine) BulkAdd(sigs []Signature) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sig := range sigs {
		e.db[sig.Hash] = sig
	}
}

// FindMatch looks up block, first by exact content hash (checking the
// memoisation cache, then the signature database), and failing that by
// a linear fuzzy scan over same-size signatures using each candidate's
// mask. A successful fuzzy match is memoised under block's hash so a
// repeat lookup of the identical bytes is O(1).
func (e *Engine) FindMatch(block []byte) (Signature, bool) {
	h := guest.Hash64(hashengine.Sum64(block, 0))

	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.matchCache[h]; ok {
		sig, ok := e.db[cached]
		return sig, ok
	}

	if sig, ok := e.db[h]; ok {
		e.matchCache[h] = h
		return sig, true
	}

	for _, sig := range e.db {
		if len(sig.Bytes) != len(block) {
			continue
		}
		if compareWithMask(block, sig.Bytes, sig.Mask) >= sig.Threshold {
			e.matchCache[h] = sig.Hash
			return sig, true
		}
	}

	return Signature{}, false
}

// compareWithMask returns the fraction of mask-significant byte
// positions at which a and b agree. A mask byte of 0 means "don't
// care" and that position is excluded from both the numerator and the
// denominator. A signature with an all-zero mask (or no significant
// bytes at all) never fuzzy-matches anything, reported as 0.
func compareWithMask(a, b, mask []byte) float64 {
	var matches, total int
	for i := range mask {
		if mask[i] == 0 {
			continue
		}
		total++
		if a[i] == b[i] {
			matches++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matches) / float64(total)
}

// GenerateMask builds a mask from a set of observed variants of what
// should be "the same" block: a byte position stays significant (1)
// only if every variant agrees on it. Variants of differing length
// yield an all-zero mask, since no fixed-position mask can describe
// them.
func GenerateMask(variants [][]byte) []byte {
	if len(variants) == 0 {
		return nil
	}
	size := len(variants[0])
	for _, v := range variants {
		if len(v) != size {
			return make([]byte, size)
		}
	}

	mask := make([]byte, size)
	for i := range mask {
		mask[i] = 1
	}
	for _, v := range variants[1:] {
		for i := 0; i < size; i++ {
			if v[i] != variants[0][i] {
				mask[i] = 0
			}
		}
	}
	return mask
}

// allOnes returns a mask the same length as block with every byte
// significant, for signatures built from a single exact sample rather
// than multiple variants.
func allOnes(n int) []byte {
	m := make([]byte, n)
	for i := range m {
		m[i] = 1
	}
	return m
}

// IdentifyPatterns looks for byte substrings at least 16 bytes long
// that recur at least 3 times across *other* blocks, and returns one
// generic signature per distinct pattern found, longest pattern_len
// tried first descending from half the block's length down to 16. A
// pattern that only repeats within the block it was extracted from does
// not count: occurrences are only tallied against blocks other than the
// source block, matching the reference signature engine's "skip the
// current block" exclusion.
func IdentifyPatterns(blocks [][]byte) []Signature {
	var out []Signature
	seen := make(map[string]bool)

	for i, block := range blocks {
		maxLen := len(block) / 2
		for patternLen := maxLen; patternLen >= 16; patternLen-- {
			for start := 0; start+patternLen <= len(block); start++ {
				pattern := block[start : start+patternLen]
				key := string(pattern)
				if seen[key] {
					continue
				}

				occurrences := countOccurrences(blocks, i, pattern)
				if occurrences < 3 {
					continue
				}
				seen[key] = true

				sample := append([]byte(nil), pattern...)
				out = append(out, Signature{
					Hash:      guest.Hash64(hashengine.Sum64(sample, 0)),
					Type:      Generic,
					Size:      len(sample),
					Bytes:     sample,
					Mask:      allOnes(len(sample)),
					Threshold: 0.9,
				})
			}
		}
	}
	return out
}

// countOccurrences counts exact occurrences of pattern across blocks
// other than sourceIdx.
func countOccurrences(blocks [][]byte, sourceIdx int, pattern []byte) int {
	count := 0
	for j, block := range blocks {
		if j == sourceIdx {
			continue
		}
		for start := 0; start+len(pattern) <= len(block); start++ {
			if string(block[start:start+len(pattern)]) == string(pattern) {
				count++
			}
		}
	}
	return count
}

// Stats returns the number of signatures recorded per BlockType.
func (e *Engine) Stats() map[BlockType]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := make(map[BlockType]int)
	for _, sig := range e.db {
		stats[sig.Type]++
	}
	return stats
}

// Clear removes every signature and discards the match memoisation
// cache.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.db = make(map[guest.Hash64]Signature)
	e.matchCache = make(map[guest.Hash64]guest.Hash64)
}

// Len reports how many signatures are currently recorded.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.db)
}

// snapshot returns a point-in-time copy of every signature, for
// persistence.
func (e *Engine) snapshot() []Signature {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Signature, 0, len(e.db))
	for _, sig := range e.db {
		out = append(out, sig)
	}
	return out
}

func validateBlockType(t BlockType) error {
	if t < Generic || t > Hotspot {
		return fmt.Errorf("signature: invalid block type %d", t)
	}
	return nil
}
