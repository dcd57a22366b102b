// Package guest defines the value types shared across the translator:
// guest/host virtual addresses, content fingerprints, and binary
// identifiers. It has no behaviour of its own.
package guest

import (
	"fmt"
	"strconv"
	"strings"
)

// Addr is a guest or host virtual address.
type Addr uint64

// String renders an address in the hex form used throughout translator
// logging.
func (a Addr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// Hash64 is a 64-bit content fingerprint produced by pkg/hashengine.
type Hash64 uint64

// MaxBlockBytes is the default maximum length of a guest basic block.
const MaxBlockBytes = 1024

// HotAccessThreshold is the access count beyond which a translation
// entry is considered hot and becomes eviction-resistant.
const HotAccessThreshold = 10

// BinaryID identifies one guest binary across runs. Its textual form is
// "<hex-hash>_<creation-epoch-ns>": the hash component is stable across
// runs for identical bytes, the suffix disambiguates hash collisions and
// cache regenerations.
type BinaryID string

// NewBinaryID formats a BinaryID from a content hash and a creation
// timestamp in nanoseconds since the Unix epoch.
func NewBinaryID(hash Hash64, creationNs int64) BinaryID {
	return BinaryID(fmt.Sprintf("%x_%d", uint64(hash), creationNs))
}

// Hash extracts the hash component of a BinaryID.
func (b BinaryID) Hash() (Hash64, error) {
	hexPart, _, ok := strings.Cut(string(b), "_")
	if !ok {
		return 0, fmt.Errorf("binary id %q: missing creation-time suffix", b)
	}
	v, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("binary id %q: %w", b, err)
	}
	return Hash64(v), nil
}

// String implements fmt.Stringer.
func (b BinaryID) String() string { return string(b) }
