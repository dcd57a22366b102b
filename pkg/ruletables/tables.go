// Package ruletables loads and serves the static lookup tables that
// drive decoding and translation: the x86 decode table, the AArch64
// encoding table (advisory, used only by diagnostics), the translation
// rule table, the informational register map, and peephole patterns.
//
// Every table is keyed and queried independently, and every loader falls
// back to a small hardcoded default when its source file is absent, so
// the translator is bootstrappable without any external input.
package ruletables

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// X86Decode describes how to walk one x86 instruction given its opcode
// byte: whether it carries a ModR/M byte, an SIB byte, a displacement,
// and/or a 4-byte immediate.
type X86Decode struct {
	Opcode          byte
	Mnemonic        string
	BaseLength      int
	HasModRM        bool
	HasSIB          bool
	HasDisplacement bool
	HasImmediate    bool
}

// ARMEncoding is an advisory AArch64 instruction-word descriptor used by
// diagnostics; it has no effect on translation.
type ARMEncoding struct {
	Opcode   uint32
	Mnemonic string
	Mask     uint32
	Value    uint32
}

// TranslationRule maps one x86 opcode to the ordered sequence of AArch64
// instruction words it translates to.
type TranslationRule struct {
	Opcode      byte
	HostWords   []uint32
	Description string
}

// RegisterMapEntry is one row of the informational x86-to-AArch64
// register map. It is not consulted by the decoder or translator; it is
// a reference table for diagnostics and for resolving the register-map
// open question in DESIGN.md.
type RegisterMapEntry struct {
	X86Name     string
	ArmName     string
	Description string
}

// PatternByte is one byte of a peephole pattern's x86 side: either a
// fixed value to match exactly, or a wildcard ("XX") matching any byte —
// used for relocatable immediates.
type PatternByte struct {
	Value     byte
	Wildcard  bool
}

// PeepholePattern is a relocatable x86-byte-sequence-to-ARM-words rule,
// used by more aggressive translation paths than the baseline
// one-instruction-at-a-time translator.
type PeepholePattern struct {
	ID          string
	X86Pattern  []PatternByte
	ARMWords    []uint32
	Description string
}

// Store holds all loaded tables. Lookups are O(1) by opcode except for
// peephole pattern matching, which callers scan linearly.
type Store struct {
	x86   map[byte]X86Decode
	arm   map[uint32]ARMEncoding
	rules map[byte]TranslationRule

	// ruleOrder preserves load order so "first match wins" is reflected
	// even if a caller chooses to iterate instead of using Rule().
	ruleOrder []byte

	RegisterMap []RegisterMapEntry
	Peepholes   []PeepholePattern
}

// NewEmptyStore returns a Store with no entries, for callers that want
// to build one up by hand (tests, in particular).
func NewEmptyStore() *Store {
	return &Store{
		x86:   make(map[byte]X86Decode),
		arm:   make(map[uint32]ARMEncoding),
		rules: make(map[byte]TranslationRule),
	}
}

// X86 looks up the decode hint for an opcode byte.
func (s *Store) X86(opcode byte) (X86Decode, bool) {
	d, ok := s.x86[opcode]
	return d, ok
}

// ARM looks up the advisory encoding descriptor for an AArch64 opcode
// word.
func (s *Store) ARM(opcode uint32) (ARMEncoding, bool) {
	d, ok := s.arm[opcode]
	return d, ok
}

// Rule returns the first-loaded translation rule for an x86 opcode.
func (s *Store) Rule(opcode byte) (TranslationRule, bool) {
	r, ok := s.rules[opcode]
	return r, ok
}

// addRule records a translation rule, keeping only the first one loaded
// for a given opcode ("first match wins"); duplicates are accepted and
// silently ignored for ordering but not rejected.
func (s *Store) addRule(r TranslationRule) {
	if _, exists := s.rules[r.Opcode]; exists {
		return
	}
	s.rules[r.Opcode] = r
	s.ruleOrder = append(s.ruleOrder, r.Opcode)
}

// scanLines runs fn over every non-blank line of path that does not
// start with "#". The line is passed unchanged, so a trailing "# ..."
// comment is left for fn to handle. It reports whether the file could
// be opened at all.
func scanLines(path string, fn func(line string) error) (opened bool, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		return false, nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if err := fn(line); err != nil {
			return true, err
		}
	}
	return true, sc.Err()
}

func parseHexByte(s string) (byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid hex byte %q: %w", s, err)
	}
	return byte(v), nil
}

func parseHexU32(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex word %q: %w", s, err)
	}
	return uint32(v), nil
}

func parseBoolFlag(s string) bool { return s == "1" }
