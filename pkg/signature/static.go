package signature

import (
	"github.com/arcrosse/dbt/internal/guest"
	"github.com/arcrosse/dbt/pkg/hashengine"
)

// functionPrologue is the byte sequence "push rbp; mov rbp, rsp", used
// as a cheap heuristic for "a function starts here".
var functionPrologue = []byte{0x55, 0x48, 0x89, 0xE5}

// maxFunctionScan bounds how far past a prologue StaticAnalyzer looks
// for the matching RET, so a missing return doesn't turn the scan
// quadratic over a large image.
const maxFunctionScan = 10000

// FunctionCandidate is a function-prologue-to-return span found by
// static scanning.
type FunctionCandidate struct {
	Address guest.Addr
	Size    int
}

// LoopCandidate is a decrement-and-branch-backward span found by
// static scanning.
type LoopCandidate struct {
	Address guest.Addr
	Size    int
}

// StaticAnalyzer finds function and loop candidates in a guest image by
// byte-pattern scanning, without decoding instructions. It is a cheap
// first pass that seeds the signature database before any block is
// ever executed.
type StaticAnalyzer struct {
	code []byte
	base guest.Addr
}

// NewStaticAnalyzer scans code, whose first byte sits at base in the
// guest address space.
func NewStaticAnalyzer(code []byte, base guest.Addr) *StaticAnalyzer {
	return &StaticAnalyzer{code: code, base: base}
}

// FindFunctions scans for the "push rbp; mov rbp, rsp" prologue and,
// for each one found, the next RET (0xC3) within maxFunctionScan bytes.
// A prologue with no RET in range is skipped.
func (a *StaticAnalyzer) FindFunctions() []FunctionCandidate {
	var out []FunctionCandidate

	for i := 0; i+len(functionPrologue) <= len(a.code); i++ {
		if !bytesEqual(a.code[i:i+len(functionPrologue)], functionPrologue) {
			continue
		}

		scanEnd := i + maxFunctionScan
		if scanEnd > len(a.code) {
			scanEnd = len(a.code)
		}

		for j := i + len(functionPrologue); j < scanEnd; j++ {
			if a.code[j] == 0xC3 {
				out = append(out, FunctionCandidate{
					Address: a.base + guest.Addr(i),
					Size:    j - i + 1,
				})
				break
			}
		}
	}
	return out
}

// FindLoops scans for "dec eax" (0xFF 0xC8) followed by a short
// conditional jump (0x75, JNZ) whose signed 8-bit offset is negative,
// which together are the idiom for a simple counted-loop backward
// branch. The loop's start is taken to be |offset| bytes before the dec
// instruction, and its size runs from there through the end of the jnz.
func (a *StaticAnalyzer) FindLoops() []LoopCandidate {
	var out []LoopCandidate

	for i := 0; i+3 < len(a.code); i++ {
		if a.code[i] != 0xFF || a.code[i+1] != 0xC8 {
			continue
		}
		if a.code[i+2] != 0x75 {
			continue
		}
		offset := int8(a.code[i+3])
		if offset >= 0 {
			continue
		}

		loopSize := int(-offset) + 4
		start := i - loopSize + 4
		if start < 0 {
			continue
		}

		out = append(out, LoopCandidate{
			Address: a.base + guest.Addr(start),
			Size:    loopSize,
		})
	}
	return out
}

// AnalyzeAndGenerateSignatures runs FindFunctions and FindLoops and
// turns each candidate into a Signature: function signatures mask off
// the displacement bytes of any short/near jump or call/jmp found
// inside them (0.85 threshold, since a function's relative branches
// vary by relocation), loop signatures keep every byte significant
// (0.9 threshold, since a hand-decrement loop's body rarely varies).
func (a *StaticAnalyzer) AnalyzeAndGenerateSignatures() []Signature {
	var out []Signature

	for _, fn := range a.FindFunctions() {
		start := int(fn.Address - a.base)
		sample := a.code[start : start+fn.Size]
		mask := allOnes(len(sample))
		maskRelativeDisplacements(sample, mask)

		sig := Signature{
			Hash:      guest.Hash64(hashengine.Sum64(sample, 0)),
			Type:      Function,
			Address:   fn.Address,
			Size:      fn.Size,
			Bytes:     append([]byte(nil), sample...),
			Mask:      mask,
			Threshold: 0.85,
		}
		out = append(out, sig)
	}

	for _, lp := range a.FindLoops() {
		start := int(lp.Address - a.base)
		if start < 0 || start+lp.Size > len(a.code) {
			continue
		}
		sample := a.code[start : start+lp.Size]

		sig := Signature{
			Hash:      guest.Hash64(hashengine.Sum64(sample, 0)),
			Type:      Loop,
			Address:   lp.Address,
			Size:      lp.Size,
			Bytes:     append([]byte(nil), sample...),
			Mask:      allOnes(len(sample)),
			Threshold: 0.9,
		}
		out = append(out, sig)
	}

	return out
}

// maskRelativeDisplacements zeroes out, in-place on mask, the
// displacement byte(s) following a short conditional jump (0x70-0x7F,
// one byte) or a near call/jmp (0xE8/0xE9, four bytes), so a relocated
// copy of the same function still fuzzy-matches its signature.
func maskRelativeDisplacements(sample, mask []byte) {
	for i := 0; i < len(sample); i++ {
		op := sample[i]
		switch {
		case op >= 0x70 && op <= 0x7F:
			if i+1 < len(mask) {
				mask[i+1] = 0
			}
		case op == 0xE8 || op == 0xE9:
			for k := 1; k <= 4 && i+k < len(mask); k++ {
				mask[i+k] = 0
			}
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
