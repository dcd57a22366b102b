// Package translate turns a decoded x86 basic block into AArch64
// instruction words, one x86 instruction at a time, using the
// translation rule table from pkg/ruletables.
package translate

import (
	"log"

	"github.com/arcrosse/dbt/pkg/ruletables"
	"github.com/arcrosse/dbt/pkg/x86decode"
)

// nopFill is emitted in place of any x86 instruction with no matching
// translation rule.
const nopFill uint32 = 0xD503201F

// TranslateBlock walks guest starting at offset 0 for exactly blockLen
// bytes (as delimited by x86decode.AnalyseBlock) and returns the
// AArch64 instruction words the block translates to. Every x86
// instruction contributes its rule's host words in order; an
// instruction with no matching rule contributes a single NOP and is
// logged, matching the original translator's behaviour for
// unsupported opcodes. A zero-length block (a block that collapsed to
// nothing because its first instruction was truncated) is valid and
// also yields a single NOP, rather than an empty host block.
// TranslateBlock never fails: an unsupported or truncated instruction
// degrades to a NOP rather than aborting translation.
func TranslateBlock(guest []byte, blockLen int, rules *ruletables.Store, logger *log.Logger) []uint32 {
	if logger == nil {
		logger = log.Default()
	}

	limit := blockLen
	if limit > len(guest) {
		limit = len(guest)
	}
	if limit <= 0 {
		return []uint32{nopFill}
	}

	var words []uint32
	offset := 0
	for offset < limit {
		inst := x86decode.Decode(guest, offset, limit, rules)
		if inst.Length == 0 {
			if len(words) == 0 {
				words = append(words, nopFill)
			}
			break
		}

		if rule, ok := rules.Rule(inst.Opcode); ok && !inst.Unknown {
			words = append(words, rule.HostWords...)
		} else {
			logger.Printf("translate: unsupported x86 opcode %#02x at offset %d, emitting NOP", inst.Opcode, offset)
			words = append(words, nopFill)
		}

		offset += inst.Length
	}
	return words
}
