// Package x86decode walks x86-64 machine code one instruction at a
// time using the decode hints in pkg/ruletables, and delimits basic
// blocks from a stream of such instructions.
package x86decode

import (
	"encoding/binary"

	"github.com/arcrosse/dbt/pkg/ruletables"
)

// Instruction is one decoded x86 instruction. Fields not present in
// the instruction (ModRM, SIB, Displacement, Immediate) are zero and
// their Has* flag is false.
type Instruction struct {
	Offset   int
	Opcode   byte
	Mnemonic string
	Length   int

	HasModRM bool
	ModRM    byte

	HasSIB bool
	SIB    byte

	HasDisplacement bool
	Displacement    int32

	HasImmediate bool
	Immediate    int32

	// Unknown is true when Opcode has no entry in the decode table.
	// The decoder still makes progress (Length is always >= 1) so
	// callers can keep scanning past unrecognised bytes.
	Unknown bool
}

// terminators are the opcodes that end a basic block. CALL is included
// alongside RET and JMP: a basic block never continues across a call,
// matching how block hashes are computed for the L2 cache, and is kept
// as-is rather than "fixed" to fall through, so cached block hashes
// stay stable across runs.
var terminators = map[byte]bool{
	0xC3: true, // RET
	0xE9: true, // JMP
	0xE8: true, // CALL
}

// Decode reads one instruction starting at offset. limit bounds how
// far into code the instruction may read; Decode never reads code[limit:].
// An opcode absent from table still makes forward progress (Length 1,
// Unknown true), but an instruction whose opcode is known and calls for
// a ModRM/SIB/displacement/immediate field that doesn't fully fit within
// limit is truncated: Decode returns it with Length 0 so the caller stops
// the walk there rather than emitting a partially-read instruction.
func Decode(code []byte, offset, limit int, table *ruletables.Store) Instruction {
	if offset < 0 || offset >= limit || offset >= len(code) {
		return Instruction{Offset: offset, Length: 1, Unknown: true}
	}

	opcode := code[offset]
	def, ok := table.X86(opcode)
	if !ok {
		return Instruction{Offset: offset, Opcode: opcode, Length: 1, Unknown: true}
	}

	inst := Instruction{Offset: offset, Opcode: opcode, Mnemonic: def.Mnemonic}
	i := offset + 1

	if def.HasModRM {
		if i >= limit || i >= len(code) {
			return Instruction{Offset: offset, Opcode: opcode, Mnemonic: def.Mnemonic}
		}
		modrm := code[i]
		inst.HasModRM = true
		inst.ModRM = modrm
		i++

		mod := (modrm >> 6) & 0x3
		rm := modrm & 0x7

		if def.HasSIB && rm == 4 && mod != 3 {
			if i >= limit || i >= len(code) {
				return Instruction{Offset: offset, Opcode: opcode, Mnemonic: def.Mnemonic}
			}
			inst.HasSIB = true
			inst.SIB = code[i]
			i++
		}

		if def.HasDisplacement {
			switch mod {
			case 1:
				if i >= limit || i >= len(code) {
					return Instruction{Offset: offset, Opcode: opcode, Mnemonic: def.Mnemonic}
				}
				inst.HasDisplacement = true
				inst.Displacement = int32(int8(code[i]))
				i++
			case 2:
				end := i + 4
				if end > limit || end > len(code) {
					return Instruction{Offset: offset, Opcode: opcode, Mnemonic: def.Mnemonic}
				}
				inst.HasDisplacement = true
				inst.Displacement = int32(binary.LittleEndian.Uint32(code[i:end]))
				i = end
			}
		}
	}

	if def.HasImmediate {
		end := i + 4
		if end > limit || end > len(code) {
			return Instruction{Offset: offset, Opcode: opcode, Mnemonic: def.Mnemonic}
		}
		inst.HasImmediate = true
		inst.Immediate = int32(binary.LittleEndian.Uint32(code[i:end]))
		i = end
	}

	inst.Length = i - offset
	return inst
}

// AnalyseBlock walks code from offset 0 until it hits a terminating
// instruction (RET, JMP, or CALL), a truncated instruction, runs out of
// bytes, or reaches max, and returns the resulting block length in
// bytes. A block that starts with a truncated instruction has length 0;
// per the translator's edge-case handling, a length-0 block is valid and
// yields a single-NOP host block rather than any partial translation.
func AnalyseBlock(code []byte, max int, table *ruletables.Store) int {
	limit := max
	if limit > len(code) {
		limit = len(code)
	}
	if limit <= 0 {
		return 0
	}

	offset := 0
	for offset < limit {
		inst := Decode(code, offset, limit, table)
		if inst.Length == 0 {
			break
		}
		offset += inst.Length
		if terminators[inst.Opcode] && !inst.Unknown {
			break
		}
	}
	if offset > limit {
		offset = limit
	}
	return offset
}
