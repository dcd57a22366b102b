package ruletables

import (
	"fmt"
	"sort"
	"strings"
)

// seedDefaultX86 installs the bootstrap x86 decode table: NOP, MOV, ADD,
// SUB, CALL, RET, and the two-byte SIMD opcode prefix.
func (s *Store) seedDefaultX86() {
	for _, d := range []X86Decode{
		{Opcode: 0x90, Mnemonic: "NOP", BaseLength: 1},
		{Opcode: 0x89, Mnemonic: "MOV", BaseLength: 2, HasModRM: true, HasSIB: true, HasDisplacement: true},
		{Opcode: 0x01, Mnemonic: "ADD", BaseLength: 2, HasModRM: true, HasSIB: true, HasDisplacement: true},
		{Opcode: 0x29, Mnemonic: "SUB", BaseLength: 2, HasModRM: true, HasSIB: true, HasDisplacement: true},
		{Opcode: 0xE8, Mnemonic: "CALL", BaseLength: 5, HasImmediate: true},
		{Opcode: 0xC3, Mnemonic: "RET", BaseLength: 1},
		{Opcode: 0x0F, Mnemonic: "SIMD_PREFIX", BaseLength: 1},
	} {
		s.x86[d.Opcode] = d
	}
}

// seedDefaultARM installs advisory encoding descriptors matching the
// default translation rules below.
func (s *Store) seedDefaultARM() {
	for _, e := range []ARMEncoding{
		{Opcode: 0xD503201F, Mnemonic: "NOP", Mask: 0xFFFFFFFF, Value: 0xD503201F},
		{Opcode: 0xAA0003E0, Mnemonic: "MOV", Mask: 0xFFE0FFFF, Value: 0xAA0003E0},
		{Opcode: 0x8B010000, Mnemonic: "ADD", Mask: 0xFFE0FC00, Value: 0x8B010000},
		{Opcode: 0xCB010000, Mnemonic: "SUB", Mask: 0xFFE0FC00, Value: 0xCB010000},
	} {
		s.arm[e.Opcode] = e
	}
}

// seedDefaultRules installs the bootstrap translation rule table. RET's
// two host words (load the link register back off the stack, then
// return) match scenario 1 of the testable properties exactly.
func (s *Store) seedDefaultRules() {
	for _, r := range []TranslationRule{
		{Opcode: 0x90, HostWords: []uint32{0xD503201F}, Description: "NOP -> NOP"},
		{Opcode: 0x89, HostWords: []uint32{0xAA0003E0}, Description: "MOV reg, reg -> MOV X0, X0"},
		{Opcode: 0x01, HostWords: []uint32{0x8B010000}, Description: "ADD reg, reg -> ADD X0, X0, X1"},
		{Opcode: 0x29, HostWords: []uint32{0xCB010000}, Description: "SUB reg, reg -> SUB X0, X0, X1"},
		{Opcode: 0xE8, HostWords: []uint32{0xF81F0FE0, 0x94000000}, Description: "CALL -> STR X0, [SP, -16]! + BL"},
		{Opcode: 0xC3, HostWords: []uint32{0xF84107E0, 0xD65F03C0}, Description: "RET -> LDR lr, [sp], 16 + RET"},
		{Opcode: 0x0F, HostWords: []uint32{0x4EA01C00}, Description: "SIMD -> MOV NEON"},
	} {
		s.addRule(r)
	}
}

// seedDefaultRegisterMap installs the x86-to-AArch64 register map.
// Authoritative per DESIGN.md's resolution of the register-mapping open
// question: r13-r15 ARE carried across, unlike a CPU-state struct that
// disagrees with this table would suggest.
func (s *Store) seedDefaultRegisterMap() {
	s.RegisterMap = []RegisterMapEntry{
		{X86Name: "rax", ArmName: "x0", Description: "accumulator"},
		{X86Name: "rbx", ArmName: "x1"},
		{X86Name: "rcx", ArmName: "x2"},
		{X86Name: "rdx", ArmName: "x3"},
		{X86Name: "rsi", ArmName: "x4"},
		{X86Name: "rdi", ArmName: "x5"},
		{X86Name: "rbp", ArmName: "x6", Description: "frame pointer"},
		{X86Name: "rsp", ArmName: "sp", Description: "stack pointer"},
		{X86Name: "r8", ArmName: "x8"},
		{X86Name: "r9", ArmName: "x9"},
		{X86Name: "r10", ArmName: "x10"},
		{X86Name: "r11", ArmName: "x11"},
		{X86Name: "r12", ArmName: "x12"},
		{X86Name: "r13", ArmName: "x13"},
		{X86Name: "r14", ArmName: "x14"},
		{X86Name: "r15", ArmName: "x15"},
		{X86Name: "rip", ArmName: "pc", Description: "host pc is implicit; not materialised"},
	}
}

// seedDefaultPeepholes installs one illustrative relocatable-call
// pattern: a CALL rel32 whose 4-byte displacement is wildcarded because
// it is only meaningful relative to the guest image, not to a
// relocated copy.
func (s *Store) seedDefaultPeepholes() {
	s.Peepholes = []PeepholePattern{
		{
			ID: "call-rel32",
			X86Pattern: []PatternByte{
				{Value: 0xE8},
				{Wildcard: true}, {Wildcard: true}, {Wildcard: true}, {Wildcard: true},
			},
			ARMWords:    []uint32{0xF81F0FE0, 0x94000000},
			Description: "relocatable CALL rel32 -> STR X0, [SP, -16]! + BL",
		},
	}
}

func (s *Store) writeX86(path string) error {
	var b strings.Builder
	b.WriteString("# x86 decode table for the x86-to-AArch64 translator\n")
	b.WriteString("# opcode mnemonic size has_modrm has_sib has_displacement has_immediate\n")
	for _, d := range sortedX86(s.x86) {
		fmt.Fprintf(&b, "0x%02X %s %d %s %s %s %s\n",
			d.Opcode, d.Mnemonic, d.BaseLength,
			boolFlag(d.HasModRM), boolFlag(d.HasSIB), boolFlag(d.HasDisplacement), boolFlag(d.HasImmediate))
	}
	return writeFile(path, b.String())
}

func (s *Store) writeARM(path string) error {
	var b strings.Builder
	b.WriteString("# AArch64 encoding table (advisory; diagnostics only)\n")
	b.WriteString("# opcode mnemonic mask value\n")
	for _, e := range sortedARM(s.arm) {
		fmt.Fprintf(&b, "0x%08X %s 0x%08X 0x%08X\n", e.Opcode, e.Mnemonic, e.Mask, e.Value)
	}
	return writeFile(path, b.String())
}

func (s *Store) writeRules(path string) error {
	var b strings.Builder
	b.WriteString("# translation rule table\n")
	b.WriteString("# x86_opcode arm_word_1 arm_word_2 ... # description\n")
	for _, opcode := range s.ruleOrder {
		r := s.rules[opcode]
		fmt.Fprintf(&b, "0x%02X", r.Opcode)
		for _, w := range r.HostWords {
			fmt.Fprintf(&b, " 0x%08X", w)
		}
		if r.Description != "" {
			fmt.Fprintf(&b, " # %s", r.Description)
		}
		b.WriteByte('\n')
	}
	return writeFile(path, b.String())
}

func (s *Store) writeRegisterMap(path string) error {
	var b strings.Builder
	b.WriteString("# register map (informational; not consulted by decode/translate)\n")
	b.WriteString("# x86_name arm_name description\n")
	for _, e := range s.RegisterMap {
		fmt.Fprintf(&b, "%s %s %s\n", e.X86Name, e.ArmName, e.Description)
	}
	return writeFile(path, b.String())
}

func (s *Store) writePeepholes(path string) error {
	var b strings.Builder
	b.WriteString("# peephole patterns; XX marks a wildcard byte\n")
	b.WriteString("# ID x86_bytes... ARM_words... # description\n")
	for _, p := range s.Peepholes {
		fmt.Fprintf(&b, "%s", p.ID)
		for _, pb := range p.X86Pattern {
			if pb.Wildcard {
				b.WriteString(" XX")
			} else {
				fmt.Fprintf(&b, " 0x%02X", pb.Value)
			}
		}
		for _, w := range p.ARMWords {
			fmt.Fprintf(&b, " 0x%08X", w)
		}
		if p.Description != "" {
			fmt.Fprintf(&b, " # %s", p.Description)
		}
		b.WriteByte('\n')
	}
	return writeFile(path, b.String())
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func sortedX86(m map[byte]X86Decode) []X86Decode {
	out := make([]X86Decode, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Opcode < out[j].Opcode })
	return out
}

func sortedARM(m map[uint32]ARMEncoding) []ARMEncoding {
	out := make([]ARMEncoding, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Opcode < out[j].Opcode })
	return out
}
