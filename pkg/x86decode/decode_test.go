package x86decode

import (
	"testing"

	"github.com/arcrosse/dbt/pkg/ruletables"
)

func loadTable(t *testing.T) *ruletables.Store {
	t.Helper()
	s, err := ruletables.Load(t.TempDir())
	if err != nil {
		t.Fatalf("ruletables.Load: %v", err)
	}
	return s
}

func TestDecodeSingleByteOpcodes(t *testing.T) {
	table := loadTable(t)

	for _, tc := range []struct {
		name   string
		opcode byte
	}{
		{"NOP", 0x90},
		{"RET", 0xC3},
	} {
		code := []byte{tc.opcode}
		inst := Decode(code, 0, len(code), table)
		if inst.Unknown {
			t.Errorf("%s: decoded as unknown", tc.name)
		}
		if inst.Length != 1 {
			t.Errorf("%s: Length = %d, want 1", tc.name, inst.Length)
		}
	}
}

func TestDecodeModRMInstruction(t *testing.T) {
	table := loadTable(t)

	// MOV with mod=01 (1-byte displacement): opcode, modrm, disp8
	code := []byte{0x89, 0x45, 0xFC}
	inst := Decode(code, 0, len(code), table)
	if inst.Unknown {
		t.Fatal("MOV decoded as unknown")
	}
	if !inst.HasModRM {
		t.Error("expected HasModRM")
	}
	if !inst.HasDisplacement {
		t.Error("expected HasDisplacement for mod=01")
	}
	if inst.Displacement != -4 {
		t.Errorf("Displacement = %d, want -4", inst.Displacement)
	}
	if inst.Length != 3 {
		t.Errorf("Length = %d, want 3", inst.Length)
	}
}

func TestDecodeModRMWithFourByteDisplacement(t *testing.T) {
	table := loadTable(t)

	// mod=10: 4-byte displacement
	code := []byte{0x89, 0x85, 0x10, 0x00, 0x00, 0x00}
	inst := Decode(code, 0, len(code), table)
	if !inst.HasDisplacement {
		t.Fatal("expected HasDisplacement for mod=10")
	}
	if inst.Displacement != 0x10 {
		t.Errorf("Displacement = %#x, want 0x10", inst.Displacement)
	}
	if inst.Length != 6 {
		t.Errorf("Length = %d, want 6", inst.Length)
	}
}

func TestDecodeCallImmediate(t *testing.T) {
	table := loadTable(t)

	code := []byte{0xE8, 0x01, 0x00, 0x00, 0x00}
	inst := Decode(code, 0, len(code), table)
	if !inst.HasImmediate {
		t.Fatal("expected HasImmediate for CALL")
	}
	if inst.Immediate != 1 {
		t.Errorf("Immediate = %d, want 1", inst.Immediate)
	}
	if inst.Length != 5 {
		t.Errorf("Length = %d, want 5", inst.Length)
	}
}

// TestDecodeUnknownOpcodeMakesProgress is the decoder-totality property:
// an opcode absent from the table must still consume at least one byte
// rather than looping forever or panicking.
func TestDecodeUnknownOpcodeMakesProgress(t *testing.T) {
	table := loadTable(t)

	code := []byte{0xF0, 0x90}
	inst := Decode(code, 0, len(code), table)
	if !inst.Unknown {
		t.Error("expected opcode 0xF0 to be unknown")
	}
	if inst.Length != 1 {
		t.Errorf("Length = %d, want 1", inst.Length)
	}
}

// TestDecodeTruncatedInstructionReturnsZeroLength exercises the
// limit-bound edge case: a ModRM/displacement instruction cut off by
// limit must not read past it, and is reported as truncated (Length 0)
// rather than as a partially-decoded instruction.
func TestDecodeTruncatedInstructionReturnsZeroLength(t *testing.T) {
	table := loadTable(t)

	code := []byte{0x89} // MOV opcode, nothing else
	inst := Decode(code, 0, len(code), table)
	if inst.Length != 0 {
		t.Errorf("Length = %d, want 0", inst.Length)
	}
	if inst.HasModRM {
		t.Error("truncated MOV should not have read a ModRM byte past limit")
	}
}

func TestDecodeOffsetAtOrPastLimit(t *testing.T) {
	table := loadTable(t)
	code := []byte{0x90, 0x90}

	inst := Decode(code, 2, 2, table)
	if !inst.Unknown || inst.Length != 1 {
		t.Errorf("Decode at offset==limit = %+v, want Unknown Length=1", inst)
	}
}

func TestAnalyseBlockStopsAtReturn(t *testing.T) {
	table := loadTable(t)

	// NOP then RET: scenario 1's guest block.
	code := []byte{0x90, 0xC3}
	n := AnalyseBlock(code, len(code), table)
	if n != 2 {
		t.Errorf("AnalyseBlock = %d, want 2", n)
	}
}

// TestAnalyseBlockTerminatesOnCall pins the deliberately preserved
// quirk that a block never continues across a CALL.
func TestAnalyseBlockTerminatesOnCall(t *testing.T) {
	table := loadTable(t)

	code := []byte{0x90, 0xE8, 0x00, 0x00, 0x00, 0x00, 0x90, 0x90}
	n := AnalyseBlock(code, len(code), table)
	if n != 6 {
		t.Errorf("AnalyseBlock = %d, want 6 (stop after the 5-byte CALL)", n)
	}
}

func TestAnalyseBlockRespectsMax(t *testing.T) {
	table := loadTable(t)

	code := []byte{0x90, 0x90, 0x90, 0x90}
	n := AnalyseBlock(code, 2, table)
	if n != 2 {
		t.Errorf("AnalyseBlock with max=2 = %d, want 2", n)
	}
}

// TestAnalyseBlockStopsOnTruncatedInstruction is the block-level edge
// case spec.md names: a block whose first instruction is truncated
// collapses to length 0 rather than AnalyseBlock guessing at a partial
// instruction's length.
func TestAnalyseBlockStopsOnTruncatedInstruction(t *testing.T) {
	table := loadTable(t)

	code := []byte{0x89} // MOV opcode, no ModRM byte available
	n := AnalyseBlock(code, len(code), table)
	if n != 0 {
		t.Errorf("AnalyseBlock = %d, want 0", n)
	}
}

func TestAnalyseBlockEmptyInput(t *testing.T) {
	table := loadTable(t)
	if n := AnalyseBlock(nil, 0, table); n != 0 {
		t.Errorf("AnalyseBlock(nil, 0) = %d, want 0", n)
	}
	if n := AnalyseBlock([]byte{}, 10, table); n != 0 {
		t.Errorf("AnalyseBlock of empty code = %d, want 0", n)
	}
}
