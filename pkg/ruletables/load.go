package ruletables

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Filenames are fixed so Load/WriteDefaults agree on where each table
// lives inside a directory.
const (
	x86TableFile        = "x86_decode_table.txt"
	armTableFile        = "arm_encoding_table.txt"
	ruleTableFile       = "translation_rules.txt"
	registerMapFile     = "register_map.txt"
	peepholePatternFile = "peephole_patterns.txt"
)

// Load reads all five tables from dir. Any table whose file is absent is
// seeded from the hardcoded defaults and written back to dir, so a
// second Load of the same directory is idempotent: it reads that table's
// file back and does not rewrite it.
func Load(dir string) (*Store, error) {
	s := NewEmptyStore()

	if err := s.loadX86(filepath.Join(dir, x86TableFile)); err != nil {
		return nil, err
	}
	if err := s.loadARM(filepath.Join(dir, armTableFile)); err != nil {
		return nil, err
	}
	if err := s.loadRules(filepath.Join(dir, ruleTableFile)); err != nil {
		return nil, err
	}
	if err := s.loadRegisterMap(filepath.Join(dir, registerMapFile)); err != nil {
		return nil, err
	}
	if err := s.loadPeepholes(filepath.Join(dir, peepholePatternFile)); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) loadX86(path string) error {
	opened, err := scanLines(path, func(line string) error {
		fields := strings.Fields(line)
		if len(fields) < 7 {
			return fmt.Errorf("x86 decode table: malformed line %q", line)
		}
		opcode, err := parseHexByte(fields[0])
		if err != nil {
			return err
		}
		size, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("x86 decode table: invalid size %q: %w", fields[2], err)
		}
		d := X86Decode{
			Opcode:          opcode,
			Mnemonic:        fields[1],
			BaseLength:      size,
			HasModRM:        parseBoolFlag(fields[3]),
			HasSIB:          parseBoolFlag(fields[4]),
			HasDisplacement: parseBoolFlag(fields[5]),
			HasImmediate:    parseBoolFlag(fields[6]),
		}
		if _, exists := s.x86[d.Opcode]; !exists {
			s.x86[d.Opcode] = d
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !opened || len(s.x86) == 0 {
		s.seedDefaultX86()
		return s.writeX86(path)
	}
	return nil
}

func (s *Store) loadARM(path string) error {
	opened, err := scanLines(path, func(line string) error {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return fmt.Errorf("arm encoding table: malformed line %q", line)
		}
		opcode, err := parseHexU32(fields[0])
		if err != nil {
			return err
		}
		mask, err := parseHexU32(fields[2])
		if err != nil {
			return err
		}
		value, err := parseHexU32(fields[3])
		if err != nil {
			return err
		}
		e := ARMEncoding{Opcode: opcode, Mnemonic: fields[1], Mask: mask, Value: value}
		if _, exists := s.arm[e.Opcode]; !exists {
			s.arm[e.Opcode] = e
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !opened || len(s.arm) == 0 {
		s.seedDefaultARM()
		return s.writeARM(path)
	}
	return nil
}

func (s *Store) loadRules(path string) error {
	opened, err := scanLines(path, func(line string) error {
		body, desc, hasComment := strings.Cut(line, "#")
		fields := strings.Fields(body)
		if len(fields) < 2 {
			return fmt.Errorf("translation rule table: malformed line %q", line)
		}
		opcode, err := parseHexByte(fields[0])
		if err != nil {
			return err
		}
		words := make([]uint32, 0, len(fields)-1)
		for _, f := range fields[1:] {
			w, err := parseHexU32(f)
			if err != nil {
				return err
			}
			words = append(words, w)
		}
		r := TranslationRule{Opcode: opcode, HostWords: words}
		if hasComment {
			r.Description = strings.TrimSpace(desc)
		}
		s.addRule(r)
		return nil
	})
	if err != nil {
		return err
	}
	if !opened || len(s.rules) == 0 {
		s.seedDefaultRules()
		return s.writeRules(path)
	}
	return nil
}

func (s *Store) loadRegisterMap(path string) error {
	opened, err := scanLines(path, func(line string) error {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return fmt.Errorf("register map: malformed line %q", line)
		}
		entry := RegisterMapEntry{X86Name: fields[0], ArmName: fields[1]}
		if len(fields) > 2 {
			entry.Description = strings.Join(fields[2:], " ")
		}
		s.RegisterMap = append(s.RegisterMap, entry)
		return nil
	})
	if err != nil {
		return err
	}
	if !opened || len(s.RegisterMap) == 0 {
		s.seedDefaultRegisterMap()
		return s.writeRegisterMap(path)
	}
	return nil
}

func (s *Store) loadPeepholes(path string) error {
	opened, err := scanLines(path, func(line string) error {
		body, desc, hasComment := strings.Cut(line, "#")
		fields := strings.Fields(body)
		if len(fields) < 3 {
			return fmt.Errorf("peephole pattern table: malformed line %q", line)
		}
		id := fields[0]
		x86Bytes, armWords, err := splitPeepholeFields(fields[1:])
		if err != nil {
			return err
		}
		p := PeepholePattern{ID: id, X86Pattern: x86Bytes, ARMWords: armWords}
		if hasComment {
			p.Description = strings.TrimSpace(desc)
		}
		s.Peepholes = append(s.Peepholes, p)
		return nil
	})
	if err != nil {
		return err
	}
	if !opened || len(s.Peepholes) == 0 {
		s.seedDefaultPeepholes()
		return s.writePeepholes(path)
	}
	return nil
}

// splitPeepholeFields separates a peephole pattern's remaining
// whitespace-delimited fields into its x86-byte pattern and its ARM
// word sequence. The two groups are distinguished by width: x86
// pattern fields are exactly two hex digits (or "XX"), ARM word fields
// are wider. A pattern is required to list at least one x86 byte before
// the first ARM word.
func splitPeepholeFields(fields []string) ([]PatternByte, []uint32, error) {
	var x86Bytes []PatternByte
	var armWords []uint32
	inARM := false

	for _, f := range fields {
		hex := strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if !inARM && (strings.EqualFold(f, "XX") || len(hex) <= 2) {
			if strings.EqualFold(f, "XX") {
				x86Bytes = append(x86Bytes, PatternByte{Wildcard: true})
				continue
			}
			b, err := parseHexByte(f)
			if err != nil {
				return nil, nil, err
			}
			x86Bytes = append(x86Bytes, PatternByte{Value: b})
			continue
		}
		inARM = true
		w, err := parseHexU32(f)
		if err != nil {
			return nil, nil, err
		}
		armWords = append(armWords, w)
	}

	if len(x86Bytes) == 0 {
		return nil, nil, fmt.Errorf("peephole pattern: no x86 bytes")
	}
	return x86Bytes, armWords, nil
}

func writeFile(path string, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating table directory: %w", err)
	}
	return os.WriteFile(path, []byte(body), 0o644)
}
