package persist

import (
	"testing"

	"github.com/arcrosse/dbt/internal/guest"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		EntryCount:   3,
		X86Hash:      guest.Hash64(0xdeadbeef),
		CreationTime: 1000,
		LastAccess:   2000,
		HitCount:     42,
	}
	buf := EncodeHeader(h)
	if len(buf) != HeaderSize {
		t.Fatalf("len(buf) = %d, want %d", len(buf), HeaderSize)
	}

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("DecodeHeader = %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := EncodeHeader(Header{})
	buf[0] ^= 0xFF
	if _, err := DecodeHeader(buf); err == nil {
		t.Error("expected an error for a corrupted magic number")
	}
}

func TestDecodeHeaderRejectsUnknownVersion(t *testing.T) {
	buf := EncodeHeader(Header{})
	buf[8] = 0xFF
	if _, err := DecodeHeader(buf); err == nil {
		t.Error("expected an error for an unsupported version")
	}
}

func TestEntryRoundTrip(t *testing.T) {
	e := Entry{
		X86Addr:        guest.Addr(0x1000),
		X86Size:        2,
		X86Hash:        guest.Hash64(0x1234),
		ARMOffset:      0,
		ARMSize:        12,
		ExecutionCount: 7,
		LastExecution:  99,
		Flags:          1,
	}
	buf := EncodeEntry(e)
	if len(buf) != EntrySize {
		t.Fatalf("len(buf) = %d, want %d", len(buf), EntrySize)
	}

	got, err := DecodeEntry(buf)
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if got != e {
		t.Errorf("DecodeEntry = %+v, want %+v", got, e)
	}
}

// TestEncodeDecodeFileRoundTrip is the persistence round-trip property:
// encoding then decoding a file reproduces the header, entries, and
// host words exactly.
func TestEncodeDecodeFileRoundTrip(t *testing.T) {
	var blob []byte
	var offset uint64
	var size uint32

	blob, offset, size = AppendHostWords(blob, []uint32{0xD503201F})
	e1 := Entry{X86Addr: 0x1000, X86Size: 1, X86Hash: 111, ARMOffset: offset, ARMSize: size}

	blob, offset, size = AppendHostWords(blob, []uint32{0xF84107E0, 0xD65F03C0})
	e2 := Entry{X86Addr: 0x1001, X86Size: 1, X86Hash: 222, ARMOffset: offset, ARMSize: size}

	f := File{
		Header:  Header{X86Hash: 999, CreationTime: 1, LastAccess: 2},
		Entries: []Entry{e1, e2},
		Blob:    blob,
	}

	data := Encode(f)
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Header.EntryCount != 2 {
		t.Errorf("EntryCount = %d, want 2", got.Header.EntryCount)
	}
	if got.Header.X86Hash != 999 {
		t.Errorf("X86Hash = %d, want 999", got.Header.X86Hash)
	}

	words1, err := got.Entries[0].HostWords(got.Blob)
	if err != nil {
		t.Fatalf("HostWords(entry 0): %v", err)
	}
	if len(words1) != 1 || words1[0] != 0xD503201F {
		t.Errorf("entry 0 words = %#v", words1)
	}

	words2, err := got.Entries[1].HostWords(got.Blob)
	if err != nil {
		t.Fatalf("HostWords(entry 1): %v", err)
	}
	if len(words2) != 2 || words2[0] != 0xF84107E0 || words2[1] != 0xD65F03C0 {
		t.Errorf("entry 1 words = %#v", words2)
	}
}

// TestDecodeRejectsTruncatedFile is the truncated-file edge case:
// a file whose declared entry count does not fit the remaining bytes
// must be reported as corruption, not silently truncated.
func TestDecodeRejectsTruncatedFile(t *testing.T) {
	f := File{
		Header:  Header{},
		Entries: []Entry{{X86Addr: 1}, {X86Addr: 2}},
	}
	data := Encode(f)
	truncated := data[:HeaderSize+EntrySize] // only one entry's worth of body

	if _, err := Decode(truncated); err == nil {
		t.Error("expected an error decoding a truncated file")
	}
}

func TestHostWordsRejectsUnalignedSize(t *testing.T) {
	e := Entry{ARMOffset: 0, ARMSize: 3}
	if _, err := e.HostWords([]byte{1, 2, 3}); err == nil {
		t.Error("expected an error for a non-word-aligned ARMSize")
	}
}

func TestHostWordsRejectsOutOfRangeOffset(t *testing.T) {
	e := Entry{ARMOffset: 100, ARMSize: 4}
	if _, err := e.HostWords([]byte{1, 2, 3, 4}); err == nil {
		t.Error("expected an error for an out-of-range offset")
	}
}
