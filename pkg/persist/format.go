// Package persist implements the second-level, on-disk translation
// cache: a fixed binary file format per guest binary, written
// asynchronously by a single background worker, with periodic
// size-bounded maintenance and explicit flush/clear barriers.
package persist

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/arcrosse/dbt/internal/guest"
)

// CacheMagic identifies a cache file; DecodeHeader rejects any file
// that does not begin with it.
const CacheMagic uint64 = 0x415243524F535345

// CacheVersion is the only file format version this package writes or
// accepts.
const CacheVersion uint32 = 1

// HeaderSize and EntrySize are the fixed, on-disk sizes of a cache
// file's header and each of its entries.
const (
	HeaderSize = 64
	EntrySize  = 64
)

// ErrCacheCorruption is returned when a file's magic number does not
// match, or a structural invariant (entry count vs. file length) does
// not hold.
var ErrCacheCorruption = errors.New("persist: cache file corrupted")

// ErrUnsupportedVersion is returned when a file's version field is not
// one this package understands.
var ErrUnsupportedVersion = errors.New("persist: unsupported cache file version")

// Header is the fixed-size preamble of a cache file.
type Header struct {
	EntryCount   uint32
	X86Hash      guest.Hash64
	CreationTime int64 // epoch nanoseconds
	LastAccess   int64 // epoch nanoseconds
	HitCount     uint32
}

// Entry is one translated block's on-disk record. ARMOffset and
// ARMSize locate its host instruction words as a byte range within the
// cache file's trailing data blob (ARMSize is a byte length, four
// times the host word count).
type Entry struct {
	X86Addr        guest.Addr
	X86Size        uint32
	X86Hash        guest.Hash64
	ARMOffset      uint64
	ARMSize        uint32
	ExecutionCount uint32
	LastExecution  int64 // epoch nanoseconds
	Flags          uint32
}

// EncodeHeader serialises h into a HeaderSize-byte buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], CacheMagic)
	binary.LittleEndian.PutUint32(buf[8:12], CacheVersion)
	binary.LittleEndian.PutUint32(buf[12:16], h.EntryCount)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.X86Hash))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.CreationTime))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.LastAccess))
	binary.LittleEndian.PutUint32(buf[40:44], h.HitCount)
	// buf[44:64] is reserved and left zero.
	return buf
}

// DecodeHeader parses a HeaderSize-byte buffer, rejecting a bad magic
// number or an unrecognised version.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header too short (%d bytes)", ErrCacheCorruption, len(buf))
	}
	if magic := binary.LittleEndian.Uint64(buf[0:8]); magic != CacheMagic {
		return Header{}, fmt.Errorf("%w: bad magic %#x", ErrCacheCorruption, magic)
	}
	if version := binary.LittleEndian.Uint32(buf[8:12]); version != CacheVersion {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	return Header{
		EntryCount:   binary.LittleEndian.Uint32(buf[12:16]),
		X86Hash:      guest.Hash64(binary.LittleEndian.Uint64(buf[16:24])),
		CreationTime: int64(binary.LittleEndian.Uint64(buf[24:32])),
		LastAccess:   int64(binary.LittleEndian.Uint64(buf[32:40])),
		HitCount:     binary.LittleEndian.Uint32(buf[40:44]),
	}, nil
}

// EncodeEntry serialises e into an EntrySize-byte buffer.
func EncodeEntry(e Entry) []byte {
	buf := make([]byte, EntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.X86Addr))
	binary.LittleEndian.PutUint32(buf[8:12], e.X86Size)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(e.X86Hash))
	binary.LittleEndian.PutUint64(buf[20:28], e.ARMOffset)
	binary.LittleEndian.PutUint32(buf[28:32], e.ARMSize)
	binary.LittleEndian.PutUint32(buf[32:36], e.ExecutionCount)
	binary.LittleEndian.PutUint64(buf[36:44], uint64(e.LastExecution))
	binary.LittleEndian.PutUint32(buf[44:48], e.Flags)
	// buf[48:64] is reserved and left zero.
	return buf
}

// DecodeEntry parses an EntrySize-byte buffer.
func DecodeEntry(buf []byte) (Entry, error) {
	if len(buf) < EntrySize {
		return Entry{}, fmt.Errorf("%w: entry too short (%d bytes)", ErrCacheCorruption, len(buf))
	}
	return Entry{
		X86Addr:        guest.Addr(binary.LittleEndian.Uint64(buf[0:8])),
		X86Size:        binary.LittleEndian.Uint32(buf[8:12]),
		X86Hash:        guest.Hash64(binary.LittleEndian.Uint64(buf[12:20])),
		ARMOffset:      binary.LittleEndian.Uint64(buf[20:28]),
		ARMSize:        binary.LittleEndian.Uint32(buf[28:32]),
		ExecutionCount: binary.LittleEndian.Uint32(buf[32:36]),
		LastExecution:  int64(binary.LittleEndian.Uint64(buf[36:44])),
		Flags:          binary.LittleEndian.Uint32(buf[44:48]),
	}, nil
}

// File is a fully decoded cache file: its header, its entries, and the
// trailing data blob the entries' ARMOffset/ARMSize fields index into.
type File struct {
	Header  Header
	Entries []Entry
	Blob    []byte
}

// Encode serialises f into a single byte stream: header, then each
// entry in order, then the blob.
func Encode(f File) []byte {
	f.Header.EntryCount = uint32(len(f.Entries))
	out := make([]byte, 0, HeaderSize+len(f.Entries)*EntrySize+len(f.Blob))
	out = append(out, EncodeHeader(f.Header)...)
	for _, e := range f.Entries {
		out = append(out, EncodeEntry(e)...)
	}
	out = append(out, f.Blob...)
	return out
}

// Decode parses a byte stream produced by Encode. It rejects a file
// whose declared entry count does not fit within the supplied bytes,
// which catches truncation that happens not to corrupt the magic
// number.
func Decode(data []byte) (File, error) {
	header, err := DecodeHeader(data)
	if err != nil {
		return File{}, err
	}

	entriesEnd := HeaderSize + int(header.EntryCount)*EntrySize
	if entriesEnd > len(data) {
		return File{}, fmt.Errorf("%w: declares %d entries but file is truncated", ErrCacheCorruption, header.EntryCount)
	}

	entries := make([]Entry, header.EntryCount)
	for i := range entries {
		start := HeaderSize + i*EntrySize
		e, err := DecodeEntry(data[start : start+EntrySize])
		if err != nil {
			return File{}, err
		}
		entries[i] = e
	}

	return File{
		Header:  header,
		Entries: entries,
		Blob:    data[entriesEnd:],
	}, nil
}

// HostWords decodes e's ARM instruction words out of blob.
func (e Entry) HostWords(blob []byte) ([]uint32, error) {
	end := e.ARMOffset + uint64(e.ARMSize)
	if end > uint64(len(blob)) {
		return nil, fmt.Errorf("%w: entry references bytes past end of blob", ErrCacheCorruption)
	}
	if e.ARMSize%4 != 0 {
		return nil, fmt.Errorf("%w: entry ARMSize %d is not word-aligned", ErrCacheCorruption, e.ARMSize)
	}
	region := blob[e.ARMOffset:end]
	words := make([]uint32, len(region)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(region[i*4 : i*4+4])
	}
	return words, nil
}

// AppendHostWords appends words to blob as little-endian bytes and
// returns the resulting blob along with the offset/size an Entry
// should record to find them again.
func AppendHostWords(blob []byte, words []uint32) (newBlob []byte, offset uint64, size uint32) {
	offset = uint64(len(blob))
	for _, w := range words {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w)
		blob = append(blob, b[:]...)
	}
	size = uint32(len(words) * 4)
	return blob, offset, size
}
