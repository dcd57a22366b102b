package signature

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/arcrosse/dbt/internal/guest"
	bolt "go.etcd.io/bbolt"
)

func asBits(f float64) uint64   { return math.Float64bits(f) }
func fromBits(b uint64) float64 { return math.Float64frombits(b) }

// Store persists an Engine's signature database to a bbolt file, one
// bucket per BlockType, keyed by the signature's content hash.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) a bbolt database at path for
// signature persistence.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("opening signature store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for t := Generic; t <= Hotspot; t++ {
			if _, err := tx.CreateBucketIfNotExists(bucketFor(t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising signature store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

func bucketFor(t BlockType) []byte {
	return []byte(fmt.Sprintf("signatures_%s", t))
}

// Load reads every persisted signature into e, replacing whatever e
// already held for a hash also present on disk.
func (s *Store) Load(e *Engine) error {
	var loaded []Signature

	err := s.db.View(func(tx *bolt.Tx) error {
		for t := Generic; t <= Hotspot; t++ {
			b := tx.Bucket(bucketFor(t))
			if b == nil {
				continue
			}
			err := b.ForEach(func(k, v []byte) error {
				sig, err := decodeSignature(v)
				if err != nil {
					return fmt.Errorf("decoding signature %x: %w", k, err)
				}
				loaded = append(loaded, sig)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading signature store: %w", err)
	}

	e.BulkAdd(loaded)
	return nil
}

// Save writes every signature currently in e to disk, overwriting
// whatever was there for the same hash. It does not remove signatures
// that e.Clear() dropped since the last Save, and neither does
// OpenStore: signatures already on disk stay there.
func (s *Store) Save(e *Engine) error {
	sigs := e.snapshot()

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, sig := range sigs {
			if err := validateBlockType(sig.Type); err != nil {
				return err
			}
			b := tx.Bucket(bucketFor(sig.Type))
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(sig.Hash))
			if err := b.Put(key, encodeSignature(sig)); err != nil {
				return fmt.Errorf("writing signature %x: %w", sig.Hash, err)
			}
		}
		return nil
	})
}

// encodeSignature and decodeSignature use a small fixed binary layout
// (hash, type, address, size, threshold, mask length, mask bytes,
// sample bytes) rather than a general-purpose encoding, since a
// signature's shape never changes after it is written.
func encodeSignature(sig Signature) []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:], uint64(sig.Hash))
	buf.Write(scratch[:])

	binary.BigEndian.PutUint32(scratch[:4], uint32(sig.Type))
	buf.Write(scratch[:4])

	binary.BigEndian.PutUint64(scratch[:], uint64(sig.Address))
	buf.Write(scratch[:])

	binary.BigEndian.PutUint32(scratch[:4], uint32(sig.Size))
	buf.Write(scratch[:4])

	binary.BigEndian.PutUint64(scratch[:], uint64(asBits(sig.Threshold)))
	buf.Write(scratch[:])

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(sig.Mask)))
	buf.Write(scratch[:4])
	buf.Write(sig.Mask)

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(sig.Bytes)))
	buf.Write(scratch[:4])
	buf.Write(sig.Bytes)

	return buf.Bytes()
}

func decodeSignature(data []byte) (Signature, error) {
	r := bytes.NewReader(data)
	var sig Signature
	var scratch [8]byte

	if _, err := r.Read(scratch[:8]); err != nil {
		return sig, err
	}
	sig.Hash = guest.Hash64(binary.BigEndian.Uint64(scratch[:8]))

	if _, err := r.Read(scratch[:4]); err != nil {
		return sig, err
	}
	sig.Type = BlockType(binary.BigEndian.Uint32(scratch[:4]))

	if _, err := r.Read(scratch[:8]); err != nil {
		return sig, err
	}
	sig.Address = guest.Addr(binary.BigEndian.Uint64(scratch[:8]))

	if _, err := r.Read(scratch[:4]); err != nil {
		return sig, err
	}
	sig.Size = int(binary.BigEndian.Uint32(scratch[:4]))

	if _, err := r.Read(scratch[:8]); err != nil {
		return sig, err
	}
	sig.Threshold = fromBits(binary.BigEndian.Uint64(scratch[:8]))

	if _, err := r.Read(scratch[:4]); err != nil {
		return sig, err
	}
	maskLen := binary.BigEndian.Uint32(scratch[:4])
	sig.Mask = make([]byte, maskLen)
	if _, err := r.Read(sig.Mask); err != nil && maskLen > 0 {
		return sig, err
	}

	if _, err := r.Read(scratch[:4]); err != nil {
		return sig, err
	}
	bytesLen := binary.BigEndian.Uint32(scratch[:4])
	sig.Bytes = make([]byte, bytesLen)
	if _, err := r.Read(sig.Bytes); err != nil && bytesLen > 0 {
		return sig, err
	}

	return sig, nil
}
