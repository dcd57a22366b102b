package ruletables

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/arcrosse/dbt/pkg/hashengine"
	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("ruletables_snapshot")

const snapshotDigestKey = "source_digest"
const snapshotPayloadKey = "payload"

// SnapshotStore caches a parsed Store in a bbolt database keyed by a
// content hash of the source text files, so a process restart can skip
// re-parsing them when they have not changed. It is purely a
// performance cache: the text files in dir are always the source of
// truth, and a digest mismatch is treated the same as a missing
// snapshot.
type SnapshotStore struct {
	db *bolt.DB
}

// OpenSnapshotStore opens (creating if necessary) a bbolt database at
// path for caching parsed rule tables.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("opening rule table snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising rule table snapshot store: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Close releases the underlying bbolt database.
func (ss *SnapshotStore) Close() error { return ss.db.Close() }

// LoadOrParse returns the Store cached under digest if present,
// otherwise calls Load(dir) and caches its result under digest for next
// time. digest should be derived from the contents of every table file
// in dir (see DigestDir).
func (ss *SnapshotStore) LoadOrParse(dir string, digest uint64) (*Store, error) {
	if cached, ok := ss.lookup(digest); ok {
		return cached, nil
	}

	s, err := Load(dir)
	if err != nil {
		return nil, err
	}

	if err := ss.store(digest, s); err != nil {
		// The snapshot cache is best-effort: a failed write never fails
		// the caller, since the freshly parsed Store is still correct.
		return s, nil //nolint:nilerr
	}
	return s, nil
}

func (ss *SnapshotStore) lookup(digest uint64) (*Store, bool) {
	var payload []byte
	err := ss.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		storedDigest := b.Get([]byte(snapshotDigestKey))
		if storedDigest == nil || string(storedDigest) != fmt.Sprint(digest) {
			return nil
		}
		v := b.Get([]byte(snapshotPayloadKey))
		if v == nil {
			return nil
		}
		payload = append([]byte(nil), v...)
		return nil
	})
	if err != nil || payload == nil {
		return nil, false
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&snap); err != nil {
		return nil, false
	}
	return snap.toStore(), true
}

func (ss *SnapshotStore) store(digest uint64, s *Store) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(newSnapshot(s)); err != nil {
		return fmt.Errorf("encoding rule table snapshot: %w", err)
	}

	return ss.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		if err := b.Put([]byte(snapshotDigestKey), []byte(fmt.Sprint(digest))); err != nil {
			return err
		}
		return b.Put([]byte(snapshotPayloadKey), buf.Bytes())
	})
}

// snapshot is the gob-serialisable shadow of Store's exported state.
type snapshot struct {
	X86         []X86Decode
	ARM         []ARMEncoding
	Rules       []TranslationRule
	RuleOrder   []byte
	RegisterMap []RegisterMapEntry
	Peepholes   []PeepholePattern
}

func newSnapshot(s *Store) snapshot {
	return snapshot{
		X86:         sortedX86(s.x86),
		ARM:         sortedARM(s.arm),
		Rules:       rulesInOrder(s),
		RuleOrder:   s.ruleOrder,
		RegisterMap: s.RegisterMap,
		Peepholes:   s.Peepholes,
	}
}

func rulesInOrder(s *Store) []TranslationRule {
	out := make([]TranslationRule, 0, len(s.ruleOrder))
	for _, op := range s.ruleOrder {
		out = append(out, s.rules[op])
	}
	return out
}

func (snap snapshot) toStore() *Store {
	s := NewEmptyStore()
	for _, d := range snap.X86 {
		s.x86[d.Opcode] = d
	}
	for _, e := range snap.ARM {
		s.arm[e.Opcode] = e
	}
	for _, r := range snap.Rules {
		s.addRule(r)
	}
	s.RegisterMap = snap.RegisterMap
	s.Peepholes = snap.Peepholes
	return s
}

// DigestDir computes a content digest over every table file that would
// be loaded from dir, in a fixed order, so SnapshotStore can detect
// when the on-disk tables have changed.
func DigestDir(dir string) uint64 {
	h := hashengine.New(0)
	for _, name := range []string{x86TableFile, armTableFile, ruleTableFile, registerMapFile, peepholePatternFile} {
		data, err := os.ReadFile(joinIfExists(dir, name))
		if err == nil {
			h.Write(data)
		}
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func joinIfExists(dir, name string) string {
	return dir + string(os.PathSeparator) + name
}
