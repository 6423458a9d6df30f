// Package store implements the Update Store: syncline's durable,
// append-only log of per-document CRDT updates, plus per-document
// snapshots and content-addressed binary blobs, all behind a single
// bbolt database file (spec.md §4.2, §6 "single-file on purpose").
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"sort"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/semaphore"

	"github.com/syncline/syncline/internal/crdt"
)

var (
	bucketUpdates   = []byte("updates")
	bucketSnapshots = []byte("snapshots")
	bucketBlobs     = []byte("blobs")
	bucketMeta      = []byte("meta")
)

// ErrHistoryLost is returned by EncodeDiff when a peer's state vector
// references content that compaction has already folded away, per
// spec.md §4.2.
var ErrHistoryLost = errors.New("history lost")

// DocumentFactory constructs a blank CRDT document for docID so the
// store can replay its update log into something it can diff. The
// relay supplies one factory that special-cases the reserved
// "__index__" doc_id to an ORSet and everything else to an RGA.
type DocumentFactory func(docID string) crdt.Document

// snapshotRecord is the gob-encoded value stored per document in the
// snapshots bucket.
type snapshotRecord struct {
	ThroughSeq       uint64
	CompactionVector []byte
	Compressed       []byte
}

// Store is the durable, transactional backing store for all of
// syncline's documents and blobs.
type Store struct {
	db      *bolt.DB
	factory DocumentFactory

	// reconstructionSem bounds how many concurrent in-memory CRDT
	// replays (read_state / encode_diff) run at once, keeping heavy
	// reconstructions off the WebSocket accept/dispatch path per
	// spec.md §4.2's "must not stall the session dispatcher".
	reconstructionSem *semaphore.Weighted
}

// Open creates or opens the bbolt database at path and ensures all
// required buckets exist.
func Open(path string, factory DocumentFactory) (*Store, error) {

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening update store at %q", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUpdates, bucketSnapshots, bucketBlobs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing update store buckets")
	}

	return &Store{
		db:                db,
		factory:           factory,
		reconstructionSem: semaphore.NewWeighted(8),
	}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func updateKey(docID string, seq uint64) []byte {
	key := make([]byte, len(docID)+1+8)
	copy(key, docID)
	key[len(docID)] = 0
	binary.BigEndian.PutUint64(key[len(docID)+1:], seq)
	return key
}

// docPrefix returns the bbolt key prefix covering every update for
// docID, independent of sequence number.
func docPrefix(docID string) []byte {
	prefix := make([]byte, len(docID)+1)
	copy(prefix, docID)
	prefix[len(docID)] = 0
	return prefix
}

// AppendUpdate durably appends bytes to docID's log and returns its
// monotonic per-document sequence number. Durable before return,
// because bbolt's Update commits (and fsyncs) before returning.
func (s *Store) AppendUpdate(docID string, update []byte) (uint64, error) {

	var seq uint64

	err := s.db.Update(func(tx *bolt.Tx) error {

		meta := tx.Bucket(bucketMeta)
		updates := tx.Bucket(bucketUpdates)

		seq = nextSeqLocked(meta, docID)

		if err := updates.Put(updateKey(docID, seq), update); err != nil {
			return err
		}

		return putNextSeq(meta, docID, seq+1)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "appending update for %q", docID)
	}

	return seq, nil
}

func nextSeqLocked(meta *bolt.Bucket, docID string) uint64 {
	raw := meta.Get(nextSeqKey(docID))
	if raw == nil {
		return 1
	}
	return binary.BigEndian.Uint64(raw)
}

func putNextSeq(meta *bolt.Bucket, docID string, next uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	return meta.Put(nextSeqKey(docID), buf)
}

func nextSeqKey(docID string) []byte {
	return []byte(docID + "\x00seq")
}

// ReadState returns enough material to reconstruct docID's current
// CRDT state: the snapshot record (nil if none yet exists) and every
// update appended since it, in sequence order. It runs inside a single
// bbolt read-only transaction, which is what gives replace_prefix its
// atomicity guarantee (spec.md §4.2 invariant (b)): a concurrent
// ReadState either observes the whole pre-compaction tuple or the
// whole post-compaction one, never a mix.
func (s *Store) ReadState(docID string) (*snapshotRecord, [][]byte, error) {

	var snap *snapshotRecord
	var updates [][]byte

	err := s.db.View(func(tx *bolt.Tx) error {

		if raw := tx.Bucket(bucketSnapshots).Get([]byte(docID)); raw != nil {
			var rec snapshotRecord
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
				return errors.Wrap(err, "decoding snapshot record")
			}
			snap = &rec
		}

		c := tx.Bucket(bucketUpdates).Cursor()
		prefix := docPrefix(docID)

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			// bbolt reuses k/v's backing array across Next() calls
			// within a transaction; copy before returning it past the
			// transaction boundary.
			cp := make([]byte, len(v))
			copy(cp, v)
			updates = append(updates, cp)
		}

		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading state for %q", docID)
	}

	return snap, updates, nil
}

// reconstruct rebuilds an in-memory Document for docID by applying its
// snapshot (if any) followed by every update since, in order.
func (s *Store) reconstruct(docID string) (crdt.Document, []byte, error) {

	snap, updates, err := s.ReadState(docID)
	if err != nil {
		return nil, nil, err
	}

	doc := s.factory(docID)

	var compactionVector []byte

	if snap != nil {
		raw, err := decompressSnapshot(snap.Compressed)
		if err != nil {
			return nil, nil, err
		}
		if err := doc.ApplyUpdate(raw); err != nil {
			return nil, nil, errors.Wrap(err, "applying snapshot")
		}
		compactionVector = snap.CompactionVector
	}

	for _, u := range updates {
		if err := doc.ApplyUpdate(u); err != nil {
			return nil, nil, errors.Wrap(err, "replaying update")
		}
	}

	return doc, compactionVector, nil
}

// ReconstructForCompaction rebuilds docID's current CRDT state and
// reports the highest sequence number folded into it, the upToSeq the
// Compaction Engine then passes to ReplacePrefix.
func (s *Store) ReconstructForCompaction(docID string) (crdt.Document, uint64, error) {

	snap, updates, err := s.ReadState(docID)
	if err != nil {
		return nil, 0, err
	}

	doc := s.factory(docID)

	var upToSeq uint64

	if snap != nil {
		raw, err := decompressSnapshot(snap.Compressed)
		if err != nil {
			return nil, 0, err
		}
		if err := doc.ApplyUpdate(raw); err != nil {
			return nil, 0, errors.Wrap(err, "applying snapshot")
		}
		upToSeq = snap.ThroughSeq
	}

	for _, u := range updates {
		if err := doc.ApplyUpdate(u); err != nil {
			return nil, 0, errors.Wrap(err, "replaying update")
		}
		upToSeq++
	}

	return doc, upToSeq, nil
}

// EncodeDiff reconstructs docID in memory and asks its CRDT for the
// delta the peer (summarized by peerStateVector) is missing. If the
// peer's state vector references content a prior compaction has
// discarded, it fails with ErrHistoryLost instead. Runs on the bounded
// reconstruction pool so a chatty replica can't stall the session
// dispatcher.
func (s *Store) EncodeDiff(ctx context.Context, docID string, peerStateVector []byte) ([]byte, error) {

	if err := s.reconstructionSem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "acquiring reconstruction slot")
	}
	defer s.reconstructionSem.Release(1)

	doc, compactionVector, err := s.reconstruct(docID)
	if err != nil {
		return nil, err
	}

	if compactionVector != nil && doc.CompactedFrom(peerStateVector, compactionVector) {
		return nil, ErrHistoryLost
	}

	diff, err := doc.EncodeDiff(peerStateVector)
	if err != nil {
		return nil, errors.Wrap(err, "encoding diff")
	}

	return diff, nil
}

// UpdateCount returns the number of updates currently in docID's log
// since its last snapshot (or since the beginning of time, if it has
// none), the figure the Compaction Engine compares against its
// threshold.
func (s *Store) UpdateCount(docID string) (int, error) {

	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUpdates).Cursor()
		prefix := docPrefix(docID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})

	return count, err
}

// Docs returns every doc_id that has at least one update or snapshot
// recorded, used by the Compaction Engine's periodic scan.
func (s *Store) Docs() ([]string, error) {

	seen := make(map[string]bool)

	err := s.db.View(func(tx *bolt.Tx) error {

		c := tx.Bucket(bucketUpdates).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if i := bytes.IndexByte(k, 0); i >= 0 {
				seen[string(k[:i])] = true
			}
		}

		sc := tx.Bucket(bucketSnapshots).Cursor()
		for k, _ := sc.First(); k != nil; k, _ = sc.Next() {
			seen[string(k)] = true
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	docs := make([]string, 0, len(seen))
	for d := range seen {
		docs = append(docs, d)
	}
	sort.Strings(docs)

	return docs, nil
}

// ReplacePrefix atomically replaces every update up to and including
// upToSeq with a single snapshot, recording compactionVector (the
// document's state vector immediately before compaction) so later
// EncodeDiff calls can detect a peer that can no longer be served a
// precise diff. The delete-old/write-new pair happens inside one
// bbolt transaction, which is what makes this atomic with respect to
// concurrent ReadState callers (invariant (b) of spec.md §4.2).
func (s *Store) ReplacePrefix(docID string, upToSeq uint64, newSnapshot []byte, compactionVector []byte) error {

	compressed, err := compressSnapshot(newSnapshot)
	if err != nil {
		return err
	}

	rec := snapshotRecord{
		ThroughSeq:       upToSeq,
		CompactionVector: compactionVector,
		Compressed:       compressed,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return errors.Wrap(err, "encoding snapshot record")
	}

	return s.db.Update(func(tx *bolt.Tx) error {

		updates := tx.Bucket(bucketUpdates)
		prefix := docPrefix(docID)

		c := updates.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			seq := binary.BigEndian.Uint64(k[len(prefix):])
			if seq <= upToSeq {
				cp := make([]byte, len(k))
				copy(cp, k)
				toDelete = append(toDelete, cp)
			}
		}
		for _, k := range toDelete {
			if err := updates.Delete(k); err != nil {
				return err
			}
		}

		return tx.Bucket(bucketSnapshots).Put([]byte(docID), buf.Bytes())
	})
}

// PutBlob stores raw bytes for a content-addressed hash (hex-encoded
// SHA-256). Writing the same hash twice is harmless: blobs are
// immutable once named by their own content hash.
func (s *Store) PutBlob(hash string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(hash), data)
	})
}

// GetBlob retrieves raw bytes for hash, returning ok=false if absent.
func (s *Store) GetBlob(hash string) (data []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBlobs).Get([]byte(hash))
		if raw == nil {
			return nil
		}
		ok = true
		data = make([]byte, len(raw))
		copy(data, raw)
		return nil
	})
	return data, ok, err
}
