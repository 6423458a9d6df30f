package crdt

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ORSet conforms to the specification of an observed-removed set
// defined by Shapiro, Preguiça, Baquero and Zawirski. It consists of
// unique tags mapped to data items. Syncline uses one well-known
// instance of this type as the vault index: the set of vault-relative
// paths currently known to exist.
//
// Unlike the teacher's file-backed ORSet, this one holds no file
// handle of its own — durability is the Update Store's job, not the
// CRDT's; this type only owns merge semantics.
type ORSet struct {
	lock     sync.RWMutex
	elements map[string]string // tag -> value
	onChange []func(origin string)
}

// orSetOp is the wire representation of a single add or remove
// effect, gob-encoded into the opaque update blobs the Update Store
// persists and replays.
type orSetOp struct {
	Kind  byte // 'A' add, 'R' remove
	Tag   string
	Value string
}

// NewORSet returns an empty, ready-to-use observed-removed set.
func NewORSet() *ORSet {
	return &ORSet{
		elements: make(map[string]string),
	}
}

// OnChange registers a callback fired whenever the set's membership
// changes, tagged with the origin of the change.
func (s *ORSet) OnChange(fn func(origin string)) {
	s.lock.Lock()
	s.onChange = append(s.onChange, fn)
	s.lock.Unlock()
}

func (s *ORSet) fireChange(origin string) {
	for _, fn := range s.onChange {
		fn(origin)
	}
}

// Values returns the distinct, sorted set of values currently present.
func (s *ORSet) Values() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	seen := make(map[string]bool, len(s.elements))
	out := make([]string, 0, len(s.elements))

	for _, value := range s.elements {
		if !seen[value] {
			seen[value] = true
			out = append(out, value)
		}
	}

	sort.Strings(out)

	return out
}

// Lookup reports whether value e is currently a member of the set.
func (s *ORSet) Lookup(e string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	for _, value := range s.elements {
		if value == e {
			return true
		}
	}

	return false
}

// Add is executed at the source replica of an update. It generates a
// unique tag, applies the effect locally, and returns the encoded
// update so the caller can broadcast it. OnChange callbacks are then
// invoked with origin "local".
func (s *ORSet) Add(e string) ([]byte, error) {

	tag := uuid.NewString()

	s.lock.Lock()
	s.elements[tag] = e
	s.lock.Unlock()

	op := orSetOp{Kind: 'A', Tag: tag, Value: e}

	blob, err := encodeOrSetOps([]orSetOp{op})
	if err != nil {
		return nil, errors.Wrap(err, "encoding add effect")
	}

	s.fireChange("local")

	return blob, nil
}

// Remove is executed at the source replica of a removal. Per
// observed-removed semantics it removes every tag currently
// associated with value e at this replica. Tags added concurrently by
// other replicas and not yet observed here are not removed and
// survive, which is the whole point of OR-Set: a concurrent add always
// wins over a concurrent remove that didn't observe it.
func (s *ORSet) Remove(e string) ([]byte, error) {

	s.lock.Lock()

	ops := make([]orSetOp, 0)
	for tag, value := range s.elements {
		if value == e {
			ops = append(ops, orSetOp{Kind: 'R', Tag: tag, Value: value})
			delete(s.elements, tag)
		}
	}

	s.lock.Unlock()

	if len(ops) == 0 {
		return nil, errors.New("element to be removed not found in set")
	}

	blob, err := encodeOrSetOps(ops)
	if err != nil {
		return nil, errors.Wrap(err, "encoding remove effect")
	}

	s.fireChange("local")

	return blob, nil
}

// ApplyUpdate integrates a remote (or replayed local) set of add/remove
// effects. Re-applying the same add is a no-op (same tag, same value);
// removing an already-absent tag is a no-op. This makes the log safe
// against duplicate delivery, per the Update Store's invariant (c).
func (s *ORSet) ApplyUpdate(update []byte) error {

	ops, err := decodeOrSetOps(update)
	if err != nil {
		return errors.Wrap(err, "decoding ORSet update")
	}

	s.lock.Lock()
	for _, op := range ops {
		switch op.Kind {
		case 'A':
			s.elements[op.Tag] = op.Value
		case 'R':
			delete(s.elements, op.Tag)
		}
	}
	s.lock.Unlock()

	s.fireChange("remote")

	return nil
}

// EncodeStateVector returns every tag this replica currently knows
// about (both live elements and nothing else — OR-Set has no
// meaningful notion of "updates integrated" beyond its tag set, so the
// state vector IS the tag set). EncodeDiff below uses it to compute
// which effects the peer is missing.
func (s *ORSet) EncodeStateVector() []byte {
	s.lock.RLock()
	defer s.lock.RUnlock()

	tags := make([]string, 0, len(s.elements))
	for tag := range s.elements {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(tags); err != nil {
		// gob-encoding a []string cannot fail.
		panic(err)
	}

	return buf.Bytes()
}

// EncodeDiff returns the add-effects for every tag this replica holds
// that the peer's state vector does not list. Because OR-Set never
// needs the removal history once a tag is gone (removed tags are
// simply absent from both state vectors), this diff is always
// produceable — an ORSet-backed Document never returns HistoryLost.
func (s *ORSet) EncodeDiff(peerStateVector []byte) ([]byte, error) {

	var peerTags []string
	if len(peerStateVector) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(peerStateVector)).Decode(&peerTags); err != nil {
			return nil, errors.Wrap(err, "decoding peer state vector")
		}
	}

	known := make(map[string]bool, len(peerTags))
	for _, tag := range peerTags {
		known[tag] = true
	}

	s.lock.RLock()
	ops := make([]orSetOp, 0)
	for tag, value := range s.elements {
		if !known[tag] {
			ops = append(ops, orSetOp{Kind: 'A', Tag: tag, Value: value})
		}
	}
	s.lock.RUnlock()

	return encodeOrSetOps(ops)
}

// Seed returns a single batched add-effect blob that recreates every
// value in values (each under a freshly minted tag), the ORSet
// analogue of RGA.SetText: a self-contained update that reconstructs
// membership from an empty set, used by the Compaction Engine to
// write a document's snapshot entry.
func (s *ORSet) Seed(values []string) []byte {
	ops := make([]orSetOp, 0, len(values))
	for _, v := range values {
		ops = append(ops, orSetOp{Kind: 'A', Tag: uuid.NewString(), Value: v})
	}

	blob, err := encodeOrSetOps(ops)
	if err != nil {
		// gob-encoding a []orSetOp of plain value types cannot fail.
		panic(err)
	}

	return blob
}

// CompactedFrom always returns false for an ORSet: compaction re-tags
// live elements but never discards the ability to tell a peer which
// values it's missing (membership, not per-replica history, is what
// matters for a set), so the Index document never needs to force a
// full reseed the way compacted text history does.
func (s *ORSet) CompactedFrom(peerVector, compactionVector []byte) bool {
	return false
}

func encodeOrSetOps(ops []orSetOp) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ops); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeOrSetOps(blob []byte) ([]orSetOp, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var ops []orSetOp
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&ops); err != nil {
		return nil, err
	}
	return ops, nil
}
