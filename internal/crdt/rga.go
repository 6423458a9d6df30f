package crdt

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// CRDTOffsetUnit names the index unit this RGA implementation requires
// from callers translating plain-text edits into operations. Syncline
// is configured for Unicode scalar values (runes), not raw bytes, so
// multi-byte characters and combining marks never get split across an
// insert/delete boundary. Replica Engine asserts this constant each
// time an engine is constructed (see replicaengine.assertOffsetUnit)
// rather than branching
// per call site, per the design note on offset-unit bugs.
const CRDTOffsetUnit = "rune"

// elemID uniquely identifies one inserted character across all
// replicas: the replica that created it plus a per-replica monotonic
// counter. It doubles as the RGA's tie-breaker for concurrent inserts
// at the same anchor (higher ID sorts first) and as the unit counted
// in the state vector.
type elemID struct {
	Replica string
	Counter uint64
}

func (a elemID) less(b elemID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Replica < b.Replica
}

// rgaNode is one element of the replicated sequence: a single rune,
// anchored after some predecessor (the zero elemID means "head of
// list"), possibly tombstoned by a later remove.
type rgaNode struct {
	ID        elemID
	Anchor    elemID
	Value     rune
	Tombstone bool
}

// rgaOp is the wire form of a single insert or delete effect.
type rgaOp struct {
	Kind   byte // 'I' insert, 'D' delete
	ID     elemID
	Anchor elemID // only meaningful for Kind == 'I'
	Value  rune   // only meaningful for Kind == 'I'
}

// RGA is a Replicated Growable Array: an insert/delete sequence CRDT
// used for document text. Each character is its own node so that
// concurrent edits at different positions never corrupt each other,
// and the merge order is entirely determined by elemID, so any
// replica applying the same set of ops converges on the same ordering
// regardless of arrival order.
type RGA struct {
	lock     sync.RWMutex
	replica  string
	counter  uint64
	nodes    []*rgaNode          // in causal display order
	byID     map[elemID]*rgaNode // fast lookup for anchors/deletes
	seen     map[elemID]bool     // every op ID ever integrated, for idempotency
	vector   map[string]uint64   // replica -> highest counter integrated
	onChange []func(origin string)
}

// NewRGA returns an empty sequence CRDT attributed to replicaID. Every
// ID this replica mints is stamped with replicaID so concurrent
// inserts from different replicas never collide.
func NewRGA(replicaID string) *RGA {
	return &RGA{
		replica: replicaID,
		byID:    make(map[elemID]*rgaNode),
		seen:    make(map[elemID]bool),
		vector:  make(map[string]uint64),
	}
}

// OnChange registers a callback fired after every local or remote
// mutation.
func (r *RGA) OnChange(fn func(origin string)) {
	r.lock.Lock()
	r.onChange = append(r.onChange, fn)
	r.lock.Unlock()
}

func (r *RGA) fireChange(origin string) {
	for _, fn := range r.onChange {
		fn(origin)
	}
}

// Text returns the current, tombstone-filtered content of the
// document.
func (r *RGA) Text() string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var buf bytes.Buffer
	for _, n := range r.nodes {
		if !n.Tombstone {
			buf.WriteRune(n.Value)
		}
	}
	return buf.String()
}

// insertAfter splices a new node into r.nodes immediately after the
// node with ID == anchor (or at the head if anchor is the zero
// value), respecting RGA's tie-break: among siblings anchored at the
// same predecessor, the one with the larger ID comes first. This is
// what makes concurrent inserts at the same position converge to the
// same order on every replica regardless of delivery order.
func (r *RGA) insertAfter(node *rgaNode) {

	anchorIdx := -1
	if node.Anchor != (elemID{}) {
		anchorNode, ok := r.byID[node.Anchor]
		if !ok {
			// Causally out of order: the anchor hasn't arrived yet.
			// Conservative fallback: append at the end. This can only
			// happen if updates are applied out of causal order within
			// a single doc, which syncline's single append-ordered log
			// and state-vector-gated sync avoids in practice.
			r.nodes = append(r.nodes, node)
			r.byID[node.ID] = node
			return
		}
		for i, n := range r.nodes {
			if n == anchorNode {
				anchorIdx = i
				break
			}
		}
	}

	// Skip every sibling with a larger ID together with the nodes
	// anchored (directly or transitively) on it, which sit right after
	// it in r.nodes.
	insertIdx := anchorIdx + 1
	skipped := make(map[elemID]bool)
	for insertIdx < len(r.nodes) {
		next := r.nodes[insertIdx]
		if next.Anchor == node.Anchor {
			if next.ID.less(node.ID) {
				break
			}
		} else if !skipped[next.Anchor] {
			break
		}
		skipped[next.ID] = true
		insertIdx++
	}

	r.nodes = append(r.nodes, nil)
	copy(r.nodes[insertIdx+1:], r.nodes[insertIdx:])
	r.nodes[insertIdx] = node
	r.byID[node.ID] = node
}

func (r *RGA) bump(id elemID) {
	if id.Counter > r.vector[id.Replica] {
		r.vector[id.Replica] = id.Counter
	}
	if id.Counter > r.counter {
		r.counter = id.Counter
	}
}

// applyInsertEffect is idempotent: re-applying an already-seen insert
// ID is a no-op.
func (r *RGA) applyInsertEffect(op rgaOp) {
	if r.seen[op.ID] {
		return
	}
	r.seen[op.ID] = true
	r.bump(op.ID)

	node := &rgaNode{ID: op.ID, Anchor: op.Anchor, Value: op.Value}
	r.insertAfter(node)
}

// applyDeleteEffect marks the targeted node tombstoned. Idempotent:
// deleting an already-tombstoned (or not-yet-arrived) node is safe.
func (r *RGA) applyDeleteEffect(op rgaOp) {
	if n, ok := r.byID[op.ID]; ok {
		n.Tombstone = true
		return
	}
	if r.seen[op.ID] {
		return
	}
	r.seen[op.ID] = true
	r.bump(op.ID)
}

// SetText replaces the document content wholesale, used to seed a
// fresh replica from disk without going through the diff machinery
// (mirrors spec.md's set_text contract). All prior nodes are
// tombstoned rather than removed outright so their tags remain valid
// anchors for any in-flight concurrent op.
func (r *RGA) SetText(text string) []byte {

	r.lock.Lock()

	ops := make([]rgaOp, 0, len(r.nodes)+len([]rune(text)))

	for _, n := range r.nodes {
		if !n.Tombstone {
			n.Tombstone = true
			ops = append(ops, rgaOp{Kind: 'D', ID: n.ID})
		}
	}

	anchor := elemID{}
	if len(r.nodes) > 0 {
		anchor = r.nodes[len(r.nodes)-1].ID
	}

	for _, ru := range text {
		r.counter++
		id := elemID{Replica: r.replica, Counter: r.counter}
		op := rgaOp{Kind: 'I', ID: id, Anchor: anchor, Value: ru}
		r.seen[id] = true
		r.bump(id)
		node := &rgaNode{ID: id, Anchor: anchor, Value: ru}
		r.insertAfter(node)
		ops = append(ops, op)
		anchor = id
	}

	r.lock.Unlock()

	blob, err := encodeRgaOps(ops)
	if err != nil {
		// gob-encoding a []rgaOp of plain value types cannot fail.
		panic(err)
	}

	r.fireChange("local")

	return blob
}

// SpliceOp is one character insert or delete translated from a text
// diff (see internal/replicaengine's prefix/suffix diff), applied by
// Splice, which returns the encoded update to broadcast. pos is a rune
// offset into the *current* text, consistent with CRDTOffsetUnit.
type SpliceOp struct {
	// Pos is the rune offset the op applies at, in the text as it
	// stood immediately before this op (ops in one Splice call are
	// expressed against the original text, not against each other).
	Pos int
	// Insert holds runes to insert at Pos; Delete is the count of
	// runes to delete starting at Pos. Exactly one is non-zero.
	Insert []rune
	Delete int
}

// Splice integrates a batch of position-addressed edits (produced by
// diffing old vs. new text) into ID-addressed RGA operations and
// returns the encoded update.
func (r *RGA) Splice(ops []SpliceOp) []byte {

	r.lock.Lock()

	// Build the list of currently-live node pointers in display order
	// once; positions in ops are against the pre-edit text, so we
	// resolve each op's Pos against this fixed snapshot rather than
	// the mutating r.nodes slice.
	live := make([]*rgaNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if !n.Tombstone {
			live = append(live, n)
		}
	}

	wireOps := make([]rgaOp, 0)

	for _, op := range ops {
		if len(op.Insert) > 0 {
			anchor := elemID{}
			if op.Pos > 0 && op.Pos-1 < len(live) {
				anchor = live[op.Pos-1].ID
			}
			for _, ru := range op.Insert {
				r.counter++
				id := elemID{Replica: r.replica, Counter: r.counter}
				r.seen[id] = true
				r.bump(id)
				node := &rgaNode{ID: id, Anchor: anchor, Value: ru}
				r.insertAfter(node)
				wireOps = append(wireOps, rgaOp{Kind: 'I', ID: id, Anchor: anchor, Value: ru})
				anchor = id
			}
		} else if op.Delete > 0 {
			for i := 0; i < op.Delete; i++ {
				idx := op.Pos + i
				if idx < 0 || idx >= len(live) {
					continue
				}
				n := live[idx]
				n.Tombstone = true
				wireOps = append(wireOps, rgaOp{Kind: 'D', ID: n.ID})
			}
		}
	}

	r.lock.Unlock()

	blob, err := encodeRgaOps(wireOps)
	if err != nil {
		panic(err)
	}

	r.fireChange("local")

	return blob
}

// ApplyUpdate integrates a remote (or replayed) batch of insert/delete
// effects. Safe to call twice with the same blob.
func (r *RGA) ApplyUpdate(update []byte) error {

	ops, err := decodeRgaOps(update)
	if err != nil {
		return errors.Wrap(err, "decoding RGA update")
	}

	r.lock.Lock()
	for _, op := range ops {
		switch op.Kind {
		case 'I':
			r.applyInsertEffect(op)
		case 'D':
			r.applyDeleteEffect(op)
		}
	}
	r.lock.Unlock()

	r.fireChange("remote")

	return nil
}

// EncodeStateVector returns the highest per-replica counter this
// replica has integrated.
func (r *RGA) EncodeStateVector() []byte {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r.vector); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// EncodeDiff returns every op this replica has integrated whose ID
// exceeds what peerStateVector reports for that op's replica. Because
// this in-memory implementation never discards ops (no compaction of
// its own tombstone history), it can always produce a diff for any
// valid state vector — syncline's HistoryLost only arises at the
// Update Store layer, once a snapshot has discarded the prefix a
// peer's state vector refers to.
func (r *RGA) EncodeDiff(peerStateVector []byte) ([]byte, error) {

	peerVector := make(map[string]uint64)
	if len(peerStateVector) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(peerStateVector)).Decode(&peerVector); err != nil {
			return nil, errors.Wrap(err, "decoding peer state vector")
		}
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	ops := make([]rgaOp, 0)
	for _, n := range r.nodes {
		if n.ID.Counter > peerVector[n.ID.Replica] {
			ops = append(ops, rgaOp{Kind: 'I', ID: n.ID, Anchor: n.Anchor, Value: n.Value})
			if n.Tombstone {
				ops = append(ops, rgaOp{Kind: 'D', ID: n.ID})
			}
		}
	}

	// Preserve insert-before-delete ordering for nodes needing both,
	// and a stable overall order so repeated diffs are byte-identical.
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].ID != ops[j].ID {
			return ops[i].ID.less(ops[j].ID)
		}
		return ops[i].Kind == 'I'
	})

	return encodeRgaOps(ops)
}

// CompactedFrom reports whether a peer that last integrated
// peerVector can no longer receive a correct diff now that this
// document's history up through compactionVector was squashed into a
// snapshot. Squashing re-keys every surviving character under a fresh
// synthetic replica ID, so any peer who had integrated even one
// update from a replica that contributed to the squashed prefix would,
// on a naive diff, receive that content a second time under its new
// IDs. The only replicas that can safely accept the post-compaction
// state without reseeding are ones with no prior history at all.
func (r *RGA) CompactedFrom(peerVector, compactionVector []byte) bool {

	var peer, compacted map[string]uint64

	if len(peerVector) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(peerVector)).Decode(&peer); err != nil {
			// An undecodable peer vector cannot be reasoned about
			// safely; treat conservatively as compacted-away.
			return true
		}
	}
	if err := gob.NewDecoder(bytes.NewReader(compactionVector)).Decode(&compacted); err != nil {
		return true
	}

	for replica := range compacted {
		if peer[replica] > 0 {
			return true
		}
	}

	return false
}

func encodeRgaOps(ops []rgaOp) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ops); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRgaOps(blob []byte) ([]rgaOp, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var ops []rgaOp
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&ops); err != nil {
		return nil, err
	}
	return ops, nil
}
