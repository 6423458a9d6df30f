// Package replicaengine implements the client-side Replica Engine:
// the doc_id -> CRDTDocument map, its change-forwarding glue to the
// wire connection, and the text-diff translation that turns a plain
// file edit into CRDT operations (spec.md §4.7).
package replicaengine

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/syncline/syncline/internal/crdt"
	"github.com/syncline/syncline/internal/wire"
)

// assertOffsetUnit is called by New so a future change to the CRDT
// package's indexing unit fails loudly here instead of as a
// subtle off-by-rune corruption deep in a diff. See crdt.CRDTOffsetUnit.
func assertOffsetUnit() {
	if crdt.CRDTOffsetUnit != "rune" {
		panic("replicaengine requires a rune-indexed CRDT offset unit, got " + crdt.CRDTOffsetUnit)
	}
}

// Sender is the subset of wire.Conn the engine needs to emit frames.
// Declared as an interface so tests can fake it without a real socket.
type Sender interface {
	WriteFrame(f wire.Frame) error
}

// Engine holds one CRDT document per doc_id known to this replica, and
// forwards locally originated changes out over conn as UPDATE frames.
type Engine struct {
	mu   sync.Mutex
	docs map[string]crdt.Document

	replicaID string
	conn      Sender
	logger    log.Logger
}

// New returns an empty Engine. replicaID tags every CRDT op this
// engine originates locally (see crdt.NewRGA).
func New(replicaID string, conn Sender, logger log.Logger) *Engine {
	assertOffsetUnit()
	return &Engine{
		docs:      make(map[string]crdt.Document),
		replicaID: replicaID,
		conn:      conn,
		logger:    logger,
	}
}

// documentFor returns the CRDT document for docID, allocating it on
// first encounter: the reserved "__index__" doc_id gets an ORSet,
// everything else an RGA. No change listener is attached; the methods
// that mutate a document send the resulting frame themselves.
func (e *Engine) documentFor(docID string) crdt.Document {

	e.mu.Lock()
	defer e.mu.Unlock()

	if doc, ok := e.docs[docID]; ok {
		return doc
	}

	var doc crdt.Document
	if docID == "__index__" {
		doc = crdt.NewORSet()
	} else {
		doc = crdt.NewRGA(e.replicaID)
	}

	e.docs[docID] = doc

	return doc
}

// Text returns the current text of a document this engine already
// holds, or ok=false if docID hasn't been encountered yet.
func (e *Engine) Text(docID string) (string, bool) {
	e.mu.Lock()
	doc, ok := e.docs[docID]
	e.mu.Unlock()

	if !ok {
		return "", false
	}
	rga, ok := doc.(*crdt.RGA)
	if !ok {
		return "", false
	}
	return rga.Text(), true
}

// SetText seeds docID's content wholesale (used to seed a document
// from its file on disk the first time the watcher reports it) and
// broadcasts the resulting update.
func (e *Engine) SetText(docID, text string) error {
	doc := e.documentFor(docID)
	rga, ok := doc.(*crdt.RGA)
	if !ok {
		return errors.Errorf("doc_id %q is not a text document", docID)
	}

	update := rga.SetText(text)

	return e.conn.WriteFrame(wire.Frame{Type: wire.MsgUpdate, DocID: docID, Payload: update})
}

// ApplyEdit diffs oldText against newText by trimming their common
// prefix and suffix (see diffToSpliceOps), translates the result into
// CRDT splice operations, applies them
// locally, and forwards the resulting update frame.
func (e *Engine) ApplyEdit(docID, oldText, newText string) error {
	doc := e.documentFor(docID)
	rga, ok := doc.(*crdt.RGA)
	if !ok {
		return errors.Errorf("doc_id %q is not a text document", docID)
	}

	ops := diffToSpliceOps(oldText, newText)
	if len(ops) == 0 {
		return nil
	}

	update := rga.Splice(ops)

	return e.conn.WriteFrame(wire.Frame{Type: wire.MsgUpdate, DocID: docID, Payload: update})
}

// ApplyRemoteUpdate integrates a remote UPDATE/SYNC_STEP_2 payload
// into docID's local document.
func (e *Engine) ApplyRemoteUpdate(docID string, update []byte) error {
	doc := e.documentFor(docID)
	if err := doc.ApplyUpdate(update); err != nil {
		return errors.Wrapf(err, "applying remote update for %q", docID)
	}
	return nil
}

// Reseed discards all local history for docID and replaces it with
// freshText, used on ERR_HISTORY_LOST (spec.md testable property/S5).
func (e *Engine) Reseed(docID, freshText string) {
	e.mu.Lock()
	delete(e.docs, docID)
	e.mu.Unlock()

	level.Info(e.logger).Log("msg", "reseeding document after history lost", "doc_id", docID)

	doc := e.documentFor(docID)
	if rga, ok := doc.(*crdt.RGA); ok {
		rga.SetText(freshText)
	}
}

// IndexEntry is one element of the vault Index. Text paths carry
// nothing but their path: the RGA documents they name already track
// content identity. Binary paths additionally carry the content hash,
// the writer's mtime, and its host, so that two replicas writing
// different content to the same path concurrently surface as two
// distinct Index entries for that path instead of silently merging —
// the observation spec.md §4.9's binary conflict rule depends on.
type IndexEntry struct {
	Path   string
	Binary bool
	Hash   string
	MTime  int64
	Host   string
}

// indexValueSep is used only between an IndexEntry's fields, never
// inside them (vault-relative paths are slash-separated, never contain
// a NUL byte), mirroring the Update Store's own NUL-separated
// composite bbolt keys.
const indexValueSep = "\x00"

func encodeIndexEntry(e IndexEntry) string {
	if !e.Binary {
		return e.Path
	}
	return strings.Join([]string{e.Path, e.Hash, strconv.FormatInt(e.MTime, 10), e.Host}, indexValueSep)
}

func decodeIndexEntry(value string) IndexEntry {
	parts := strings.Split(value, indexValueSep)
	if len(parts) != 4 {
		return IndexEntry{Path: value}
	}
	mtime, _ := strconv.ParseInt(parts[2], 10, 64)
	return IndexEntry{Path: parts[0], Binary: true, Hash: parts[1], MTime: mtime, Host: parts[3]}
}

// IndexAdd records a text path's existence in the vault index and
// forwards the resulting op.
func (e *Engine) IndexAdd(path string) error {
	return e.indexAddEntry(IndexEntry{Path: path})
}

// IndexAddBinary records a binary path's existence along with the
// content identity (hash, mtime, origin host) needed to detect a
// concurrent write to the same path from another replica.
func (e *Engine) IndexAddBinary(path, hash string, mtime int64, host string) error {
	return e.indexAddEntry(IndexEntry{Path: path, Binary: true, Hash: hash, MTime: mtime, Host: host})
}

func (e *Engine) indexAddEntry(entry IndexEntry) error {
	doc := e.documentFor("__index__")
	set, ok := doc.(*crdt.ORSet)
	if !ok {
		return errors.New("index document is not an ORSet")
	}
	update, err := set.Add(encodeIndexEntry(entry))
	if err != nil {
		return err
	}
	return e.conn.WriteFrame(wire.Frame{Type: wire.MsgIndexUpdate, DocID: "__index__", Payload: update})
}

// IndexRemove removes every Index entry currently known for path
// (there can be more than one, if replicas concurrently wrote
// different content to it) and forwards each resulting op.
func (e *Engine) IndexRemove(path string) error {
	doc := e.documentFor("__index__")
	set, ok := doc.(*crdt.ORSet)
	if !ok {
		return errors.New("index document is not an ORSet")
	}

	removed := false
	for _, value := range set.Values() {
		if decodeIndexEntry(value).Path != path {
			continue
		}
		update, err := set.Remove(value)
		if err != nil {
			return err
		}
		if err := e.conn.WriteFrame(wire.Frame{Type: wire.MsgIndexUpdate, DocID: "__index__", Payload: update}); err != nil {
			return err
		}
		removed = true
	}
	if !removed {
		return errors.Errorf("path %q not found in index", path)
	}
	return nil
}

// IndexRemoveEntry removes exactly one previously observed Index entry
// (matched by its full encoded value, not just its path), leaving any
// other entry for the same path untouched. Used to retract a single
// stale binary version — this replica's own prior write, or one side
// of a resolved conflict — without disturbing a concurrent entry from
// another replica that hasn't been dealt with yet.
func (e *Engine) IndexRemoveEntry(entry IndexEntry) error {
	doc := e.documentFor("__index__")
	set, ok := doc.(*crdt.ORSet)
	if !ok {
		return errors.New("index document is not an ORSet")
	}

	update, err := set.Remove(encodeIndexEntry(entry))
	if err != nil {
		return err
	}
	return e.conn.WriteFrame(wire.Frame{Type: wire.MsgIndexUpdate, DocID: "__index__", Payload: update})
}

// IndexReplaceBinary retracts this replica's previous Index entry for
// path, if any, before adding the new one. Without this, repeated
// local edits to the same binary file would accumulate one Index
// entry per save, which reconcileIndex would then mistake for a
// concurrent conflict from another replica.
func (e *Engine) IndexReplaceBinary(path string, previous *IndexEntry, hash string, mtime int64, host string) error {
	if previous != nil {
		if err := e.IndexRemoveEntry(*previous); err != nil {
			return err
		}
	}
	return e.IndexAddBinary(path, hash, mtime, host)
}

// IndexValues returns the vault's currently known, distinct file
// paths (a path with multiple conflicting binary entries appears once).
func (e *Engine) IndexValues() []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range e.IndexEntries() {
		if !seen[entry.Path] {
			seen[entry.Path] = true
			out = append(out, entry.Path)
		}
	}
	sort.Strings(out)
	return out
}

// IndexEntries returns every decoded Index element currently known,
// including duplicates for the same path — the shape a caller needs
// to detect a binary conflict (spec.md §4.9: two entries, same path,
// different hash).
func (e *Engine) IndexEntries() []IndexEntry {
	doc := e.documentFor("__index__")
	set := doc.(*crdt.ORSet)

	values := set.Values()
	entries := make([]IndexEntry, 0, len(values))
	for _, v := range values {
		entries = append(entries, decodeIndexEntry(v))
	}
	return entries
}

// StateVector returns docID's current encoded state vector, used to
// build SYNC_STEP_1 on (re)connect.
func (e *Engine) StateVector(docID string) []byte {
	doc := e.documentFor(docID)
	return doc.EncodeStateVector()
}

// KnownDocs returns every doc_id this engine currently holds state
// for.
func (e *Engine) KnownDocs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	docs := make([]string, 0, len(e.docs))
	for id := range e.docs {
		docs = append(docs, id)
	}
	return docs
}
