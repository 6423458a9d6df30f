// Package crdt implements the two convergent replicated data types
// syncline transports: an observed-removed set used for the vault
// index, and a sequence CRDT used for document text. Both satisfy the
// Document interface so the rest of the system never has to know
// which one it is holding.
package crdt

// Document is the contract the relay and client replica engine use to
// talk to a CRDT-backed document, independent of which concrete type
// backs it. It mirrors the "assumed CRDT library" interface from the
// design: encode_state_vector, encode_diff, apply_update, and a
// change callback.
type Document interface {
	// EncodeStateVector returns an opaque summary of the updates
	// this replica has already integrated.
	EncodeStateVector() []byte

	// EncodeDiff returns the update blob containing everything this
	// replica has integrated that peerStateVector does not reflect.
	EncodeDiff(peerStateVector []byte) ([]byte, error)

	// ApplyUpdate integrates an update blob produced by EncodeDiff
	// (or emitted locally by another replica). Applying the same
	// update twice is a no-op.
	ApplyUpdate(update []byte) error

	// OnChange registers a callback invoked after a local mutation
	// or a remote ApplyUpdate integrates new state. origin is "local"
	// for locally-originated changes and "remote" otherwise, letting
	// callers avoid re-broadcasting updates they just applied.
	OnChange(fn func(origin string))

	// CompactedFrom reports whether a replica whose last-integrated
	// state is peerVector can no longer receive a correct diff once
	// this document's history up through compactionVector has been
	// folded into a snapshot. The Update Store calls this with the
	// snapshot's recorded pre-compaction vector to decide between a
	// normal SYNC_STEP_2 and ERR_HISTORY_LOST.
	CompactedFrom(peerVector, compactionVector []byte) bool
}
