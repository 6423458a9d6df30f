package replicaengine

import "github.com/syncline/syncline/internal/crdt"

// diffToSpliceOps turns oldText into newText as at most one delete and
// one insert at the same rune offset (matching crdt.CRDTOffsetUnit): it
// trims the runes both texts share at the start and at the end and
// replaces everything in between. It does not search for a longest
// common subsequence inside that middle region, so two separate edits
// in one change come out as a single delete and insert spanning both.
// This is the translation
// layer between "the file on disk changed" and "here are CRDT ops" —
// there is no teacher or pack precedent for text diffing, so it's
// built directly on the standard library's slice primitives rather
// than modeled on any one example file.
func diffToSpliceOps(oldText, newText string) []crdt.SpliceOp {

	a := []rune(oldText)
	b := []rune(newText)

	// Trim the common prefix and suffix: most real edits (typing,
	// single-word changes) touch a small contiguous region, and for
	// those the remaining middle is exactly what changed.
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	aMid := a[prefix : len(a)-suffix]
	bMid := b[prefix : len(b)-suffix]

	ops := make([]crdt.SpliceOp, 0, 2)

	if len(aMid) > 0 {
		ops = append(ops, crdt.SpliceOp{Pos: prefix, Delete: len(aMid)})
	}
	if len(bMid) > 0 {
		ops = append(ops, crdt.SpliceOp{Pos: prefix, Insert: append([]rune(nil), bMid...)})
	}

	return ops
}
