package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRGASetTextAndGetText(t *testing.T) {
	r := NewRGA("replica-a")
	r.SetText("Hello")
	assert.Equal(t, "Hello", r.Text())
}

func TestRGASpliceInsertAppend(t *testing.T) {
	r := NewRGA("replica-a")
	r.SetText("Hello")

	r.Splice([]SpliceOp{{Pos: 5, Insert: []rune(" World")}})

	assert.Equal(t, "Hello World", r.Text())
}

func TestRGAConvergenceAnyOrderWithDuplicates(t *testing.T) {
	a := NewRGA("a")
	b := NewRGA("b")

	seedUpd := a.SetText("Once upon a time.")
	require.NoError(t, b.ApplyUpdate(seedUpd))

	// Concurrent edits: a prepends, b appends.
	prependUpd := a.Splice([]SpliceOp{{Pos: 0, Insert: []rune("Deep in the forest, ")}})
	appendUpd := b.Splice([]SpliceOp{{Pos: len([]rune("Once upon a time.")), Insert: []rune(" The End.")}})

	// Deliver out of order and with a duplicate to each replica.
	require.NoError(t, a.ApplyUpdate(appendUpd))
	require.NoError(t, a.ApplyUpdate(appendUpd)) // duplicate

	require.NoError(t, b.ApplyUpdate(prependUpd))
	require.NoError(t, b.ApplyUpdate(prependUpd)) // duplicate

	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, "Deep in the forest, Once upon a time. The End.", a.Text())
}

func TestRGAMultiByteRoundTrip(t *testing.T) {
	r := NewRGA("replica-a")
	r.SetText("café")

	// Insert a multi-byte rocket emoji at the end.
	upd := r.Splice([]SpliceOp{{Pos: len([]rune("café")), Insert: []rune("🚀")}})

	other := NewRGA("replica-b")
	seed := r.EncodeStateVector()
	_ = seed
	diff, err := r.EncodeDiff(nil)
	require.NoError(t, err)
	require.NoError(t, other.ApplyUpdate(diff))

	assert.Equal(t, "café🚀", r.Text())
	assert.Equal(t, r.Text(), other.Text())

	// A subsequent insert at position 0 must not skew indices due to
	// byte-vs-rune confusion.
	r.Splice([]SpliceOp{{Pos: 0, Insert: []rune(">> ")}})
	assert.Equal(t, ">> café🚀", r.Text())

	_ = upd
}

func TestRGADeleteIdempotent(t *testing.T) {
	r := NewRGA("a")
	r.SetText("abc")

	upd := r.Splice([]SpliceOp{{Pos: 0, Delete: 1}})
	assert.Equal(t, "bc", r.Text())

	require.NoError(t, r.ApplyUpdate(upd))
	assert.Equal(t, "bc", r.Text())
}

func TestRGAEncodeDiffAfterStateVector(t *testing.T) {
	a := NewRGA("a")
	a.SetText("x")

	b := NewRGA("b")
	sv := b.EncodeStateVector()

	diff, err := a.EncodeDiff(sv)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(diff))

	assert.Equal(t, "x", b.Text())
}
