package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestORSetAddLookup(t *testing.T) {
	s := NewORSet()

	_, err := s.Add("note.md")
	require.NoError(t, err)

	assert.True(t, s.Lookup("note.md"))
	assert.False(t, s.Lookup("missing.md"))
	assert.Equal(t, []string{"note.md"}, s.Values())
}

func TestORSetConvergesAcrossReplicas(t *testing.T) {
	a := NewORSet()
	b := NewORSet()

	addUpd, err := a.Add("note.md")
	require.NoError(t, err)

	require.NoError(t, b.ApplyUpdate(addUpd))

	assert.Equal(t, a.Values(), b.Values())
}

func TestORSetConcurrentAddWinsOverRemove(t *testing.T) {
	// Replica A adds "x.md", replica B concurrently (without having
	// observed A's add) has nothing to remove, so a late-arriving
	// remove from B for a tag it never saw must not delete A's tag.
	a := NewORSet()
	b := NewORSet()

	addUpd, err := a.Add("x.md")
	require.NoError(t, err)

	// B never removes anything it doesn't know about; simulate B
	// adding and removing a *different* tag for the same value
	// concurrently with A's add.
	_, err = b.Add("x.md")
	require.NoError(t, err)
	rmUpd, err := b.Remove("x.md")
	require.NoError(t, err)

	// A applies only B's remove: A's own tag survives because the
	// remove only carries B's tag.
	require.NoError(t, a.ApplyUpdate(rmUpd))
	assert.True(t, a.Lookup("x.md"))

	_ = addUpd
}

func TestORSetDuplicateApplyIsNoOp(t *testing.T) {
	s := NewORSet()
	upd, err := s.Add("dup.md")
	require.NoError(t, err)

	require.NoError(t, s.ApplyUpdate(upd))
	require.NoError(t, s.ApplyUpdate(upd))

	assert.Equal(t, []string{"dup.md"}, s.Values())
}

func TestORSetRemoveMissingErrors(t *testing.T) {
	s := NewORSet()
	_, err := s.Remove("nope.md")
	assert.Error(t, err)
}
