package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syncline/syncline/internal/crdt"
)

func testFactory(docID string) crdt.Document {
	if docID == "__index__" {
		return crdt.NewORSet()
	}
	return crdt.NewRGA("test-replica")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "syncline.db"), testFactory)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendUpdateAssignsIncreasingSeq(t *testing.T) {
	s := openTestStore(t)

	seq1, err := s.AppendUpdate("notes/a.md", []byte("op1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	seq2, err := s.AppendUpdate("notes/a.md", []byte("op2"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)

	seq3, err := s.AppendUpdate("notes/b.md", []byte("op1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq3, "sequence numbers are per-document")
}

func TestReadStateReturnsUpdatesInOrder(t *testing.T) {
	s := openTestStore(t)

	doc := crdt.NewRGA("writer-1")
	u1 := doc.SetText("hello")

	_, err := s.AppendUpdate("notes/a.md", u1)
	require.NoError(t, err)

	u2 := doc.Splice([]crdt.SpliceOp{{Pos: 5, Insert: []rune(" world")}})
	_, err = s.AppendUpdate("notes/a.md", u2)
	require.NoError(t, err)

	snap, updates, err := s.ReadState("notes/a.md")
	require.NoError(t, err)
	require.Nil(t, snap)
	require.Len(t, updates, 2)

	replay := crdt.NewRGA("replay")
	for _, u := range updates {
		require.NoError(t, replay.ApplyUpdate(u))
	}
	require.Equal(t, "hello world", replay.Text())
}

func TestEncodeDiffReturnsOnlyMissingOps(t *testing.T) {
	s := openTestStore(t)

	doc := crdt.NewRGA("writer-1")
	u1 := doc.SetText("abc")
	_, err := s.AppendUpdate("notes/a.md", u1)
	require.NoError(t, err)

	peer := crdt.NewRGA("peer")
	require.NoError(t, peer.ApplyUpdate(u1))
	peerVector := peer.EncodeStateVector()

	u2 := doc.Splice([]crdt.SpliceOp{{Pos: 3, Insert: []rune("def")}})
	_, err = s.AppendUpdate("notes/a.md", u2)
	require.NoError(t, err)

	diff, err := s.EncodeDiff(context.Background(), "notes/a.md", peerVector)
	require.NoError(t, err)

	require.NoError(t, peer.ApplyUpdate(diff))
	require.Equal(t, "abcdef", peer.Text())
}

func TestReplacePrefixCompactsAndPreservesContent(t *testing.T) {
	s := openTestStore(t)

	doc := crdt.NewRGA("writer-1")
	u1 := doc.SetText("hello")
	_, err := s.AppendUpdate("notes/a.md", u1)
	require.NoError(t, err)

	u2 := doc.Splice([]crdt.SpliceOp{{Pos: 5, Insert: []rune(" world")}})
	seq2, err := s.AppendUpdate("notes/a.md", u2)
	require.NoError(t, err)

	preCompactionVector := doc.EncodeStateVector()

	compactor := crdt.NewRGA("relay-compactor")
	snapshotBytes := compactor.SetText(doc.Text())

	err = s.ReplacePrefix("notes/a.md", seq2, snapshotBytes, preCompactionVector)
	require.NoError(t, err)

	snap, updates, err := s.ReadState("notes/a.md")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Empty(t, updates)
	require.Equal(t, seq2, snap.ThroughSeq)

	reconstructed, _, err := s.reconstruct("notes/a.md")
	require.NoError(t, err)
	require.Equal(t, "hello world", reconstructed.(*crdt.RGA).Text())
}

func TestEncodeDiffReportsHistoryLostAfterCompaction(t *testing.T) {
	s := openTestStore(t)

	doc := crdt.NewRGA("writer-1")
	u1 := doc.SetText("hello")
	_, err := s.AppendUpdate("notes/a.md", u1)
	require.NoError(t, err)

	peer := crdt.NewRGA("peer")
	require.NoError(t, peer.ApplyUpdate(u1))
	peerVector := peer.EncodeStateVector()

	seq, err := s.AppendUpdate("notes/a.md", doc.Splice([]crdt.SpliceOp{{Pos: 5, Insert: []rune("!")}}))
	require.NoError(t, err)

	preCompactionVector := doc.EncodeStateVector()
	compactor := crdt.NewRGA("relay-compactor")
	snapshotBytes := compactor.SetText(doc.Text())

	require.NoError(t, s.ReplacePrefix("notes/a.md", seq, snapshotBytes, preCompactionVector))

	_, err = s.EncodeDiff(context.Background(), "notes/a.md", peerVector)
	require.ErrorIs(t, err, ErrHistoryLost)
}

func TestPutGetBlobRoundTrip(t *testing.T) {
	s := openTestStore(t)

	err := s.PutBlob("deadbeef", []byte("binary payload"))
	require.NoError(t, err)

	data, ok, err := s.GetBlob("deadbeef")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("binary payload"), data)

	_, ok, err = s.GetBlob("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDocsListsEveryKnownDocument(t *testing.T) {
	s := openTestStore(t)

	_, err := s.AppendUpdate("notes/a.md", []byte("x"))
	require.NoError(t, err)
	_, err = s.AppendUpdate("notes/b.md", []byte("y"))
	require.NoError(t, err)

	docs, err := s.Docs()
	require.NoError(t, err)
	require.Equal(t, []string{"notes/a.md", "notes/b.md"}, docs)
}

func TestUpdateCountTracksOutstandingUpdates(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.AppendUpdate("notes/a.md", []byte("x"))
		require.NoError(t, err)
	}

	count, err := s.UpdateCount("notes/a.md")
	require.NoError(t, err)
	require.Equal(t, 5, count)
}
