package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("content"), 0644))
}

func TestReconcileFindsLocalOnlyAndRemoteOnlyPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes/a.md")
	writeFile(t, dir, "notes/new-local.md")

	r := NewReconciler(dir, log.NewNopLogger())

	onlyLocal, onlyRemote, err := r.Reconcile([]string{"notes/a.md", "notes/remote-only.md"})
	require.NoError(t, err)

	require.Equal(t, []string{"notes/new-local.md"}, onlyLocal)
	require.Equal(t, []string{"notes/remote-only.md"}, onlyRemote)
}

func TestReconcileSkipsSynclineDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".syncline/trash/old.md")
	writeFile(t, dir, "notes/a.md")

	r := NewReconciler(dir, log.NewNopLogger())

	local, err := r.LocalPaths()
	require.NoError(t, err)
	require.Equal(t, []string{"notes/a.md"}, local)
}

func TestTrashRemotelyDeletedFileMovesRatherThanDeletes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes/a.md")

	r := NewReconciler(dir, log.NewNopLogger())
	require.NoError(t, r.TrashRemotelyDeletedFile("notes/a.md"))

	_, err := os.Stat(filepath.Join(dir, "notes/a.md"))
	require.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Join(dir, ".syncline", "trash"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), "a.md")
}

func TestTrashRemotelyDeletedFileIsNoOpWhenAlreadyGone(t *testing.T) {
	dir := t.TempDir()
	r := NewReconciler(dir, log.NewNopLogger())
	require.NoError(t, r.TrashRemotelyDeletedFile("does-not-exist.md"))
}
