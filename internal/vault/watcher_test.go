package vault

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"
)

func TestWatcherEmitsEventOnFileCreate(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, log.NewNopLogger())
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	select {
	case ev := <-w.Events():
		require.Equal(t, path, ev.Path)
		require.False(t, ev.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a settled event after debounce window")
	}
}

func TestWatcherSuppressesSelfEchoedWrite(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, log.NewNopLogger())
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "notes.md")
	w.IgnoreSelfWrite(path)
	require.NoError(t, os.WriteFile(path, []byte("from remote"), 0644))

	select {
	case ev := <-w.Events():
		t.Fatalf("self-echoed write should be suppressed, got event for %s", ev.Path)
	case <-time.After(debounceWindow + 200*time.Millisecond):
	}
}

func TestWatcherIgnoresDotSynclineDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".syncline", "trash"), 0755))

	w, err := New(dir, log.NewNopLogger())
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, ".syncline", "trash", "old.md")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	select {
	case ev := <-w.Events():
		t.Fatalf("expected no event for ignored directory, got %s", ev.Path)
	case <-time.After(debounceWindow + 200*time.Millisecond):
	}
}

func TestWatcherDebouncesRapidWrites(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, log.NewNopLogger())
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "notes.md")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("revision"), 0644))
		time.Sleep(20 * time.Millisecond)
	}

	count := 0
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case <-w.Events():
			count++
		case <-deadline:
			break drain
		}
	}

	require.Equal(t, 1, count, "rapid successive writes should settle into a single debounced event")
}
