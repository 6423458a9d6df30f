package vault

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// trashDir is where a file removed by a remote peer is moved rather
// than deleted outright, so a user who didn't expect the deletion can
// recover it.
const trashDir = ".syncline/trash"

// Reconciler bootstraps a vault directory against the Index a client
// just finished syncing: anything on disk the Index doesn't know
// about gets added to the Index, and anything the Index knows about
// that isn't on disk locally gets scheduled for content fetch by the
// caller (spec.md §4.7's offline-bootstrap reconciliation).
type Reconciler struct {
	root   string
	logger log.Logger
}

// NewReconciler returns a Reconciler rooted at dir.
func NewReconciler(root string, logger log.Logger) *Reconciler {
	return &Reconciler{root: root, logger: logger}
}

// LocalPaths walks root and returns every vault-relative file path,
// skipping ignored directories.
func (r *Reconciler) LocalPaths() ([]string, error) {
	var paths []string

	err := filepath.Walk(r.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != r.root && ignoredDirs[filepath.Base(path)] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})

	return paths, errors.Wrap(err, "walking vault directory")
}

// Reconcile compares the Index's known paths against what's actually
// on disk and returns (onlyLocal, onlyRemote): paths present on disk
// but missing from the Index (the caller should IndexAdd these), and
// paths the Index lists but that are missing locally (the caller
// should fetch their content).
func (r *Reconciler) Reconcile(indexPaths []string) (onlyLocal, onlyRemote []string, err error) {

	local, err := r.LocalPaths()
	if err != nil {
		return nil, nil, err
	}

	localSet := make(map[string]bool, len(local))
	for _, p := range local {
		localSet[p] = true
	}

	remoteSet := make(map[string]bool, len(indexPaths))
	for _, p := range indexPaths {
		remoteSet[p] = true
	}

	for _, p := range local {
		if !remoteSet[p] {
			onlyLocal = append(onlyLocal, p)
		}
	}
	for _, p := range indexPaths {
		if !localSet[p] {
			onlyRemote = append(onlyRemote, p)
		}
	}

	return onlyLocal, onlyRemote, nil
}

// TrashRemotelyDeletedFile moves a path removed from the Index by
// another replica into .syncline/trash instead of unlinking it
// outright, timestamping the trashed name so repeated deletions of the
// same basename don't collide.
func (r *Reconciler) TrashRemotelyDeletedFile(relPath string) error {

	src := filepath.Join(r.root, filepath.FromSlash(relPath))

	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	dstDir := filepath.Join(r.root, filepath.FromSlash(trashDir))
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return errors.Wrap(err, "creating trash directory")
	}

	ts := time.Now().UTC().Format("20060102T150405.000000000Z")
	dst := filepath.Join(dstDir, ts+"-"+filepath.Base(src))

	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(err, "moving %q to trash", relPath)
	}

	level.Info(r.logger).Log("msg", "moved remotely deleted file to trash", "path", relPath, "trashed_as", dst)

	return nil
}
