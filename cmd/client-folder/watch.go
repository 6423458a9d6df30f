package main

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log/level"

	"github.com/syncline/syncline/internal/blob"
	"github.com/syncline/syncline/internal/replicaengine"
	"github.com/syncline/syncline/internal/vault"
)

// watchLoop consumes the filesystem watcher's settled events and
// turns each one into the matching Replica Engine / Blob Pipeline
// call, so a local edit, create, or delete is forwarded to the relay
// as soon as it debounces. It owns lastText, the last content this
// loop handed to the engine for each text path; a path missing from it
// is checked against the Index and added if new. The edit itself is
// diffed against the engine's current text (engine.Text).
func (c *Client) watchLoop(watcher *vault.Watcher, reconciler *vault.Reconciler, engine *replicaengine.Engine, pipeline *blob.Pipeline, stop <-chan struct{}) {

	lastText := make(map[string]string)

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			if ev.IsDir {
				continue
			}
			c.handleVaultEvent(ev, reconciler, engine, pipeline, lastText)
		}
	}
}

func (c *Client) handleVaultEvent(ev vault.Event, reconciler *vault.Reconciler, engine *replicaengine.Engine, pipeline *blob.Pipeline, lastText map[string]string) {

	relPath, err := filepath.Rel(c.conf.VaultDir, ev.Path)
	if err != nil {
		level.Warn(c.logger).Log("msg", "event path outside vault root", "path", ev.Path, "err", err)
		return
	}
	relPath = filepath.ToSlash(relPath)

	if ev.Removed {
		delete(lastText, relPath)
		if err := engine.IndexRemove(relPath); err != nil {
			level.Warn(c.logger).Log("msg", "failed to forward removal", "path", relPath, "err", err)
		}
		return
	}

	data, err := os.ReadFile(ev.Path)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to read changed file", "path", ev.Path, "err", err)
		return
	}

	if looksBinary(data) {
		c.handleBinaryChange(ev.Path, relPath, data, engine, pipeline)
		return
	}

	if _, known := lastText[relPath]; !known {
		onlyLocal, _, err := reconciler.Reconcile(engine.IndexValues())
		if err == nil {
			for _, p := range onlyLocal {
				if p == relPath {
					if err := engine.IndexAdd(relPath); err != nil {
						level.Warn(c.logger).Log("msg", "failed to add new path to index", "path", relPath, "err", err)
					}
					break
				}
			}
		}
	}

	c.handleTextChange(relPath, string(data), engine, lastText)
}

func (c *Client) handleTextChange(relPath, text string, engine *replicaengine.Engine, lastText map[string]string) {

	old, ok := engine.Text(relPath)
	if !ok {
		if err := engine.SetText(relPath, text); err != nil {
			level.Warn(c.logger).Log("msg", "failed to seed text document", "path", relPath, "err", err)
			return
		}
		lastText[relPath] = text
		return
	}

	if old == text {
		return
	}

	if err := engine.ApplyEdit(relPath, old, text); err != nil {
		level.Warn(c.logger).Log("msg", "failed to apply local edit", "path", relPath, "err", err)
		return
	}
	lastText[relPath] = text
}

// handleBinaryChange uploads the new content and records its identity
// {hash, mtime, origin_host} in the Index, per spec.md §4.9 — the
// observation every binary conflict (two replicas writing different
// content to the same path) depends on being visible at all. Any
// entry the Index already carries for this exact path is retracted
// first: by the time a local edit lands, reconcileIndex has already
// collapsed a genuine conflict down to one entry, so whatever's there
// is this file's own prior version, not a concurrent write to race
// against.
func (c *Client) handleBinaryChange(absPath, relPath string, data []byte, engine *replicaengine.Engine, pipeline *blob.Pipeline) {

	hash, err := pipeline.Put(data)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to upload blob", "path", relPath, "err", err)
		return
	}

	mtime := time.Now().UnixNano()
	if info, statErr := os.Stat(absPath); statErr == nil {
		mtime = info.ModTime().UnixNano()
	}

	var previous *replicaengine.IndexEntry
	for _, entry := range engine.IndexEntries() {
		if entry.Path == relPath {
			e := entry
			previous = &e
			break
		}
	}

	if err := engine.IndexReplaceBinary(relPath, previous, hash, mtime, c.conf.Name); err != nil {
		level.Warn(c.logger).Log("msg", "failed to update index for binary change", "path", relPath, "err", err)
		return
	}

	pipeline.WriteBlob(relPath, hash)
}

// looksBinary applies the same cheap heuristic git uses: a NUL byte
// anywhere in the first chunk of content marks it binary, since no
// vault note is expected to contain one.
func looksBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(data[:n], 0) != -1
}
