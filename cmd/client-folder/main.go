package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/syncline/syncline/internal/blob"
	"github.com/syncline/syncline/internal/config"
	"github.com/syncline/syncline/internal/replicaengine"
	"github.com/syncline/syncline/internal/telemetry"
	"github.com/syncline/syncline/internal/vault"
	"github.com/syncline/syncline/internal/wire"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "syncline-client-folder",
	Short: "Syncline folder replica: watches a vault directory and keeps it converged with a relay",
	RunE:  runClient,
}

func init() {
	rootCmd.Flags().String("config", "", "path to a TOML config file (optional)")
	rootCmd.Flags().String("dir", "", "vault directory to watch (required)")
	rootCmd.Flags().String("url", "", "relay WebSocket URL, e.g. ws://host:3030/sync")
	rootCmd.Flags().String("name", "", "this replica's display name")
}

func runClient(cmd *cobra.Command, args []string) error {

	configPath, _ := cmd.Flags().GetString("config")

	conf, err := config.LoadClientConfig(configPath)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("dir"); v != "" {
		conf.VaultDir = v
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		conf.RelayURL = v
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		conf.Name = v
	}

	if conf.VaultDir == "" {
		return fmt.Errorf("--dir is required")
	}
	if conf.RelayURL == "" {
		conf.RelayURL = "ws://127.0.0.1:3030/sync"
	}
	if conf.Name == "" {
		conf.Name, _ = os.Hostname()
	}

	if overrides, err := config.LoadDevOverrides(); err == nil && overrides.RelayURL != "" {
		conf.RelayURL = overrides.RelayURL
	}

	logger := telemetry.NewLogger(conf.LogLevel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	client := &Client{conf: conf, logger: logger, pendingFetch: make(map[string][]string)}

	errCh := make(chan error, 1)
	go func() { errCh <- client.runWithReconnect(sigCh) }()

	select {
	case <-sigCh:
		level.Info(logger).Log("msg", "shutting down on signal")
		return nil
	case err := <-errCh:
		return err
	}
}

// Client drives one vault directory's connection to a relay, with
// capped exponential backoff and jitter across reconnects. Each
// connection starts a fresh replica engine and sends SYNC_STEP_1 for
// the Index only; document state is not carried from one connection
// to the next, so no per-document SYNC_STEP_1 is replayed on
// reconnect.
type Client struct {
	conf   config.ClientConfig
	logger log.Logger

	// pendingFetch maps a requested blob hash to the vault-relative
	// destination path(s) waiting on it. BLOB_GET/BLOB_DATA carry only
	// the hash (it doubles as the wire protocol's request ID), so this
	// is what lets writeFetchedBlob route the eventual reply to the
	// right place(s) on disk instead of only a content-addressed cache.
	fetchMu      sync.Mutex
	pendingFetch map[string][]string
}

func (c *Client) runWithReconnect(stop <-chan os.Signal) error {

	backoff := time.Second

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := c.runOnce(); err != nil {
			level.Warn(c.logger).Log("msg", "connection lost, will retry", "err", err, "backoff", backoff)
		}

		jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		select {
		case <-stop:
			return nil
		case <-time.After(backoff + jitter):
		}

		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (c *Client) runOnce() error {

	ws, _, err := websocket.DefaultDialer.Dial(c.conf.RelayURL, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	conn := wire.NewConn(ws)
	engine := replicaengine.New(c.conf.Name, conn, c.logger)

	return c.sync(conn, engine)
}

// sync drives one connection's lifetime: HELLO, index sync, then a
// read loop that integrates remote updates and reconciles the vault
// index against what's actually on disk. Locally originated edits are
// forwarded by the filesystem watcher loop started alongside this one
// (see watch.go); both share engine and conn.
func (c *Client) sync(conn *wire.Conn, engine *replicaengine.Engine) error {

	if err := conn.WriteFrame(wire.Frame{Type: wire.MsgHello, Payload: []byte(c.conf.Name)}); err != nil {
		return err
	}
	if _, err := conn.ReadFrame(); err != nil { // server HELLO banner
		return err
	}

	reconciler := vault.NewReconciler(c.conf.VaultDir, c.logger)
	watcher, err := vault.New(c.conf.VaultDir, c.logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	pipeline := blob.New(conn, c.logger)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go c.watchLoop(watcher, reconciler, engine, pipeline, stopWatch)

	if err := conn.WriteFrame(wire.Frame{Type: wire.MsgSyncStep1, DocID: "__index__", Payload: engine.StateVector("__index__")}); err != nil {
		return err
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}

		switch frame.Type {

		case wire.MsgSyncStep2, wire.MsgIndexUpdate, wire.MsgUpdate:
			if err := engine.ApplyRemoteUpdate(frame.DocID, frame.Payload); err != nil {
				level.Warn(c.logger).Log("msg", "failed to apply remote update", "doc_id", frame.DocID, "err", err)
				continue
			}
			if frame.DocID == "__index__" {
				c.reconcileIndex(conn, reconciler, engine, pipeline)
			} else {
				c.writeTextToDisk(watcher, frame.DocID, engine)
			}

		case wire.MsgErrHistoryLost:
			level.Info(c.logger).Log("msg", "history lost, reseeding", "doc_id", frame.DocID)
			engine.Reseed(frame.DocID, "")
			conn.WriteFrame(wire.Frame{Type: wire.MsgSyncStep1, DocID: frame.DocID, Payload: nil})

		case wire.MsgBlobData:
			c.writeFetchedBlob(watcher, frame.DocID, frame.Payload)
		}
	}
}

// reconcileIndex, after an Index update, adds anything new on disk,
// requests content for anything the Index lists that isn't on disk
// yet, and resolves any path the Index now lists under two or more
// conflicting binary entries — the offline-bootstrap reconciliation
// of spec.md §4.7 plus the binary conflict contract of §4.9.
func (c *Client) reconcileIndex(conn *wire.Conn, reconciler *vault.Reconciler, engine *replicaengine.Engine, pipeline *blob.Pipeline) {

	onlyLocal, onlyRemote, err := reconciler.Reconcile(engine.IndexValues())
	if err != nil {
		level.Warn(c.logger).Log("msg", "reconcile failed", "err", err)
		return
	}

	for _, p := range onlyLocal {
		if err := engine.IndexAdd(p); err != nil {
			level.Warn(c.logger).Log("msg", "index add failed", "path", p, "err", err)
		}
	}

	byPath := make(map[string][]replicaengine.IndexEntry)
	for _, entry := range engine.IndexEntries() {
		byPath[entry.Path] = append(byPath[entry.Path], entry)
	}

	onlyRemoteSet := make(map[string]bool, len(onlyRemote))
	for _, p := range onlyRemote {
		onlyRemoteSet[p] = true
	}

	for path, entries := range byPath {
		if len(entries) > 1 && entries[0].Binary {
			c.resolveBinaryConflict(engine, pipeline, path, entries)
			continue
		}
		if !onlyRemoteSet[path] {
			continue
		}
		if entries[0].Binary {
			c.fetchBlobTo(pipeline, entries[0].Hash, path)
		} else {
			conn.WriteFrame(wire.Frame{Type: wire.MsgSyncStep1, DocID: path, Payload: nil})
		}
	}
}

// resolveBinaryConflict applies spec.md §4.9's naming rule pairwise
// across every entry the Index carries for path: the entry with the
// latest mtime keeps the path, every other distinct-hash entry is
// fetched and written to its own renamed destination instead. The
// Index is left with exactly one entry per surviving file.
func (c *Client) resolveBinaryConflict(engine *replicaengine.Engine, pipeline *blob.Pipeline, path string, entries []replicaengine.IndexEntry) {

	type loser struct {
		path  string
		entry replicaengine.IndexEntry
	}

	winner := entries[0]
	var losers []loser
	conflict := false

	for _, e := range entries[1:] {
		if e.Hash == winner.Hash {
			continue
		}
		conflict = true

		localWins, loserPath := blob.ResolveConflict(path, winner.MTime, e.MTime, winner.Host, e.Host)
		if localWins {
			losers = append(losers, loser{loserPath, e})
		} else {
			losers = append(losers, loser{loserPath, winner})
			winner = e
		}
	}

	if !conflict {
		return
	}

	level.Info(c.logger).Log("msg", "resolving binary conflict", "path", path, "winner_host", winner.Host, "losers", len(losers))

	for _, e := range entries {
		if err := engine.IndexRemoveEntry(e); err != nil {
			level.Warn(c.logger).Log("msg", "failed to clear conflicting index entry", "path", path, "err", err)
		}
	}

	if err := engine.IndexAddBinary(path, winner.Hash, winner.MTime, winner.Host); err != nil {
		level.Warn(c.logger).Log("msg", "failed to record resolved index entry", "path", path, "err", err)
	}
	c.fetchBlobTo(pipeline, winner.Hash, path)

	for _, l := range losers {
		if err := engine.IndexAddBinary(l.path, l.entry.Hash, l.entry.MTime, l.entry.Host); err != nil {
			level.Warn(c.logger).Log("msg", "failed to record conflict loser in index", "path", l.path, "err", err)
		}
		c.fetchBlobTo(pipeline, l.entry.Hash, l.path)
	}
}

// fetchBlobTo requests hash's content and remembers destRelPath so
// the BLOB_DATA reply, once it arrives, is written there by
// writeFetchedBlob.
func (c *Client) fetchBlobTo(pipeline *blob.Pipeline, hash, destRelPath string) {

	c.fetchMu.Lock()
	c.pendingFetch[hash] = append(c.pendingFetch[hash], destRelPath)
	c.fetchMu.Unlock()

	if err := pipeline.Get(hash); err != nil {
		level.Warn(c.logger).Log("msg", "failed to request blob", "hash", hash, "path", destRelPath, "err", err)
	}
}

// writeTextToDisk flushes a text document's current content to its
// vault-relative path after integrating a remote update, suppressing
// the filesystem watcher's echo of this exact write.
func (c *Client) writeTextToDisk(watcher *vault.Watcher, docID string, engine *replicaengine.Engine) {

	text, ok := engine.Text(docID)
	if !ok {
		return
	}

	path := filepath.Join(c.conf.VaultDir, filepath.FromSlash(docID))
	watcher.IgnoreSelfWrite(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		level.Warn(c.logger).Log("msg", "failed to create parent directory", "path", path, "err", err)
		return
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		level.Warn(c.logger).Log("msg", "failed to write document to disk", "path", path, "err", err)
	}
}

// writeFetchedBlob writes a BLOB_DATA reply to every destination
// registered for hash via fetchBlobTo (there can be more than one, if
// a conflict resolution fetched the same content for two renamed
// paths), falling back to the content-addressed cache under
// .syncline/blobs when no destination was registered — a bare
// BLOB_PUT acknowledgment, already short-circuited below since it
// carries no payload.
func (c *Client) writeFetchedBlob(watcher *vault.Watcher, hash string, data []byte) {
	if len(data) == 0 {
		return
	}

	c.fetchMu.Lock()
	dests := c.pendingFetch[hash]
	delete(c.pendingFetch, hash)
	c.fetchMu.Unlock()

	if len(dests) == 0 {
		dests = []string{filepath.Join(".syncline", "blobs", hash)}
	}

	for _, rel := range dests {
		path := filepath.Join(c.conf.VaultDir, filepath.FromSlash(rel))
		watcher.IgnoreSelfWrite(path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			level.Warn(c.logger).Log("msg", "failed to create parent directory", "path", path, "err", err)
			continue
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			level.Warn(c.logger).Log("msg", "failed to write fetched blob", "hash", hash, "path", path, "err", err)
		}
	}
}
