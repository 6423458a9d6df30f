// Package blob implements the client-side half of the Blob Pipeline:
// content-addressing binary files by SHA-256, and resolving the
// binary-conflict naming rule when two replicas produce different
// content for the same path (spec.md §4.7/§9).
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/syncline/syncline/internal/wire"
)

// Sender is the subset of wire.Conn the pipeline needs.
type Sender interface {
	WriteFrame(f wire.Frame) error
}

// Sum returns the hex-encoded SHA-256 of data, the identity a blob is
// addressed by on the wire and in the Update Store.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Pipeline sends and requests binary blobs over conn.
type Pipeline struct {
	conn   Sender
	logger log.Logger
}

// New returns a Pipeline writing frames to conn.
func New(conn Sender, logger log.Logger) *Pipeline {
	return &Pipeline{conn: conn, logger: logger}
}

// Put uploads data under its own content hash and returns the hash,
// so the caller can record {hash, mtime, host} in the Index entry for
// this path.
func (p *Pipeline) Put(data []byte) (string, error) {
	hash := Sum(data)

	if err := p.conn.WriteFrame(wire.Frame{Type: wire.MsgBlobPut, DocID: hash, Payload: data}); err != nil {
		return "", errors.Wrap(err, "sending blob_put")
	}

	return hash, nil
}

// Get requests blob content by hash. The actual bytes arrive later as
// a BLOB_DATA frame, which the caller's read loop routes to its
// destination via whatever in-flight-request bookkeeping the caller
// keeps (the wire
// protocol carries no per-request correlation ID beyond doc_id, which
// here doubles as the hash).
func (p *Pipeline) Get(hash string) error {
	return errors.Wrap(p.conn.WriteFrame(wire.Frame{Type: wire.MsgBlobGet, DocID: hash}), "sending blob_get")
}

// ResolveConflict implements spec.md's binary-conflict naming rule:
// when two replicas both changed the same path to different content,
// the file with the later mtime keeps its original name, and the
// loser is renamed "<stem> (<origin_host>)<ext>" alongside it so
// neither copy is silently discarded. localWins reports whether the
// on-disk file should keep path's content; loserNewPath is where the
// other replica's content should be written instead.
func ResolveConflict(path string, localMTime, remoteMTime int64, localHost, remoteHost string) (localWins bool, loserNewPath string) {

	if localMTime >= remoteMTime {
		return true, renamedForHost(path, remoteHost)
	}

	return false, renamedForHost(path, localHost)
}

func renamedForHost(path, host string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s (%s)%s", stem, host, ext)
}

// WriteBlob is a small logging wrapper the folder client calls after
// a local binary change has been uploaded and recorded in the Index,
// mirroring the teacher's pattern of a one-line level.Info on
// successful completion of an otherwise silent operation.
func (p *Pipeline) WriteBlob(path, hash string) {
	level.Info(p.logger).Log("msg", "recorded blob for path", "path", path, "hash", hash)
}
