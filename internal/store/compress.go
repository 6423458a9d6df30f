package store

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// compressSnapshot wraps snapshot bytes in lz4 framing before they hit
// durable storage. Snapshots are the only thing compressed here: the
// per-update log stays uncompressed because updates are small and
// compressing each independently would cost more than it saves, while
// a snapshot consolidates a whole document's history into one blob
// worth shrinking.
func compressSnapshot(raw []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, errors.Wrap(err, "lz4 compressing snapshot")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "closing lz4 writer")
	}

	return buf.Bytes(), nil
}

func decompressSnapshot(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompressing snapshot")
	}

	return out, nil
}
