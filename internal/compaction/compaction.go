// Package compaction implements the periodic scan that folds a
// document's update log into a fresh snapshot once it has accumulated
// enough updates since the last one (spec.md §4.3).
package compaction

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sync/semaphore"

	"github.com/syncline/syncline/internal/crdt"
)

// DefaultThreshold is how many updates a document accumulates since
// its last snapshot before it becomes eligible for compaction.
const DefaultThreshold = 50

// maxConcurrentCompactions bounds how many documents get compacted at
// once, so a vault-wide burst of eligible documents doesn't compete
// with the relay's own reconstruction pool for CPU.
const maxConcurrentCompactions = 4

// compactionReplicaID names the synthetic replica identity a
// compacted document's surviving content is re-keyed under. Any peer
// with prior history from a real replica contributing to the
// pre-compaction vector can no longer be served a correct diff once
// this has happened (crdt.Document.CompactedFrom), and must reseed.
const compactionReplicaID = "relay-compactor"

// Store is the subset of the Update Store the engine needs.
type Store interface {
	Docs() ([]string, error)
	UpdateCount(docID string) (int, error)
	ReconstructForCompaction(docID string) (crdt.Document, uint64, error)
	ReplacePrefix(docID string, upToSeq uint64, newSnapshot []byte, compactionVector []byte) error
}

// DocumentFactory mints a blank synthetic document used only to
// encode a compacted snapshot, never to serve live traffic. Passing
// compactionReplicaID lets the RGA factory construct the sequence
// CRDT with the synthetic identity its compacted content is re-keyed
// under.
type DocumentFactory func(docID string, replicaID string) crdt.Document

type textDoc interface {
	Text() string
	SetText(text string) []byte
}

type setDoc interface {
	Values() []string
	Seed(values []string) []byte
}

// Engine periodically scans every known document and compacts the
// ones past Threshold.
type Engine struct {
	store     Store
	factory   DocumentFactory
	logger    log.Logger
	threshold int
	interval  time.Duration
	sem       *semaphore.Weighted
}

// New returns a compaction Engine. threshold <= 0 selects
// DefaultThreshold.
func New(store Store, factory DocumentFactory, logger log.Logger, threshold int, interval time.Duration) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Engine{
		store:     store,
		factory:   factory,
		logger:    logger,
		threshold: threshold,
		interval:  interval,
		sem:       semaphore.NewWeighted(maxConcurrentCompactions),
	}
}

// Run blocks, scanning every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanOnce(ctx)
		}
	}
}

func (e *Engine) scanOnce(ctx context.Context) {
	docs, err := e.store.Docs()
	if err != nil {
		level.Warn(e.logger).Log("msg", "compaction scan failed to list documents", "err", err)
		return
	}

	for _, docID := range docs {
		count, err := e.store.UpdateCount(docID)
		if err != nil {
			level.Warn(e.logger).Log("msg", "compaction scan failed to count updates", "doc_id", docID, "err", err)
			continue
		}
		if count < e.threshold {
			continue
		}

		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}

		go func(docID string) {
			defer e.sem.Release(1)
			e.compactOne(docID)
		}(docID)
	}
}

func (e *Engine) compactOne(docID string) {
	doc, upToSeq, err := e.store.ReconstructForCompaction(docID)
	if err != nil {
		level.Warn(e.logger).Log("msg", "compaction reconstruct failed", "doc_id", docID, "err", err)
		return
	}

	preCompactionVector := doc.EncodeStateVector()

	snapshot, ok := e.encodeSnapshot(docID, doc)
	if !ok {
		level.Warn(e.logger).Log("msg", "compaction skipped: unrecognized document kind", "doc_id", docID)
		return
	}

	if err := e.store.ReplacePrefix(docID, upToSeq, snapshot, preCompactionVector); err != nil {
		level.Warn(e.logger).Log("msg", "compaction replace_prefix failed", "doc_id", docID, "err", err)
		return
	}

	level.Info(e.logger).Log("msg", "compacted document", "doc_id", docID, "through_seq", upToSeq)
}

// encodeSnapshot builds the self-contained update blob that replaces
// doc's entire history. Text documents are re-keyed under the
// synthetic compaction replica; sets are reseeded with fresh tags.
// Either way the resulting blob replays, from empty, to the same
// observable content doc currently holds.
func (e *Engine) encodeSnapshot(docID string, doc crdt.Document) ([]byte, bool) {
	switch d := doc.(type) {
	case textDoc:
		fresh := e.factory(docID, compactionReplicaID)
		setter, ok := fresh.(textDoc)
		if !ok {
			return nil, false
		}
		return setter.SetText(d.Text()), true
	case setDoc:
		fresh := e.factory(docID, compactionReplicaID)
		seeder, ok := fresh.(setDoc)
		if !ok {
			return nil, false
		}
		return seeder.Seed(d.Values()), true
	default:
		return nil, false
	}
}
