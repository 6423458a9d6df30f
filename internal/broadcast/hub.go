// Package broadcast implements the per-document fan-out that hands an
// update just accepted on one connection to every other session
// currently subscribed to that doc_id (spec.md §4.4).
package broadcast

import (
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// outboxCapacity bounds how many pending messages a single
// subscription can accumulate before the hub starts dropping instead
// of blocking the publisher. A slow or stalled peer must never be
// able to stall every other session sharing a document.
const outboxCapacity = 64

// Message is one fanned-out update, tagged with the connection it
// originated from. The Session Handler's forwarder filters out
// messages whose Origin equals its own connection ID (no self-echo,
// spec.md §4.5/§9 testable property 2) rather than the hub doing the
// filtering itself, since the hub has no notion of "this" connection.
type Message struct {
	Update []byte
	Origin string
}

// Hub is the interface the relay's Session Handler talks to. It
// exists so Hub can be wrapped in a logging decorator the way the
// teacher wraps distributor.Service.
type Hub interface {
	// Subscribe returns a fresh channel that receives every future
	// Publish for docID. Each call returns an independent channel even
	// if the same doc_id is subscribed to twice; the caller is
	// responsible for calling Unsubscribe with the same channel when
	// done.
	Subscribe(docID string) <-chan Message

	// Unsubscribe removes and closes ch. The forwarder reading from ch
	// observes the close and exits — this is the mechanism by which a
	// forwarder task terminates on disconnection rather than blocking
	// on channel.recv() forever (spec.md §4.5's leak-fix).
	Unsubscribe(docID string, ch <-chan Message)

	// Publish fans msg out to every subscription on docID, including
	// ones the message originated from — filtering is the forwarder's
	// job. Non-blocking: a subscription whose buffer is full has the
	// message dropped and DroppedTotal incremented rather than
	// stalling the publisher.
	Publish(docID string, msg Message)

	// DroppedTotal returns how many publishes have been dropped for a
	// full subscriber buffer since the hub was created.
	DroppedTotal() uint64
}

type hub struct {
	mu     sync.RWMutex
	topics map[string]map[chan Message]bool

	droppedMu sync.Mutex
	dropped   uint64
}

// New returns an empty, ready-to-use Hub.
func New() Hub {
	return &hub{
		topics: make(map[string]map[chan Message]bool),
	}
}

func (h *hub) Subscribe(docID string) <-chan Message {
	ch := make(chan Message, outboxCapacity)

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[docID]
	if !ok {
		subs = make(map[chan Message]bool)
		h.topics[docID] = subs
	}
	subs[ch] = true

	return ch
}

func (h *hub) Unsubscribe(docID string, ch <-chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[docID]
	if !ok {
		return
	}

	for c := range subs {
		if c == ch {
			delete(subs, c)
			close(c)
			break
		}
	}

	if len(subs) == 0 {
		delete(h.topics, docID)
	}
}

func (h *hub) Publish(docID string, msg Message) {
	h.mu.RLock()
	subs := h.topics[docID]
	targets := make([]chan Message, 0, len(subs))
	for ch := range subs {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			h.droppedMu.Lock()
			h.dropped++
			h.droppedMu.Unlock()
		}
	}
}

func (h *hub) DroppedTotal() uint64 {
	h.droppedMu.Lock()
	defer h.droppedMu.Unlock()
	return h.dropped
}

// loggingHub wraps a Hub with structured logging, mirroring the
// teacher's loggingService decorator over distributor.Service.
type loggingHub struct {
	logger log.Logger
	next   Hub
}

// NewLoggingHub wraps an existing Hub with the provided logger.
func NewLoggingHub(h Hub, logger log.Logger) Hub {
	return &loggingHub{logger: logger, next: h}
}

func (h *loggingHub) Subscribe(docID string) <-chan Message {
	ch := h.next.Subscribe(docID)
	level.Debug(h.logger).Log("msg", "subscribed", "doc_id", docID)
	return ch
}

func (h *loggingHub) Unsubscribe(docID string, ch <-chan Message) {
	h.next.Unsubscribe(docID, ch)
	level.Debug(h.logger).Log("msg", "unsubscribed", "doc_id", docID)
}

func (h *loggingHub) Publish(docID string, msg Message) {
	before := h.next.DroppedTotal()

	h.next.Publish(docID, msg)

	if after := h.next.DroppedTotal(); after > before {
		level.Warn(h.logger).Log(
			"msg", "dropped update for slow subscriber",
			"doc_id", docID,
			"dropped_total", after,
		)
	}
}

func (h *loggingHub) DroppedTotal() uint64 {
	return h.next.DroppedTotal()
}
