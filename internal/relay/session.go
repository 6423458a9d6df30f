package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/syncline/syncline/internal/broadcast"
	"github.com/syncline/syncline/internal/store"
	"github.com/syncline/syncline/internal/wire"
)

// sessionState names where a connection sits in the GREETING -> ACTIVE
// -> CLOSED state machine of spec.md §4.5.
type sessionState int

const (
	stateGreeting sessionState = iota
	stateActive
	stateClosed
)

// ErrProtocolViolation marks a dispatch error severe enough that the
// session closes the connection instead of logging and continuing,
// per spec.md §7's MalformedFrame/ProtocolViolation handling.
var ErrProtocolViolation = errors.New("protocol violation")

// subscription tracks one doc_id this session is forwarding broadcast
// traffic for, so Close can unsubscribe and stop every forwarder.
type subscription struct {
	docID string
	ch    <-chan broadcast.Message
}

// Session is one connection's Session Handler: it owns the protocol
// state machine and dispatches each inbound frame to the Update
// Store and Broadcast Hub.
type Session struct {
	id     string
	conn   *wire.Conn
	store  *store.Store
	hub    broadcast.Hub
	logger log.Logger
	metrics *Metrics

	mu    sync.Mutex
	state sessionState
	name  string
	subs  []subscription

	done chan struct{}
}

// NewSession adopts an upgraded connection and returns a Session ready
// for Run.
func NewSession(conn *wire.Conn, st *store.Store, hub broadcast.Hub, logger log.Logger, m *Metrics) *Session {
	return &Session{
		id:      uuid.NewString(),
		conn:    conn,
		store:   st,
		hub:     hub,
		logger:  logger,
		metrics: m,
		state:   stateGreeting,
		done:    make(chan struct{}),
	}
}

// Run reads frames until the connection closes or ctx is cancelled,
// dispatching each to the protocol state machine. It always returns
// (never panics on a malformed frame) so the caller's accept loop can
// move on to the next connection.
func (s *Session) Run(ctx context.Context) {
	defer s.close()

	s.logger = log.With(s.logger, "connection_id", s.id)

	if s.metrics != nil {
		s.metrics.SessionsActive.Add(1)
		defer s.metrics.SessionsActive.Add(-1)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := s.conn.ReadFrame()
		if err != nil {
			level.Debug(s.logger).Log("msg", "session ending", "err", err)
			return
		}

		if s.metrics != nil {
			s.metrics.FramesReceived.With("msg_type", frame.Type.String()).Add(1)
		}

		if err := s.dispatch(ctx, frame); err != nil {
			level.Warn(s.logger).Log("msg", "frame handling failed", "msg_type", frame.Type.String(), "doc_id", frame.DocID, "err", err)
			if errors.Is(err, ErrProtocolViolation) {
				return
			}
		}
	}
}

func (s *Session) dispatch(ctx context.Context, frame wire.Frame) error {

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != stateActive && frame.Type != wire.MsgHello {
		return errors.Wrapf(ErrProtocolViolation, "frame %s received before HELLO", frame.Type)
	}

	switch frame.Type {

	case wire.MsgHello:
		return s.handleHello(frame)

	case wire.MsgSyncStep1:
		return s.handleSyncStep1(ctx, frame)

	case wire.MsgSyncStep2, wire.MsgUpdate, wire.MsgIndexUpdate:
		// SYNC_STEP_2 and INDEX_UPDATE are both treated identically to
		// UPDATE, per spec.md §4.5/§4.6: an Index mutation is just an
		// update against the reserved "__index__" doc_id, and the Index
		// is the only mechanism by which deletions and file discovery
		// propagate, so it must be appended and fanned out exactly like
		// any other document's update.
		return s.handleUpdate(frame)

	case wire.MsgBlobPut:
		return s.handleBlobPut(frame)

	case wire.MsgBlobGet:
		return s.handleBlobGet(frame)

	default:
		return errors.Wrapf(ErrProtocolViolation, "unexpected message type %s", frame.Type)
	}
}

func (s *Session) handleHello(frame wire.Frame) error {
	s.mu.Lock()
	s.name = string(frame.Payload)
	s.state = stateActive
	s.mu.Unlock()

	level.Info(s.logger).Log("msg", "client said hello", "name", s.name)

	return s.send(wire.Frame{Type: wire.MsgHello, Payload: []byte("syncline-relay")})
}

// handleSyncStep1 ensures a broadcast subscription, spawns its
// forwarder, and replies with a diff (or ERR_HISTORY_LOST) against the
// peer's supplied state vector.
func (s *Session) handleSyncStep1(ctx context.Context, frame wire.Frame) error {

	s.subscribe(frame.DocID)

	diff, err := s.store.EncodeDiff(ctx, frame.DocID, frame.Payload)
	if errors.Is(err, store.ErrHistoryLost) {
		if s.metrics != nil {
			s.metrics.HistoryLostTotal.With("doc_id", frame.DocID).Add(1)
		}
		return s.send(wire.Frame{Type: wire.MsgErrHistoryLost, DocID: frame.DocID})
	}
	if err != nil {
		return errors.Wrap(err, "encoding diff")
	}

	return s.send(wire.Frame{Type: wire.MsgSyncStep2, DocID: frame.DocID, Payload: diff})
}

// handleUpdate appends the update durably, subscribes this session to
// doc_id if it isn't already (so a session that writes to a doc it
// never sent SYNC_STEP_1 for still receives other connections' later
// updates to it live), and publishes it for live fanout.
func (s *Session) handleUpdate(frame wire.Frame) error {

	if _, err := s.store.AppendUpdate(frame.DocID, frame.Payload); err != nil {
		return errors.Wrap(err, "appending update")
	}

	s.subscribe(frame.DocID)

	s.hub.Publish(frame.DocID, broadcast.Message{Update: frame.Payload, Origin: s.id})

	return nil
}

func (s *Session) handleBlobPut(frame wire.Frame) error {

	if len(frame.DocID) != sha256.Size*2 {
		return errors.New("blob put doc_id must be the hex sha256 hash")
	}

	sum := sha256.Sum256(frame.Payload)
	if hex.EncodeToString(sum[:]) != frame.DocID {
		return errors.New("blob content does not match declared hash")
	}

	if err := s.store.PutBlob(frame.DocID, frame.Payload); err != nil {
		return errors.Wrap(err, "storing blob")
	}

	return s.send(wire.Frame{Type: wire.MsgBlobData, DocID: frame.DocID})
}

func (s *Session) handleBlobGet(frame wire.Frame) error {

	data, ok, err := s.store.GetBlob(frame.DocID)
	if err != nil {
		return errors.Wrap(err, "reading blob")
	}
	if !ok {
		return s.send(wire.Frame{Type: wire.MsgBlobData, DocID: frame.DocID})
	}

	return s.send(wire.Frame{Type: wire.MsgBlobData, DocID: frame.DocID, Payload: data})
}

// subscribe is idempotent per (session, doc_id): resubscribing to a
// doc this session already forwards for is a no-op.
func (s *Session) subscribe(docID string) {

	s.mu.Lock()
	for _, sub := range s.subs {
		if sub.docID == docID {
			s.mu.Unlock()
			return
		}
	}
	ch := s.hub.Subscribe(docID)
	s.subs = append(s.subs, subscription{docID: docID, ch: ch})
	s.mu.Unlock()

	go s.forward(docID, ch)
}

// forward relays channel items to this session's outbound stream,
// filtering out messages this same connection published (no
// self-echo). It terminates when either the outbound stream is
// observed closed (s.done) or the hub closes ch — the fix spec.md
// §4.5 calls out: waiting on only channel.recv() leaks a forwarder per
// subscription across reconnect storms.
func (s *Session) forward(docID string, ch <-chan broadcast.Message) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Origin == s.id {
				continue
			}
			if err := s.send(wire.Frame{Type: wire.MsgUpdate, DocID: docID, Payload: msg.Update}); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) send(f wire.Frame) error {
	if s.metrics != nil {
		s.metrics.FramesSent.With("msg_type", f.Type.String()).Add(1)
	}
	return s.conn.WriteFrame(f)
}

// close tears down every subscription and marks the session CLOSED.
// No other cleanup is required: durability already lives in the
// Update Store, per spec.md §4.5.
func (s *Session) close() {

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	close(s.done)

	for _, sub := range subs {
		s.hub.Unsubscribe(sub.docID, sub.ch)
	}

	s.conn.Close()

	level.Info(s.logger).Log("msg", "session closed")
}
