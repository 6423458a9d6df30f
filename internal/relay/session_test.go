package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/syncline/syncline/internal/broadcast"
	"github.com/syncline/syncline/internal/crdt"
	"github.com/syncline/syncline/internal/store"
	"github.com/syncline/syncline/internal/wire"
)

func sha256sumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func testFactory(docID string) crdt.Document {
	if docID == "__index__" {
		return crdt.NewORSet()
	}
	return crdt.NewRGA("relay-under-test")
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "syncline.db"), testFactory)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := broadcast.New()
	srv := NewServer(st, hub, log.NewNopLogger(), nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts, st
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, f wire.Frame) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, wire.Encode(f)))
}

func recvFrame(t *testing.T, ws *websocket.Conn) wire.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Decode(raw)
	require.NoError(t, err)
	return f
}

func TestHelloTransitionsToActiveAndReplies(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dial(t, ts)

	sendFrame(t, ws, wire.Frame{Type: wire.MsgHello, Payload: []byte("client-a")})

	reply := recvFrame(t, ws)
	require.Equal(t, wire.MsgHello, reply.Type)
}

func TestUpdateBeforeHelloIsRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dial(t, ts)

	sendFrame(t, ws, wire.Frame{Type: wire.MsgUpdate, DocID: "notes/a.md", Payload: []byte("x")})

	// A frame before HELLO is a protocol violation: the server closes
	// the connection rather than continuing to serve it.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err, "server must close the connection on a protocol violation")
}

func TestSyncStep1RepliesWithDiffOfCurrentState(t *testing.T) {
	ts, st := newTestServer(t)
	ws := dial(t, ts)
	sendFrame(t, ws, wire.Frame{Type: wire.MsgHello, Payload: []byte("client-a")})
	recvFrame(t, ws)

	doc := crdt.NewRGA("writer-1")
	update := doc.SetText("hello")
	_, err := st.AppendUpdate("notes/a.md", update)
	require.NoError(t, err)

	sendFrame(t, ws, wire.Frame{Type: wire.MsgSyncStep1, DocID: "notes/a.md", Payload: nil})

	reply := recvFrame(t, ws)
	require.Equal(t, wire.MsgSyncStep2, reply.Type)

	replay := crdt.NewRGA("replay")
	require.NoError(t, replay.ApplyUpdate(reply.Payload))
	require.Equal(t, "hello", replay.Text())
}

func TestUpdateFansOutToOtherSubscriberButNotSelf(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dial(t, ts)
	sendFrame(t, a, wire.Frame{Type: wire.MsgHello, Payload: []byte("a")})
	recvFrame(t, a)

	b := dial(t, ts)
	sendFrame(t, b, wire.Frame{Type: wire.MsgHello, Payload: []byte("b")})
	recvFrame(t, b)

	// Both subscribe via SYNC_STEP_1 on an empty doc first.
	sendFrame(t, a, wire.Frame{Type: wire.MsgSyncStep1, DocID: "notes/a.md"})
	recvFrame(t, a) // SYNC_STEP_2 (empty diff)
	sendFrame(t, b, wire.Frame{Type: wire.MsgSyncStep1, DocID: "notes/a.md"})
	recvFrame(t, b)

	doc := crdt.NewRGA("writer-a")
	update := doc.SetText("hi")
	sendFrame(t, a, wire.Frame{Type: wire.MsgUpdate, DocID: "notes/a.md", Payload: update})

	got := recvFrame(t, b)
	require.Equal(t, wire.MsgUpdate, got.Type)
	require.Equal(t, update, got.Payload)

	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := a.ReadMessage()
	require.Error(t, err, "origin connection must not receive its own update back")
}

func TestLateSubscriberSeesEarlierUpdateViaLog(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dial(t, ts)
	sendFrame(t, a, wire.Frame{Type: wire.MsgHello, Payload: []byte("a")})
	recvFrame(t, a)

	doc := crdt.NewRGA("writer-a")
	update := doc.SetText("fresh")
	sendFrame(t, a, wire.Frame{Type: wire.MsgUpdate, DocID: "fresh.md", Payload: update})
	time.Sleep(50 * time.Millisecond) // let the server apply the append

	b := dial(t, ts)
	sendFrame(t, b, wire.Frame{Type: wire.MsgHello, Payload: []byte("b")})
	recvFrame(t, b)

	sendFrame(t, b, wire.Frame{Type: wire.MsgSyncStep1, DocID: "fresh.md", Payload: nil})
	reply := recvFrame(t, b)
	require.Equal(t, wire.MsgSyncStep2, reply.Type)

	replay := crdt.NewRGA("replay")
	require.NoError(t, replay.ApplyUpdate(reply.Payload))
	require.Equal(t, "fresh", replay.Text())
}

func TestBlobPutRejectsMismatchedHash(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dial(t, ts)
	sendFrame(t, ws, wire.Frame{Type: wire.MsgHello, Payload: []byte("a")})
	recvFrame(t, ws)

	zeroHash := strings.Repeat("0", 64)
	sendFrame(t, ws, wire.Frame{Type: wire.MsgBlobPut, DocID: zeroHash, Payload: []byte("data")})

	// Server logs and drops the frame; connection stays usable.
	sendFrame(t, ws, wire.Frame{Type: wire.MsgBlobGet, DocID: zeroHash})
	reply := recvFrame(t, ws)
	require.Equal(t, wire.MsgBlobData, reply.Type)
	require.Empty(t, reply.Payload)
}

func TestBlobPutThenGetRoundTrips(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dial(t, ts)
	sendFrame(t, ws, wire.Frame{Type: wire.MsgHello, Payload: []byte("a")})
	recvFrame(t, ws)

	payload := []byte("binary content")
	sum := sha256sumHex(payload)

	sendFrame(t, ws, wire.Frame{Type: wire.MsgBlobPut, DocID: sum, Payload: payload})
	ack := recvFrame(t, ws)
	require.Equal(t, wire.MsgBlobData, ack.Type)

	sendFrame(t, ws, wire.Frame{Type: wire.MsgBlobGet, DocID: sum})
	got := recvFrame(t, ws)
	require.Equal(t, payload, got.Payload)
}
