// Package wire implements the Framed Codec: the length-prefixed
// binary message envelope every syncline message travels in, and a
// WebSocket-backed transport that carries one frame per WS message.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MsgType identifies the kind of a Frame's payload.
type MsgType byte

// Message types, per spec.md §4.1.
const (
	MsgSyncStep1 MsgType = iota + 1
	MsgSyncStep2
	MsgUpdate
	MsgIndexUpdate
	MsgBlobPut
	MsgBlobGet
	MsgBlobData
	MsgHello
	MsgErrHistoryLost
)

// maxDocIDLen and maxPayloadLen bound the declared lengths so a
// corrupt or hostile frame header can't make Decode allocate an
// unreasonable buffer before the read fails anyway.
const (
	maxDocIDLen   = 1 << 16       // doc_id_len is 2 bytes
	maxPayloadLen = 64 << 20      // generous cap for blob payloads
)

// ErrMalformedFrame is returned for truncated input or a declared
// length that doesn't fit what's actually available.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the decoded on-wire envelope: a message type, an optional
// document ID (empty for connection-global messages), and an opaque
// payload the codec never interprets.
type Frame struct {
	Type    MsgType
	DocID   string
	Payload []byte
}

// Encode serializes f into the wire format:
//
//	msg_type      1 byte
//	doc_id_len    2 bytes BE
//	doc_id        doc_id_len bytes (UTF-8)
//	payload_len   4 bytes BE
//	payload       payload_len bytes
func Encode(f Frame) []byte {

	docID := []byte(f.DocID)

	buf := make([]byte, 1+2+len(docID)+4+len(f.Payload))

	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(docID)))
	copy(buf[3:3+len(docID)], docID)

	off := 3 + len(docID)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(f.Payload)))
	copy(buf[off+4:], f.Payload)

	return buf
}

// Decode parses a single frame out of a complete in-memory message
// (the WebSocket transport already delivers whole messages, so there
// is no streaming/partial-read case to handle here). It fails with
// ErrMalformedFrame on truncated input or a declared length exceeding
// what's actually present.
func Decode(raw []byte) (Frame, error) {

	if len(raw) < 3 {
		return Frame{}, ErrMalformedFrame
	}

	msgType := MsgType(raw[0])
	docIDLen := int(binary.BigEndian.Uint16(raw[1:3]))

	if docIDLen > maxDocIDLen || len(raw) < 3+docIDLen+4 {
		return Frame{}, ErrMalformedFrame
	}

	docID := string(raw[3 : 3+docIDLen])

	off := 3 + docIDLen
	payloadLen := int(binary.BigEndian.Uint32(raw[off : off+4]))

	if payloadLen > maxPayloadLen || len(raw) < off+4+payloadLen {
		return Frame{}, ErrMalformedFrame
	}

	payload := raw[off+4 : off+4+payloadLen]

	return Frame{Type: msgType, DocID: docID, Payload: payload}, nil
}

// String names a MsgType for logging.
func (t MsgType) String() string {
	switch t {
	case MsgSyncStep1:
		return "SYNC_STEP_1"
	case MsgSyncStep2:
		return "SYNC_STEP_2"
	case MsgUpdate:
		return "UPDATE"
	case MsgIndexUpdate:
		return "INDEX_UPDATE"
	case MsgBlobPut:
		return "BLOB_PUT"
	case MsgBlobGet:
		return "BLOB_GET"
	case MsgBlobData:
		return "BLOB_DATA"
	case MsgHello:
		return "HELLO"
	case MsgErrHistoryLost:
		return "ERR_HISTORY_LOST"
	default:
		return "UNKNOWN"
	}
}
