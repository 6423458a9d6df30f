package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Type:    MsgUpdate,
		DocID:   "note.md",
		Payload: []byte{1, 2, 3, 4},
	}

	decoded, err := Decode(Encode(f))
	require.NoError(t, err)
	assert.Equal(t, f, decoded)
}

func TestEncodeDecodeEmptyDocID(t *testing.T) {
	f := Frame{Type: MsgHello, Payload: []byte("Alice")}

	decoded, err := Decode(Encode(f))
	require.NoError(t, err)
	assert.Equal(t, "", decoded.DocID)
	assert.Equal(t, []byte("Alice"), decoded.Payload)
}

func TestDecodeTruncatedFails(t *testing.T) {
	f := Frame{Type: MsgUpdate, DocID: "d", Payload: []byte("hello")}
	raw := Encode(f)

	_, err := Decode(raw[:len(raw)-2])
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeTooShortForHeaderFails(t *testing.T) {
	_, err := Decode([]byte{1, 0})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeBogusDocIDLenFails(t *testing.T) {
	raw := []byte{byte(MsgUpdate), 0xFF, 0xFF, 0, 0}
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "SYNC_STEP_1", MsgSyncStep1.String())
	assert.Equal(t, "UNKNOWN", MsgType(255).String())
}
