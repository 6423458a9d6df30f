package blob

import (
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"github.com/syncline/syncline/internal/wire"
)

type fakeSender struct {
	frames []wire.Frame
}

func (f *fakeSender) WriteFrame(frame wire.Frame) error {
	f.frames = append(f.frames, frame)
	return nil
}

func TestPutSendsContentUnderItsOwnHash(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, log.NewNopLogger())

	hash, err := p.Put([]byte("binary content"))
	require.NoError(t, err)
	require.Equal(t, Sum([]byte("binary content")), hash)

	require.Len(t, sender.frames, 1)
	require.Equal(t, wire.MsgBlobPut, sender.frames[0].Type)
	require.Equal(t, hash, sender.frames[0].DocID)
}

func TestGetSendsBlobGetByHash(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, log.NewNopLogger())

	require.NoError(t, p.Get("deadbeef"))

	require.Len(t, sender.frames, 1)
	require.Equal(t, wire.MsgBlobGet, sender.frames[0].Type)
	require.Equal(t, "deadbeef", sender.frames[0].DocID)
}

func TestResolveConflictLocalNewerKeepsLocalName(t *testing.T) {
	localWins, loserPath := ResolveConflict("image.png", 200, 100, "laptop", "desktop")
	require.True(t, localWins)
	require.Equal(t, "image (desktop).png", loserPath)
}

func TestResolveConflictRemoteNewerRenamesLocal(t *testing.T) {
	localWins, loserPath := ResolveConflict("image.png", 100, 200, "laptop", "desktop")
	require.False(t, localWins)
	require.Equal(t, "image (laptop).png", loserPath)
}
