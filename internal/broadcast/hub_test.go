package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscriptions(t *testing.T) {
	h := New()

	a := h.Subscribe("notes/a.md")
	b := h.Subscribe("notes/a.md")

	h.Publish("notes/a.md", Message{Update: []byte("update"), Origin: "conn-1"})

	for _, ch := range []<-chan Message{a, b} {
		select {
		case got := <-ch:
			require.Equal(t, []byte("update"), got.Update)
			require.Equal(t, "conn-1", got.Origin)
		case <-time.After(time.Second):
			t.Fatal("subscription never received publish")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := New()

	ch := h.Subscribe("notes/a.md")
	h.Unsubscribe("notes/a.md", ch)

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestPublishToDifferentDocDoesNotCrossDeliver(t *testing.T) {
	h := New()

	a := h.Subscribe("notes/a.md")

	h.Publish("notes/other.md", Message{Update: []byte("update")})

	select {
	case <-a:
		t.Fatal("subscriber of a different doc_id should not receive publish")
	default:
	}
}

func TestPublishDropsAndCountsWhenBufferFull(t *testing.T) {
	h := New()

	ch := h.Subscribe("notes/a.md")

	for i := 0; i < outboxCapacity+2; i++ {
		h.Publish("notes/a.md", Message{Update: []byte("x")})
	}

	require.Equal(t, uint64(2), h.DroppedTotal())
	_ = ch
}
