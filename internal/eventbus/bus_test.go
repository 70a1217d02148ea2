package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	b.Publish(Event{Type: TypeWarning, Room: "r"})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			require.Equal(t, TypeWarning, e.Type)
			require.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("no event")
		}
	}

	unsubA()
	unsubA()
	_, ok := <-a
	require.False(t, ok)
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeActivity})
	b.Publish(Event{Type: TypeExpired})
	require.Equal(t, TypeActivity, (<-ch).Type)
	require.Len(t, ch, 0)
}
