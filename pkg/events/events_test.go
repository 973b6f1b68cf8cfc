package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidsync/voidsync/pkg/contracts"
)

func TestPublishReachesChannelSubscribers(t *testing.T) {
	b := NewBus(4, nil)
	defer b.Close()

	sub := b.Subscribe(contracts.ChannelChanges)
	other := b.Subscribe("other")

	b.Publish(contracts.ChannelChanges, contracts.Envelope{Type: contracts.MsgChangesUpdated})

	select {
	case env := <-sub.C:
		assert.Equal(t, contracts.MsgChangesUpdated, env.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	select {
	case <-other.C:
		t.Fatal("event leaked across channels")
	default:
	}
}

func TestPerSubscriberOrdering(t *testing.T) {
	b := NewBus(8, nil)
	defer b.Close()

	sub := b.Subscribe("c")
	for _, typ := range []string{"one", "two", "three"} {
		b.Publish("c", contracts.Envelope{Type: typ})
	}

	for _, want := range []string{"one", "two", "three"} {
		env := <-sub.C
		assert.Equal(t, want, env.Type)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus(2, nil)
	defer b.Close()

	sub := b.Subscribe("c")
	for i := 0; i < 5; i++ {
		b.Publish("c", contracts.Envelope{Type: "e"})
	}

	// Queue held the first two; the rest were dropped, and Publish
	// never blocked to get here.
	count := 0
	for {
		select {
		case <-sub.C:
			count++
		default:
			assert.Equal(t, 2, count)
			return
		}
	}
}

func TestUnsubscribeClosesFeed(t *testing.T) {
	b := NewBus(4, nil)
	defer b.Close()

	sub := b.Subscribe("c")
	require.Equal(t, 1, b.SubscriberCount("c"))

	b.Unsubscribe(sub)
	assert.Zero(t, b.SubscriberCount("c"))

	_, open := <-sub.C
	assert.False(t, open)

	// Double unsubscribe is safe.
	b.Unsubscribe(sub)
}

func TestCloseShutsDownAllSubscribers(t *testing.T) {
	b := NewBus(4, nil)
	sub := b.Subscribe("c")

	b.Close()
	_, open := <-sub.C
	assert.False(t, open)

	// Publishing and subscribing after close are no-ops.
	b.Publish("c", contracts.Envelope{Type: "e"})
	late := b.Subscribe("c")
	_, open = <-late.C
	assert.False(t, open)
}
