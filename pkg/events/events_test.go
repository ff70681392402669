package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesEveryEventType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventLeaderElected})
	b.Publish(&Event{Type: EventInstanceChanged})

	assertReceivesType(t, sub, EventLeaderElected)
	assertReceivesType(t, sub, EventInstanceChanged)
}

func TestSubscribeFilteredOnlyReceivesWantedTypes(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.SubscribeFiltered(EventLeaderElected)
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventInstanceChanged})
	b.Publish(&Event{Type: EventLeaderElected})

	assertReceivesType(t, sub, EventLeaderElected)

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event delivered to filtered subscriber: %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func assertReceivesType(t *testing.T, sub Subscriber, want EventType) {
	t.Helper()
	select {
	case ev := <-sub:
		require.Equal(t, want, ev.Type)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event %s", want)
	}
}
