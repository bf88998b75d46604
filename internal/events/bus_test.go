package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	bus.Publish(TradeExecuted{OrderID: "o-1", Symbol: "ACME", Side: "buy", Qty: 10})

	for _, ch := range []<-chan TradeExecuted{a, b} {
		ev := <-ch
		assert.Equal(t, TypeTradeExecuted, ev.Type)
		assert.Equal(t, "o-1", ev.OrderID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	slow, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(TradeExecuted{OrderID: "o-1"})
	bus.Publish(TradeExecuted{OrderID: "o-2"}) // buffer full, dropped

	ev := <-slow
	assert.Equal(t, "o-1", ev.OrderID)
	select {
	case extra := <-slow:
		t.Fatalf("unexpected event %s", extra.OrderID)
	default:
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())

	unsub()
	unsub()
	assert.Zero(t, bus.Subscribers())
	_, open := <-ch
	assert.False(t, open)

	bus.Publish(TradeExecuted{OrderID: "after"})
}
