package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlaceReturnsErrorWhenNotConnected(t *testing.T) {
	o := NewOrderStream("wss://example/ws")
	_, err := o.PlaceLimit(context.Background(), "BTC/USD", "buy", 1, 100)
	assert.ErrorIs(t, err, errNotConnected)
}

func TestResolveDeliversAckToWaitingChannel(t *testing.T) {
	o := NewOrderStream("wss://example/ws")
	ch := make(chan orderAck, 1)
	o.mu.Lock()
	o.pending["req-1"] = ch
	o.mu.Unlock()

	o.resolve(orderAck{ID: "req-1", OrderID: "order-9"})

	select {
	case ack := <-ch:
		assert.Equal(t, "order-9", ack.OrderID)
	default:
		t.Fatal("ack never delivered")
	}

	o.mu.Lock()
	_, stillPending := o.pending["req-1"]
	o.mu.Unlock()
	assert.False(t, stillPending)
}

func TestFailAllPendingDeliversErrorToEveryWaiter(t *testing.T) {
	o := NewOrderStream("wss://example/ws")
	ch1 := make(chan orderAck, 1)
	ch2 := make(chan orderAck, 1)
	o.mu.Lock()
	o.pending["req-1"] = ch1
	o.pending["req-2"] = ch2
	o.mu.Unlock()

	o.failAllPending(assertErr{"socket closed"})

	ack1 := <-ch1
	ack2 := <-ch2
	assert.Equal(t, "socket closed", ack1.Error)
	assert.Equal(t, "socket closed", ack2.Error)

	o.mu.Lock()
	assert.Empty(t, o.pending)
	o.mu.Unlock()
}

func TestDispatchExecutionEventReachesEventsChannel(t *testing.T) {
	o := NewOrderStream("wss://example/ws")
	o.dispatch([]byte(`{"type":"execution","order_id":"o1","symbol":"BTC/USD","side":"sell","qty":1,"price":95}`))

	select {
	case ev := <-o.Events():
		exec, ok := ev.(ExecutionEvent)
		assert.True(t, ok)
		assert.Equal(t, "o1", exec.OrderID)
		assert.Equal(t, 95.0, exec.Price)
	default:
		t.Fatal("execution event never published")
	}
}

func TestDispatchBalanceEventReachesEventsChannel(t *testing.T) {
	o := NewOrderStream("wss://example/ws")
	o.dispatch([]byte(`{"type":"balance","equity":1000,"free_margin":800}`))

	select {
	case ev := <-o.Events():
		bal, ok := ev.(BalanceEvent)
		assert.True(t, ok)
		assert.Equal(t, 1000.0, bal.Equity)
		assert.Equal(t, 800.0, bal.FreeMargin)
	default:
		t.Fatal("balance event never published")
	}
}

func TestDispatchIgnoresMalformedMessage(t *testing.T) {
	o := NewOrderStream("wss://example/ws")
	o.dispatch([]byte(`not json`))

	select {
	case ev := <-o.Events():
		t.Fatalf("unexpected event from malformed message: %#v", ev)
	default:
	}
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
