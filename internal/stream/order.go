package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errNotConnected = errors.New("order stream: not connected")

// OrderRequestKind distinguishes the two order-entry requests the
// authenticated socket accepts.
type OrderRequestKind string

const (
	RequestPlaceLimit  OrderRequestKind = "place_limit"
	RequestPlaceMarket OrderRequestKind = "place_market"
)

type orderRequest struct {
	ID     string           `json:"id"`
	Kind   OrderRequestKind `json:"kind"`
	Symbol string           `json:"symbol"`
	Side   string           `json:"side"`
	Qty    float64          `json:"qty"`
	Price  float64          `json:"price,omitempty"`
}

type orderAck struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Error   string `json:"error,omitempty"`
}

type topicMessage struct {
	Type       string  `json:"type"`
	OrderID    string  `json:"order_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Qty        float64 `json:"qty"`
	Price      float64 `json:"price"`
	Equity     float64 `json:"equity"`
	FreeMargin float64 `json:"free_margin"`
}

// ExecutionEvent reports a fill the broker pushed over the order
// socket, outside the request/ack the order that caused it was placed
// with (a ladder rung filling later, a stop triggered server-side).
type ExecutionEvent struct {
	OrderID, Symbol, Side string
	Qty, Price            float64
}

// BalanceEvent reports an account balance push.
type BalanceEvent struct {
	Equity, FreeMargin float64
}

// OrderStream is the authenticated order-entry and fill/balance feed.
// PlaceLimit and PlaceMarket submit a request and block for the
// matching ack; Events delivers execution and balance pushes that
// arrive independent of any one request.
type OrderStream struct {
	URL string

	conn connection

	connMu   sync.Mutex
	liveConn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan orderAck

	events chan interface{}
}

func NewOrderStream(url string) *OrderStream {
	return &OrderStream{
		URL:     url,
		pending: make(map[string]chan orderAck),
		events:  make(chan interface{}, 256),
	}
}

func (o *OrderStream) IsConnected() bool {
	return o.conn.IsConnected()
}

// Events delivers ExecutionEvent and BalanceEvent values as they
// arrive. The channel is buffered; a slow consumer drops events rather
// than stalling the read loop.
func (o *OrderStream) Events() <-chan interface{} {
	return o.events
}

func (o *OrderStream) Run(ctx context.Context) {
	o.conn.url = o.URL
	o.conn.run(ctx, o.handleConn)
}

func (o *OrderStream) handleConn(ctx context.Context, conn *websocket.Conn) error {
	o.connMu.Lock()
	o.liveConn = conn
	o.connMu.Unlock()
	defer func() {
		o.connMu.Lock()
		o.liveConn = nil
		o.connMu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			o.failAllPending(err)
			return err
		}
		o.dispatch(raw)
	}
}

func (o *OrderStream) dispatch(raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		log.Warn().Err(err).Msg("order stream: malformed message")
		return
	}

	switch envelope.Type {
	case "order_ack":
		var ack orderAck
		if err := json.Unmarshal(raw, &ack); err != nil {
			return
		}
		o.resolve(ack)
	case "execution":
		var m topicMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		o.publish(ExecutionEvent{OrderID: m.OrderID, Symbol: m.Symbol, Side: m.Side, Qty: m.Qty, Price: m.Price})
	case "balance":
		var m topicMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		o.publish(BalanceEvent{Equity: m.Equity, FreeMargin: m.FreeMargin})
	}
}

func (o *OrderStream) publish(ev interface{}) {
	select {
	case o.events <- ev:
	default:
		log.Warn().Msg("order stream: event buffer full, dropping event")
	}
}

func (o *OrderStream) resolve(ack orderAck) {
	o.mu.Lock()
	ch, ok := o.pending[ack.ID]
	if ok {
		delete(o.pending, ack.ID)
	}
	o.mu.Unlock()
	if ok {
		ch <- ack
		close(ch)
	}
}

func (o *OrderStream) failAllPending(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, ch := range o.pending {
		ch <- orderAck{ID: id, Error: err.Error()}
		close(ch)
		delete(o.pending, id)
	}
}

func (o *OrderStream) writeRequest(req orderRequest) error {
	o.connMu.Lock()
	conn := o.liveConn
	o.connMu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteJSON(req)
}

// PlaceLimit submits a limit order and blocks until the broker echoes
// an order id, ctx is cancelled, or the socket drops.
func (o *OrderStream) PlaceLimit(ctx context.Context, symbol, side string, qty, price float64) (string, error) {
	return o.place(ctx, RequestPlaceLimit, symbol, side, qty, price)
}

// PlaceMarket submits a market order the same way PlaceLimit does.
func (o *OrderStream) PlaceMarket(ctx context.Context, symbol, side string, qty float64) (string, error) {
	return o.place(ctx, RequestPlaceMarket, symbol, side, qty, 0)
}

func (o *OrderStream) place(ctx context.Context, kind OrderRequestKind, symbol, side string, qty, price float64) (string, error) {
	req := orderRequest{ID: uuid.NewString(), Kind: kind, Symbol: symbol, Side: side, Qty: qty, Price: price}

	ch := make(chan orderAck, 1)
	o.mu.Lock()
	o.pending[req.ID] = ch
	o.mu.Unlock()

	if err := o.writeRequest(req); err != nil {
		o.mu.Lock()
		delete(o.pending, req.ID)
		o.mu.Unlock()
		return "", err
	}

	select {
	case ack := <-ch:
		if ack.Error != "" {
			return "", errors.New(ack.Error)
		}
		return ack.OrderID, nil
	case <-ctx.Done():
		o.mu.Lock()
		delete(o.pending, req.ID)
		o.mu.Unlock()
		return "", ctx.Err()
	}
}
